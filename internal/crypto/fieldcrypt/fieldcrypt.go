// Package fieldcrypt seals record payloads with AES-256-GCM.
//
// Nonces are 12 bytes: a 4-byte random prefix drawn once per Encryptor
// followed by an 8-byte big-endian counter. The counter never wraps; once it
// is exhausted Encrypt fails and a new Encryptor must be constructed.
//
// Uniqueness is guaranteed within one Encryptor only. Encryptors sharing a
// key rely on distinct random prefixes, so the number of process starts per
// key version must stay well below 2^16. Rotate the key version before that.
package fieldcrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

const (
	NonceSize  = 12
	TagSize    = 16
	prefixSize = 4
	aadVersion = "carevault/v1"
)

// Sealed is the only form in which a payload leaves the process.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
	KeyVersion int
}

// KeySource supplies data keys per category and version.
type KeySource interface {
	ActiveVersion() int
	Key(ctx context.Context, category domain.Category, version int) ([]byte, error)
}

type Encryptor struct {
	keys    KeySource
	prefix  [prefixSize]byte
	counter atomic.Uint64
}

type Option func(*Encryptor)

// WithCounterStart starts the nonce counter at n. Only useful for exercising
// exhaustion.
func WithCounterStart(n uint64) Option {
	return func(e *Encryptor) {
		e.counter.Store(n)
	}
}

// New draws the nonce prefix from random.
func New(keys KeySource, random io.Reader, opts ...Option) (*Encryptor, error) {
	if keys == nil {
		return nil, fmt.Errorf("key source is required")
	}
	if random == nil {
		random = rand.Reader
	}
	e := &Encryptor{keys: keys}
	if _, err := io.ReadFull(random, e.prefix[:]); err != nil {
		return nil, fmt.Errorf("read nonce prefix: %w", err)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Encrypt seals cleartext under the active key for category, bound to recordID.
func (e *Encryptor) Encrypt(ctx context.Context, cleartext []byte, category domain.Category, recordID domain.RecordID) (Sealed, error) {
	version := e.keys.ActiveVersion()
	aead, err := e.aead(ctx, category, version)
	if err != nil {
		return Sealed{}, err
	}
	nonce, err := e.nextNonce()
	if err != nil {
		return Sealed{}, err
	}

	out := aead.Seal(nil, nonce, cleartext, associatedData(category, recordID, version))
	split := len(out) - TagSize
	return Sealed{
		Ciphertext: out[:split:split],
		Nonce:      nonce,
		Tag:        out[split:],
		KeyVersion: version,
	}, nil
}

// Decrypt opens sealed. A wrong or unknown key version, a different record or
// category binding, and tampered bytes all produce the same CodeIntegrity error.
func (e *Encryptor) Decrypt(ctx context.Context, sealed Sealed, category domain.Category, recordID domain.RecordID) ([]byte, error) {
	if len(sealed.Nonce) != NonceSize || len(sealed.Tag) != TagSize {
		return nil, integrityError()
	}
	aead, err := e.aead(ctx, category, sealed.KeyVersion)
	if err != nil {
		return nil, integrityError()
	}
	buf := make([]byte, 0, len(sealed.Ciphertext)+TagSize)
	buf = append(buf, sealed.Ciphertext...)
	buf = append(buf, sealed.Tag...)

	cleartext, err := aead.Open(nil, sealed.Nonce, buf, associatedData(category, recordID, sealed.KeyVersion))
	if err != nil {
		return nil, integrityError()
	}
	return cleartext, nil
}

func (e *Encryptor) aead(ctx context.Context, category domain.Category, version int) (cipher.AEAD, error) {
	key, err := e.keys.Key(ctx, category, version)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "data key unavailable")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "init cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "init gcm")
	}
	return aead, nil
}

func (e *Encryptor) nextNonce() ([]byte, error) {
	for {
		n := e.counter.Load()
		if n == math.MaxUint64 {
			return nil, dErrors.New(dErrors.CodeInternal, "nonce counter exhausted")
		}
		if e.counter.CompareAndSwap(n, n+1) {
			nonce := make([]byte, NonceSize)
			copy(nonce, e.prefix[:])
			binary.BigEndian.PutUint64(nonce[prefixSize:], n)
			return nonce, nil
		}
	}
}

// associatedData binds ciphertext to its record, purpose and key version.
func associatedData(category domain.Category, recordID domain.RecordID, version int) []byte {
	aad := make([]byte, 0, len(aadVersion)+len(category)+2+16+4)
	aad = append(aad, aadVersion...)
	aad = append(aad, 0)
	aad = append(aad, category...)
	aad = append(aad, 0)
	aad = append(aad, recordID[:]...)
	aad = binary.BigEndian.AppendUint32(aad, uint32(version))
	return aad
}

func integrityError() error {
	return dErrors.New(dErrors.CodeIntegrity, "record integrity check failed")
}
