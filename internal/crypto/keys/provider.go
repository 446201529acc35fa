// Package keys derives per-category data keys from versioned master secrets.
package keys

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"

	"carevault/pkg/domain"
)

const (
	// DefaultIterations is the production PBKDF2 work factor.
	DefaultIterations = 600000
	// MinIterations is the floor accepted by WithIterations.
	MinIterations = 100000
	// KeySize is the derived key length for AES-256.
	KeySize = 32
)

const saltDomain = "carevault/kdf"

type cacheKey struct {
	category domain.Category
	version  int
}

// Provider derives and caches data keys. Derived keys are never mutated, so
// cached slices are shared with callers read-only.
type Provider struct {
	store          SecretStore
	deploymentSalt []byte
	activeVersion  int
	iterations     int

	mu    sync.RWMutex
	cache map[cacheKey][]byte
	group singleflight.Group
}

type Option func(*Provider)

// WithIterations lowers or raises the work factor. Values below
// MinIterations are rejected by NewProvider.
func WithIterations(n int) Option {
	return func(p *Provider) {
		p.iterations = n
	}
}

func NewProvider(store SecretStore, deploymentSalt string, activeVersion int, opts ...Option) (*Provider, error) {
	if store == nil {
		return nil, fmt.Errorf("secret store is required")
	}
	if activeVersion < 1 {
		return nil, fmt.Errorf("active key version must be >= 1, got %d", activeVersion)
	}
	p := &Provider{
		store:          store,
		deploymentSalt: []byte(deploymentSalt),
		activeVersion:  activeVersion,
		iterations:     DefaultIterations,
		cache:          make(map[cacheKey][]byte),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.iterations < MinIterations {
		return nil, fmt.Errorf("pbkdf2 iterations %d below minimum %d", p.iterations, MinIterations)
	}
	return p, nil
}

// ActiveVersion is the key version used for new encryptions.
func (p *Provider) ActiveVersion() int {
	return p.activeVersion
}

// Key returns the data key for category at version, deriving it on first use.
func (p *Provider) Key(ctx context.Context, category domain.Category, version int) ([]byte, error) {
	if !category.IsValid() {
		return nil, fmt.Errorf("unknown key purpose %q", category)
	}
	if version < 1 {
		return nil, fmt.Errorf("invalid key version %d", version)
	}
	ck := cacheKey{category: category, version: version}

	p.mu.RLock()
	key, ok := p.cache[ck]
	p.mu.RUnlock()
	if ok {
		return key, nil
	}

	v, err, _ := p.group.Do(string(category)+"/"+strconv.Itoa(version), func() (any, error) {
		secret, err := p.store.MasterSecret(ctx, version)
		if err != nil {
			return nil, fmt.Errorf("load master secret: %w", err)
		}
		derived := pbkdf2.Key(secret, p.salt(category, version), p.iterations, KeySize, sha256.New)
		p.mu.Lock()
		p.cache[ck] = derived
		p.mu.Unlock()
		return derived, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// salt binds the derivation to the deployment, purpose and version.
func (p *Provider) salt(category domain.Category, version int) []byte {
	h := sha256.New()
	h.Write([]byte(saltDomain))
	h.Write([]byte{0})
	h.Write(p.deploymentSalt)
	h.Write([]byte{0})
	h.Write([]byte(category))
	h.Write([]byte{0})
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(version))
	h.Write(v[:])
	return h.Sum(nil)
}
