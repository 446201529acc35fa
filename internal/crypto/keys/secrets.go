package keys

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"carevault/pkg/platform/sentinel"
)

// MinSecretSize is the smallest master secret accepted from any store.
const MinSecretSize = 16

// SecretStore supplies the master secret for a key version. Production
// deployments back it with a secret manager; this package ships env and
// in-process implementations.
type SecretStore interface {
	MasterSecret(ctx context.Context, version int) ([]byte, error)
}

// EnvSecretStore reads KEY_MASTER_SECRET_V<n>. Values prefixed with
// "base64:" are decoded, anything else is used as raw bytes.
type EnvSecretStore struct {
	lookup func(string) (string, bool)
}

func NewEnvSecretStore() *EnvSecretStore {
	return &EnvSecretStore{lookup: os.LookupEnv}
}

// EnvName returns the variable that holds the secret for version.
func EnvName(version int) string {
	return "KEY_MASTER_SECRET_V" + strconv.Itoa(version)
}

func (s *EnvSecretStore) MasterSecret(_ context.Context, version int) ([]byte, error) {
	raw, ok := s.lookup(EnvName(version))
	if !ok || raw == "" {
		return nil, fmt.Errorf("master secret v%d: %w", version, sentinel.ErrNotFound)
	}
	secret := []byte(raw)
	if encoded, found := strings.CutPrefix(raw, "base64:"); found {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode master secret v%d: %w", version, err)
		}
		secret = decoded
	}
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("master secret v%d shorter than %d bytes", version, MinSecretSize)
	}
	return secret, nil
}

// StaticSecretStore serves fixed secrets, for tests and local runs.
type StaticSecretStore map[int][]byte

func (s StaticSecretStore) MasterSecret(_ context.Context, version int) ([]byte, error) {
	secret, ok := s[version]
	if !ok {
		return nil, fmt.Errorf("master secret v%d: %w", version, sentinel.ErrNotFound)
	}
	return secret, nil
}
