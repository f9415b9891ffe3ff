package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	gwerrors "github.com/mwistrand/aussie/internal/errors"
	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/ratelimit"
)

// ApiKey is a stored gateway credential. Only the SHA-256 of the full token
// is persisted. Keys are immutable after creation except the Revoked flag.
type ApiKey struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	KeyHash     string    `json:"key_hash"`
	OwnerID     string    `json:"owner_id"`
	Permissions []string  `json:"permissions,omitempty"`
	Revoked     bool      `json:"revoked"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Usable reports whether the key may authenticate at the given instant.
func (k *ApiKey) Usable(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt) {
		return false
	}
	return true
}

// Redacted returns a copy safe for logging and admin listings.
func (k *ApiKey) Redacted() ApiKey {
	c := *k
	if len(c.KeyHash) > 8 {
		c.KeyHash = c.KeyHash[:8] + "..."
	}
	return c
}

// HashKey derives the stored lookup hash from the presented token.
func HashKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateKey mints a new bearer credential carrying the gateway prefix.
// Only the hash of the result is ever stored; the plaintext is shown to the
// caller exactly once.
func GenerateKey(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("api key generation: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// KeyRepository persists API keys indexed by their token hash.
type KeyRepository interface {
	FindByHash(ctx context.Context, hash string) (*ApiKey, error)
	Create(ctx context.Context, key *ApiKey) error
	Revoke(ctx context.Context, id string) error
	List(ctx context.Context) ([]*ApiKey, error)
}

// MemoryKeyRepository is the in-process key store.
type MemoryKeyRepository struct {
	mu     sync.RWMutex
	byHash map[string]*ApiKey
	byID   map[string]*ApiKey
}

// NewMemoryKeyRepository creates an empty in-process key store.
func NewMemoryKeyRepository() *MemoryKeyRepository {
	return &MemoryKeyRepository{
		byHash: make(map[string]*ApiKey),
		byID:   make(map[string]*ApiKey),
	}
}

func (m *MemoryKeyRepository) FindByHash(ctx context.Context, hash string) (*ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.byHash[hash]
	if !ok {
		return nil, nil
	}
	copied := *k
	return &copied, nil
}

func (m *MemoryKeyRepository) Create(ctx context.Context, key *ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *key
	m.byHash[key.KeyHash] = &copied
	m.byID[key.ID] = &copied
	return nil
}

func (m *MemoryKeyRepository) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.byID[id]; ok {
		k.Revoked = true
	}
	return nil
}

func (m *MemoryKeyRepository) List(ctx context.Context) ([]*ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]*ApiKey, 0, len(m.byID))
	for _, k := range m.byID {
		copied := *k
		keys = append(keys, &copied)
	}
	return keys, nil
}

// keyCacheTTL bounds staleness of cached lookups; a revoked key may keep
// authenticating for at most this long on a warm cache.
const keyCacheTTL = 30 * time.Second

// APIKeyMechanism authenticates bearer tokens carrying the gateway key
// prefix. Positive lookups are cached briefly to keep the hash-and-fetch
// off the hot path.
type APIKeyMechanism struct {
	prefix string
	repo   KeyRepository
	cache  *expirable.LRU[string, *ApiKey]
	now    func() time.Time
}

// NewAPIKeyMechanism creates the API key mechanism.
func NewAPIKeyMechanism(prefix string, repo KeyRepository) *APIKeyMechanism {
	return &APIKeyMechanism{
		prefix: prefix,
		repo:   repo,
		cache:  expirable.NewLRU[string, *ApiKey](1024, nil, keyCacheTTL),
		now:    time.Now,
	}
}

func (m *APIKeyMechanism) Name() string { return "apikey" }

func (m *APIKeyMechanism) Authenticate(ctx context.Context, r *http.Request) Result {
	token, ok := BearerToken(r)
	if !ok || !strings.HasPrefix(token, m.prefix) {
		return Skip()
	}

	identifier := ratelimit.HashIdentifier(token)
	hash := HashKey(token)

	key, cached := m.cache.Get(hash)
	if !cached {
		var err error
		key, err = m.repo.FindByHash(ctx, hash)
		if err != nil {
			logging.Warn("api key lookup failed", zap.Error(err))
			return Failed(gwerrors.ErrUnauthorized, identifier)
		}
		if key != nil {
			m.cache.Add(hash, key)
		}
	}

	if key == nil || !key.Usable(m.now()) {
		return Failed(gwerrors.ErrUnauthorized, identifier)
	}

	return Authenticated(NewIdentity(Identity{
		ID:          key.OwnerID,
		Name:        key.Name,
		Permissions: key.Permissions,
		KeyID:       key.ID,
		ExpiresAt:   key.ExpiresAt,
		Mechanism:   m.Name(),
	}))
}

// BearerToken extracts the Authorization bearer credential, scheme matched
// case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	const scheme = "bearer "
	if len(h) <= len(scheme) || !strings.EqualFold(h[:len(scheme)], scheme) {
		return "", false
	}
	return strings.TrimSpace(h[len(scheme):]), true
}
