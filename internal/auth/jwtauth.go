package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mwistrand/aussie/config"
	gwerrors "github.com/mwistrand/aussie/internal/errors"
	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/ratelimit"
)

// ClaimsTranslator optionally rewrites validated claims before the identity
// is built, e.g. to map an IdP-specific groups claim onto permissions.
type ClaimsTranslator func(claims map[string]any) map[string]any

// JWTMechanism validates OIDC bearer tokens against per-issuer JWKS. Key
// sets are cached with background refresh; concurrent cold misses for the
// same issuer coalesce into one fetch.
type JWTMechanism struct {
	prefix    string
	issuers   map[string]config.IssuerConfig
	cache     *jwk.Cache
	group     singleflight.Group
	translate ClaimsTranslator
	now       func() time.Time
}

// NewJWTMechanism registers every configured issuer's JWKS URL with the
// cache and returns the mechanism. prefix is the API key prefix; tokens
// carrying it are not JWTs and are skipped here.
func NewJWTMechanism(ctx context.Context, prefix string, jwtCfg config.JWTConfig, res config.JWKSResiliency, translate ClaimsTranslator) (*JWTMechanism, error) {
	cache := jwk.NewCache(ctx)

	client := &http.Client{Timeout: res.FetchTimeout}
	issuers := make(map[string]config.IssuerConfig, len(jwtCfg.Issuers))
	for _, iss := range jwtCfg.Issuers {
		if err := cache.Register(iss.JWKSURL,
			jwk.WithMinRefreshInterval(res.CacheTTL),
			jwk.WithHTTPClient(client),
		); err != nil {
			return nil, fmt.Errorf("jwks register %s: %w", iss.Issuer, err)
		}
		issuers[iss.Issuer] = iss
	}

	return &JWTMechanism{
		prefix:    prefix,
		issuers:   issuers,
		cache:     cache,
		translate: translate,
		now:       time.Now,
	}, nil
}

func (m *JWTMechanism) Name() string { return "jwt" }

func (m *JWTMechanism) Authenticate(ctx context.Context, r *http.Request) Result {
	token, ok := BearerToken(r)
	if !ok || strings.HasPrefix(token, m.prefix) {
		return Skip()
	}

	identifier := ratelimit.HashIdentifier(token)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.verificationKey(ctx, t)
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		logging.Debug("jwt rejected", zap.Error(err))
		return Failed(gwerrors.ErrUnauthorized, identifier)
	}

	issuer, _ := claims.GetIssuer()
	issuerCfg, known := m.issuers[issuer]
	if !known {
		return Failed(gwerrors.ErrUnauthorized, identifier)
	}
	if !audienceMatches(claims, issuerCfg.Audience) {
		return Failed(gwerrors.ErrUnauthorized, identifier)
	}

	translated := map[string]any(claims)
	if m.translate != nil {
		translated = m.translate(translated)
	}

	sub, _ := translated["sub"].(string)
	if sub == "" {
		return Failed(gwerrors.ErrUnauthorized, identifier)
	}

	var name string
	for _, k := range []string{"name", "preferred_username"} {
		if v, ok := translated[k].(string); ok && v != "" {
			name = v
			break
		}
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}

	return Authenticated(NewIdentity(Identity{
		ID:          sub,
		Name:        name,
		Permissions: stringSlice(translated["permissions"]),
		Issuer:      issuer,
		Claims:      translated,
		ExpiresAt:   expiresAt,
		Mechanism:   m.Name(),
	}))
}

// verificationKey resolves the signing key for the token: the unverified
// iss claim selects the issuer, whose cached JWKS is searched by kid.
func (m *JWTMechanism) verificationKey(ctx context.Context, t *jwt.Token) (any, error) {
	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return nil, fmt.Errorf("token has no issuer")
	}
	issuerCfg, known := m.issuers[issuer]
	if !known {
		return nil, fmt.Errorf("unknown issuer %q", issuer)
	}

	set, err := m.fetchKeySet(ctx, issuerCfg.JWKSURL)
	if err != nil {
		return nil, err
	}

	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token has no kid header")
	}
	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("no key %q for issuer %q", kid, issuer)
	}

	var pub any
	if err := key.Raw(&pub); err != nil {
		return nil, fmt.Errorf("jwks key materialization: %w", err)
	}
	return pub, nil
}

func (m *JWTMechanism) fetchKeySet(ctx context.Context, url string) (jwk.Set, error) {
	v, err, _ := m.group.Do(url, func() (any, error) {
		return m.cache.Get(ctx, url)
	})
	if err != nil {
		return nil, fmt.Errorf("jwks fetch: %w", err)
	}
	return v.(jwk.Set), nil
}

// audienceMatches reports whether the token's aud claim intersects the
// configured audience list. An empty configuration skips the check.
func audienceMatches(claims jwt.MapClaims, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	auds, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, aud := range auds {
		for _, want := range allowed {
			if aud == want {
				return true
			}
		}
	}
	return false
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
