package session

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mwistrand/aussie/config"
)

func testSigningKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	block := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, string(block)
}

func testJWSConfig(pemKey string) config.JWSConfig {
	return config.JWSConfig{
		Enabled:       true,
		Issuer:        "aussie",
		KeyID:         "test-key",
		SigningKeyPEM: pemKey,
		TTL:           5 * time.Minute,
		MaxTTL:        15 * time.Minute,
		Header:        "X-Aussie-Token",
	}
}

func TestMintSignsVerifiableToken(t *testing.T) {
	key, pemKey := testSigningKey(t)
	minter, err := NewMinter(testJWSConfig(pemKey))
	if err != nil {
		t.Fatal(err)
	}

	s := &Session{
		ID:          "sess-1",
		UserID:      "user-1",
		ExpiresAt:   time.Now().Add(time.Hour),
		Permissions: []string{"demo:read"},
		Claims:      map[string]any{"email": "dev@example.com"},
	}

	raw, err := minter.Mint(s)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatal(err)
	}

	claims := parsed.Claims.(jwt.MapClaims)
	if claims["sub"] != "user-1" || claims["sid"] != "sess-1" {
		t.Fatalf("unexpected claims: %v", claims)
	}
	if parsed.Header["kid"] != "test-key" {
		t.Fatalf("kid = %v, want test-key", parsed.Header["kid"])
	}
	if claims["email"] != "dev@example.com" {
		t.Fatalf("email claim missing: %v", claims)
	}
}

func TestMintClampsTTLToSessionExpiry(t *testing.T) {
	_, pemKey := testSigningKey(t)
	minter, err := NewMinter(testJWSConfig(pemKey))
	if err != nil {
		t.Fatal(err)
	}

	// Session expires in one minute; the 5 minute configured TTL must clamp.
	s := &Session{ID: "s", UserID: "u", ExpiresAt: time.Now().Add(time.Minute)}
	raw, err := minter.Mint(s)
	if err != nil {
		t.Fatal(err)
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		t.Fatal(err)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		t.Fatal(err)
	}
	if exp.After(time.Now().Add(time.Minute + time.Second)) {
		t.Fatalf("exp = %v, want clamped to session expiry", exp)
	}
}

func TestMintFiltersClaims(t *testing.T) {
	_, pemKey := testSigningKey(t)
	cfg := testJWSConfig(pemKey)
	cfg.IncludeClaims = []string{"email"}
	minter, err := NewMinter(cfg)
	if err != nil {
		t.Fatal(err)
	}

	s := &Session{
		ID:        "s",
		UserID:    "u",
		ExpiresAt: time.Now().Add(time.Hour),
		Claims:    map[string]any{"email": "dev@example.com", "phone": "555"},
	}
	raw, err := minter.Mint(s)
	if err != nil {
		t.Fatal(err)
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		t.Fatal(err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["email"] != "dev@example.com" {
		t.Fatal("allowed claim should pass the filter")
	}
	if _, ok := claims["phone"]; ok {
		t.Fatal("filtered claim leaked into the token")
	}
}

func TestMintRejectsExpiredSession(t *testing.T) {
	_, pemKey := testSigningKey(t)
	minter, err := NewMinter(testJWSConfig(pemKey))
	if err != nil {
		t.Fatal(err)
	}

	s := &Session{ID: "s", UserID: "u", ExpiresAt: time.Now().Add(-time.Minute)}
	if _, err := minter.Mint(s); err == nil {
		t.Fatal("minting for an expired session should fail")
	}
}

func TestDisabledMinter(t *testing.T) {
	minter, err := NewMinter(config.JWSConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if minter.Enabled() {
		t.Fatal("minter should report disabled")
	}
}
