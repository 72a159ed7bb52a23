package tokenverify

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys"}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":   m.issuer,
			"jwks_uri": m.issuer + m.jwksPath,
		})
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signRS256(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	return cfg
}

func TestVerifier_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)

	aud := "authenticated"
	ctx := context.Background()
	v, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, aud))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	tok := signRS256(t, pk, kid, jwt.MapClaims{
		"iss":   oidc.issuer,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"email": "a@x.com",
	})

	ui, err := v.CheckAuthentication(ctx, tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}

	var out struct {
		Email string `json:"email"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Email != "a@x.com" {
		t.Fatalf("email roundtrip mismatch: %q", out.Email)
	}
}

func TestVerifier_Static(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	t.Cleanup(srv.Close)

	issuer := "https://auth.example.com"
	aud := "authenticated"
	ctx := context.Background()
	v, err := NewStatic(ctx, baseConfig(issuer, aud), srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	tok := signRS256(t, pk, kid, jwt.MapClaims{
		"iss": issuer,
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	})
	if _, err := v.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestVerifier_SharedSecret(t *testing.T) {
	issuer := "https://auth.example.com"
	aud := "authenticated"
	secret := []byte("super-secret-jwt-key")
	v, err := NewWithSecret(baseConfig(issuer, aud), secret)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": issuer,
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	})
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ui, err := v.CheckAuthentication(context.Background(), signed)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}

	// Wrong secret must not verify.
	bad, _ := tok.SignedString([]byte("other-secret"))
	if _, err := v.CheckAuthentication(context.Background(), bad); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestVerifier_AudienceArray(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)

	aud := "authenticated"
	ctx := context.Background()
	v, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, aud))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	tok := signRS256(t, pk, kid, jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "user-123",
		"aud": []string{"https://other", aud},
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	})
	if _, err := v.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestVerifier_AdditionalAudiences(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)

	primary := "authenticated"
	extra := "http://localhost:8080"
	cfg := baseConfig(oidc.issuer, primary)
	cfg.ExpectedAudiences = []string{primary, extra}
	ctx := context.Background()
	v, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "user-123",
		"aud": extra,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	if _, err := v.CheckAuthentication(ctx, signRS256(t, pk, kid, claims)); err != nil {
		t.Fatalf("check (extra audience) failed: %v", err)
	}

	claims["aud"] = "https://unknown"
	if _, err := v.CheckAuthentication(ctx, signRS256(t, pk, kid, claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown audience, got %v", err)
	}
}

func TestVerifier_Expired(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)

	aud := "authenticated"
	ctx := context.Background()
	v, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, aud))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	tok := signRS256(t, pk, kid, jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(-time.Hour).Unix(),
		"iat": now.Add(-2 * time.Hour).Unix(),
	})
	if _, err := v.CheckAuthentication(ctx, tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for expired token, got %v", err)
	}
}

func TestVerifier_IssuerMismatch(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)

	aud := "authenticated"
	ctx := context.Background()
	v, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, aud))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	tok := signRS256(t, pk, kid, jwt.MapClaims{
		"iss": "https://evil.example.com",
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	})
	if _, err := v.CheckAuthentication(ctx, tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestVerifier_MissingSub(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)

	aud := "authenticated"
	ctx := context.Background()
	v, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, aud))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	tok := signRS256(t, pk, kid, jwt.MapClaims{
		"iss": oidc.issuer,
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	})
	if _, err := v.CheckAuthentication(ctx, tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}
