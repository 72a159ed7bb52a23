// Package tokenverify validates the bearer tokens issued by the
// identity provider, for backends that gate their endpoints on a
// signed-in caller. Three constructions are supported: OIDC discovery
// (jwks_uri learned from the issuer), a static JWKS URI, and a shared
// HMAC secret for deployments where the auth server signs with HS256.
package tokenverify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences contains the primary audience (index 0) followed
	// by any additional accepted audiences. Keep this set small in
	// production.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// ErrUnauthorized indicates that the access token failed validation
// (signature, issuer, audience, exp/nbf) and the request should be
// treated as unauthenticated.
var ErrUnauthorized = errors.New("tokenverify: unauthorized")

// UserInfo is the claims carrier for a validated token.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier validates access tokens and returns a minimal UserInfo that
// exposes the subject and access to raw claims. Implementations MUST
// perform signature, issuer, audience and time validations.
type Verifier interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type verifier struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

var _ Verifier = (*verifier)(nil)

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to obtain
// jwks_uri and constructs a Verifier. JWKS keys are auto-refreshed.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Verifier, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return newJWKSVerifier(ctx, cfg, meta.JwksURI)
}

// NewStatic constructs a Verifier against a statically configured JWKS
// URI, skipping discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (Verifier, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	return newJWKSVerifier(ctx, cfg, jwksURI)
}

// NewWithSecret constructs a Verifier for HS256-signed tokens sharing a
// symmetric secret with the auth server. This is how Supabase-style
// deployments sign their access tokens by default.
func NewWithSecret(cfg *Config, secret []byte) (Verifier, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	cfg.AllowedAlgs = []string{"HS256"}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	return &verifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return secret, nil
	}}, nil
}

func newJWKSVerifier(ctx context.Context, cfg *Config, jwksURI string) (Verifier, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &verifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		allowed := false
		for _, a := range cfg.AllowedAlgs {
			if alg == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}}, nil
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	return nil
}

// CheckAuthentication validates tok and returns the caller's identity.
func (v *verifier) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if len(v.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(v.cfg.ExpectedAudiences[0]))
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if len(v.cfg.ExpectedAudiences) > 1 && !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
