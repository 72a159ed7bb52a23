// Package gotrue implements identity.Provider against a GoTrue-style
// HTTP identity service (the auth server used by Supabase projects).
//
// The client holds the active session in memory, schedules token
// refreshes shortly before expiry, and fans provider responses out to
// change subscribers so a sessionstore.Store sees the same push
// semantics a browser client would.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/answerly/sessiongate-go/identity"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
)

// Config carries the connection settings for a GoTrue deployment.
type Config struct {
	// BaseURL is the root of the auth API, e.g.
	// https://xyzcompany.supabase.co/auth/v1.
	BaseURL string `env:"GOTRUE_URL,required"`

	// AnonKey is the project's public API key, sent on every request.
	AnonKey string `env:"GOTRUE_ANON_KEY,required"`

	// RequestTimeout bounds individual HTTP calls.
	RequestTimeout time.Duration `env:"GOTRUE_REQUEST_TIMEOUT,default=10s"`

	// RefreshMargin is how long before token expiry the background
	// refresh fires.
	RefreshMargin time.Duration `env:"GOTRUE_REFRESH_MARGIN,default=30s"`
}

// Client talks to a GoTrue server. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	// retryBackoff is the initial delay before retrying a failed
	// background refresh. It doubles per attempt.
	retryBackoff time.Duration

	mu           sync.Mutex
	current      *identity.Session
	subs         map[int]identity.ChangeHandlerFunction
	nextSub      int
	refreshTimer *time.Timer
	closed       bool
}

var _ identity.Provider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds a Client for the given deployment.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gotrue: BaseURL is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 30 * time.Second
	}
	c := &Client{
		cfg:          cfg,
		http:         &http.Client{Timeout: cfg.RequestTimeout},
		log:          slog.Default(),
		subs:         make(map[int]identity.ChangeHandlerFunction),
		retryBackoff: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromEnv builds a Client from GOTRUE_* environment variables.
func NewFromEnv(opts ...Option) (*Client, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("gotrue: decoding config: %w", err)
	}
	return New(cfg, opts...)
}

// Close stops the background refresh and drops all subscribers.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	c.subs = make(map[int]identity.ChangeHandlerFunction)
	return nil
}

func (c *Client) CurrentSession(ctx context.Context) (*identity.Session, error) {
	c.mu.Lock()
	sess := c.current.Clone()
	c.mu.Unlock()

	if sess == nil {
		return nil, nil
	}
	if !sess.Expired() {
		return sess, nil
	}
	if sess.RefreshToken == "" {
		return nil, nil
	}
	refreshed, err := c.refresh(ctx, sess.RefreshToken)
	if err != nil {
		return nil, err
	}
	return refreshed.Clone(), nil
}

func (c *Client) SubscribeChanges(ctx context.Context, handler identity.ChangeHandlerFunction) (func(), error) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = handler
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}, nil
}

func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any, confirmRedirectURL string) (*identity.SignUpResult, error) {
	endpoint := "/signup"
	if confirmRedirectURL != "" {
		endpoint += "?redirect_to=" + url.QueryEscape(confirmRedirectURL)
	}
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     metadata,
	}
	var payload signUpPayload
	if err := c.do(ctx, http.MethodPost, endpoint, "", body, &payload); err != nil {
		return nil, err
	}

	// A confirmation-required response carries the user but no tokens.
	if payload.AccessToken == "" {
		return &identity.SignUpResult{PendingConfirmation: true}, nil
	}
	sess := c.toSession(payload.sessionPayload)
	c.apply(ctx, identity.EventSignedIn, sess)
	return &identity.SignUpResult{Session: sess.Clone()}, nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	body := map[string]any{"email": email, "password": password}
	var payload sessionPayload
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &payload); err != nil {
		return nil, err
	}
	sess := c.toSession(payload)
	if !sess.Valid() {
		return nil, fmt.Errorf("%w: token response missing session fields", identity.ErrUnavailable)
	}
	c.apply(ctx, identity.EventSignedIn, sess)
	return sess.Clone(), nil
}

func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	token := ""
	if c.current != nil {
		token = c.current.AccessToken
	}
	c.mu.Unlock()

	c.apply(ctx, identity.EventSignedOut, nil)
	if token == "" {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/logout", token, nil, nil)
}

func (c *Client) UpdateUserMetadata(ctx context.Context, patch map[string]any) (*identity.User, error) {
	c.mu.Lock()
	sess := c.current.Clone()
	c.mu.Unlock()
	if !sess.Valid() {
		return nil, fmt.Errorf("%w: no active session", identity.ErrAuthRejected)
	}

	var payload userPayload
	if err := c.do(ctx, http.MethodPut, "/user", sess.AccessToken, map[string]any{"data": patch}, &payload); err != nil {
		if !errors.Is(err, identity.ErrMetadataUpdateFailed) {
			err = errors.Join(identity.ErrMetadataUpdateFailed, err)
		}
		return nil, err
	}
	user := payload.toUser()

	updated := sess.Clone()
	updated.User = user.Clone()
	c.apply(ctx, identity.EventUserUpdated, updated)
	return user, nil
}

// FetchUser revalidates the held access token against GET /user and
// returns the server's view of the user. Useful after an out-of-band
// metadata change.
func (c *Client) FetchUser(ctx context.Context) (*identity.User, error) {
	c.mu.Lock()
	sess := c.current.Clone()
	c.mu.Unlock()
	if !sess.Valid() {
		return nil, fmt.Errorf("%w: no active session", identity.ErrAuthRejected)
	}
	var payload userPayload
	if err := c.do(ctx, http.MethodGet, "/user", sess.AccessToken, nil, &payload); err != nil {
		return nil, err
	}
	return payload.toUser(), nil
}

// backgroundRefresh drives one scheduled refresh attempt. Success
// reschedules through apply; a transient failure re-arms with doubling
// backoff until the token's remaining lifetime runs out, so one dropped
// request does not silently end refreshing for the session.
func (c *Client) backgroundRefresh(refreshToken string, expiresAt time.Time, backoff time.Duration) {
	rctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	_, err := c.refresh(rctx, refreshToken)
	if err == nil {
		return
	}
	c.log.Warn("background token refresh failed", "err", err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.current == nil || c.current.RefreshToken != refreshToken {
		// The session changed under us; its own apply owns the timer now.
		return
	}
	if time.Now().Add(backoff).After(expiresAt) {
		c.log.Warn("token expires before next refresh attempt; giving up")
		return
	}
	next := backoff * 2
	c.refreshTimer = time.AfterFunc(backoff, func() {
		c.backgroundRefresh(refreshToken, expiresAt, next)
	})
}

// refresh exchanges a refresh token for a new session and pushes it to
// subscribers as TOKEN_REFRESHED.
func (c *Client) refresh(ctx context.Context, refreshToken string) (*identity.Session, error) {
	var payload sessionPayload
	body := map[string]any{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", body, &payload); err != nil {
		return nil, err
	}
	sess := c.toSession(payload)
	if !sess.Valid() {
		return nil, fmt.Errorf("%w: refresh response missing session fields", identity.ErrUnavailable)
	}
	c.apply(ctx, identity.EventTokenRefreshed, sess)
	return sess, nil
}

// apply replaces the held session, reschedules the refresh timer, and
// fans the event out to subscribers.
func (c *Client) apply(ctx context.Context, kind identity.EventKind, sess *identity.Session) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.current = sess.Clone()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	if sess.Valid() && sess.RefreshToken != "" && !sess.ExpiresAt.IsZero() {
		wait := time.Until(sess.ExpiresAt) - c.cfg.RefreshMargin
		if wait < time.Second {
			wait = time.Second
		}
		refreshToken := sess.RefreshToken
		expiresAt := sess.ExpiresAt
		c.refreshTimer = time.AfterFunc(wait, func() {
			c.backgroundRefresh(refreshToken, expiresAt, c.retryBackoff)
		})
	}
	handlers := make([]identity.ChangeHandlerFunction, 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	ev := identity.ChangeEvent{Kind: kind, Session: sess.Clone()}
	for _, h := range handlers {
		h(ctx, ev)
	}
}

// do performs one API call. Responses with 4xx status classify as
// ErrAuthRejected; transport failures and 5xx as ErrUnavailable.
func (c *Client) do(ctx context.Context, method, endpoint, bearer string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gotrue: encoding request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+endpoint, buf)
	if err != nil {
		return fmt.Errorf("gotrue: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("Apikey", c.cfg.AnonKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AnonKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", identity.ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		msg := apiErrorMessage(res.Body)
		if res.StatusCode < 500 {
			return fmt.Errorf("%w: %s (status %d)", identity.ErrAuthRejected, msg, res.StatusCode)
		}
		return fmt.Errorf("%w: %s (status %d)", identity.ErrUnavailable, msg, res.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", identity.ErrUnavailable, err)
	}
	return nil
}

func (c *Client) toSession(p sessionPayload) *identity.Session {
	sess := &identity.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		User:         p.User.toUser(),
	}
	switch {
	case p.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(p.ExpiresAt, 0)
	case p.ExpiresIn > 0:
		sess.ExpiresAt = time.Now().Add(time.Duration(p.ExpiresIn) * time.Second)
	default:
		sess.ExpiresAt = expiryFromToken(p.AccessToken)
	}
	return sess
}

// expiryFromToken pulls exp from the JWT without verifying it. The
// token came off our own TLS connection to the auth server; its
// signature is checked by the resource server, not here.
func expiryFromToken(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

type sessionPayload struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	User         userPayload `json:"user"`
}

// signUpPayload covers both shapes /signup can return: a session when
// confirmation is disabled, or a bare user when it is required.
type signUpPayload struct {
	sessionPayload
	userPayload
}

type userPayload struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (p userPayload) toUser() *identity.User {
	if p.ID == "" {
		return nil
	}
	return &identity.User{ID: p.ID, Email: p.Email, Metadata: p.UserMetadata}
}

func apiErrorMessage(r io.Reader) string {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return "request failed"
	}
	for _, m := range []string{payload.ErrorDescription, payload.Msg, payload.Message, payload.Error} {
		if m != "" {
			return m
		}
	}
	return "request failed"
}
