// Package appapi is the client for the application backend: the
// per-user endpoints that store API keys, maintain the profile and
// experience data, and run answer generation. Every call is
// authenticated with the caller's access token; the backend verifies it
// against the identity provider independently (see tokenverify).
package appapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/joeshaw/envdecode"
)

// Config carries the backend connection settings.
type Config struct {
	// BaseURL is the root of the application API.
	BaseURL string `env:"ANSWERLY_API_URL,required"`

	// RequestTimeout bounds individual HTTP calls. Answer generation
	// gets GenerateTimeout instead, since model calls run long.
	RequestTimeout  time.Duration `env:"ANSWERLY_API_TIMEOUT,default=15s"`
	GenerateTimeout time.Duration `env:"ANSWERLY_API_GENERATE_TIMEOUT,default=120s"`
}

// ErrRequestFailed wraps any non-2xx backend response.
var ErrRequestFailed = errors.New("appapi: request failed")

// ErrQuotaExceeded is returned when the backend rejects an answer
// generation because the monthly usage allowance is exhausted.
var ErrQuotaExceeded = errors.New("appapi: usage quota exceeded")

var jsonMediaType = contenttype.NewMediaType("application/json")

// Client talks to the application backend on behalf of one user. The
// access token is supplied per call because it rotates on refresh.
type Client struct {
	cfg  Config
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds a Client for the given backend.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("appapi: BaseURL is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 120 * time.Second
	}
	c := &Client{cfg: cfg, http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromEnv builds a Client from ANSWERLY_API_* environment variables.
func NewFromEnv(opts ...Option) (*Client, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("appapi: decoding config: %w", err)
	}
	return New(cfg, opts...)
}

// APIKeys is the payload for SaveAPIKeys.
type APIKeys struct {
	GeminiKey string `json:"geminiKey"`
	TavilyKey string `json:"tavilyKey"`
	Email     string `json:"email"`
}

// SaveAPIKeys stores the user's model and search API keys. The caller
// is expected to flip the apiKeysConfigured metadata flag through the
// session store afterwards; this call does not touch identity metadata.
func (c *Client) SaveAPIKeys(ctx context.Context, accessToken string, keys APIKeys) error {
	return c.doJSON(ctx, accessToken, "/user/apikeys", keys, nil, c.cfg.RequestTimeout)
}

// Profile is the user profile as stored by the backend.
type Profile struct {
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	AvatarURL   string `json:"profile_pic_url,omitempty"`
	UsageCount  int    `json:"number_of_request"`
}

// Profile fetches the caller's profile.
func (c *Client) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	var out Profile
	if err := c.doJSON(ctx, accessToken, "/user/profile", map[string]any{}, &out, c.cfg.RequestTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProfileUpdate carries the fields UpdateProfile can change. A nil
// Avatar leaves the stored picture untouched.
type ProfileUpdate struct {
	DisplayName string
	Avatar      []byte
	AvatarName  string
}

// UpdateProfile sends a multipart update, matching the backend's
// form-based contract for picture uploads.
func (c *Client) UpdateProfile(ctx context.Context, accessToken string, up ProfileUpdate) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if up.DisplayName != "" {
		if err := mw.WriteField("name", up.DisplayName); err != nil {
			return fmt.Errorf("appapi: building form: %w", err)
		}
	}
	if up.Avatar != nil {
		name := up.AvatarName
		if name == "" {
			name = "avatar"
		}
		fw, err := mw.CreateFormFile("profile_pic", name)
		if err != nil {
			return fmt.Errorf("appapi: building form: %w", err)
		}
		if _, err := fw.Write(up.Avatar); err != nil {
			return fmt.Errorf("appapi: building form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("appapi: building form: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/user/update", &body)
	if err != nil {
		return fmt.Errorf("appapi: building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+accessToken)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer res.Body.Close()
	return checkStatus(res)
}

// Experience is one entry of the user's background questionnaire.
type Experience struct {
	Company  string `json:"company"`
	Role     string `json:"role"`
	Duration string `json:"duration"`
	Details  string `json:"details"`
}

// SubmitExperience stores the experience questionnaire. Like
// SaveAPIKeys, the metadata flag flip happens through the session
// store, not here.
func (c *Client) SubmitExperience(ctx context.Context, accessToken string, entries []Experience) error {
	body := map[string]any{"experienceData": entries}
	return c.doJSON(ctx, accessToken, "/user/userdata", body, nil, c.cfg.RequestTimeout)
}

// AnswerRequest is the input to GenerateAnswer.
type AnswerRequest struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
}

// GenerateAnswer runs one answer generation job and returns the model's
// final response. ErrQuotaExceeded when the monthly allowance is spent.
func (c *Client) GenerateAnswer(ctx context.Context, accessToken string, req AnswerRequest) (string, error) {
	var out struct {
		FinalResponse string `json:"finalResponse"`
	}
	if err := c.doJSON(ctx, accessToken, "/job/answer", req, &out, c.cfg.GenerateTimeout); err != nil {
		return "", err
	}
	return out.FinalResponse, nil
}

func (c *Client) doJSON(ctx context.Context, accessToken, endpoint string, body, out any, timeout time.Duration) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("appapi: encoding request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("appapi: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	ctype, err := contenttype.ParseMediaType(res.Header.Get("Content-Type"))
	if err != nil || !ctype.Matches(jsonMediaType) {
		return fmt.Errorf("%w: unexpected content type %q", ErrRequestFailed, res.Header.Get("Content-Type"))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrRequestFailed, err)
	}
	return nil
}

func checkStatus(res *http.Response) error {
	if res.StatusCode < 400 {
		return nil
	}
	msg := errorMessage(res.Body)
	if res.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
	}
	return fmt.Errorf("%w: %s (status %d)", ErrRequestFailed, msg, res.StatusCode)
}

func errorMessage(r io.Reader) string {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return "request failed"
	}
	if payload.Detail != "" {
		return payload.Detail
	}
	if payload.Message != "" {
		return payload.Message
	}
	return "request failed"
}
