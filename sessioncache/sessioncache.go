// Package sessioncache defines the persistence contract the session
// store uses to restore a session eagerly on startup and to keep a
// durable copy of every applied change. Backends exist for in-process
// memory, Redis, and a watched JSON file; the file and Redis backends
// additionally surface externally-written changes, which is how a
// sign-out in one process reaches another.
package sessioncache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/answerly/sessiongate-go/identity"
)

// Cache persists the single current session. Load returns (nil, nil)
// when no session is cached. Implementations must be safe for
// concurrent use.
type Cache interface {
	Load(ctx context.Context) (*identity.Session, error)
	Save(ctx context.Context, sess *identity.Session) error
	Clear(ctx context.Context) error
	Close() error
}

// Watcher is an optional extension for backends that can observe writes
// made by other processes. The handler receives the full replacement
// session, or nil when the cached session was cleared. The returned
// cancel function is idempotent.
type Watcher interface {
	Watch(ctx context.Context, handler func(sess *identity.Session)) (cancel func(), err error)
}

// envelope is the shared wire form. All backends store the same JSON so
// a session written by one backend flavor remains readable by another.
type envelope struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at"`
	User         *envelopeUser `json:"user"`
}

type envelopeUser struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Encode serializes a session into the shared cache wire form.
func Encode(sess *identity.Session) ([]byte, error) {
	if !sess.Valid() {
		return nil, fmt.Errorf("sessioncache: refusing to encode partial session")
	}
	env := envelope{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    sess.ExpiresAt,
		User: &envelopeUser{
			ID:       sess.User.ID,
			Email:    sess.User.Email,
			Metadata: sess.User.Metadata,
		},
	}
	return json.Marshal(env)
}

// Decode parses the cache wire form. Payloads that decode to a partial
// session are rejected rather than surfaced as half-valid state.
func Decode(data []byte) (*identity.Session, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("sessioncache: decode: %w", err)
	}
	if env.AccessToken == "" || env.User == nil {
		return nil, fmt.Errorf("sessioncache: decode: partial session payload")
	}
	return &identity.Session{
		AccessToken:  env.AccessToken,
		RefreshToken: env.RefreshToken,
		ExpiresAt:    env.ExpiresAt,
		User: &identity.User{
			ID:       env.User.ID,
			Email:    env.User.Email,
			Metadata: env.User.Metadata,
		},
	}, nil
}
