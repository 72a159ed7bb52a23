package identity

import (
	"context"
	"time"
)

// EventKind labels a session change pushed by the provider.
type EventKind string

const (
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventUserUpdated    EventKind = "USER_UPDATED"
)

// User is the authenticated principal. Metadata carries provider-stored
// attributes such as onboarding flags and usage counters. A User is
// owned by its enclosing Session and is replaced, never mutated.
type User struct {
	ID       string
	Email    string
	Metadata map[string]any
}

// Clone returns a deep copy of the user. Metadata is copied shallowly
// per key, which is sufficient because values are plain JSON scalars.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	cp := &User{ID: u.ID, Email: u.Email}
	if u.Metadata != nil {
		cp.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Session is the authenticated-or-absent identity state. A non-nil
// Session MUST carry both an access token and a user; absence is
// expressed as a nil *Session, never as a partially populated value.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *User
	ExpiresAt    time.Time
}

// Valid reports whether the session satisfies the all-or-nothing
// invariant: token present together with a user. A nil session is not
// valid.
func (s *Session) Valid() bool {
	return s != nil && s.AccessToken != "" && s.User != nil
}

// Expired reports whether the session's token lifetime has elapsed.
// Sessions without an expiry are treated as unexpired.
func (s *Session) Expired() bool {
	return s != nil && !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// Clone returns a deep copy, suitable for handing to consumers that
// must not share mutable state with the owner.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.User = s.User.Clone()
	return &cp
}

// ChangeEvent is a provider-pushed session change. Session is the full
// replacement value; nil means signed out or invalidated.
type ChangeEvent struct {
	Kind    EventKind
	Session *Session
}

// ChangeHandlerFunction receives provider-pushed change events. Handlers
// must tolerate events arriving at any time, including while an explicit
// provider call is in flight.
type ChangeHandlerFunction func(ctx context.Context, ev ChangeEvent)

// SignUpResult is the outcome of a successful sign-up request. Under an
// email-confirmation policy Session is nil and PendingConfirmation is
// true; a provider configured for immediate confirmation returns the
// issued session directly.
type SignUpResult struct {
	Session             *Session
	PendingConfirmation bool
}

// Provider is the abstract identity provider contract. Implementations
// must be safe for concurrent use.
type Provider interface {
	// CurrentSession returns the provider's view of the active session,
	// or nil when no session exists. It never fabricates partial state.
	CurrentSession(ctx context.Context) (*Session, error)

	// SubscribeChanges registers a handler for pushed session changes
	// (sign-in, sign-out, token refresh, metadata updates). The returned
	// cancel function is idempotent.
	SubscribeChanges(ctx context.Context, handler ChangeHandlerFunction) (cancel func(), err error)

	// SignUp requests account creation with an initial metadata payload
	// and a post-confirmation redirect target.
	SignUp(ctx context.Context, email, password string, metadata map[string]any, confirmRedirectURL string) (*SignUpResult, error)

	// SignInWithPassword exchanges credentials for a session.
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)

	// SignOut revokes the active session remotely. Best-effort: callers
	// are expected to clear their local state whether or not it errors.
	SignOut(ctx context.Context) error

	// UpdateUserMetadata shallow-merges patch into the current user's
	// metadata (unspecified keys untouched) and returns the new User as
	// confirmed by the provider.
	UpdateUserMetadata(ctx context.Context, patch map[string]any) (*User, error)
}
