// Package identitytest provides a controllable in-memory implementation
// of identity.Provider for tests and local development.
package identitytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/answerly/sessiongate-go/identity"
)

// Fake is an in-memory identity provider. Accounts are registered via
// SignUp or Register; change events can be injected with Emit to
// simulate provider pushes (token refresh, cross-tab sign-out).
//
// Error injection: setting one of the *Err fields makes the matching
// operation fail with that error until the field is cleared.
type Fake struct {
	mu      sync.Mutex
	tokens  int
	users   map[string]*account
	current *identity.Session
	subs    map[int]subscription
	nextSub int

	// RequireConfirmation controls whether SignUp withholds the session
	// until Confirm is called. Defaults to true via New.
	RequireConfirmation bool

	CurrentErr error
	SignUpErr  error
	SignInErr  error
	SignOutErr error
	UpdateErr  error
}

type account struct {
	password  string
	confirmed bool
	user      *identity.User
}

type subscription struct {
	ctx     context.Context
	handler identity.ChangeHandlerFunction
}

// New returns a Fake configured with an email-confirmation policy.
func New() *Fake {
	return &Fake{
		users:               make(map[string]*account),
		subs:                make(map[int]subscription),
		RequireConfirmation: true,
	}
}

var _ identity.Provider = (*Fake)(nil)

func (f *Fake) CurrentSession(ctx context.Context) (*identity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CurrentErr != nil {
		return nil, f.CurrentErr
	}
	return f.current.Clone(), nil
}

func (f *Fake) SubscribeChanges(ctx context.Context, handler identity.ChangeHandlerFunction) (func(), error) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = subscription{ctx: ctx, handler: handler}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}, nil
}

func (f *Fake) SignUp(ctx context.Context, email, password string, metadata map[string]any, confirmRedirectURL string) (*identity.SignUpResult, error) {
	f.mu.Lock()
	if f.SignUpErr != nil {
		err := f.SignUpErr
		f.mu.Unlock()
		return nil, err
	}
	if _, exists := f.users[email]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: email already registered", identity.ErrAuthRejected)
	}
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	acct := &account{
		password:  password,
		confirmed: !f.RequireConfirmation,
		user: &identity.User{
			ID:       fmt.Sprintf("user-%d", len(f.users)+1),
			Email:    email,
			Metadata: md,
		},
	}
	f.users[email] = acct
	if !acct.confirmed {
		f.mu.Unlock()
		return &identity.SignUpResult{PendingConfirmation: true}, nil
	}
	sess := f.issueLocked(acct)
	f.mu.Unlock()
	f.emit(identity.EventSignedIn, sess)
	return &identity.SignUpResult{Session: sess.Clone()}, nil
}

func (f *Fake) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	f.mu.Lock()
	if f.SignInErr != nil {
		err := f.SignInErr
		f.mu.Unlock()
		return nil, err
	}
	acct, ok := f.users[email]
	if !ok || acct.password != password {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: invalid credentials", identity.ErrAuthRejected)
	}
	if !acct.confirmed {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: email not confirmed", identity.ErrAuthRejected)
	}
	sess := f.issueLocked(acct)
	f.mu.Unlock()
	f.emit(identity.EventSignedIn, sess)
	return sess.Clone(), nil
}

func (f *Fake) SignOut(ctx context.Context) error {
	f.mu.Lock()
	if f.SignOutErr != nil {
		err := f.SignOutErr
		f.mu.Unlock()
		return err
	}
	f.current = nil
	f.mu.Unlock()
	f.emit(identity.EventSignedOut, nil)
	return nil
}

func (f *Fake) UpdateUserMetadata(ctx context.Context, patch map[string]any) (*identity.User, error) {
	f.mu.Lock()
	if f.UpdateErr != nil {
		err := f.UpdateErr
		f.mu.Unlock()
		return nil, err
	}
	if !f.current.Valid() {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: no active session", identity.ErrAuthRejected)
	}
	user := f.current.User.Clone()
	if user.Metadata == nil {
		user.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		user.Metadata[k] = v
	}
	sess := f.current.Clone()
	sess.User = user
	f.current = sess
	if acct, ok := f.users[user.Email]; ok {
		acct.user = user.Clone()
	}
	f.mu.Unlock()
	f.emit(identity.EventUserUpdated, sess)
	return user.Clone(), nil
}

// Confirm marks a registered email as confirmed, enabling sign-in.
func (f *Fake) Confirm(email string) {
	f.mu.Lock()
	if acct, ok := f.users[email]; ok {
		acct.confirmed = true
	}
	f.mu.Unlock()
}

// SetCurrent replaces the provider-held session without emitting an
// event, simulating a session restored from a prior run.
func (f *Fake) SetCurrent(sess *identity.Session) {
	f.mu.Lock()
	f.current = sess.Clone()
	f.mu.Unlock()
}

// Emit pushes a change event to all subscribers, replacing the
// provider-held session with the event payload.
func (f *Fake) Emit(kind identity.EventKind, sess *identity.Session) {
	f.mu.Lock()
	f.current = sess.Clone()
	f.mu.Unlock()
	f.emit(kind, sess)
}

func (f *Fake) issueLocked(acct *account) *identity.Session {
	f.tokens++
	sess := &identity.Session{
		AccessToken:  fmt.Sprintf("token-%d", f.tokens),
		RefreshToken: fmt.Sprintf("refresh-%d", f.tokens),
		User:         acct.user.Clone(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	f.current = sess
	return sess
}

func (f *Fake) emit(kind identity.EventKind, sess *identity.Session) {
	f.mu.Lock()
	subs := make([]subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()
	for _, sub := range subs {
		sub.handler(sub.ctx, identity.ChangeEvent{Kind: kind, Session: sess.Clone()})
	}
}
