package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/answerly/sessiongate-go/identity"
	"github.com/answerly/sessiongate-go/internal/logctx"
	"github.com/answerly/sessiongate-go/sessioncache"
)

// State is the store's whole-value snapshot. Loading is true only
// between Initialize and the first resolution of either the restored
// session or confirmation that none exists.
type State struct {
	Session *identity.Session
	Loading bool
}

// SignUpStatus tags the outcome of a successful sign-up request.
type SignUpStatus int

const (
	// SignUpPendingConfirmation means no session exists yet; the user
	// must confirm via the out-of-band email before signing in.
	SignUpPendingConfirmation SignUpStatus = iota
	// SignUpConfirmed means the provider issued a session immediately.
	// Not expected under an email-confirmation policy, but honored.
	SignUpConfirmed
)

// Recorder receives operation outcomes for metric collection. The
// prometheus-backed implementation lives in the metrics package.
type Recorder interface {
	RecordSignIn(ok bool)
	RecordSignUp(ok bool)
	RecordSignOut()
	RecordChangeEvent(kind identity.EventKind)
	RecordMetadataUpdate(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordSignIn(bool)                    {}
func (nopRecorder) RecordSignUp(bool)                    {}
func (nopRecorder) RecordSignOut()                       {}
func (nopRecorder) RecordChangeEvent(identity.EventKind) {}
func (nopRecorder) RecordMetadataUpdate(bool)            {}

// ErrAlreadyInitialized is returned when Initialize is called more than
// once on the same Store.
var ErrAlreadyInitialized = errors.New("sessionstore: already initialized")

// Store holds the current session and is its only writer. All other
// components are read-only observers via Snapshot or Subscribe.
type Store struct {
	provider identity.Provider
	cache    sessioncache.Cache
	log      *slog.Logger
	rec      Recorder

	confirmRedirectURL string
	signUpDefaults     map[string]any

	mu          sync.Mutex
	state       State
	seq         uint64
	subs        map[int]func(State)
	nextSub     int
	initialized bool
	closed      bool
	cancelFns   []func()

	// Cache writes are sequenced so a resolve that lost the race cannot
	// persist an older session over a newer one.
	persistMu    sync.Mutex
	persistedSeq uint64

	readyOnce sync.Once
	ready     chan struct{}
}

// Option configures a Store (functional options pattern).
type Option func(*Store)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithCache attaches a session cache: the eager restore source during
// Initialize and the durable copy of every applied change. A cache that
// also implements sessioncache.Watcher feeds externally written changes
// into the store as push events.
func WithCache(c sessioncache.Cache) Option {
	return func(s *Store) { s.cache = c }
}

// WithMetrics attaches a Recorder for operation outcomes.
func WithMetrics(r Recorder) Option {
	return func(s *Store) { s.rec = r }
}

// WithConfirmationRedirectURL sets the post-confirmation redirect target
// passed to the provider during sign-up, typically the sign-in page.
func WithConfirmationRedirectURL(u string) Option {
	return func(s *Store) { s.confirmRedirectURL = u }
}

// WithSignUpMetadata overrides the initial metadata payload attached to
// new accounts. The display name is merged in on top at sign-up time.
func WithSignUpMetadata(md map[string]any) Option {
	return func(s *Store) { s.signUpDefaults = md }
}

// New builds a Store around the given provider. Initialize must be
// called exactly once before the store is useful.
func New(provider identity.Provider, opts ...Option) *Store {
	s := &Store{
		provider: provider,
		log:      slog.Default(),
		rec:      nopRecorder{},
		state:    State{Loading: true},
		subs:     make(map[int]func(State)),
		ready:    make(chan struct{}),
		signUpDefaults: map[string]any{
			"apiKeysConfigured":           false,
			"experienceProfileConfigured": false,
			"usageCount":                  0,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize establishes the standing change subscription, restores any
// persisted session, and fetches the provider's current session. Called
// exactly once at application start; subsequent calls return
// ErrAlreadyInitialized.
//
// A fetch failure is not fatal: the store resolves to "no session" with
// Loading false, which consumers treat identically to "definitely not
// authenticated". A fetch that succeeds with no session is treated the
// same way, so a provider without durable state of its own cannot wipe
// a session restored from the cache.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.initialized = true
	s.mu.Unlock()

	// Subscribe before the eager fetch so no push event can fall into a
	// gap. Last writer wins between the two paths.
	cancelSub, err := s.provider.SubscribeChanges(ctx, s.handleChange)
	if err != nil {
		s.resolve(ctx, nil, false)
		return fmt.Errorf("sessionstore: subscribe: %w", err)
	}
	s.addCancel(cancelSub)

	if s.cache != nil {
		if sess, err := s.cache.Load(ctx); err != nil {
			s.log.Warn("session cache restore failed", "err", err)
		} else if sess.Valid() && !sess.Expired() {
			s.resolve(ctx, sess, false)
		} else if sess != nil {
			// Expired leftovers are cleared rather than restored.
			if err := s.cache.Clear(ctx); err != nil {
				s.log.Warn("session cache clear failed", "err", err)
			}
		}

		if w, ok := s.cache.(sessioncache.Watcher); ok {
			cancelWatch, err := w.Watch(ctx, func(sess *identity.Session) {
				// External change: apply but do not write it back, or a
				// watch-save loop would form.
				s.resolve(ctx, sess, false)
			})
			if err != nil {
				s.log.Warn("session cache watch unavailable", "err", err)
			} else {
				s.addCancel(cancelWatch)
			}
		}
	}

	sess, err := s.provider.CurrentSession(ctx)
	if err != nil {
		s.log.Warn("current session fetch failed; treating as signed out", "err", err)
		s.resolveIfUnresolved()
		return nil
	}
	if sess == nil {
		// A nil fetch without error means "no session held here", not a
		// revocation. A memory-only provider reports this on every cold
		// start, so it must not clobber a cache-restored session.
		s.resolveIfUnresolved()
		return nil
	}
	s.resolve(ctx, sess, true)
	return nil
}

// Close tears down the provider subscription and cache watch. Idempotent.
// Results of operations still in flight are discarded, not applied.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fns := s.cancelFns
	s.cancelFns = nil
	cache := s.cache
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	if cache != nil {
		return cache.Close()
	}
	return nil
}

// Snapshot returns the current state. The contained session is a copy;
// mutating it has no effect on the store.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Session: s.state.Session.Clone(), Loading: s.state.Loading}
}

// Ready returns a channel closed once Loading has resolved to false for
// the first time.
func (s *Store) Ready() <-chan struct{} { return s.ready }

// Subscribe registers fn to receive every state replacement. The
// returned cancel function is idempotent. fn is invoked outside the
// store's lock and may safely call back into the store.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// SignUp requests account creation with the store's initial metadata
// payload plus the display name. No local state changes until the
// provider pushes a session (post-confirmation sign-in), unless the
// provider confirms immediately.
func (s *Store) SignUp(ctx context.Context, email, password, displayName string) (SignUpStatus, error) {
	md := make(map[string]any, len(s.signUpDefaults)+1)
	for k, v := range s.signUpDefaults {
		md[k] = v
	}
	md["displayName"] = displayName

	ctx = logctx.WithAuthData(ctx, &logctx.AuthData{Operation: "sign_up"})
	res, err := s.provider.SignUp(ctx, email, password, md, s.confirmRedirectURL)
	if err != nil {
		s.rec.RecordSignUp(false)
		s.log.InfoContext(ctx, "sign-up rejected", "err", err)
		return 0, err
	}
	s.rec.RecordSignUp(true)
	if res.PendingConfirmation || res.Session == nil {
		s.log.InfoContext(ctx, "sign-up pending email confirmation")
		return SignUpPendingConfirmation, nil
	}
	s.resolve(ctx, res.Session, true)
	return SignUpConfirmed, nil
}

// SignIn exchanges credentials for a session and applies it. The
// provider typically also pushes a matching change event; both paths
// converge on the same value. SignIn does not redirect; that is the
// caller's responsibility.
func (s *Store) SignIn(ctx context.Context, email, password string) (*identity.Session, error) {
	ctx = logctx.WithAuthData(ctx, &logctx.AuthData{Operation: "sign_in"})
	sess, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		s.rec.RecordSignIn(false)
		s.log.InfoContext(ctx, "sign-in failed", "err", err)
		return nil, err
	}
	s.rec.RecordSignIn(true)
	s.resolve(ctx, sess, true)
	return sess.Clone(), nil
}

// SignOut clears the local session immediately, then revokes the remote
// session best-effort. A failed remote revocation is logged as a
// warning, never surfaced: the user-visible contract is already
// satisfied by the local clear.
func (s *Store) SignOut(ctx context.Context) {
	ctx = logctx.WithAuthData(ctx, &logctx.AuthData{Operation: "sign_out"})
	s.resolve(ctx, nil, true)
	s.rec.RecordSignOut()
	if err := s.provider.SignOut(ctx); err != nil {
		s.log.WarnContext(ctx, "remote sign-out failed; local session cleared anyway", "err", err)
	}
}

// UpdateMetadata merges patch into the current user's metadata via the
// provider and replaces the local User with the authority-confirmed
// value. The local state is never optimistically guessed, so gating
// decisions re-evaluated afterwards always see confirmed metadata.
func (s *Store) UpdateMetadata(ctx context.Context, patch map[string]any) (*identity.User, error) {
	ctx = logctx.WithAuthData(ctx, &logctx.AuthData{Operation: "update_metadata"})
	user, err := s.provider.UpdateUserMetadata(ctx, patch)
	if err != nil {
		s.rec.RecordMetadataUpdate(false)
		if !errors.Is(err, identity.ErrMetadataUpdateFailed) {
			err = errors.Join(identity.ErrMetadataUpdateFailed, err)
		}
		return nil, err
	}
	s.rec.RecordMetadataUpdate(true)

	s.mu.Lock()
	var updated *identity.Session
	if s.state.Session.Valid() {
		updated = s.state.Session.Clone()
		updated.User = user.Clone()
	}
	s.mu.Unlock()
	if updated != nil {
		s.resolve(ctx, updated, true)
	}
	return user.Clone(), nil
}

// handleChange consumes provider-pushed events. Safe to call at any
// time, including while an explicit operation is in flight.
func (s *Store) handleChange(ctx context.Context, ev identity.ChangeEvent) {
	s.rec.RecordChangeEvent(ev.Kind)
	ctx = logctx.WithAuthData(ctx, &logctx.AuthData{Event: string(ev.Kind)})
	s.log.DebugContext(ctx, "session change event")
	s.resolve(ctx, ev.Session, true)
}

// resolve replaces the state wholesale and notifies observers. persist
// controls whether the change is written through to the cache; changes
// that originated from the cache watch must not be written back.
func (s *Store) resolve(ctx context.Context, sess *identity.Session, persist bool) {
	if sess != nil && !sess.Valid() {
		// Partial states are disallowed; coerce to absent.
		s.log.Warn("discarding partial session payload")
		sess = nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = State{Session: sess.Clone(), Loading: false}
	s.seq++
	seq := s.seq
	st := State{Session: sess.Clone(), Loading: false}
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	cache := s.cache
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })

	if persist && cache != nil {
		s.persistMu.Lock()
		if seq > s.persistedSeq {
			s.persistedSeq = seq
			var err error
			if sess == nil {
				err = cache.Clear(ctx)
			} else {
				err = cache.Save(ctx, sess)
			}
			if err != nil {
				s.log.Warn("session cache write failed", "err", err)
			}
		}
		s.persistMu.Unlock()
	}

	for _, fn := range fns {
		fn(st)
	}
}

// resolveIfUnresolved flips Loading to false without touching the
// session, used when the eager fetch fails after a possible cache
// restore already resolved the state.
func (s *Store) resolveIfUnresolved() {
	s.mu.Lock()
	if !s.state.Loading || s.closed {
		s.mu.Unlock()
		return
	}
	s.state.Loading = false
	st := State{Session: s.state.Session.Clone(), Loading: false}
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
	for _, fn := range fns {
		fn(st)
	}
}

func (s *Store) addCancel(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.cancelFns = append(s.cancelFns, fn)
	s.mu.Unlock()
}
