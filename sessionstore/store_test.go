package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/answerly/sessiongate-go/identity"
	"github.com/answerly/sessiongate-go/identity/identitytest"
	"github.com/answerly/sessiongate-go/onboarding"
	"github.com/answerly/sessiongate-go/sessioncache/memorycache"
)

func initialized(t *testing.T, s *Store) {
	t.Helper()
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func sample(token string) *identity.Session {
	return &identity.Session{
		AccessToken:  token,
		RefreshToken: "refresh-" + token,
		ExpiresAt:    time.Now().Add(time.Hour),
		User: &identity.User{
			ID:    "user-1",
			Email: "a@x.com",
			Metadata: map[string]any{
				"displayName":                 "Ann",
				"apiKeysConfigured":           false,
				"experienceProfileConfigured": false,
				"usageCount":                  0,
			},
		},
	}
}

func TestInitializeWithNoSession(t *testing.T) {
	s := New(identitytest.New())
	defer s.Close()

	if st := s.Snapshot(); !st.Loading {
		t.Fatalf("expected Loading before Initialize")
	}
	initialized(t, s)

	st := s.Snapshot()
	if st.Loading {
		t.Fatalf("expected Loading=false after Initialize")
	}
	if st.Session != nil {
		t.Fatalf("expected absent session, got %+v", st.Session)
	}
}

func TestInitializeRestoresProviderSession(t *testing.T) {
	p := identitytest.New()
	p.SetCurrent(sample("tok-restored"))
	s := New(p)
	defer s.Close()
	initialized(t, s)

	st := s.Snapshot()
	if !st.Session.Valid() || st.Session.AccessToken != "tok-restored" {
		t.Fatalf("expected restored session, got %+v", st.Session)
	}
}

func TestInitializeRestoresFromCacheBeforeProvider(t *testing.T) {
	cache := memorycache.New()
	if err := cache.Save(context.Background(), sample("tok-cached")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	p := identitytest.New()
	p.CurrentErr = fmt.Errorf("%w: provider down", identity.ErrUnavailable)

	s := New(p, WithCache(cache))
	defer s.Close()
	initialized(t, s)

	st := s.Snapshot()
	if st.Loading {
		t.Fatalf("expected Loading=false")
	}
	if !st.Session.Valid() || st.Session.AccessToken != "tok-cached" {
		t.Fatalf("expected cached session to survive provider outage, got %+v", st.Session)
	}
}

func TestInitializeNilFetchKeepsCachedSession(t *testing.T) {
	cache := memorycache.New()
	if err := cache.Save(context.Background(), sample("tok-cached")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	// The fake holds no session, so CurrentSession returns (nil, nil):
	// the normal cold-start answer from a memory-only provider.
	s := New(identitytest.New(), WithCache(cache))
	defer s.Close()
	initialized(t, s)

	st := s.Snapshot()
	if !st.Session.Valid() || st.Session.AccessToken != "tok-cached" {
		t.Fatalf("restored session must survive a nil provider fetch, got %+v", st.Session)
	}
	if sess, err := cache.Load(context.Background()); err != nil || !sess.Valid() {
		t.Fatalf("cache entry must survive a nil provider fetch, got %+v err %v", sess, err)
	}
}

func TestInitializeProviderErrorResolvesAbsent(t *testing.T) {
	p := identitytest.New()
	p.CurrentErr = fmt.Errorf("%w: provider down", identity.ErrUnavailable)
	s := New(p)
	defer s.Close()
	initialized(t, s)

	st := s.Snapshot()
	if st.Loading || st.Session != nil {
		t.Fatalf("expected resolved absent state, got %+v", st)
	}
	select {
	case <-s.Ready():
	default:
		t.Fatalf("Ready channel should be closed")
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	s := New(identitytest.New())
	defer s.Close()
	initialized(t, s)
	if err := s.Initialize(context.Background()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestLastResolvedEventWins(t *testing.T) {
	p := identitytest.New()
	s := New(p)
	defer s.Close()
	initialized(t, s)

	p.Emit(identity.EventSignedIn, sample("tok-1"))
	p.Emit(identity.EventTokenRefreshed, sample("tok-2"))
	p.Emit(identity.EventSignedOut, nil)
	p.Emit(identity.EventSignedIn, sample("tok-3"))

	st := s.Snapshot()
	if !st.Session.Valid() || st.Session.AccessToken != "tok-3" {
		t.Fatalf("expected most recent event payload, got %+v", st.Session)
	}
}

func TestSignInUpdatesStateAndConvergesWithPush(t *testing.T) {
	p := identitytest.New()
	p.RequireConfirmation = false
	s := New(p)
	defer s.Close()
	initialized(t, s)

	if _, err := p.SignUp(context.Background(), "a@x.com", "Abcdef1!", map[string]any{"displayName": "Ann"}, ""); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	sess, err := s.SignIn(context.Background(), "a@x.com", "Abcdef1!")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	st := s.Snapshot()
	// The fake pushes SIGNED_IN during SignInWithPassword; the direct
	// result and the push must converge on the same value.
	if !st.Session.Valid() || st.Session.AccessToken != sess.AccessToken {
		t.Fatalf("state %q diverged from result %q", st.Session.AccessToken, sess.AccessToken)
	}
}

func TestSignInBadCredentials(t *testing.T) {
	p := identitytest.New()
	s := New(p)
	defer s.Close()
	initialized(t, s)

	_, err := s.SignIn(context.Background(), "nobody@x.com", "wrong")
	if !errors.Is(err, identity.ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if st := s.Snapshot(); st.Session != nil {
		t.Fatalf("failed sign-in must not change state, got %+v", st.Session)
	}
}

func TestSignUpPendingConfirmation(t *testing.T) {
	p := identitytest.New()
	s := New(p, WithConfirmationRedirectURL("https://app.example/signin"))
	defer s.Close()
	initialized(t, s)

	status, err := s.SignUp(context.Background(), "a@x.com", "Abcdef1!", "Ann")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if status != SignUpPendingConfirmation {
		t.Fatalf("expected pending confirmation, got %v", status)
	}
	if st := s.Snapshot(); st.Session != nil {
		t.Fatalf("no session may exist before confirmation, got %+v", st.Session)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	p := identitytest.New()
	s := New(p)
	defer s.Close()
	initialized(t, s)

	if _, err := s.SignUp(context.Background(), "a@x.com", "Abcdef1!", "Ann"); err != nil {
		t.Fatalf("first SignUp: %v", err)
	}
	_, err := s.SignUp(context.Background(), "a@x.com", "Abcdef1!", "Ann")
	if !errors.Is(err, identity.ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected for duplicate, got %v", err)
	}
	if st := s.Snapshot(); st.Session != nil {
		t.Fatalf("no partial session may be created, got %+v", st.Session)
	}
}

func TestFreshUserOnboardingScenario(t *testing.T) {
	p := identitytest.New()
	s := New(p)
	defer s.Close()
	initialized(t, s)

	status, err := s.SignUp(context.Background(), "a@x.com", "Abcdef1!", "Ann")
	if err != nil || status != SignUpPendingConfirmation {
		t.Fatalf("SignUp: status=%v err=%v", status, err)
	}

	p.Confirm("a@x.com")
	if _, err := s.SignIn(context.Background(), "a@x.com", "Abcdef1!"); err != nil {
		t.Fatalf("SignIn after confirmation: %v", err)
	}

	st := s.Snapshot()
	md := st.Session.User.Metadata
	for key, want := range map[string]any{
		"displayName":                 "Ann",
		"apiKeysConfigured":           false,
		"experienceProfileConfigured": false,
		"usageCount":                  0,
	} {
		if md[key] != want {
			t.Fatalf("metadata[%q] = %v, want %v", key, md[key], want)
		}
	}
	if surface := onboarding.Decide(st.Session.User); surface != onboarding.APIKeySetup {
		t.Fatalf("fresh user must land on API key setup, got %v", surface)
	}
}

func TestSignOutIsUnconditionallyTerminal(t *testing.T) {
	p := identitytest.New()
	p.SetCurrent(sample("tok-1"))
	p.SignOutErr = fmt.Errorf("%w: revocation endpoint down", identity.ErrUnavailable)

	s := New(p)
	defer s.Close()
	initialized(t, s)

	if st := s.Snapshot(); !st.Session.Valid() {
		t.Fatalf("precondition: signed in")
	}
	s.SignOut(context.Background())
	if st := s.Snapshot(); st.Session != nil {
		t.Fatalf("session must be absent after SignOut even when revocation fails, got %+v", st.Session)
	}
}

func TestSignOutClearsCache(t *testing.T) {
	cache := memorycache.New()
	p := identitytest.New()
	p.SetCurrent(sample("tok-1"))

	s := New(p, WithCache(cache))
	initialized(t, s)

	if sess, _ := cache.Load(context.Background()); !sess.Valid() {
		t.Fatalf("precondition: session persisted on initialize")
	}
	s.SignOut(context.Background())
	if sess, _ := cache.Load(context.Background()); sess != nil {
		t.Fatalf("cache must be cleared on sign-out, got %+v", sess)
	}
}

func TestUpdateMetadataAdvancesOnboarding(t *testing.T) {
	p := identitytest.New()
	p.SetCurrent(sample("tok-1"))
	s := New(p)
	defer s.Close()
	initialized(t, s)

	user, err := s.UpdateMetadata(context.Background(), map[string]any{"apiKeysConfigured": true})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if surface := onboarding.Decide(user); surface != onboarding.ExperienceProfileSetup {
		t.Fatalf("expected experience profile next, got %v", surface)
	}

	st := s.Snapshot()
	if st.Session.User.Metadata["apiKeysConfigured"] != true {
		t.Fatalf("local user not replaced with confirmed value: %+v", st.Session.User.Metadata)
	}
	if st.Session.User.Metadata["displayName"] != "Ann" {
		t.Fatalf("unpatched keys must be untouched: %+v", st.Session.User.Metadata)
	}
}

func TestUpdateMetadataFailureDoesNotAdvance(t *testing.T) {
	p := identitytest.New()
	p.SetCurrent(sample("tok-1"))
	p.UpdateErr = fmt.Errorf("%w: boom", identity.ErrUnavailable)
	s := New(p)
	defer s.Close()
	initialized(t, s)

	_, err := s.UpdateMetadata(context.Background(), map[string]any{"apiKeysConfigured": true})
	if !errors.Is(err, identity.ErrMetadataUpdateFailed) {
		t.Fatalf("expected ErrMetadataUpdateFailed classification, got %v", err)
	}
	st := s.Snapshot()
	if st.Session.User.Metadata["apiKeysConfigured"] != false {
		t.Fatalf("failed update must not change local metadata: %+v", st.Session.User.Metadata)
	}
}

func TestSubscribeReceivesReplacements(t *testing.T) {
	p := identitytest.New()
	s := New(p)
	defer s.Close()
	initialized(t, s)

	var mu sync.Mutex
	var seen []string
	cancel := s.Subscribe(func(st State) {
		mu.Lock()
		if st.Session == nil {
			seen = append(seen, "<absent>")
		} else {
			seen = append(seen, st.Session.AccessToken)
		}
		mu.Unlock()
	})

	p.Emit(identity.EventSignedIn, sample("tok-1"))
	p.Emit(identity.EventSignedOut, nil)

	mu.Lock()
	got := append([]string(nil), seen...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "tok-1" || got[1] != "<absent>" {
		t.Fatalf("unexpected notifications: %v", got)
	}

	cancel()
	cancel() // idempotent
	p.Emit(identity.EventSignedIn, sample("tok-2"))

	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("cancelled subscriber must not be notified; saw %d events", n)
	}
}

func TestCloseDiscardsLateEvents(t *testing.T) {
	p := identitytest.New()
	s := New(p)
	initialized(t, s)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// The fake's cancel removed the handler, but even a handler invoked
	// late must not resurrect state on a closed store.
	s.resolve(context.Background(), sample("tok-late"), false)
	if st := s.Snapshot(); st.Session != nil {
		t.Fatalf("closed store must discard late results, got %+v", st.Session)
	}
}

// gateCache blocks its first Save until released, letting a test force
// two persisting resolves to overlap.
type gateCache struct {
	mu      sync.Mutex
	token   string
	release chan struct{}
	gated   bool
}

func (c *gateCache) Load(ctx context.Context) (*identity.Session, error) { return nil, nil }

func (c *gateCache) Save(ctx context.Context, sess *identity.Session) error {
	c.mu.Lock()
	first := !c.gated
	c.gated = true
	c.mu.Unlock()
	if first {
		<-c.release
	}
	c.mu.Lock()
	c.token = sess.AccessToken
	c.mu.Unlock()
	return nil
}

func (c *gateCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

func (c *gateCache) Close() error { return nil }

func TestOverlappingResolvesPersistNewestSession(t *testing.T) {
	cache := &gateCache{release: make(chan struct{})}
	s := New(identitytest.New(), WithCache(cache))
	defer s.Close()
	initialized(t, s)

	stale := make(chan struct{})
	go func() {
		defer close(stale)
		s.resolve(context.Background(), sample("tok-old"), true)
	}()

	// Wait for the stale resolve to reach its cache write.
	for {
		cache.mu.Lock()
		gated := cache.gated
		cache.mu.Unlock()
		if gated {
			break
		}
		time.Sleep(time.Millisecond)
	}

	newer := make(chan struct{})
	go func() {
		defer close(newer)
		s.resolve(context.Background(), sample("tok-new"), true)
	}()

	close(cache.release)
	<-stale
	<-newer

	cache.mu.Lock()
	got := cache.token
	cache.mu.Unlock()
	if got != "tok-new" {
		t.Fatalf("cache holds %q; stale resolve must not overwrite the newer session", got)
	}
	if st := s.Snapshot(); st.Session.AccessToken != "tok-new" {
		t.Fatalf("state holds %q, want tok-new", st.Session.AccessToken)
	}
}

func TestPartialSessionCoercedToAbsent(t *testing.T) {
	p := identitytest.New()
	s := New(p)
	defer s.Close()
	initialized(t, s)

	p.Emit(identity.EventSignedIn, sample("tok-1"))
	s.resolve(context.Background(), &identity.Session{AccessToken: "tok-no-user"}, false)
	if st := s.Snapshot(); st.Session != nil {
		t.Fatalf("partial session must be treated as absent, got %+v", st.Session)
	}
}
