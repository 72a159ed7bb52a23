// Package cachetest provides a conformance suite that every
// sessioncache.Cache backend is expected to pass.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/answerly/sessiongate-go/identity"
	"github.com/answerly/sessiongate-go/sessioncache"
)

// CacheFactory creates a fresh, empty Cache for a test.
type CacheFactory func(t *testing.T) sessioncache.Cache

// RunCacheTests runs the complete Cache test suite against the provided
// factory.
func RunCacheTests(t *testing.T, factory CacheFactory) {
	t.Run("LoadEmptyReturnsNil", func(t *testing.T) { testLoadEmpty(t, factory) })
	t.Run("SaveThenLoadRoundTrips", func(t *testing.T) { testSaveLoad(t, factory) })
	t.Run("SaveOverwrites", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("ClearRemoves", func(t *testing.T) { testClear(t, factory) })
	t.Run("SaveRejectsPartialSession", func(t *testing.T) { testRejectPartial(t, factory) })
}

// Sample returns a fully populated session for cache tests.
func Sample(token string) *identity.Session {
	return &identity.Session{
		AccessToken:  token,
		RefreshToken: "refresh-" + token,
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		User: &identity.User{
			ID:    "user-1",
			Email: "a@x.com",
			Metadata: map[string]any{
				"displayName":                 "Ann",
				"apiKeysConfigured":           false,
				"experienceProfileConfigured": false,
				"usageCount":                  float64(0),
			},
		},
	}
}

func testLoadEmpty(t *testing.T, factory CacheFactory) {
	c := factory(t)
	defer c.Close()

	sess, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected nil session from empty cache, got %+v", sess)
	}
}

func testSaveLoad(t *testing.T, factory CacheFactory) {
	c := factory(t)
	defer c.Close()
	ctx := context.Background()

	want := Sample("tok-1")
	if err := c.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := c.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Valid() {
		t.Fatalf("loaded session is not valid: %+v", got)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Fatalf("token mismatch: got %q/%q", got.AccessToken, got.RefreshToken)
	}
	if got.User.ID != want.User.ID || got.User.Email != want.User.Email {
		t.Fatalf("user mismatch: %+v", got.User)
	}
	if got.User.Metadata["displayName"] != "Ann" {
		t.Fatalf("metadata not preserved: %+v", got.User.Metadata)
	}
	if got.User.Metadata["apiKeysConfigured"] != false {
		t.Fatalf("boolean metadata not preserved: %+v", got.User.Metadata)
	}
}

func testOverwrite(t *testing.T, factory CacheFactory) {
	c := factory(t)
	defer c.Close()
	ctx := context.Background()

	if err := c.Save(ctx, Sample("tok-1")); err != nil {
		t.Fatalf("Save 1: %v", err)
	}
	if err := c.Save(ctx, Sample("tok-2")); err != nil {
		t.Fatalf("Save 2: %v", err)
	}
	got, err := c.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != "tok-2" {
		t.Fatalf("expected last write to win, got %q", got.AccessToken)
	}
}

func testClear(t *testing.T, factory CacheFactory) {
	c := factory(t)
	defer c.Close()
	ctx := context.Background()

	if err := c.Save(ctx, Sample("tok-1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := c.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil session after Clear, got %+v", got)
	}
	// Clearing an already empty cache must not error.
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func testRejectPartial(t *testing.T, factory CacheFactory) {
	c := factory(t)
	defer c.Close()
	ctx := context.Background()

	partial := &identity.Session{AccessToken: "tok-only"}
	if err := c.Save(ctx, partial); err == nil {
		t.Fatalf("expected Save of partial session to fail")
	}
	got, err := c.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("partial save must not leave state behind, got %+v", got)
	}
}
