package onboarding

import (
	"testing"

	"github.com/answerly/sessiongate-go/identity"
)

func userWith(md map[string]any) *identity.User {
	return &identity.User{ID: "user-1", Email: "a@x.com", Metadata: md}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name string
		user *identity.User
		want Surface
	}{
		{"nil user", nil, APIKeySetup},
		{"no metadata", userWith(nil), APIKeySetup},
		{"fresh account", userWith(map[string]any{
			KeyAPIKeysConfigured:           false,
			KeyExperienceProfileConfigured: false,
		}), APIKeySetup},
		{"keys done", userWith(map[string]any{
			KeyAPIKeysConfigured:           true,
			KeyExperienceProfileConfigured: false,
		}), ExperienceProfileSetup},
		{"fully onboarded", userWith(map[string]any{
			KeyAPIKeysConfigured:           true,
			KeyExperienceProfileConfigured: true,
		}), MainSurface},
		// Keys take strict precedence even when the later step is
		// somehow already complete.
		{"profile without keys", userWith(map[string]any{
			KeyAPIKeysConfigured:           false,
			KeyExperienceProfileConfigured: true,
		}), APIKeySetup},
		// Non-bool garbage never opens a gate.
		{"string flag", userWith(map[string]any{
			KeyAPIKeysConfigured: "true",
		}), APIKeySetup},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decide(tc.user); got != tc.want {
				t.Fatalf("Decide = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecideIsPure(t *testing.T) {
	u := userWith(map[string]any{KeyAPIKeysConfigured: true})
	first := Decide(u)
	for i := 0; i < 3; i++ {
		if got := Decide(u); got != first {
			t.Fatalf("Decide changed between calls: %v then %v", first, got)
		}
	}
	if u.Metadata[KeyAPIKeysConfigured] != true {
		t.Fatalf("Decide mutated its input")
	}
}

func TestUsageCount(t *testing.T) {
	cases := []struct {
		name string
		val  any
		want int
	}{
		{"int", 12, 12},
		{"int64", int64(7), 7},
		{"json float", float64(42), 42},
		{"string", "9", 0},
		{"missing", nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			md := map[string]any{}
			if tc.val != nil {
				md[KeyUsageCount] = tc.val
			}
			if got := UsageCount(userWith(md)); got != tc.want {
				t.Fatalf("UsageCount = %d, want %d", got, tc.want)
			}
		})
	}
	if got := UsageCount(nil); got != 0 {
		t.Fatalf("UsageCount(nil) = %d", got)
	}
}

func TestOverLimit(t *testing.T) {
	if OverLimit(userWith(map[string]any{KeyUsageCount: UsageLimit - 1})) {
		t.Fatalf("under the limit reported as over")
	}
	if !OverLimit(userWith(map[string]any{KeyUsageCount: UsageLimit})) {
		t.Fatalf("at the limit must report over")
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName(userWith(map[string]any{KeyDisplayName: "Ann"})); got != "Ann" {
		t.Fatalf("DisplayName = %q", got)
	}
	if got := DisplayName(userWith(nil)); got != "" {
		t.Fatalf("DisplayName on empty metadata = %q", got)
	}
}
