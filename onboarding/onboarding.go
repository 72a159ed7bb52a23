// Package onboarding decides which surface an authenticated user must
// see next. The decision is a pure function of the user's
// authority-confirmed metadata; it holds no state of its own and
// re-evaluating after a metadata update is the only way it advances.
package onboarding

import "github.com/answerly/sessiongate-go/identity"

// Metadata keys written at sign-up and flipped as the user completes
// each onboarding step.
const (
	KeyDisplayName                 = "displayName"
	KeyAPIKeysConfigured           = "apiKeysConfigured"
	KeyExperienceProfileConfigured = "experienceProfileConfigured"
	KeyUsageCount                  = "usageCount"
)

// UsageLimit is the number of answer generations allowed per account
// per month.
const UsageLimit = 1000

// Surface identifies what an authenticated user should be shown.
type Surface int

const (
	// APIKeySetup is shown until the user has stored their API keys.
	// It takes strict precedence over every other incomplete step.
	APIKeySetup Surface = iota
	// ExperienceProfileSetup is shown once keys exist but the
	// experience profile does not.
	ExperienceProfileSetup
	// MainSurface is the fully onboarded application.
	MainSurface
)

func (s Surface) String() string {
	switch s {
	case APIKeySetup:
		return "api_key_setup"
	case ExperienceProfileSetup:
		return "experience_profile_setup"
	case MainSurface:
		return "main"
	default:
		return "unknown"
	}
}

// Decide returns the surface for the given user. A nil user or a user
// with no metadata is treated as entirely un-onboarded: the first gate
// wins.
//
// Precedence is strict: missing API keys route to APIKeySetup even if
// the experience profile is somehow already complete.
func Decide(u *identity.User) Surface {
	if !boolValue(u, KeyAPIKeysConfigured) {
		return APIKeySetup
	}
	if !boolValue(u, KeyExperienceProfileConfigured) {
		return ExperienceProfileSetup
	}
	return MainSurface
}

// DisplayName returns the user's display name or "" when unset.
func DisplayName(u *identity.User) string {
	if u == nil {
		return ""
	}
	if s, ok := u.Metadata[KeyDisplayName].(string); ok {
		return s
	}
	return ""
}

// UsageCount returns the user's recorded usage. Metadata that has been
// through a JSON round trip carries numbers as float64; fresh local
// values may be int. Anything else counts as zero.
func UsageCount(u *identity.User) int {
	if u == nil {
		return 0
	}
	switch n := u.Metadata[KeyUsageCount].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// OverLimit reports whether the user has exhausted their monthly
// allowance.
func OverLimit(u *identity.User) bool {
	return UsageCount(u) >= UsageLimit
}

func boolValue(u *identity.User, key string) bool {
	if u == nil {
		return false
	}
	b, _ := u.Metadata[key].(bool)
	return b
}
