// Package guard answers one question for protected routes: given the
// current session state, is access allowed right now? The answer is a
// pure function of a sessionstore.State snapshot, so it is trivially
// idempotent: evaluating the same state twice yields the same decision
// with no side effects.
package guard

import "github.com/answerly/sessiongate-go/sessionstore"

// Outcome is the three-way access decision for a protected route.
type Outcome int

const (
	// Pending means the session is still being restored. Callers must
	// hold the request (or show a waiting surface), never redirect:
	// redirecting during restore would bounce already-authenticated
	// users to sign-in on every cold start.
	Pending Outcome = iota
	// Allow grants access to the protected content.
	Allow
	// Redirect denies access; the caller should send the user to the
	// sign-in route.
	Redirect
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Evaluate maps a state snapshot to an access decision.
//
// The loading check comes first unconditionally: until the restore
// resolves, the absence of a session means "unknown", not "signed out".
func Evaluate(st sessionstore.State) Outcome {
	if st.Loading {
		return Pending
	}
	if st.Session.Valid() {
		return Allow
	}
	return Redirect
}
