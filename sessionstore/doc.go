// Package sessionstore owns the single source of truth for "who is
// signed in right now". A Store reconciles two inputs over the same
// authority: an eager session restore performed during Initialize, and
// a standing subscription to provider-pushed change events (sign-in,
// sign-out, token refresh, cross-process sign-out). The two may resolve
// in either order; whichever resolves last determines the state at that
// instant, which is safe because both reflect the same provider and
// convergence, not ordering, is the goal.
//
// Layers & Roles
//
//	identity.Provider   -> authority for sessions and user metadata
//	sessioncache.Cache  -> eager restore source + durable copy of changes
//	Store               -> single writer of State; everything else observes
//
// State is replaced wholesale on every update, never field-by-field,
// so observers can read a snapshot without locking against torn writes.
// Consumers (the route guard, the onboarding gate) are strictly
// read-only.
//
// All provider failures are converted to classified errors at this
// boundary; nothing downstream of the Store sees raw provider faults.
// Sign-out is deliberately asymmetric: the local session is cleared
// unconditionally and a failed remote revocation is only logged,
// because a user-visible sign-out must be immediate.
package sessionstore
