// Package identity defines the contract between the session layer and a
// remote identity provider: the Session and User data model, the
// Provider interface covering sign-up, sign-in, sign-out and metadata
// mutation, and the push-based change notification stream.
//
// The package is deliberately provider-agnostic. A concrete
// implementation against a GoTrue-compatible HTTP API lives in the
// gotrue subpackage; a controllable fake for tests lives in
// identitytest.
//
// # Sessions
//
// A Session is either fully populated (access token plus user) or
// absent (nil). Partial sessions are disallowed; Valid reports whether
// the invariant holds. Providers replace sessions wholesale on every
// change event. Consumers must never mutate a Session or its User in
// place; metadata changes go through UpdateUserMetadata, which returns
// a new User confirmed by the provider.
//
// # Errors
//
// All provider failures are classified against the package's sentinel
// errors so that callers can branch with errors.Is without inspecting
// provider-specific details.
package identity
