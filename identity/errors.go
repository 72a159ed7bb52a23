package identity

import "errors"

// ErrAuthRejected indicates the provider refused the credentials or the
// account state (bad password, unconfirmed email, duplicate sign-up).
// Session state is unchanged; the message is safe to surface.
var ErrAuthRejected = errors.New("identity: authentication rejected")

// ErrUnavailable indicates the provider could not be reached or failed
// transiently. Session state is unchanged and the same operation is
// safe to retry.
var ErrUnavailable = errors.New("identity: provider unavailable")

// ErrMetadataUpdateFailed indicates a metadata mutation did not take
// effect. Callers must not assume the patched state and must not
// advance any gating decision derived from it.
var ErrMetadataUpdateFailed = errors.New("identity: metadata update failed")
