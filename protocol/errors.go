package protocol

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by engine operations. Components wrap these with
// operation and identifier context; callers classify with errors.Is.
var (
	// ErrAuth indicates bad credentials, a username collision, or an
	// expired token. Recoverable via relogin.
	ErrAuth = errors.New("authentication failed")

	// ErrTrustMismatch indicates a verification PIN that does not match
	// the pending fingerprint. The record stays pending.
	ErrTrustMismatch = errors.New("trust verification mismatch")

	// ErrAuthz indicates the acting identity lacks the required role.
	ErrAuthz = errors.New("insufficient privilege")

	// ErrNotFound indicates an unknown peer, group, device, or message.
	ErrNotFound = errors.New("not found")

	// ErrStaleKey indicates the requested call-key epoch has been
	// superseded and its material is unavailable to the caller.
	ErrStaleKey = errors.New("call key epoch superseded")

	// ErrAlreadyResolved indicates a duplicate pairing approval.
	ErrAlreadyResolved = errors.New("pairing request already resolved")

	// ErrConnectivity indicates a transient network failure. Surfaced via
	// RemoteOK/RemoteError and retried by relogin or heartbeat.
	ErrConnectivity = errors.New("remote unavailable")

	// ErrInvalidArgument indicates a malformed identifier or parameter.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoSession indicates an operation was attempted without an
	// authenticated identity.
	ErrNoSession = errors.New("no active session")

	// ErrTrustPending indicates an operation depends on a fingerprint
	// that still awaits a trust decision.
	ErrTrustPending = errors.New("trust decision pending")

	// ErrClosed indicates the engine or transport has been shut down.
	ErrClosed = errors.New("engine closed")
)

// Wire error codes carried in responses. The set is closed; unknown codes
// map to ErrConnectivity so transient server-side additions degrade safely.
const (
	CodeAuth            = "auth"
	CodeAuthz           = "authz"
	CodeNotFound        = "not_found"
	CodeStaleKey        = "stale_key"
	CodeAlreadyResolved = "already_resolved"
	CodeInvalidArgument = "invalid_argument"
	CodeConflict        = "conflict"
)

var codeErrors = map[string]error{
	CodeAuth:            ErrAuth,
	CodeAuthz:           ErrAuthz,
	CodeNotFound:        ErrNotFound,
	CodeStaleKey:        ErrStaleKey,
	CodeAlreadyResolved: ErrAlreadyResolved,
	CodeInvalidArgument: ErrInvalidArgument,
	CodeConflict:        ErrAuth,
}

// ErrorFromCode maps a wire error code and detail message to a sentinel
// error wrapped with the server-supplied detail.
func ErrorFromCode(code, detail string) error {
	base, ok := codeErrors[code]
	if !ok {
		base = ErrConnectivity
	}
	if detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}

// CodeForError maps a sentinel error back to its wire code. Used by
// server-side implementations of the transport contract.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return CodeAuth
	case errors.Is(err, ErrAuthz):
		return CodeAuthz
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrStaleKey):
		return CodeStaleKey
	case errors.Is(err, ErrAlreadyResolved):
		return CodeAlreadyResolved
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	default:
		return CodeInvalidArgument
	}
}
