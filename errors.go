package engine

import "github.com/veilchat/engine/protocol"

// Sentinel errors re-exported for callers that only import the facade.
// Match with errors.Is.
var (
	ErrAuth            = protocol.ErrAuth
	ErrTrustMismatch   = protocol.ErrTrustMismatch
	ErrTrustPending    = protocol.ErrTrustPending
	ErrAuthz           = protocol.ErrAuthz
	ErrNotFound        = protocol.ErrNotFound
	ErrStaleKey        = protocol.ErrStaleKey
	ErrAlreadyResolved = protocol.ErrAlreadyResolved
	ErrConnectivity    = protocol.ErrConnectivity
	ErrInvalidArgument = protocol.ErrInvalidArgument
	ErrNoSession       = protocol.ErrNoSession
	ErrClosed          = protocol.ErrClosed
)
