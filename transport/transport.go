// Package transport carries the engine's traffic to its network
// collaborator. The contract is a request/response call plus a push
// channel for server-initiated traffic; payload shapes live in the
// protocol package, byte framing lives here.
//
// Two implementations are provided: a Noise-secured WebSocket client for
// real servers, and an in-process Loopback hub used by tests and local
// development.
package transport

import (
	"context"

	"github.com/veilchat/engine/protocol"
)

// Client is the engine's view of the network collaborator.
//
// Call issues one request and decodes the response body into out (which
// may be nil when no body is expected). Wire-level failures are reported
// as protocol.ErrConnectivity; server-side rejections map onto the
// protocol error vocabulary.
//
// Pushes delivers server-initiated envelopes until Close. The channel is
// closed when the underlying connection is torn down.
type Client interface {
	Call(ctx context.Context, op string, in, out any) error
	Pushes() <-chan protocol.Push

	// ServerKey returns the static public key the server authenticated
	// with during connection setup. The engine hashes it into the trust
	// fingerprint shown to the user.
	ServerKey() [32]byte

	// SetAuth installs the token and device id attached to subsequent
	// calls. Empty values clear authentication.
	SetAuth(token, deviceID string)

	Close() error
}
