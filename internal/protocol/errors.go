package protocol

import (
	"errors"

	"github.com/gorilla/websocket"
)

// Close codes sent when a connection is rejected, so clients can tell the
// failure classes apart. Auth and version reuse the standard codes the
// reference clients already understand; the handshake timeout uses a code
// from the private range.
const (
	CloseAuthFailure      = websocket.ClosePolicyViolation // 1008
	CloseVersionMismatch  = websocket.CloseProtocolError   // 1002
	CloseProtocolError    = websocket.CloseProtocolError   // 1002
	CloseHandshakeTimeout = 4408
)

// Handshake and routing error classes. Pre-handshake errors close the
// connection; post-handshake ErrIgnored errors are logged and dropped.
var (
	// ErrAuth rejects a missing or invalid bearer token.
	ErrAuth = errors.New("authentication failed")

	// ErrVersion rejects an unsupported Protocol-Version header or hello
	// version field.
	ErrVersion = errors.New("unsupported protocol version")

	// ErrProtocol rejects a malformed or incomplete handshake exchange.
	ErrProtocol = errors.New("protocol error")

	// ErrHandshakeTimeout rejects a connection whose hello never arrived.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrIgnored marks a post-handshake message that carries no business
	// action: it is dropped and counted, never fatal.
	ErrIgnored = errors.New("message ignored")

	// ErrUpstream marks a reasoning bridge failure mid-utterance. The
	// session returns to idle; the connection survives.
	ErrUpstream = errors.New("upstream failure")
)

// CloseCodeFor maps a handshake error to the close code written before the
// connection is torn down.
func CloseCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrAuth):
		return CloseAuthFailure
	case errors.Is(err, ErrVersion):
		return CloseVersionMismatch
	case errors.Is(err, ErrHandshakeTimeout):
		return CloseHandshakeTimeout
	default:
		return CloseProtocolError
	}
}
