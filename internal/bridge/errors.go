package bridge

import (
	"errors"
	"fmt"

	"github.com/iambrandonn/potter/internal/protocol"
)

// ErrClosed is returned to waiters when the app-server output stream ends.
var ErrClosed = errors.New("app-server stdout closed")

// SpawnError reports that the app-server executable could not be started.
type SpawnError struct {
	Bin string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start `%s` app-server: %v", e.Bin, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// HandshakeError reports a failed initialize exchange.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("app-server handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// SessionStartError reports a failed thread/start or thread/resume.
type SessionStartError struct {
	Method string
	Err    error
}

func (e *SessionStartError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Method, e.Err)
}

func (e *SessionStartError) Unwrap() error { return e.Err }

// ResponseError is a JSON-RPC error returned for one of our requests.
type ResponseError struct {
	Method string
	ID     protocol.RequestID
	Err    *protocol.RPCError
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("app-server returned error for %s (id %s): %v", e.Method, e.ID, e.Err)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// ApprovalProtocolError describes a server request this client could not
// handle. It is answered on the wire and logged; it never reaches callers.
type ApprovalProtocolError struct {
	Method string
	ID     protocol.RequestID
}

func (e *ApprovalProtocolError) Error() string {
	return fmt.Sprintf("unsupported server request %q", e.Method)
}
