package interactive

import "errors"

var (
	// ErrConnection reports a transport failure. The session is Closed and
	// may be reopened with Reconnect.
	ErrConnection = errors.New("interactive: connection error")
	// ErrAuthRejected reports that the service refused the handshake.
	ErrAuthRejected = errors.New("interactive: authentication rejected")
	// ErrNotConnected is returned by calls that need an Open session.
	ErrNotConnected = errors.New("interactive: not connected")
	// ErrInvalidConfig is returned by Open for unusable configuration.
	ErrInvalidConfig = errors.New("interactive: invalid config")
	// ErrConcurrentRun is returned when Run is entered while another Run
	// on the same session is still executing.
	ErrConcurrentRun = errors.New("interactive: concurrent Run")

	errSessionClosed = errors.New("session closed")
)
