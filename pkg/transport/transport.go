// Package transport carries framed text messages between the session engine
// and the interactive service.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrTimeout is returned by Receive when no frame arrived in time.
	ErrTimeout = errors.New("transport: receive timeout")
	// ErrClosed is returned once the connection is gone. The underlying
	// cause, if any, is wrapped alongside it.
	ErrClosed = errors.New("transport: connection closed")
)

// Transport opens connections to a service endpoint.
type Transport interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// Conn is one open connection. Send may be called from any goroutine;
// Receive must only be called from one goroutine at a time. Frames are
// returned in arrival order.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	// Receive waits up to timeout for the next frame. A timeout of zero
	// or less only returns an already buffered frame.
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

// receive implements the Receive contract over a frame channel and a
// channel that is closed when no more frames will arrive.
func receive(frames <-chan []byte, done <-chan struct{}, closeErr func() error, timeout time.Duration) ([]byte, error) {
	select {
	case f := <-frames:
		return f, nil
	default:
	}
	if timeout <= 0 {
		select {
		case <-done:
			return nil, closeErr()
		default:
			return nil, ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-frames:
		return f, nil
	case <-done:
		// Prefer frames that raced with the close.
		select {
		case f := <-frames:
			return f, nil
		default:
		}
		return nil, closeErr()
	case <-timer.C:
		return nil, ErrTimeout
	}
}
