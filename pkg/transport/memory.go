package transport

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Transport = (*MemoryTransport)(nil)
	_ Conn      = (*MemoryConn)(nil)
)

// MemoryTransport is an in-process Transport for tests. Every Dial creates a
// Pipe; the far end is handed to whoever calls Accept.
type MemoryTransport struct {
	mu       sync.Mutex
	dialErr  error
	accepted chan *MemoryConn
}

// NewMemoryTransport creates a transport whose dials never touch the network.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{accepted: make(chan *MemoryConn, 8)}
}

// FailDials makes subsequent dials return err. Pass nil to clear.
func (t *MemoryTransport) FailDials(err error) {
	t.mu.Lock()
	t.dialErr = err
	t.mu.Unlock()
}

func (t *MemoryTransport) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	t.mu.Lock()
	err := t.dialErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	client, server := Pipe()
	server.Endpoint = endpoint
	server.Header = header.Clone()
	select {
	case t.accepted <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept returns the server end of the next dialed connection.
func (t *MemoryTransport) Accept(ctx context.Context) (*MemoryConn, error) {
	select {
	case c := <-t.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MemoryConn is one end of a Pipe.
type MemoryConn struct {
	// Endpoint and Header are what the dialer asked for. Only set on the
	// server end.
	Endpoint string
	Header   http.Header

	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected ends. Closing either end closes both.
func Pipe() (*MemoryConn, *MemoryConn) {
	ab := make(chan []byte, frameBuffer)
	ba := make(chan []byte, frameBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &MemoryConn{in: ba, out: ab, closed: closed, once: once}
	b := &MemoryConn{in: ab, out: ba, closed: closed, once: once}
	return a, b
}

func (c *MemoryConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	f := append([]byte(nil), frame...)
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemoryConn) Receive(timeout time.Duration) ([]byte, error) {
	return receive(c.in, c.closed, func() error { return ErrClosed }, timeout)
}

func (c *MemoryConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether the pipe has been closed from either end.
func (c *MemoryConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
