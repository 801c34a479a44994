package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultPingInterval = 30 * time.Second
	frameBuffer         = 256
)

// WebSocket dials the service over gorilla/websocket.
type WebSocket struct {
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
	Logger       *slog.Logger
}

// NewWebSocket returns a transport with the default dialer and timings.
func NewWebSocket(logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: defaultWriteTimeout,
		PongTimeout:  defaultPongTimeout,
		PingInterval: defaultPingInterval,
		Logger:       logger,
	}
}

// Dial connects and starts the read and ping goroutines for the connection.
func (w *WebSocket) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &wsConn{
		conn:         conn,
		writeTimeout: orDefault(w.WriteTimeout, defaultWriteTimeout),
		pongTimeout:  orDefault(w.PongTimeout, defaultPongTimeout),
		frames:       make(chan []byte, frameBuffer),
		readDone:     make(chan struct{}),
		stop:         make(chan struct{}),
		logger:       w.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	go c.readLoop()
	go c.pingLoop(orDefault(w.PingInterval, defaultPingInterval))
	return c, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex // serialises all conn writes (frames, pings, close)
	writeTimeout time.Duration
	pongTimeout  time.Duration
	logger       *slog.Logger

	frames   chan []byte
	readDone chan struct{}
	stop     chan struct{}

	mu       sync.Mutex
	readErr  error
	stopOnce sync.Once
}

func (c *wsConn) readLoop() {
	defer close(c.readDone)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})
	c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		select {
		case c.frames <- data:
		case <-c.stop:
			return
		}
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ws ping failed", "error", err)
				return
			}
		}
	}
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.stop:
		return ErrClosed
	case <-c.readDone:
		return c.closeErr()
	default:
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: write: %v", ErrClosed, err)
	}
	return nil
}

func (c *wsConn) Receive(timeout time.Duration) ([]byte, error) {
	return receive(c.frames, c.readDone, c.closeErr, timeout)
}

func (c *wsConn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
}

func (c *wsConn) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
