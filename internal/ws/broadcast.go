package ws

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agent-racer/interactive/pkg/protocol"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many connections")

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
)

// client is one connected game client.
type client struct {
	id   string
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte

	mu       sync.Mutex
	hello    bool
	ready    bool
	limiters map[string]*rate.Limiter
}

func (c *client) writePump() {
	defer func() {
		c.conn.Close()
		c.b.RemoveClient(c)
	}()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

func (c *client) setHello() {
	c.mu.Lock()
	c.hello = true
	c.mu.Unlock()
}

func (c *client) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *client) setReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// setThrottles installs token buckets keyed by method. A zero capacity
// removes the throttle for that method.
func (c *client) setThrottles(params protocol.ThrottleParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for method, t := range params {
		if t.Capacity == 0 {
			delete(c.limiters, method)
			continue
		}
		c.limiters[method] = rate.NewLimiter(rate.Limit(t.DrainRate), int(t.Capacity))
	}
}

// allow takes a token for a push of method, falling back to the global
// bucket.
func (c *client) allow(method string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[method]; ok {
		return l.Allow()
	}
	if l, ok := c.limiters["*"]; ok {
		return l.Allow()
	}
	return true
}

// Broadcaster tracks connected clients and fans pushes out to them. Clients
// that cannot keep up are disconnected.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	metrics  *serviceMetrics
}

func NewBroadcaster(maxConns int, metrics *serviceMetrics) *Broadcaster {
	return &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		metrics:  metrics,
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		b:        b,
		send:     make(chan []byte, sendBuffer),
		limiters: make(map[string]*rate.Limiter),
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// deliver queues frame for c. It reports false when c is gone or its
// buffer is full.
func (b *Broadcaster) deliver(c *client, frame []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// pushFilter selects the clients a push goes to.
type pushFilter struct {
	only      *client
	skip      *client
	readyOnly bool
}

// broadcast sends a push frame to every client the filter admits and whose
// throttle for method has a token left.
func (b *Broadcaster) broadcast(method string, frame []byte, f pushFilter) {
	var slow []*client

	b.mu.RLock()
	for c := range b.clients {
		if c == f.skip || (f.only != nil && c != f.only) || !c.authenticated() {
			continue
		}
		if f.readyOnly && !c.isReady() {
			continue
		}
		if !c.allow(method) {
			b.metrics.pushesDropped.WithLabelValues(method, "throttled").Inc()
			continue
		}
		select {
		case c.send <- frame:
			b.metrics.pushes.WithLabelValues(method).Inc()
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		log.Printf("ws client %s too slow, disconnecting", c.id)
		b.metrics.pushesDropped.WithLabelValues(method, "slow").Inc()
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}
