// Package txn correlates outgoing method calls with their replies.
package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned by Await when the reply did not arrive in time.
	// The slot is discarded; a late reply is ignored.
	ErrTimeout = errors.New("txn: transaction timed out")
	// ErrCancelled resolves every outstanding slot on CancelAll.
	ErrCancelled = errors.New("txn: transaction cancelled")
	// ErrUnknown is returned by Await for ids that were never registered or
	// have already been awaited.
	ErrUnknown = errors.New("txn: unknown transaction")
)

// resolvedRetention bounds how long a resolved slot nobody awaits is kept.
const resolvedRetention = time.Minute

// Hook observes the first resolution of a transaction. It runs on the
// resolving goroutine before any Await returns.
type Hook func(result json.RawMessage, err error)

type slot struct {
	method   string
	hook     Hook
	done     chan struct{}
	resolved bool
	at       time.Time
	result   json.RawMessage
	err      error
}

// Registry maps transaction ids to pending reply slots.
type Registry struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]*slot
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pending: make(map[uint64]*slot),
		logger:  logger,
		now:     time.Now,
	}
}

// Register allocates a fresh id for a call to method. Ids start at 1, grow
// monotonically and skip any id still present.
func (r *Registry) Register(method string, hook Hook) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	for {
		r.next++
		if r.next == 0 {
			continue
		}
		if _, taken := r.pending[r.next]; !taken {
			break
		}
	}
	r.pending[r.next] = &slot{method: method, hook: hook, done: make(chan struct{})}
	return r.next
}

// pruneLocked drops resolved slots nobody awaited.
func (r *Registry) pruneLocked() {
	cutoff := r.now().Add(-resolvedRetention)
	for id, s := range r.pending {
		if s.resolved && s.at.Before(cutoff) {
			delete(r.pending, id)
		}
	}
}

// Resolve completes the slot for id. It reports whether the resolution was
// delivered; unknown or already resolved ids are logged and ignored.
func (r *Registry) Resolve(id uint64, result json.RawMessage, err error) bool {
	r.mu.Lock()
	s, ok := r.pending[id]
	if !ok || s.resolved {
		r.mu.Unlock()
		r.logger.Debug("reply for unknown transaction", "id", id)
		return false
	}
	s.resolved = true
	r.mu.Unlock()

	r.complete(s, result, err)
	return true
}

// complete runs the hook then publishes the result. The slot must already be
// marked resolved so nobody else completes it.
func (r *Registry) complete(s *slot, result json.RawMessage, err error) {
	if s.hook != nil {
		s.hook(result, err)
	}
	r.mu.Lock()
	s.result = result
	s.err = err
	s.at = r.now()
	r.mu.Unlock()
	close(s.done)
}

// Await blocks until id is resolved, timeout elapses or ctx is done. A
// timeout of zero or less waits on ctx alone. The slot is released when
// Await returns.
func (r *Registry) Await(ctx context.Context, id uint64, timeout time.Duration) (json.RawMessage, error) {
	r.mu.Lock()
	s, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknown, id)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-s.done:
		return r.take(id, s)
	case <-expired:
		return r.abandon(id, s, fmt.Errorf("%w: %s (id %d) after %v", ErrTimeout, s.method, id, timeout))
	case <-ctx.Done():
		return r.abandon(id, s, ctx.Err())
	}
}

func (r *Registry) take(id uint64, s *slot) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[id] == s {
		delete(r.pending, id)
	}
	return s.result, s.err
}

// abandon discards an unresolved slot. If a resolution won the race its
// result is returned instead.
func (r *Registry) abandon(id uint64, s *slot, cause error) (json.RawMessage, error) {
	r.mu.Lock()
	if s.resolved {
		r.mu.Unlock()
		<-s.done
		return r.take(id, s)
	}
	s.resolved = true
	delete(r.pending, id)
	r.mu.Unlock()

	r.complete(s, nil, cause)
	return nil, cause
}

// CancelAll resolves every outstanding slot with ErrCancelled. Resolved
// slots stay awaitable so callers that arrive late still see the error.
func (r *Registry) CancelAll(reason error) int {
	r.mu.Lock()
	var victims []*slot
	for _, s := range r.pending {
		if !s.resolved {
			s.resolved = true
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()

	err := ErrCancelled
	if reason != nil {
		err = fmt.Errorf("%w: %v", ErrCancelled, reason)
	}
	for _, s := range victims {
		r.complete(s, nil, err)
	}
	return len(victims)
}

// Outstanding returns the number of unresolved transactions.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.pending {
		if !s.resolved {
			n++
		}
	}
	return n
}

// Method returns the method name registered for id.
func (r *Registry) Method(id uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.pending[id]
	if !ok {
		return "", false
	}
	return s.method, true
}
