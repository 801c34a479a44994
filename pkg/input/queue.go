package input

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agent-racer/interactive/pkg/protocol"
)

var (
	// ErrUnknownTransaction is returned when capturing an id no queued or
	// recently drained event carried.
	ErrUnknownTransaction = errors.New("input: unknown transaction")
	// ErrAlreadyCaptured is returned for a second capture of the same id.
	ErrAlreadyCaptured = errors.New("input: transaction already captured")
)

// recentTransactions bounds how many transaction ids stay capturable.
const recentTransactions = 1024

// Queue is a FIFO of input events. Push is called by the dispatch path;
// Drain and Capture may be called concurrently from the host.
type Queue struct {
	mu     sync.Mutex
	events []Event
	head   int

	txns     map[string]*txn
	txnOrder []string
}

type txn struct {
	event    Event
	captured bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{txns: make(map[string]*txn)}
}

// Push appends an event.
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, e)
	if e.TransactionID != "" {
		q.rememberLocked(e)
	}
}

func (q *Queue) rememberLocked(e Event) {
	if _, ok := q.txns[e.TransactionID]; ok {
		return
	}
	q.txns[e.TransactionID] = &txn{event: e}
	q.txnOrder = append(q.txnOrder, e.TransactionID)
	if len(q.txnOrder) > recentTransactions {
		delete(q.txns, q.txnOrder[0])
		q.txnOrder = q.txnOrder[1:]
	}
}

// Drain removes and returns up to max events in arrival order. max <= 0
// drains everything.
func (q *Queue) Drain(max int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.events) - q.head
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}
	out := make([]Event, n)
	copy(out, q.events[q.head:q.head+n])
	q.head += n

	// Compact once the consumed prefix dominates.
	if q.head == len(q.events) {
		q.events = q.events[:0]
		q.head = 0
	} else if q.head > 256 && q.head*2 > len(q.events) {
		q.events = append([]Event(nil), q.events[q.head:]...)
		q.head = 0
	}
	return out
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events) - q.head
}

// Clear drops every queued event and forgets all transactions.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.events) - q.head
	q.events = nil
	q.head = 0
	q.txns = make(map[string]*txn)
	q.txnOrder = nil
	return n
}

// Reservation is the host's claim on an input transaction.
type Reservation struct {
	TransactionID string
	ParticipantID string
	Control       ControlRef
}

// Params returns the capture method payload.
func (r Reservation) Params() protocol.CaptureParams {
	return protocol.CaptureParams{TransactionID: r.TransactionID}
}

// Capture claims the transaction of a queued or recently drained event.
func (q *Queue) Capture(transactionID string) (Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.txns[transactionID]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %q", ErrUnknownTransaction, transactionID)
	}
	if t.captured {
		return Reservation{}, fmt.Errorf("%w: %q", ErrAlreadyCaptured, transactionID)
	}
	t.captured = true
	return Reservation{
		TransactionID: transactionID,
		ParticipantID: t.event.ParticipantID,
		Control:       t.event.Control,
	}, nil
}

// Release undoes a capture so it can be retried.
func (q *Queue) Release(transactionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.txns[transactionID]; ok {
		t.captured = false
	}
}
