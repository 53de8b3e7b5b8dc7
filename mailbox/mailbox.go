// mailbox.go
package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultCapacity bounds the queue; producers feel back-pressure only
	// through the overflow policy, never by blocking indefinitely.
	DefaultCapacity = 256

	// criticalWait is how long a producer of a critical event blocks for
	// room before evicting a non-critical entry.
	criticalWait = 100 * time.Millisecond
)

var ErrClosed = errors.New("mailbox: closed")

var droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sauna_mailbox_dropped_events_total",
	Help: "Events discarded by the mailbox overflow policy, by kind.",
}, []string{"kind"})

// Mailbox is a bounded, typed, single-consumer queue. FIFO per producer;
// each event is delivered exactly once. On overflow the oldest non-critical
// event is discarded; critical events are never dropped.
type Mailbox struct {
	mu     sync.Mutex
	q      []Event
	cap    int
	closed bool

	// sig wakes the consumer, space wakes blocked critical producers.
	sig   chan struct{}
	space chan struct{}
}

func New(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mailbox{
		cap:   capacity,
		sig:   make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// Put enqueues ev, applying the overflow policy. It reports whether the
// event was accepted. Non-critical events are dropped (and counted) when the
// queue holds only critical entries; critical events wait up to 100 ms for
// room, then evict the oldest non-critical entry, and as a last resort the
// queue grows past its bound rather than lose them.
func (m *Mailbox) Put(ev Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if len(m.q) < m.cap {
		m.push(ev)
		m.mu.Unlock()
		return true
	}

	if !ev.Critical() {
		if m.evictOldestNonCritical() {
			m.push(ev)
			m.mu.Unlock()
			return true
		}
		m.mu.Unlock()
		droppedEvents.WithLabelValues(ev.Kind()).Inc()
		return false
	}

	// Critical: wait briefly for the consumer to make room.
	deadline := time.Now().Add(criticalWait)
	for len(m.q) >= m.cap && !m.closed {
		m.mu.Unlock()
		remain := time.Until(deadline)
		if remain <= 0 {
			m.mu.Lock()
			break
		}
		t := time.NewTimer(remain)
		select {
		case <-m.space:
		case <-t.C:
		}
		t.Stop()
		m.mu.Lock()
	}
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if len(m.q) >= m.cap && !m.evictOldestNonCritical() {
		// Full of critical events; exceed the bound rather than drop one.
	}
	m.push(ev)
	m.mu.Unlock()
	return true
}

// push appends and wakes the consumer. Caller holds the lock.
func (m *Mailbox) push(ev Event) {
	m.q = append(m.q, ev)
	select {
	case m.sig <- struct{}{}:
	default:
	}
}

// evictOldestNonCritical removes the oldest droppable entry, counting it.
// Caller holds the lock.
func (m *Mailbox) evictOldestNonCritical() bool {
	for i, e := range m.q {
		if !e.Critical() {
			droppedEvents.WithLabelValues(e.Kind()).Inc()
			m.q = append(m.q[:i], m.q[i+1:]...)
			return true
		}
	}
	return false
}

// Receive blocks until an event is available or ctx is cancelled. Only one
// goroutine may call Receive.
func (m *Mailbox) Receive(ctx context.Context) (Event, error) {
	for {
		m.mu.Lock()
		if len(m.q) > 0 {
			ev := m.q[0]
			m.q = m.q[1:]
			m.mu.Unlock()
			select {
			case m.space <- struct{}{}:
			default:
			}
			return ev, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.sig:
		}
	}
}

// TryReceive returns the next event without blocking.
func (m *Mailbox) TryReceive() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.q) == 0 {
		return nil, false
	}
	ev := m.q[0]
	m.q = m.q[1:]
	select {
	case m.space <- struct{}{}:
	default:
	}
	return ev, true
}

// Len reports the number of queued events.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.q)
}

// Close rejects further producers; queued events remain receivable.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.sig <- struct{}{}:
	default:
	}
}
