// Package events carries the one-directional outbound status/error
// stream from the orchestration core to observability collaborators.
//
// Publishing is always non-blocking: a slow or absent consumer drops
// events, never stalls a tick, and loss of an event never affects table
// state.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Type discriminates envelope payloads.
type Type string

const (
	TypeStatus Type = "status"
	TypeRound  Type = "round_complete"
	TypeError  Type = "error"
)

// StatusEvent is emitted per table per tick.
type StatusEvent struct {
	TableID        int       `json:"table_id"`
	Status         string    `json:"status"`
	Timer          *int      `json:"timer,omitempty"`
	RoundHistory   string    `json:"round_history,omitempty"`
	PatternMatched string    `json:"pattern_matched,omitempty"`
	Decision       string    `json:"decision,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// RoundEvent is emitted once per completed round.
type RoundEvent struct {
	TableID     int       `json:"table_id"`
	RoundNumber int       `json:"round_number"`
	Winner      string    `json:"winner"`
	Decision    string    `json:"decision,omitempty"`
	Result      string    `json:"result"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorEvent is emitted on any alert-worthy failure. It names the
// specific table and category; there is no global failure event for a
// single table's trouble.
type ErrorEvent struct {
	TableID   int       `json:"table_id"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the wire form delivered to subscribers.
type Envelope struct {
	Type   Type         `json:"type"`
	Status *StatusEvent `json:"status,omitempty"`
	Round  *RoundEvent  `json:"round,omitempty"`
	Error  *ErrorEvent  `json:"error,omitempty"`
}

// Bus fans envelopes out to subscribers without ever blocking the
// publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Envelope
	nextID  int
	dropped atomic.Uint64
	logger  *log.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *log.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Envelope),
		logger: logger.WithPrefix("events"),
	}
}

// Subscribe registers a buffered subscriber channel and returns it with
// a cancel function. Events overflowing the buffer are dropped for that
// subscriber only.
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Envelope, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans out to all subscribers, dropping on full buffers.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishStatus wraps a status event.
func (b *Bus) PublishStatus(ev StatusEvent) {
	b.Publish(Envelope{Type: TypeStatus, Status: &ev})
}

// PublishRound wraps a round-complete event.
func (b *Bus) PublishRound(ev RoundEvent) {
	b.Publish(Envelope{Type: TypeRound, Round: &ev})
}

// PublishError wraps an error event.
func (b *Bus) PublishError(ev ErrorEvent) {
	b.logger.Warn("alert", "table", ev.TableID, "category", ev.Category, "message", ev.Message)
	b.Publish(Envelope{Type: TypeError, Error: &ev})
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
