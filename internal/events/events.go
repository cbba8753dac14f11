// Package events keeps a bounded journal of what the gateway did. Message dispositions,
// packet sends and packet resolutions are recorded here and fanned out to subscribers such
// as the event stream endpoint.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/internal/gateway"
)

// Type classifies a journal entry.
type Type string

const (
	TypeMessage        Type = "message"
	TypePacketSent     Type = "packet.sent"
	TypePacketAcked    Type = "packet.acked"
	TypePacketTimedOut Type = "packet.timed_out"
	TypeCallFailed     Type = "call.failed"
	TypeConfigChanged  Type = "config.changed"
)

// Entry is one journal record.
type Entry struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Op        string    `json:"op,omitempty"`

	// Name is the message disposition for TypeMessage entries.
	Name       string            `json:"name,omitempty"`
	CCID       string            `json:"cc_id,omitempty"`
	Attributes []relay.Attribute `json:"attributes,omitempty"`

	ChannelID string `json:"channel_id,omitempty"`
	Sequence  uint64 `json:"sequence,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (e Entry) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes entries as they are logged.
type Handler func(Entry)

// Filter decides whether a handler sees an entry.
type Filter func(Entry) bool

// RingBuffer is a thread-safe circular journal.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []Entry
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// DefaultSize is used when NewRingBuffer is given a non-positive size.
const DefaultSize = 1000

// NewRingBuffer creates a journal holding the last size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &RingBuffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Log appends e and notifies subscribers.
func (rb *RingBuffer) Log(e Entry) {
	rb.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Handlers run outside the lock.
	for _, h := range handlers {
		if h.filter == nil || h.filter(e) {
			h.handler(e)
		}
	}
}

// LogWithContext tags e with the request id carried by ctx.
func (rb *RingBuffer) LogWithContext(ctx context.Context, e Entry) {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		e.RequestID = id
	}
	rb.Log(e)
}

// Subscribe registers a handler for every entry. The returned func unsubscribes.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler for entries accepted by filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n entries, newest first.
func (rb *RingBuffer) Recent(n int) []Entry {
	return rb.recent(n, nil)
}

// RecentByType returns up to n entries of type t, newest first.
func (rb *RingBuffer) RecentByType(t Type, n int) []Entry {
	return rb.recent(n, func(e Entry) bool { return e.Type == t })
}

// RecentByMessage returns up to n entries about the message with the given cross-chain id.
func (rb *RingBuffer) RecentByMessage(ccid string, n int) []Entry {
	return rb.recent(n, func(e Entry) bool { return e.CCID == ccid })
}

func (rb *RingBuffer) recent(n int, keep Filter) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Entry
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if keep == nil || keep(rb.entries[idx]) {
			result = append(result, rb.entries[idx])
		}
	}
	return result
}

// Count returns the number of entries held.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear drops every entry.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries = make([]Entry, rb.size)
	rb.head = 0
	rb.count = 0
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches a request id to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request id attached to ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Hooks returns gateway hooks that journal committed calls into rb.
func (rb *RingBuffer) Hooks() gateway.Hooks {
	return gateway.Hooks{
		OnEvents: func(ctx context.Context, op string, evs []gateway.Event) {
			for _, ev := range evs {
				rb.LogWithContext(ctx, Entry{
					Type:       TypeMessage,
					Op:         op,
					Name:       ev.Name,
					CCID:       ev.CCID.String(),
					Attributes: ev.Attributes,
				})
			}
		},
		OnPacketSent: func(p relay.Packet) {
			rb.Log(Entry{Type: TypePacketSent, ChannelID: p.Dst.ChannelID, Sequence: p.Sequence})
		},
		OnPacketResolved: func(channelID string, sequence uint64, outcome string) {
			t := TypePacketAcked
			if outcome == gateway.OutcomeTimeout {
				t = TypePacketTimedOut
			}
			rb.Log(Entry{Type: t, ChannelID: channelID, Sequence: sequence})
		},
		OnCall: func(op string, _ time.Duration, err error) {
			if err != nil {
				rb.Log(Entry{Type: TypeCallFailed, Op: op, Error: err.Error()})
			}
		},
	}
}
