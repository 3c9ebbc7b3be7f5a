// Package eventbus carries per-request observability events from the proxy
// to in-process or external consumers.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event describes one proxied request. Request and response bodies are never
// part of an event.
type Event struct {
	RequestID     string        `json:"request_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Method        string        `json:"method"`
	Path          string        `json:"path"`
	Status        int           `json:"status"`
	Duration      time.Duration `json:"duration_ns"`
	Stream        bool          `json:"stream"`
	ResponseBytes int64         `json:"response_bytes"`
	Timestamp     time.Time     `json:"timestamp"`
}

// EventBus is a simple interface for publishing events to subscribers.
type EventBus interface {
	Publish(ctx context.Context, evt Event)
	Subscribe() <-chan Event
	Close() error
}

// busStats counts published and dropped events.
type busStats struct {
	published atomic.Int64
	dropped   atomic.Int64
}

// InMemoryEventBus is a basic EventBus implementation backed by a buffered channel.
type InMemoryEventBus struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
	stats  busStats
}

// NewInMemoryEventBus creates a new in-memory event bus with the given buffer size.
func NewInMemoryEventBus(bufferSize int) *InMemoryEventBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &InMemoryEventBus{ch: make(chan Event, bufferSize)}
}

// Publish sends an event to the bus without blocking if the buffer is full.
// Events published after Close are dropped.
func (b *InMemoryEventBus) Publish(ctx context.Context, evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.stats.dropped.Add(1)
		return
	}
	select {
	case b.ch <- evt:
		b.stats.published.Add(1)
	default:
		b.stats.dropped.Add(1)
	}
}

// Subscribe returns the channel events are delivered on. All subscribers
// share it, so each event reaches exactly one of them.
func (b *InMemoryEventBus) Subscribe() <-chan Event {
	return b.ch
}

// Close closes the subscriber channel once buffered events are drained by readers.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}

// Stats returns the number of published and dropped events.
func (b *InMemoryEventBus) Stats() (published, dropped int) {
	return int(b.stats.published.Load()), int(b.stats.dropped.Load())
}
