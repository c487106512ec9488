// Package events carries the funnel's lifecycle signals: loop trips, payment
// outcomes, session expiry, and the decision stream. Publishing is never on
// the critical path of a decision; a failed publish is logged and dropped.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types emitted by the orchestrator.
const (
	TypeLoopDetected     = "loop_detected"
	TypePaymentConfirmed = "payment_confirmed"
	TypePaymentTimeout   = "payment_timeout"
	TypeSessionExpired   = "session_expired"
	TypeDecision         = "decision"
)

// Event is one funnel lifecycle signal.
type Event struct {
	Type      string         `json:"type"`
	ProfileID string         `json:"profile_id,omitempty"`
	At        time.Time      `json:"at"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Publisher emits funnel events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is an in-process publisher that fans out to subscribers. It doubles as
// the default publisher when no broker is configured.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]func(Event)
	next int
}

// NewBus creates an empty in-process event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Publish delivers the event to every subscriber synchronously. Subscriber
// callbacks must not block.
func (b *Bus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
	return nil
}

// Subscribe registers a callback for every published event. The returned func
// cancels the subscription.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) error { return nil }
