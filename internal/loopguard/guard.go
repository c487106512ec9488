// Package loopguard detects redirect ping-pong between the landing page and
// the gated surface. Two conflicting automatic redirects inside a short window
// mean two components disagree about the session; the guard enters a cooldown
// during which automatic navigation is suppressed and the visitor stays put.
package loopguard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"calculaconfia/internal/events"
	"calculaconfia/internal/flagstore"
	"calculaconfia/internal/platform/metrics"
	"calculaconfia/pkg/requestcontext"
)

// Defaults match the production tuning: two automatic redirects within four
// seconds trips a fifteen-second cooldown.
const (
	DefaultWindow    = 4 * time.Second
	DefaultThreshold = 2
	DefaultCooldown  = 15 * time.Second
)

// Meta is the guard's ledger, persisted to the volatile store so concurrent
// components in the same session observe one shared state.
type Meta struct {
	FirstAttemptAt time.Time `json:"first_attempt_at"`
	Count          int       `json:"count"`
	BlockedUntil   time.Time `json:"blocked_until,omitempty"`
}

// Guard arbitrates automatic redirects for one session.
type Guard struct {
	store     flagstore.Store
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	window    time.Duration
	threshold int
	cooldown  time.Duration

	mu sync.Mutex
}

// Option configures the Guard.
type Option func(*Guard)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithMetrics wires trip counting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithPublisher wires loop_detected events.
func WithPublisher(p events.Publisher) Option {
	return func(g *Guard) { g.publisher = p }
}

// WithTuning overrides window, threshold, and cooldown. Zero values keep the
// defaults.
func WithTuning(window time.Duration, threshold int, cooldown time.Duration) Option {
	return func(g *Guard) {
		if window > 0 {
			g.window = window
		}
		if threshold > 0 {
			g.threshold = threshold
		}
		if cooldown > 0 {
			g.cooldown = cooldown
		}
	}
}

// New constructs a Guard over the volatile flag store.
func New(store flagstore.Store, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, errors.New("flag store is required")
	}
	g := &Guard{
		store:     store,
		publisher: events.Discard{},
		logger:    slog.Default(),
		window:    DefaultWindow,
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// RegisterAttempt records one automatic redirect attempt and reports whether
// it may proceed, along with the resulting ledger so callers can surface
// blocked_until in their notices. User-initiated navigation must never pass
// through here.
func (g *Guard) RegisterAttempt(ctx context.Context) (bool, Meta) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := requestcontext.Now(ctx)
	meta := g.load(ctx, now)

	if now.Before(meta.BlockedUntil) {
		return false, meta
	}

	if meta.Count == 0 || now.Sub(meta.FirstAttemptAt) > g.window {
		meta = Meta{FirstAttemptAt: now, Count: 1}
		g.save(ctx, meta)
		return true, meta
	}

	meta.Count++
	if meta.Count >= g.threshold {
		g.trip(ctx, &meta, now)
		g.save(ctx, meta)
		return false, meta
	}
	g.save(ctx, meta)
	return true, meta
}

// IsBlocked reports whether the guard is in cooldown right now.
func (g *Guard) IsBlocked(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := requestcontext.Now(ctx)
	return now.Before(g.load(ctx, now).BlockedUntil)
}

// Reset clears the ledger, re-arming the guard immediately. Used after an
// explicit user navigation, which proves the session is not looping.
func (g *Guard) Reset(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := g.key(ctx)
	if err := g.store.Delete(ctx, key); err != nil {
		g.logger.Warn("failed to reset loop ledger", "error", err)
	}
}

func (g *Guard) trip(ctx context.Context, meta *Meta, now time.Time) {
	meta.BlockedUntil = now.Add(g.cooldown)
	g.logger.Warn("redirect loop detected, entering cooldown",
		"count", meta.Count,
		"blocked_until", meta.BlockedUntil,
	)
	if g.metrics != nil {
		g.metrics.LoopGuardTrips.Inc()
	}

	// A redirect marked in-flight belongs to the loop; drop it so the next
	// cycle starts clean once the cooldown passes.
	inProgressKey := flagstore.ProfileKey(requestcontext.ProfileID(ctx), flagstore.KeyRedirectInProgress)
	if err := g.store.Delete(ctx, inProgressKey); err != nil {
		g.logger.Warn("failed to clear in-flight redirect marker", "error", err)
	}

	event := events.Event{
		Type:      events.TypeLoopDetected,
		ProfileID: requestcontext.ProfileID(ctx),
		At:        now,
		Fields:    map[string]any{"count": meta.Count, "cooldown_until": meta.BlockedUntil},
	}
	if err := g.publisher.Publish(ctx, event); err != nil {
		g.logger.Warn("failed to publish loop event", "error", err)
	}
}

// load reads the ledger; a missing, unreadable, or expired-cooldown ledger
// reads as armed-and-empty.
func (g *Guard) load(ctx context.Context, now time.Time) Meta {
	raw, ok, err := g.store.Get(ctx, g.key(ctx))
	if err != nil {
		g.logger.Warn("failed to read loop ledger", "error", err)
		return Meta{}
	}
	if !ok {
		return Meta{}
	}
	var meta Meta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		g.logger.Warn("discarding malformed loop ledger", "error", err)
		return Meta{}
	}
	if !meta.BlockedUntil.IsZero() && !now.Before(meta.BlockedUntil) {
		return Meta{}
	}
	return meta
}

func (g *Guard) save(ctx context.Context, meta Meta) {
	raw, err := json.Marshal(meta)
	if err != nil {
		g.logger.Warn("failed to encode loop ledger", "error", err)
		return
	}
	ttl := g.window
	if !meta.BlockedUntil.IsZero() {
		ttl = g.cooldown + g.window
	}
	if err := g.store.Set(ctx, g.key(ctx), string(raw), ttl); err != nil {
		g.logger.Warn("failed to persist loop ledger", "error", err)
	}
}

func (g *Guard) key(ctx context.Context) string {
	return flagstore.ProfileKey(requestcontext.ProfileID(ctx), flagstore.KeyLoopLedger)
}
