// Package auth holds the short-TTL cached view of the visitor's identity.
// It is the only component allowed to call GET /me; everything else asks it.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"calculaconfia/internal/backend"
	"calculaconfia/internal/flagstore"
	"calculaconfia/internal/platform/metrics"
	"calculaconfia/pkg/requestcontext"
)

// DefaultTTL bounds how long a snapshot may be trusted without a refetch.
const DefaultTTL = 30 * time.Second

// IdentityClient is the slice of the backend client the cache needs.
type IdentityClient interface {
	Me(ctx context.Context) (*backend.User, error)
}

// Cache memoizes identity per session token. Snapshots live in memory only;
// the durable "has used this app before" marker is a side effect of a
// successful refresh and must never be read back as authentication.
type Cache struct {
	client  IdentityClient
	durable flagstore.Store
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	snapshots map[string]Snapshot

	group singleflight.Group
}

// Option configures the Cache.
type Option func(*Cache)

// WithTTL overrides the snapshot TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithMetrics enables cache hit/refresh counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache builds an auth cache over the identity client. durable receives the
// returning-visitor markers.
func NewCache(client IdentityClient, durable flagstore.Store, opts ...Option) (*Cache, error) {
	if client == nil {
		return nil, errors.New("identity client is required")
	}
	if durable == nil {
		return nil, errors.New("durable flag store is required")
	}
	c := &Cache{
		client:    client,
		durable:   durable,
		ttl:       DefaultTTL,
		logger:    slog.Default(),
		snapshots: make(map[string]Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// IsAuthenticated is the cache-only fast path. It never performs network I/O:
// a missing or stale snapshot simply answers false, and the caller decides
// whether that answer is worth a Refresh.
func (c *Cache) IsAuthenticated(ctx context.Context) bool {
	token := requestcontext.AccessToken(ctx)
	if token == "" || tokenVisiblyExpired(token, requestcontext.Now(ctx)) {
		return false
	}

	c.mu.RLock()
	snapshot, ok := c.snapshots[token]
	c.mu.RUnlock()
	if !ok || !snapshot.Fresh(c.ttl, requestcontext.Now(ctx)) {
		return false
	}
	if c.metrics != nil {
		c.metrics.AuthCacheHits.Inc()
	}
	return snapshot.IsAuthenticated
}

// Snapshot returns a trustworthy snapshot, refetching only when the cached one
// has aged out. This is the call sites' default entry point.
func (c *Cache) Snapshot(ctx context.Context) Snapshot {
	token := requestcontext.AccessToken(ctx)
	now := requestcontext.Now(ctx)
	if token == "" || tokenVisiblyExpired(token, now) {
		return anonymous(now)
	}

	c.mu.RLock()
	snapshot, ok := c.snapshots[token]
	c.mu.RUnlock()
	if ok && snapshot.Fresh(c.ttl, now) {
		if c.metrics != nil {
			c.metrics.AuthCacheHits.Inc()
		}
		return snapshot
	}
	return c.Refresh(ctx)
}

// Refresh forces one identity fetch. Concurrent refreshes for the same token
// collapse into a single network call. Any failure — network, 401, 403 —
// resolves to the anonymous snapshot rather than an error.
func (c *Cache) Refresh(ctx context.Context) Snapshot {
	token := requestcontext.AccessToken(ctx)
	now := requestcontext.Now(ctx)
	if token == "" {
		return anonymous(now)
	}

	result, _, _ := c.group.Do(token, func() (any, error) {
		if c.metrics != nil {
			c.metrics.AuthCacheRefreshes.Inc()
		}
		user, err := c.client.Me(ctx)
		if err != nil {
			c.logger.Debug("identity refresh resolved to anonymous", "error", err)
			snapshot := anonymous(requestcontext.Now(ctx))
			c.storeSnapshot(token, snapshot)
			return snapshot, nil
		}

		snapshot := Snapshot{IsAuthenticated: true, User: user, FetchedAt: requestcontext.Now(ctx)}
		c.storeSnapshot(token, snapshot)
		c.writeReturningVisitorMarkers(ctx)
		return snapshot, nil
	})
	return result.(Snapshot)
}

// Invalidate drops every cached snapshot. The backend client calls this on any
// 401/403 so the very next access refetches regardless of age.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snapshots = make(map[string]Snapshot)
	c.mu.Unlock()
}

func (c *Cache) storeSnapshot(token string, snapshot Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Lazy pruning keeps the map bounded without a sweeper goroutine. It reads
	// the same clock the snapshot was stamped with.
	now := snapshot.FetchedAt
	for key, cached := range c.snapshots {
		if !cached.Fresh(c.ttl, now) {
			delete(c.snapshots, key)
		}
	}
	c.snapshots[token] = snapshot
}

// writeReturningVisitorMarkers records that this profile has a session and has
// used the app. UX hints only — never authentication.
func (c *Cache) writeReturningVisitorMarkers(ctx context.Context) {
	profileID := requestcontext.ProfileID(ctx)
	for _, key := range []string{flagstore.KeyAuthMarker, flagstore.KeyHasUsedApp} {
		if err := c.durable.Set(ctx, flagstore.ProfileKey(profileID, key), "1", 0); err != nil {
			c.logger.Warn("failed to write visitor marker", "key", key, "error", err)
		}
	}
}

// tokenVisiblyExpired inspects the JWT exp claim without verifying the
// signature; only the backend can verify. An unparseable token is not treated
// as expired — the backend gets the final word on those.
func tokenVisiblyExpired(token string, now time.Time) bool {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && claims.ExpiresAt.Before(now)
}
