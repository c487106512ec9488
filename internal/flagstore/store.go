// Package flagstore is the narrow get/set/subscribe surface over the handful
// of named flags the funnel shares across components, tabs, and reloads.
// Every write is last-write-wins at the granularity of a single key; nothing
// may assume exclusive ownership of a flag across suspension points.
package flagstore

import (
	"context"
	"time"
)

// Well-known flag names. Durable unless noted volatile.
const (
	// KeyAuthMarker mirrors the presence of a backend session.
	KeyAuthMarker = "auth:marker"
	// KeyHasUsedApp marks a returning visitor. Never read as authentication.
	KeyHasUsedApp = "auth:seen"
	// KeyLifetimeAccess is the one-way entitlement flag.
	KeyLifetimeAccess = "billing:lifetime"
	// KeyPendingPayment holds the serialized pending-payment record.
	KeyPendingPayment = "payment:pending"
	// KeyLoopLedger is the redirect loop guard's ledger (volatile).
	KeyLoopLedger = "nav:loop"
	// KeyAutoRedirectPaused suppresses automatic redirects after an explicit
	// dismissal (volatile, carries its own TTL).
	KeyAutoRedirectPaused = "nav:paused"
	// KeyRedirectInProgress marks a navigation effect in flight (volatile).
	KeyRedirectInProgress = "nav:redirecting"
)

// Change describes one observed write or delete on a flag.
type Change struct {
	Key     string
	Value   string
	Present bool
}

// Store is the shared flag surface. Implementations differ only in
// durability: the memory store models tab-scoped volatile storage, redis and
// postgres model durable storage shared across tabs and reloads.
type Store interface {
	// Get returns the current value and whether the flag is set. Expired
	// flags read as absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes a flag. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes a flag. Deleting an absent flag is not an error.
	Delete(ctx context.Context, key string) error
	// Subscribe registers an observer for writes and deletes on one key
	// within this process. The returned func cancels the subscription.
	Subscribe(key string, fn func(Change)) (cancel func())
}

// ProfileKey namespaces a flag to one browser profile so durable stores can be
// shared across many visitors.
func ProfileKey(profileID, key string) string {
	if profileID == "" {
		return key
	}
	return profileID + ":" + key
}
