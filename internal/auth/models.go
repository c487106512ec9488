package auth

import (
	"time"

	"calculaconfia/internal/backend"
)

// Snapshot is the memoized answer to "is this visitor authenticated". It is
// ephemeral and rebuilt from GET /me; only FetchedAt decides whether it can be
// trusted without a refetch.
type Snapshot struct {
	IsAuthenticated bool
	User            *backend.User
	FetchedAt       time.Time
}

// Fresh reports whether the snapshot is still within the cache TTL.
func (s Snapshot) Fresh(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.FetchedAt) <= ttl
}

// anonymous is the snapshot every failure path resolves to. Callers always
// get a usable value, never an error.
func anonymous(now time.Time) Snapshot {
	return Snapshot{IsAuthenticated: false, User: nil, FetchedAt: now}
}
