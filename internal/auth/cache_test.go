package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"

	"calculaconfia/internal/backend"
	"calculaconfia/internal/flagstore"
	dErrors "calculaconfia/pkg/domain-errors"
	"calculaconfia/pkg/requestcontext"
)

type fakeIdentityClient struct {
	mu    sync.Mutex
	calls int32
	user  *backend.User
	err   error
	gate  chan struct{} // when non-nil, Me blocks until the gate closes
}

func (f *fakeIdentityClient) Me(ctx context.Context) (*backend.User, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

func (f *fakeIdentityClient) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

type CacheSuite struct {
	suite.Suite
	client  *fakeIdentityClient
	durable *flagstore.InMemoryStore
	cache   *Cache
	ctx     context.Context
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

func (s *CacheSuite) SetupTest() {
	s.client = &fakeIdentityClient{user: &backend.User{Email: "ana@example.com", Credits: 2}}
	s.durable = flagstore.NewInMemoryStore()
	var err error
	s.cache, err = NewCache(s.client, s.durable)
	s.Require().NoError(err)
	s.ctx = requestcontext.WithAccessToken(context.Background(), "opaque-token")
}

func (s *CacheSuite) TestFastPathNeverFetches() {
	s.False(s.cache.IsAuthenticated(s.ctx))
	s.Equal(0, s.client.callCount(), "cache-only check must not hit the network")
}

func (s *CacheSuite) TestSnapshotCachesWithinTTL() {
	first := s.cache.Snapshot(s.ctx)
	s.True(first.IsAuthenticated)
	s.Equal(1, s.client.callCount())

	second := s.cache.Snapshot(s.ctx)
	s.True(second.IsAuthenticated)
	s.Equal(1, s.client.callCount(), "fresh snapshot must be served from cache")

	s.True(s.cache.IsAuthenticated(s.ctx))
	s.Equal(1, s.client.callCount())
}

func (s *CacheSuite) TestFailedRefreshResolvesAnonymous() {
	s.client.err = dErrors.New(dErrors.CodeUnavailable, "backend down")

	snapshot := s.cache.Refresh(s.ctx)
	s.False(snapshot.IsAuthenticated)
	s.Nil(snapshot.User)

	_, marked, err := s.durable.Get(s.ctx, flagstore.KeyHasUsedApp)
	s.Require().NoError(err)
	s.False(marked, "failure must not write visitor markers")
}

func (s *CacheSuite) TestSuccessWritesVisitorMarkers() {
	snapshot := s.cache.Refresh(s.ctx)
	s.True(snapshot.IsAuthenticated)

	for _, key := range []string{flagstore.KeyAuthMarker, flagstore.KeyHasUsedApp} {
		value, ok, err := s.durable.Get(s.ctx, key)
		s.Require().NoError(err)
		s.True(ok, "marker %s must be written", key)
		s.Equal("1", value)
	}
}

func (s *CacheSuite) TestInvalidateForcesRefetch() {
	s.cache.Snapshot(s.ctx)
	s.Equal(1, s.client.callCount())

	s.cache.Invalidate()

	s.False(s.cache.IsAuthenticated(s.ctx), "invalidation drops the fast path")
	s.cache.Snapshot(s.ctx)
	s.Equal(2, s.client.callCount())
}

func (s *CacheSuite) TestVisiblyExpiredTokenShortCircuits() {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signed, err := expired.SignedString([]byte("irrelevant"))
	s.Require().NoError(err)

	ctx := requestcontext.WithAccessToken(context.Background(), signed)
	snapshot := s.cache.Snapshot(ctx)
	s.False(snapshot.IsAuthenticated)
	s.Equal(0, s.client.callCount(), "an expired token needs no /me call")
}

func (s *CacheSuite) TestEmptyTokenIsAnonymous() {
	snapshot := s.cache.Snapshot(context.Background())
	s.False(snapshot.IsAuthenticated)
	s.Equal(0, s.client.callCount())
}

func (s *CacheSuite) TestRefreshStampsRequestClock() {
	pinned := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(s.ctx, pinned)

	snapshot := s.cache.Refresh(ctx)
	s.True(snapshot.IsAuthenticated)
	s.Equal(pinned, snapshot.FetchedAt, "snapshot age is measured on the request clock")

	s.True(s.cache.IsAuthenticated(requestcontext.WithTime(s.ctx, pinned.Add(DefaultTTL-time.Second))))
	s.Equal(1, s.client.callCount())

	s.False(s.cache.IsAuthenticated(requestcontext.WithTime(s.ctx, pinned.Add(DefaultTTL+time.Second))))

	s.client.err = dErrors.New(dErrors.CodeUnauthorized, "expired")
	anon := s.cache.Refresh(ctx)
	s.False(anon.IsAuthenticated)
	s.Equal(pinned, anon.FetchedAt)
}

func (s *CacheSuite) TestConcurrentRefreshCollapses() {
	s.client.gate = make(chan struct{})

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.cache.Refresh(s.ctx)
		}()
	}

	// Give the goroutines time to pile onto the singleflight before release.
	time.Sleep(50 * time.Millisecond)
	close(s.client.gate)
	wg.Wait()

	s.Equal(1, s.client.callCount(), "concurrent refreshes must share one fetch")
}
