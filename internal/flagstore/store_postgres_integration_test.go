//go:build integration

package flagstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"calculaconfia/pkg/testutil/containers"
)

type PostgresStoreIntegrationSuite struct {
	suite.Suite
	container *containers.PostgresContainer
	store     *PostgresStore
	ctx       context.Context
}

func TestPostgresStoreIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreIntegrationSuite))
}

func (s *PostgresStoreIntegrationSuite) SetupSuite() {
	s.container = containers.NewPostgresContainer(s.T())
	store, err := NewPostgresStore(s.container.URL)
	s.Require().NoError(err)
	s.store = store
	s.ctx = context.Background()
}

func (s *PostgresStoreIntegrationSuite) TearDownSuite() {
	if s.store != nil {
		s.Require().NoError(s.store.Close())
	}
}

func (s *PostgresStoreIntegrationSuite) SetupTest() {
	s.Require().NoError(s.container.TruncateTables(s.ctx, "funnel_flags"))
}

func (s *PostgresStoreIntegrationSuite) TestRoundTripSurvivesNewStore() {
	profileKey := ProfileKey("profile-1", KeyPendingPayment)
	s.Require().NoError(s.store.Set(s.ctx, profileKey, `{"started_at":"2026-08-28T10:00:00Z","base_balance":0}`, 0))

	// A fresh store over the same database simulates a server restart.
	reloaded, err := NewPostgresStore(s.container.URL)
	s.Require().NoError(err)
	defer reloaded.Close()

	value, ok, err := reloaded.Get(s.ctx, profileKey)
	s.Require().NoError(err)
	s.True(ok)
	s.Contains(value, `"base_balance":0`)
}

func (s *PostgresStoreIntegrationSuite) TestExpiredRowReadsAsAbsent() {
	s.Require().NoError(s.store.Set(s.ctx, KeyAutoRedirectPaused, "1", time.Second))

	_, ok, err := s.store.Get(s.ctx, KeyAutoRedirectPaused)
	s.Require().NoError(err)
	s.True(ok)

	time.Sleep(1100 * time.Millisecond)

	_, ok, err = s.store.Get(s.ctx, KeyAutoRedirectPaused)
	s.Require().NoError(err)
	s.False(ok, "expiry is lazy but an expired row must read as absent")
}

func (s *PostgresStoreIntegrationSuite) TestWriteReapsExpiredRows() {
	s.Require().NoError(s.store.Set(s.ctx, KeyLoopLedger, "1", 50*time.Millisecond))
	time.Sleep(100 * time.Millisecond)

	// Any later write sweeps whatever already expired.
	s.Require().NoError(s.store.Set(s.ctx, KeyAuthMarker, "1", 0))

	var count int
	err := s.container.DB.QueryRowContext(s.ctx,
		`SELECT count(*) FROM funnel_flags WHERE key = $1`, KeyLoopLedger).Scan(&count)
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *PostgresStoreIntegrationSuite) TestLastWriteWinsAcrossStores() {
	other, err := NewPostgresStore(s.container.URL)
	s.Require().NoError(err)
	defer other.Close()

	s.Require().NoError(s.store.Set(s.ctx, KeyLifetimeAccess, "false", 0))
	s.Require().NoError(other.Set(s.ctx, KeyLifetimeAccess, "true", 0))

	value, ok, err := s.store.Get(s.ctx, KeyLifetimeAccess)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("true", value)
}

func (s *PostgresStoreIntegrationSuite) TestDeleteRemovesRow() {
	s.Require().NoError(s.store.Set(s.ctx, KeyAuthMarker, "1", 0))
	s.Require().NoError(s.store.Delete(s.ctx, KeyAuthMarker))

	_, ok, err := s.store.Get(s.ctx, KeyAuthMarker)
	s.Require().NoError(err)
	s.False(ok)
}
