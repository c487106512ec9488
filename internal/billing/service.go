// Package billing assembles the entitlement view a decision cycle needs:
// lifetime flag, purchase history, and a point-in-time balance.
package billing

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"calculaconfia/internal/backend"
	"calculaconfia/internal/flagstore"
	dErrors "calculaconfia/pkg/domain-errors"
	"calculaconfia/pkg/requestcontext"
)

// BackendClient is the slice of the backend client this service needs.
type BackendClient interface {
	CreditsBalance(ctx context.Context) (*backend.CreditsBalance, error)
	CreditsHistory(ctx context.Context) ([]backend.CreditHistoryItem, error)
}

// Service builds billing snapshots and owns the one-way lifetime flag.
type Service struct {
	client  BackendClient
	durable flagstore.Store
	logger  *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New constructs the billing service.
func New(client BackendClient, durable flagstore.Store, opts ...Option) (*Service, error) {
	if client == nil {
		return nil, errors.New("backend client is required")
	}
	if durable == nil {
		return nil, errors.New("durable flag store is required")
	}
	svc := &Service{
		client:  client,
		durable: durable,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Snapshot gathers the billing facts for one decision cycle. The durable
// lifetime flag short-circuits every fetch: a visitor with a recorded lifetime
// entitlement never waits on the billing API to get through the gate.
//
// Unauthorized propagates; every other fetch failure degrades to the safest
// default (no entitlement) and resolves silently into the next decision.
func (s *Service) Snapshot(ctx context.Context, user *backend.User) (Snapshot, error) {
	now := requestcontext.Now(ctx)
	profileID := requestcontext.ProfileID(ctx)
	lifetimeKey := flagstore.ProfileKey(profileID, flagstore.KeyLifetimeAccess)

	if _, ok, err := s.durable.Get(ctx, lifetimeKey); err == nil && ok {
		return Snapshot{HasLifetimeAccess: true, FetchedAt: now}, nil
	} else if err != nil {
		s.logger.Warn("lifetime flag read failed", "error", err)
	}

	if user != nil && user.HasLifetimeAccess {
		s.MarkLifetime(ctx)
		return Snapshot{HasLifetimeAccess: true, FetchedAt: now}, nil
	}

	var (
		balance     int
		hasPurchase bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fetched, err := s.client.CreditsBalance(gctx)
		if err != nil {
			return err
		}
		balance = fetched.Balance()
		return nil
	})
	g.Go(func() error {
		items, err := s.client.CreditsHistory(gctx)
		if err != nil {
			return err
		}
		hasPurchase = HasPurchase(items)
		return nil
	})

	if err := g.Wait(); err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			return Snapshot{}, err
		}
		s.logger.Warn("billing fetch degraded", "error", err)
		// Keep whatever the profile hints at so one flaky fetch does not lock
		// a paying user out of the gate.
		return Snapshot{
			HasPurchaseHistory: InferPurchaseFromUser(user),
			FetchedAt:          now,
		}, nil
	}

	return Snapshot{
		HasPurchaseHistory: hasPurchase || InferPurchaseFromUser(user),
		Balance:            balance,
		FetchedAt:          now,
	}, nil
}

// MarkLifetime records the one-way lifetime entitlement. Once set it is never
// cleared client-side.
func (s *Service) MarkLifetime(ctx context.Context) {
	profileID := requestcontext.ProfileID(ctx)
	key := flagstore.ProfileKey(profileID, flagstore.KeyLifetimeAccess)
	if err := s.durable.Set(ctx, key, "1", 0); err != nil {
		s.logger.Warn("failed to persist lifetime flag", "error", err)
	}
}

// Balance performs a single point-in-time balance read. Used by the payment
// poller, which needs the raw number and the raw unauthorized signal.
func (s *Service) Balance(ctx context.Context) (int, error) {
	fetched, err := s.client.CreditsBalance(ctx)
	if err != nil {
		return 0, err
	}
	return fetched.Balance(), nil
}
