// Package session runs the reconciliation cycle: gather fresh auth and
// billing snapshots, run the decision engine, and apply the resulting action
// through the loop guard. It also owns the checkout round trip — beginning a
// checkout, absorbing the provider redirect, and polling for the balance
// change that confirms payment.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"calculaconfia/internal/auth"
	"calculaconfia/internal/backend"
	"calculaconfia/internal/billing"
	"calculaconfia/internal/decision"
	"calculaconfia/internal/events"
	"calculaconfia/internal/flagstore"
	"calculaconfia/internal/loopguard"
	"calculaconfia/internal/payment"
	"calculaconfia/internal/platform/metrics"
	dErrors "calculaconfia/pkg/domain-errors"
	"calculaconfia/pkg/requestcontext"
)

// AuthProvider yields the identity snapshot for the current request.
type AuthProvider interface {
	Snapshot(ctx context.Context) auth.Snapshot
	Refresh(ctx context.Context) auth.Snapshot
}

// BillingProvider yields the billing snapshot and raw balance reads.
type BillingProvider interface {
	Snapshot(ctx context.Context, user *backend.User) (billing.Snapshot, error)
	Balance(ctx context.Context) (int, error)
}

// PaymentConfirmer reports a provider redirect to the backend.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, req backend.ConfirmPaymentRequest) (*backend.ConfirmPaymentResult, error)
}

// Decision is one reconciliation cycle's outcome.
type Decision struct {
	Action decision.Action
	// Redirect carries the navigation target when the action survived the
	// loop guard. Empty when the action is not a redirect or was suppressed.
	Redirect string
	// LoopBlocked is true when the guard suppressed an automatic redirect.
	// The caller must fall back to a manual affordance, never retry.
	LoopBlocked bool
	// BlockedUntil is the end of the guard's cooldown when LoopBlocked is set.
	BlockedUntil time.Time
	Auth         auth.Snapshot
	Billing      billing.Snapshot
}

// CheckoutReturn is the immediate outcome of arriving back from the external
// checkout page.
type CheckoutReturn struct {
	Status      payment.ReturnStatus
	StrippedURL string
	// Confirmed is true when the backend acknowledged the payment and the
	// pending record was cleared without waiting for a poll cycle.
	Confirmed bool
}

// Manager ties the funnel components into one reconciliation surface.
type Manager struct {
	auth      AuthProvider
	billing   BillingProvider
	confirmer PaymentConfirmer
	engine    *decision.Engine
	guard     *loopguard.Guard
	poller    *payment.Poller
	pending   *payment.PendingStore
	checkout  *payment.Checkout
	volatile  flagstore.Store
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	platformPath string
}

// Config collects the Manager's collaborators. All fields except Publisher,
// Logger, and Metrics are required.
type Config struct {
	Auth         AuthProvider
	Billing      BillingProvider
	Confirmer    PaymentConfirmer
	Engine       *decision.Engine
	Guard        *loopguard.Guard
	Poller       *payment.Poller
	Pending      *payment.PendingStore
	Checkout     *payment.Checkout
	Volatile     flagstore.Store
	Publisher    events.Publisher
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	PlatformPath string
}

// NewManager validates the wiring and constructs the Manager.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Auth == nil:
		return nil, errors.New("auth provider is required")
	case cfg.Billing == nil:
		return nil, errors.New("billing provider is required")
	case cfg.Confirmer == nil:
		return nil, errors.New("payment confirmer is required")
	case cfg.Engine == nil:
		return nil, errors.New("decision engine is required")
	case cfg.Guard == nil:
		return nil, errors.New("loop guard is required")
	case cfg.Poller == nil:
		return nil, errors.New("poller is required")
	case cfg.Pending == nil:
		return nil, errors.New("pending store is required")
	case cfg.Checkout == nil:
		return nil, errors.New("checkout is required")
	case cfg.Volatile == nil:
		return nil, errors.New("volatile flag store is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		auth:         cfg.Auth,
		billing:      cfg.Billing,
		confirmer:    cfg.Confirmer,
		engine:       cfg.Engine,
		guard:        cfg.Guard,
		poller:       cfg.Poller,
		pending:      cfg.Pending,
		checkout:     cfg.Checkout,
		volatile:     cfg.Volatile,
		publisher:    cfg.Publisher,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		platformPath: cfg.PlatformPath,
	}, nil
}

// Reconcile runs one decision cycle for the given location. Both snapshots
// are gathered before the engine runs; a partial snapshot is never decided
// on. Works identically on a cold start: everything it needs is either
// durable or refetched.
func (m *Manager) Reconcile(ctx context.Context, loc decision.Location) (Decision, error) {
	var (
		authSnap auth.Snapshot
		billSnap billing.Snapshot
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		authSnap = m.auth.Snapshot(gctx)
		return nil
	})
	g.Go(func() error {
		// The billing read tolerates a stale user: entitlement flags are
		// durable and the balance is re-read here anyway.
		snap, err := m.billing.Snapshot(gctx, nil)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
				// Resolved by the auth side of this same cycle.
				snap = billing.Snapshot{}
			} else {
				return err
			}
		}
		billSnap = snap
		return nil
	})
	if err := g.Wait(); err != nil {
		return Decision{}, err
	}

	// A balance above the pending baseline confirms the payment; clear the
	// record so no later cycle re-confirms.
	m.settlePending(ctx, billSnap)

	action := m.engine.Decide(authSnap, billSnap, loc)
	if m.metrics != nil {
		m.metrics.DecisionsTotal.WithLabelValues(string(action)).Inc()
	}

	result := Decision{Action: action, Auth: authSnap, Billing: billSnap}
	if action == decision.ActionRedirectToApp {
		result = m.applyRedirect(ctx, result, loc)
	}

	m.publish(ctx, events.Event{
		Type:      events.TypeDecision,
		ProfileID: requestcontext.ProfileID(ctx),
		At:        requestcontext.Now(ctx),
		Fields:    map[string]any{"action": string(result.Action), "path": loc.Path},
	})
	return result, nil
}

// applyRedirect pushes a RedirectToApp action through the pause marker and
// the loop guard. Suppression downgrades the action to Stay with LoopBlocked
// set; automatic retry under blockage is forbidden.
func (m *Manager) applyRedirect(ctx context.Context, result Decision, loc decision.Location) Decision {
	if loc.UserInitiated {
		// Explicit navigation proves the session is not looping.
		m.guard.Reset(ctx)
		result.Redirect = m.platformPath
		m.clearPending(ctx, "redirect_to_app")
		return result
	}

	pausedKey := flagstore.ProfileKey(requestcontext.ProfileID(ctx), flagstore.KeyAutoRedirectPaused)
	if _, paused, err := m.volatile.Get(ctx, pausedKey); err == nil && paused {
		result.Action = decision.ActionStay
		return result
	}

	if allowed, meta := m.guard.RegisterAttempt(ctx); !allowed {
		result.Action = decision.ActionStay
		result.LoopBlocked = true
		result.BlockedUntil = meta.BlockedUntil
		return result
	}

	inProgressKey := flagstore.ProfileKey(requestcontext.ProfileID(ctx), flagstore.KeyRedirectInProgress)
	if err := m.volatile.Set(ctx, inProgressKey, "1", 30*time.Second); err != nil {
		m.logger.Warn("failed to mark redirect in progress", "error", err)
	}
	result.Redirect = m.platformPath
	m.clearPending(ctx, "redirect_to_app")
	return result
}

// PauseAutoRedirect records an explicit dismissal so the next cycles do not
// immediately repeat the redirect.
func (m *Manager) PauseAutoRedirect(ctx context.Context, ttl time.Duration) {
	key := flagstore.ProfileKey(requestcontext.ProfileID(ctx), flagstore.KeyAutoRedirectPaused)
	if err := m.volatile.Set(ctx, key, "1", ttl); err != nil {
		m.logger.Warn("failed to pause auto-redirect", "error", err)
	}
}

// BeginCheckout creates a backend order against the current balance so the
// poller has a baseline to compare against.
func (m *Manager) BeginCheckout(ctx context.Context) (*backend.Order, error) {
	balance, err := m.billing.Balance(ctx)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			return nil, err
		}
		// A checkout with an unknown baseline still works: any balance
		// beats a zero baseline once credits land.
		m.logger.Warn("baseline balance read failed, using zero", "error", err)
		balance = 0
	}
	return m.checkout.Begin(ctx, balance)
}

// HandleCheckoutReturn absorbs the redirect back from the external checkout:
// parse the provider's query parameters, report the payment to the backend
// immediately, and reflect a terminal outcome without waiting for a poll
// cycle. ok is false when the URL carries no payment parameters.
func (m *Manager) HandleCheckoutReturn(ctx context.Context, rawURL string) (CheckoutReturn, bool) {
	params, stripped, ok := payment.ParseReturnParams(rawURL)
	if !ok {
		return CheckoutReturn{}, false
	}
	ret := CheckoutReturn{Status: params.Status, StrippedURL: stripped}

	if params.Status == payment.ReturnRejected {
		m.clearPending(ctx, "rejected")
		return ret, true
	}

	confirmed, err := m.confirmer.ConfirmPayment(ctx, backend.ConfirmPaymentRequest{
		PaymentID:    params.PaymentID,
		Status:       params.RawStatus,
		PreferenceID: params.PreferenceID,
	})
	if err != nil {
		// Not terminal: the poller keeps watching the balance.
		m.logger.Warn("payment confirmation failed, falling back to polling", "error", err)
		return ret, true
	}
	if confirmed.CreditsAdded || confirmed.AlreadyProcessed {
		ret.Confirmed = true
		m.clearPending(ctx, "confirmed")
		m.publish(ctx, events.Event{
			Type:      events.TypePaymentConfirmed,
			ProfileID: requestcontext.ProfileID(ctx),
			At:        requestcontext.Now(ctx),
			Fields:    map[string]any{"payment_id": params.PaymentID, "source": "checkout_return"},
		})
	}
	return ret, true
}

// AwaitPayment polls the balance against the pending baseline until it
// changes, the window elapses, or the session expires. An expired session
// pauses the poll, refreshes identity once, and restarts against the SAME
// baseline; the comparison point is never reset by re-authentication.
func (m *Manager) AwaitPayment(ctx context.Context) (payment.PollResult, error) {
	pending, ok, err := m.pending.Load(ctx)
	if err != nil {
		return payment.PollResult{}, err
	}
	if !ok {
		return payment.PollResult{}, dErrors.New(dErrors.CodeNotFound, "no pending payment to await")
	}

	for {
		var result payment.PollResult
		select {
		case result = <-m.poller.Start(ctx, pending.BaseBalance):
		case <-ctx.Done():
			// The poll may have been started by another tab of this profile
			// and keeps running on its own context; this waiter leaves.
			return payment.PollResult{Outcome: payment.OutcomeCancelled}, ctx.Err()
		}
		switch result.Outcome {
		case payment.OutcomeConfirmed:
			m.clearPending(ctx, "balance_increase")
			m.publish(ctx, events.Event{
				Type:      events.TypePaymentConfirmed,
				ProfileID: requestcontext.ProfileID(ctx),
				At:        requestcontext.Now(ctx),
				Fields:    map[string]any{"new_balance": result.NewBalance, "source": "poll"},
			})
			return result, nil
		case payment.OutcomeTimeout:
			// Absence of confirmation, not failure. The pending record stays
			// so a later cycle can still settle it.
			m.publish(ctx, events.Event{
				Type:      events.TypePaymentTimeout,
				ProfileID: requestcontext.ProfileID(ctx),
				At:        requestcontext.Now(ctx),
			})
			return result, nil
		case payment.OutcomeUnauthorized:
			m.publish(ctx, events.Event{
				Type:      events.TypeSessionExpired,
				ProfileID: requestcontext.ProfileID(ctx),
				At:        requestcontext.Now(ctx),
			})
			refreshed := m.auth.Refresh(ctx)
			if !refreshed.IsAuthenticated {
				return result, dErrors.New(dErrors.CodeUnauthorized, "session expired during payment poll")
			}
			// Same baseline, fresh session.
			continue
		default:
			return result, nil
		}
	}
}

// settlePending clears the pending record when the freshly fetched balance
// exceeds its baseline.
func (m *Manager) settlePending(ctx context.Context, billSnap billing.Snapshot) {
	pending, ok, err := m.pending.Load(ctx)
	if err != nil || !ok {
		return
	}
	if billSnap.Balance > pending.BaseBalance {
		m.clearPending(ctx, "balance_increase")
		m.publish(ctx, events.Event{
			Type:      events.TypePaymentConfirmed,
			ProfileID: requestcontext.ProfileID(ctx),
			At:        requestcontext.Now(ctx),
			Fields:    map[string]any{"new_balance": billSnap.Balance, "source": "reconcile"},
		})
	}
}

func (m *Manager) clearPending(ctx context.Context, reason string) {
	if _, ok, err := m.pending.Load(ctx); err != nil || !ok {
		return
	}
	m.pending.Clear(ctx)
	m.logger.Info("pending payment cleared", "reason", reason)
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("event publish failed", "type", event.Type, "error", err)
	}
}
