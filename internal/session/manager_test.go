package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"calculaconfia/internal/auth"
	"calculaconfia/internal/backend"
	"calculaconfia/internal/billing"
	"calculaconfia/internal/decision"
	"calculaconfia/internal/events"
	"calculaconfia/internal/flagstore"
	"calculaconfia/internal/loopguard"
	"calculaconfia/internal/payment"
	dErrors "calculaconfia/pkg/domain-errors"
	"calculaconfia/pkg/requestcontext"
)

type fakeAuth struct {
	snap        auth.Snapshot
	refreshSnap auth.Snapshot
	refreshes   int
}

func (f *fakeAuth) Snapshot(ctx context.Context) auth.Snapshot { return f.snap }
func (f *fakeAuth) Refresh(ctx context.Context) auth.Snapshot {
	f.refreshes++
	f.snap = f.refreshSnap
	return f.refreshSnap
}

type fakeBilling struct {
	snap    billing.Snapshot
	snapErr error
	balance int
	balErr  error
}

func (f *fakeBilling) Snapshot(ctx context.Context, _ *backend.User) (billing.Snapshot, error) {
	if f.snapErr != nil {
		return billing.Snapshot{}, f.snapErr
	}
	return f.snap, nil
}

func (f *fakeBilling) Balance(ctx context.Context) (int, error) {
	return f.balance, f.balErr
}

type fakeConfirmer struct {
	result *backend.ConfirmPaymentResult
	err    error
	calls  int
}

func (f *fakeConfirmer) ConfirmPayment(ctx context.Context, req backend.ConfirmPaymentRequest) (*backend.ConfirmPaymentResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeOrderClient struct {
	order *backend.Order
}

func (f *fakeOrderClient) CreateOrder(ctx context.Context) (*backend.Order, error) {
	return f.order, nil
}

// queueFetcher pops one balance result per call.
type queueFetcher struct {
	mu      sync.Mutex
	results []func() (int, error)
}

func (f *queueFetcher) Balance(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return 0, nil
	}
	next := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return next()
}

type ManagerSuite struct {
	suite.Suite
	authFake  *fakeAuth
	billFake  *fakeBilling
	confirmer *fakeConfirmer
	fetcher   *queueFetcher
	durable   *flagstore.InMemoryStore
	volatile  *flagstore.InMemoryStore
	pending   *payment.PendingStore
	bus       *events.Bus
	manager   *Manager
	mu        sync.Mutex
	received  []events.Event
	ctx       context.Context
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.authFake = &fakeAuth{snap: auth.Snapshot{IsAuthenticated: true}}
	s.billFake = &fakeBilling{}
	s.confirmer = &fakeConfirmer{result: &backend.ConfirmPaymentResult{CreditsAdded: true}}
	s.fetcher = &queueFetcher{}
	s.durable = flagstore.NewInMemoryStore()
	s.volatile = flagstore.NewInMemoryStore()
	s.pending = payment.NewPendingStore(s.durable, nil)
	s.bus = events.NewBus()
	s.received = nil
	s.bus.Subscribe(func(e events.Event) {
		s.mu.Lock()
		s.received = append(s.received, e)
		s.mu.Unlock()
	})

	guard, err := loopguard.New(s.volatile, loopguard.WithPublisher(s.bus))
	s.Require().NoError(err)
	poller, err := payment.NewPoller(s.fetcher, payment.WithCadence(time.Millisecond, 50*time.Millisecond))
	s.Require().NoError(err)

	s.manager, err = NewManager(Config{
		Auth:         s.authFake,
		Billing:      s.billFake,
		Confirmer:    s.confirmer,
		Engine:       decision.New("/platform"),
		Guard:        guard,
		Poller:       poller,
		Pending:      s.pending,
		Checkout:     payment.NewCheckout(&fakeOrderClient{order: &backend.Order{PreferenceID: "pref-1"}}, s.pending),
		Volatile:     s.volatile,
		Publisher:    s.bus,
		PlatformPath: "/platform",
	})
	s.Require().NoError(err)

	ctx := requestcontext.WithProfileID(context.Background(), "profile-1")
	s.ctx = requestcontext.WithTime(ctx, time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
}

func (s *ManagerSuite) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []string
	for _, e := range s.received {
		types = append(types, e.Type)
	}
	return types
}

func (s *ManagerSuite) TestEntitledVisitorRedirects() {
	s.billFake.snap = billing.Snapshot{Balance: 3}

	result, err := s.manager.Reconcile(s.ctx, decision.Location{Path: "/"})
	s.Require().NoError(err)
	s.Equal(decision.ActionRedirectToApp, result.Action)
	s.Equal("/platform", result.Redirect)

	inProgress := flagstore.ProfileKey("profile-1", flagstore.KeyRedirectInProgress)
	_, marked, err := s.volatile.Get(s.ctx, inProgress)
	s.Require().NoError(err)
	s.True(marked)
}

func (s *ManagerSuite) TestSecondAutoRedirectIsLoopBlocked() {
	s.billFake.snap = billing.Snapshot{HasLifetimeAccess: true}
	loc := decision.Location{Path: "/"}

	first, err := s.manager.Reconcile(s.ctx, loc)
	s.Require().NoError(err)
	s.Equal(decision.ActionRedirectToApp, first.Action)

	second, err := s.manager.Reconcile(s.ctx, loc)
	s.Require().NoError(err)
	s.Equal(decision.ActionStay, second.Action)
	s.True(second.LoopBlocked)
	s.Equal(requestcontext.Now(s.ctx).Add(loopguard.DefaultCooldown), second.BlockedUntil,
		"the cooldown end is surfaced for the recoverable-failure notice")
	s.Contains(s.eventTypes(), events.TypeLoopDetected)
}

func (s *ManagerSuite) TestUserInitiatedRedirectBypassesGuard() {
	s.billFake.snap = billing.Snapshot{HasLifetimeAccess: true}
	loc := decision.Location{Path: "/", UserInitiated: true}

	for i := 0; i < 3; i++ {
		result, err := s.manager.Reconcile(s.ctx, loc)
		s.Require().NoError(err)
		s.Equal("/platform", result.Redirect, "explicit navigation is never loop-guarded")
	}
}

func (s *ManagerSuite) TestPausedMarkerSuppressesAutoRedirect() {
	s.billFake.snap = billing.Snapshot{Balance: 1}
	s.manager.PauseAutoRedirect(s.ctx, time.Minute)

	result, err := s.manager.Reconcile(s.ctx, decision.Location{Path: "/"})
	s.Require().NoError(err)
	s.Equal(decision.ActionStay, result.Action)
	s.False(result.LoopBlocked)
	s.Empty(result.Redirect)
}

func (s *ManagerSuite) TestAnonymousPassiveLoadStays() {
	s.authFake.snap = auth.Snapshot{}

	result, err := s.manager.Reconcile(s.ctx, decision.Location{Path: "/"})
	s.Require().NoError(err)
	s.Equal(decision.ActionStay, result.Action)
}

func (s *ManagerSuite) TestUnauthorizedBillingResolvesToEmptySnapshot() {
	s.authFake.snap = auth.Snapshot{}
	s.billFake.snapErr = dErrors.New(dErrors.CodeUnauthorized, "expired")

	result, err := s.manager.Reconcile(s.ctx, decision.Location{Path: "/", UserInitiated: true})
	s.Require().NoError(err)
	s.Equal(decision.ActionShowAuthPrompt, result.Action)
}

func (s *ManagerSuite) TestReconcileSettlesPendingOnBalanceIncrease() {
	s.Require().NoError(s.pending.Begin(s.ctx, payment.PendingPayment{BaseBalance: 0}))
	s.billFake.snap = billing.Snapshot{Balance: 2}

	_, err := s.manager.Reconcile(s.ctx, decision.Location{Path: "/platform"})
	s.Require().NoError(err)

	_, ok, err := s.pending.Load(s.ctx)
	s.Require().NoError(err)
	s.False(ok, "pending record settles once the balance rises above the baseline")
	s.Contains(s.eventTypes(), events.TypePaymentConfirmed)
}

func (s *ManagerSuite) TestReconcileKeepsPendingAtBaseline() {
	s.Require().NoError(s.pending.Begin(s.ctx, payment.PendingPayment{BaseBalance: 2}))
	s.billFake.snap = billing.Snapshot{Balance: 2}

	_, err := s.manager.Reconcile(s.ctx, decision.Location{Path: "/platform"})
	s.Require().NoError(err)

	_, ok, _ := s.pending.Load(s.ctx)
	s.True(ok, "an unchanged balance is not a confirmation")
}

func (s *ManagerSuite) TestBeginCheckoutRecordsBaseline() {
	s.billFake.balance = 5

	order, err := s.manager.BeginCheckout(s.ctx)
	s.Require().NoError(err)
	s.Equal("pref-1", order.PreferenceID)

	pending, ok, err := s.pending.Load(s.ctx)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(5, pending.BaseBalance)
}

func (s *ManagerSuite) TestCheckoutReturnApprovedConfirmsImmediately() {
	s.Require().NoError(s.pending.Begin(s.ctx, payment.PendingPayment{BaseBalance: 0}))

	ret, ok := s.manager.HandleCheckoutReturn(s.ctx,
		"https://app.example/?payment_id=9&status=approved&preference_id=pref-1&utm_source=ads")
	s.Require().True(ok)
	s.Equal(payment.ReturnApproved, ret.Status)
	s.True(ret.Confirmed)
	s.Equal("https://app.example/?utm_source=ads", ret.StrippedURL)
	s.Equal(1, s.confirmer.calls)

	_, pendingLeft, _ := s.pending.Load(s.ctx)
	s.False(pendingLeft)
	s.Contains(s.eventTypes(), events.TypePaymentConfirmed)
}

func (s *ManagerSuite) TestCheckoutReturnRejectedClearsWithoutConfirming() {
	s.Require().NoError(s.pending.Begin(s.ctx, payment.PendingPayment{BaseBalance: 0}))

	ret, ok := s.manager.HandleCheckoutReturn(s.ctx, "https://app.example/?payment_id=9&status=charged_back")
	s.Require().True(ok)
	s.Equal(payment.ReturnRejected, ret.Status)
	s.False(ret.Confirmed)
	s.Zero(s.confirmer.calls)

	_, pendingLeft, _ := s.pending.Load(s.ctx)
	s.False(pendingLeft)
}

func (s *ManagerSuite) TestCheckoutReturnConfirmFailureFallsBackToPolling() {
	s.Require().NoError(s.pending.Begin(s.ctx, payment.PendingPayment{BaseBalance: 0}))
	s.confirmer.err = dErrors.New(dErrors.CodeUnavailable, "confirm down")

	ret, ok := s.manager.HandleCheckoutReturn(s.ctx, "https://app.example/?payment_id=9&status=approved")
	s.Require().True(ok)
	s.False(ret.Confirmed)

	_, pendingLeft, _ := s.pending.Load(s.ctx)
	s.True(pendingLeft, "pending stays so the poller can settle it")
}

func (s *ManagerSuite) TestCheckoutReturnWithoutParams() {
	_, ok := s.manager.HandleCheckoutReturn(s.ctx, "https://app.example/?utm_source=ads")
	s.False(ok)
}

func (s *ManagerSuite) TestAwaitPaymentConfirms() {
	s.Require().NoError(s.pending.Begin(s.ctx, payment.PendingPayment{BaseBalance: 1}))
	s.fetcher.results = []func() (int, error){
		func() (int, error) { return 1, nil },
		func() (int, error) { return 3, nil },
	}

	result, err := s.manager.AwaitPayment(s.ctx)
	s.Require().NoError(err)
	s.Equal(payment.OutcomeConfirmed, result.Outcome)
	s.Equal(3, result.NewBalance)

	_, pendingLeft, _ := s.pending.Load(s.ctx)
	s.False(pendingLeft)
}

func (s *ManagerSuite) TestAwaitPaymentTimeoutKeepsPending() {
	s.Require().NoError(s.pending.Begin(s.ctx, payment.PendingPayment{BaseBalance: 5}))
	s.fetcher.results = []func() (int, error){
		func() (int, error) { return 5, nil },
	}

	result, err := s.manager.AwaitPayment(s.ctx)
	s.Require().NoError(err)
	s.Equal(payment.OutcomeTimeout, result.Outcome)

	_, pendingLeft, _ := s.pending.Load(s.ctx)
	s.True(pendingLeft)
	s.Contains(s.eventTypes(), events.TypePaymentTimeout)
}

func (s *ManagerSuite) TestAwaitPaymentResumesWithSameBaselineAfterReauth() {
	s.Require().NoError(s.pending.Begin(s.ctx, payment.PendingPayment{BaseBalance: 2}))
	s.authFake.refreshSnap = auth.Snapshot{IsAuthenticated: true}
	s.fetcher.results = []func() (int, error){
		func() (int, error) { return 0, dErrors.New(dErrors.CodeUnauthorized, "expired") },
		func() (int, error) { return 2, nil },
		func() (int, error) { return 4, nil },
	}

	result, err := s.manager.AwaitPayment(s.ctx)
	s.Require().NoError(err)
	s.Equal(payment.OutcomeConfirmed, result.Outcome)
	s.Equal(4, result.NewBalance, "restarted poll keeps comparing against the original baseline")
	s.Equal(1, s.authFake.refreshes)
	s.Contains(s.eventTypes(), events.TypeSessionExpired)
}

func (s *ManagerSuite) TestAwaitPaymentFailsWhenReauthFails() {
	s.Require().NoError(s.pending.Begin(s.ctx, payment.PendingPayment{BaseBalance: 0}))
	s.authFake.refreshSnap = auth.Snapshot{}
	s.fetcher.results = []func() (int, error){
		func() (int, error) { return 0, dErrors.New(dErrors.CodeUnauthorized, "expired") },
	}

	_, err := s.manager.AwaitPayment(s.ctx)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *ManagerSuite) TestAwaitPaymentWithoutPendingRecord() {
	_, err := s.manager.AwaitPayment(s.ctx)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

// Two visitors awaiting their own payments must each poll against their own
// baseline and each get an answer; one profile's poll must never be handed to
// another.
func (s *ManagerSuite) TestConcurrentProfilesAwaitTheirOwnPayments() {
	ctxA := requestcontext.WithProfileID(context.Background(), "profile-a")
	ctxB := requestcontext.WithProfileID(context.Background(), "profile-b")
	s.Require().NoError(s.pending.Begin(ctxA, payment.PendingPayment{BaseBalance: 0}))
	s.Require().NoError(s.pending.Begin(ctxB, payment.PendingPayment{BaseBalance: 5}))
	s.fetcher.results = []func() (int, error){
		func() (int, error) { return 6, nil },
	}

	type await struct {
		result payment.PollResult
		err    error
	}
	doneA := make(chan await, 1)
	doneB := make(chan await, 1)
	go func() {
		result, err := s.manager.AwaitPayment(ctxA)
		doneA <- await{result, err}
	}()
	go func() {
		result, err := s.manager.AwaitPayment(ctxB)
		doneB <- await{result, err}
	}()

	for name, done := range map[string]chan await{"profile-a": doneA, "profile-b": doneB} {
		select {
		case out := <-done:
			s.Require().NoError(out.err, name)
			s.Equal(payment.OutcomeConfirmed, out.result.Outcome, name)
			s.Equal(6, out.result.NewBalance, name)
		case <-time.After(2 * time.Second):
			s.Failf("await hung", "%s never got its poll result", name)
		}
	}

	for _, ctx := range []context.Context{ctxA, ctxB} {
		_, pendingLeft, _ := s.pending.Load(ctx)
		s.False(pendingLeft)
	}
}

func (s *ManagerSuite) TestAwaitPaymentUnblocksOnOwnContext() {
	s.Require().NoError(s.pending.Begin(s.ctx, payment.PendingPayment{BaseBalance: 0}))
	gate := make(chan struct{})
	defer close(gate)
	s.fetcher.results = []func() (int, error){
		func() (int, error) { <-gate; return 0, nil },
	}

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan payment.PollResult, 1)
	go func() {
		result, _ := s.manager.AwaitPayment(ctx)
		done <- result
	}()

	cancel()
	select {
	case result := <-done:
		s.Equal(payment.OutcomeCancelled, result.Outcome)
	case <-time.After(time.Second):
		s.Fail("await did not return after its context was cancelled")
	}
}

// Cold start: a freshly constructed manager over the same durable store must
// reach the same decision with no in-memory state carried over.
func (s *ManagerSuite) TestColdStartReconstructsFromDurableStore() {
	s.billFake.snap = billing.Snapshot{HasLifetimeAccess: true}
	s.Require().NoError(s.pending.Begin(s.ctx, payment.PendingPayment{BaseBalance: 1}))

	guard, err := loopguard.New(flagstore.NewInMemoryStore())
	s.Require().NoError(err)
	poller, err := payment.NewPoller(s.fetcher, payment.WithCadence(time.Millisecond, 50*time.Millisecond))
	s.Require().NoError(err)
	fresh, err := NewManager(Config{
		Auth:         s.authFake,
		Billing:      s.billFake,
		Confirmer:    s.confirmer,
		Engine:       decision.New("/platform"),
		Guard:        guard,
		Poller:       poller,
		Pending:      payment.NewPendingStore(s.durable, nil),
		Checkout:     payment.NewCheckout(&fakeOrderClient{order: &backend.Order{PreferenceID: "pref-2"}}, s.pending),
		Volatile:     flagstore.NewInMemoryStore(),
		PlatformPath: "/platform",
	})
	s.Require().NoError(err)

	pending, ok, err := fresh.pending.Load(s.ctx)
	s.Require().NoError(err)
	s.Require().True(ok, "pending record survives the restart")
	s.Equal(1, pending.BaseBalance)

	result, err := fresh.Reconcile(s.ctx, decision.Location{Path: "/", UserInitiated: true})
	s.Require().NoError(err)
	s.Equal(decision.ActionRedirectToApp, result.Action)

	_, ok, _ = fresh.pending.Load(s.ctx)
	s.False(ok, "terminal navigation clears the pending record")
}
