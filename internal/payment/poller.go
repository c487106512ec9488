package payment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"calculaconfia/internal/platform/metrics"
	dErrors "calculaconfia/pkg/domain-errors"
	"calculaconfia/pkg/requestcontext"
)

// Production cadence: one balance read every four seconds, give up after two
// minutes.
const (
	DefaultInterval = 4 * time.Second
	DefaultTimeout  = 2 * time.Minute
)

// BalanceFetcher is the single read the poller performs.
type BalanceFetcher interface {
	Balance(ctx context.Context) (int, error)
}

// Poller watches the billing balance until it rises above a baseline. Fetches
// are strictly sequential: the next read is scheduled only after the previous
// one resolves, so a slow network never accumulates in-flight requests.
type Poller struct {
	fetcher  BalanceFetcher
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	active map[string][]chan PollResult
}

// PollerOption configures the Poller.
type PollerOption func(*Poller)

// WithCadence overrides interval and timeout. Zero values keep the defaults.
func WithCadence(interval, timeout time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger }
}

// WithMetrics wires fetch and outcome counters.
func WithMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// NewPoller constructs a Poller.
func NewPoller(fetcher BalanceFetcher, opts ...PollerOption) (*Poller, error) {
	if fetcher == nil {
		return nil, errors.New("balance fetcher is required")
	}
	p := &Poller{
		fetcher:  fetcher,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		active:   make(map[string][]chan PollResult),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches one poll in the background and returns its result channel.
// Polls are keyed by the browser profile: different visitors poll against
// their own baselines concurrently, but while a poll is already running for
// this profile, Start does not spawn a second one — it subscribes the caller
// to the running poll, and every subscriber receives its result.
func (p *Poller) Start(ctx context.Context, baseBalance int) <-chan PollResult {
	profile := requestcontext.ProfileID(ctx)
	waiter := make(chan PollResult, 1)

	p.mu.Lock()
	if _, running := p.active[profile]; running {
		p.active[profile] = append(p.active[profile], waiter)
		p.mu.Unlock()
		return waiter
	}
	p.active[profile] = []chan PollResult{waiter}
	p.mu.Unlock()

	go func() {
		result := p.PollUntilChange(ctx, baseBalance)
		p.mu.Lock()
		waiters := p.active[profile]
		delete(p.active, profile)
		p.mu.Unlock()
		// Each waiter channel is buffered and receives exactly one send.
		for _, w := range waiters {
			w <- result
		}
	}()
	return waiter
}

// PollUntilChange blocks until the balance exceeds baseBalance, the timeout
// elapses, the session expires, or ctx is cancelled. A timeout is not a
// failure: the payment may still be confirmed later, so the pending record is
// the caller's to keep or clear.
func (p *Poller) PollUntilChange(ctx context.Context, baseBalance int) PollResult {
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()

	for {
		if ctx.Err() != nil {
			return p.finish(PollResult{Outcome: OutcomeCancelled})
		}

		balance, err := p.fetcher.Balance(ctx)
		if p.metrics != nil {
			p.metrics.PollerFetches.Inc()
		}
		switch {
		case err != nil && dErrors.HasCode(err, dErrors.CodeUnauthorized):
			return p.finish(PollResult{Outcome: OutcomeUnauthorized})
		case err != nil:
			// Transient fetch failures ride out the window; the next tick
			// retries against the same baseline.
			p.logger.Warn("balance fetch failed, will retry", "error", err)
		case balance > baseBalance:
			return p.finish(PollResult{Outcome: OutcomeConfirmed, NewBalance: balance})
		}

		tick := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			tick.Stop()
			return p.finish(PollResult{Outcome: OutcomeCancelled})
		case <-deadline.C:
			tick.Stop()
			return p.finish(PollResult{Outcome: OutcomeTimeout})
		case <-tick.C:
		}
	}
}

func (p *Poller) finish(result PollResult) PollResult {
	if p.metrics != nil {
		p.metrics.PollerResults.WithLabelValues(string(result.Outcome)).Inc()
	}
	return result
}
