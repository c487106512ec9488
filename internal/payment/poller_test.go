package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	dErrors "calculaconfia/pkg/domain-errors"
	"calculaconfia/pkg/requestcontext"
)

// scriptedFetcher returns one element of script per call, repeating the last
// entry once the script is exhausted.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []func() (int, error)
	calls  int
}

func (f *scriptedFetcher) Balance(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	return f.script[idx]()
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func balanceOf(n int) func() (int, error) {
	return func() (int, error) { return n, nil }
}

func failWith(err error) func() (int, error) {
	return func() (int, error) { return 0, err }
}

type PollerSuite struct {
	suite.Suite
}

func TestPollerSuite(t *testing.T) {
	suite.Run(t, new(PollerSuite))
}

func (s *PollerSuite) newPoller(f BalanceFetcher, interval, timeout time.Duration) *Poller {
	p, err := NewPoller(f, WithCadence(interval, timeout))
	s.Require().NoError(err)
	return p
}

func (s *PollerSuite) TestBalanceSequenceConfirmsOnFirstIncrease() {
	fetcher := &scriptedFetcher{script: []func() (int, error){
		balanceOf(0), balanceOf(0), balanceOf(0), balanceOf(2),
	}}
	poller := s.newPoller(fetcher, time.Millisecond, time.Second)

	result := poller.PollUntilChange(context.Background(), 0)
	s.Equal(OutcomeConfirmed, result.Outcome)
	s.Equal(2, result.NewBalance)
	s.Equal(4, fetcher.callCount())
}

func (s *PollerSuite) TestEqualBalanceNeverConfirms() {
	fetcher := &scriptedFetcher{script: []func() (int, error){balanceOf(5)}}
	poller := s.newPoller(fetcher, time.Millisecond, 20*time.Millisecond)

	result := poller.PollUntilChange(context.Background(), 5)
	s.Equal(OutcomeTimeout, result.Outcome, "same balance is not a confirmation")
}

func (s *PollerSuite) TestTimeoutBoundsFetchCount() {
	fetcher := &scriptedFetcher{script: []func() (int, error){balanceOf(0)}}
	poller := s.newPoller(fetcher, 10*time.Millisecond, 35*time.Millisecond)

	result := poller.PollUntilChange(context.Background(), 0)
	s.Equal(OutcomeTimeout, result.Outcome)
	s.LessOrEqual(fetcher.callCount(), 5, "fetches are sequential and interval-bound")
}

func (s *PollerSuite) TestUnauthorizedIsDistinctFromTimeout() {
	fetcher := &scriptedFetcher{script: []func() (int, error){
		balanceOf(0),
		failWith(dErrors.New(dErrors.CodeUnauthorized, "session expired")),
	}}
	poller := s.newPoller(fetcher, time.Millisecond, time.Second)

	result := poller.PollUntilChange(context.Background(), 0)
	s.Equal(OutcomeUnauthorized, result.Outcome)
}

func (s *PollerSuite) TestTransientErrorKeepsPolling() {
	fetcher := &scriptedFetcher{script: []func() (int, error){
		failWith(dErrors.New(dErrors.CodeUnavailable, "flaky")),
		balanceOf(1),
	}}
	poller := s.newPoller(fetcher, time.Millisecond, time.Second)

	result := poller.PollUntilChange(context.Background(), 0)
	s.Equal(OutcomeConfirmed, result.Outcome)
	s.Equal(1, result.NewBalance)
}

func (s *PollerSuite) TestCancellationStopsPolling() {
	fetcher := &scriptedFetcher{script: []func() (int, error){balanceOf(0)}}
	poller := s.newPoller(fetcher, 5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := poller.Start(ctx, 0)
	cancel()

	select {
	case result := <-done:
		s.Equal(OutcomeCancelled, result.Outcome)
	case <-time.After(time.Second):
		s.Fail("poller did not stop after cancellation")
	}
}

func (s *PollerSuite) TestSecondStartJoinsRunningPoll() {
	gate := make(chan struct{})
	fetcher := &scriptedFetcher{script: []func() (int, error){
		func() (int, error) { <-gate; return 3, nil },
	}}
	poller := s.newPoller(fetcher, time.Millisecond, time.Minute)

	first := poller.Start(context.Background(), 0)
	second := poller.Start(context.Background(), 0)

	close(gate)
	for _, ch := range []<-chan PollResult{first, second} {
		select {
		case result := <-ch:
			s.Equal(OutcomeConfirmed, result.Outcome)
			s.Equal(3, result.NewBalance)
		case <-time.After(time.Second):
			s.Fail("a waiter never received the poll result")
		}
	}
	s.Equal(1, fetcher.callCount(), "second start must not spawn a second poll")
}

func (s *PollerSuite) TestProfilesPollIndependently() {
	fetcher := &scriptedFetcher{script: []func() (int, error){balanceOf(6)}}
	poller := s.newPoller(fetcher, time.Millisecond, 30*time.Millisecond)

	ctxA := requestcontext.WithProfileID(context.Background(), "profile-a")
	ctxB := requestcontext.WithProfileID(context.Background(), "profile-b")
	chA := poller.Start(ctxA, 0)
	chB := poller.Start(ctxB, 10)

	select {
	case result := <-chA:
		s.Equal(OutcomeConfirmed, result.Outcome)
		s.Equal(6, result.NewBalance)
	case <-time.After(time.Second):
		s.Fail("first profile's poll never finished")
	}
	select {
	case result := <-chB:
		s.Equal(OutcomeTimeout, result.Outcome, "each profile polls its own baseline")
	case <-time.After(time.Second):
		s.Fail("second profile's poll never finished")
	}
}

func (s *PollerSuite) TestStartAgainAfterCompletion() {
	fetcher := &scriptedFetcher{script: []func() (int, error){balanceOf(1)}}
	poller := s.newPoller(fetcher, time.Millisecond, time.Second)

	result := <-poller.Start(context.Background(), 0)
	s.Equal(OutcomeConfirmed, result.Outcome)

	result = <-poller.Start(context.Background(), 0)
	s.Equal(OutcomeConfirmed, result.Outcome)
}
