package finalizequeue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/circuitbreaker"
)

// fakeEntryState mirrors the three billing states relevant to the
// finalize lifecycle, enforcing the same adjacency rule as
// billing.StateMachine: FinalizeAck/FinalizeFail are only legal out of
// pending, Retry is only legal out of failed.
type fakeEntryState int

const (
	statePending fakeEntryState = iota
	stateFailed
	stateAcked
)

type fakeStateUpdater struct {
	mu      sync.Mutex
	state   map[string]fakeEntryState
	acks    int
	fails   int
	retries int
}

func newFakeStateUpdater() *fakeStateUpdater {
	return &fakeStateUpdater{state: make(map[string]fakeEntryState)}
}

func (f *fakeStateUpdater) seedPending(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[id] = statePending
}

func (f *fakeStateUpdater) FinalizeAck(ctx context.Context, entryID string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state[entryID] != statePending {
		return errors.New("illegal_transition: cannot ack outside finalize_pending")
	}
	f.state[entryID] = stateAcked
	f.acks++
	return nil
}

func (f *fakeStateUpdater) FinalizeFail(ctx context.Context, entryID string, attempt int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state[entryID] != statePending {
		return errors.New("illegal_transition: cannot fail outside finalize_pending")
	}
	f.state[entryID] = stateFailed
	f.fails++
	return nil
}

func (f *fakeStateUpdater) Retry(ctx context.Context, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state[entryID] != stateFailed {
		return errors.New("illegal_transition: cannot retry outside finalize_failed")
	}
	f.state[entryID] = statePending
	f.retries++
	return nil
}

func (f *fakeStateUpdater) snapshot(id string) (fakeEntryState, int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[id], f.acks, f.fails, f.retries
}

// flakyAcknowledger fails the first failUntil calls, then succeeds.
type flakyAcknowledger struct {
	mu        sync.Mutex
	failUntil int
	calls     int
}

func (a *flakyAcknowledger) Finalize(ctx context.Context, entryID, accountID string, amount uint64, correlationID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failUntil {
		return "", errors.New("ack endpoint unavailable")
	}
	return "acked", nil
}

// TestRetryPrecedesReattemptAfterFailure is the regression case for the
// finalize_failed -> finalize_pending gap: a failed attempt must not be
// re-driven through the acknowledger without first moving the entry
// back to finalize_pending, or the following ack/fail callback hits an
// illegal transition.
func TestRetryPrecedesReattemptAfterFailure(t *testing.T) {
	ack := &flakyAcknowledger{failUntil: 1}
	upd := newFakeStateUpdater()
	upd.seedPending("entry-1")

	q := New(ack, upd, nil, nil, Config{
		Workers: 1, MaxAttempts: 5,
		BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, JitterFraction: 0.1,
		QueueDepth: 10,
	})
	defer q.Shutdown()

	require.NoError(t, q.Enqueue(context.Background(), "entry-1", "acct-1", 100, "corr-1"))

	require.Eventually(t, func() bool {
		state, _, _, _ := upd.snapshot("entry-1")
		return state == stateAcked
	}, time.Second, 5*time.Millisecond)

	state, acks, fails, retries := upd.snapshot("entry-1")
	require.Equal(t, stateAcked, state)
	require.Equal(t, 1, acks)
	require.Equal(t, 1, fails)
	require.Equal(t, 1, retries)
}

// TestExhaustedRetriesDeadLetterWithoutIllegalTransitions verifies the
// queue never drives an ack/fail call out of sequence even when every
// attempt fails through to the dead letter sink.
func TestExhaustedRetriesDeadLetterWithoutIllegalTransitions(t *testing.T) {
	ack := &flakyAcknowledger{failUntil: 100}
	upd := newFakeStateUpdater()
	upd.seedPending("entry-2")

	dl := NewChannelDeadLetter(1)
	q := New(ack, upd, dl, nil, Config{
		Workers: 1, MaxAttempts: 2,
		BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, JitterFraction: 0.1,
		QueueDepth: 10,
	})
	defer q.Shutdown()

	require.NoError(t, q.Enqueue(context.Background(), "entry-2", "acct-2", 100, "corr-2"))

	select {
	case item := <-dl.Items():
		require.Equal(t, "entry-2", item.EntryID)
	case <-time.After(time.Second):
		t.Fatal("expected entry to be dead-lettered")
	}

	state, acks, fails, retries := upd.snapshot("entry-2")
	require.Equal(t, stateFailed, state)
	require.Equal(t, 0, acks)
	require.Equal(t, 2, fails)
	require.Equal(t, 1, retries)
}

// TestFinalizeAckBreakerTripsOnRepeatedAckFailures confirms the
// finalize-ack circuit breaker is actually exercised by the queue's
// acknowledger call, independent of the retry/state-machine sequencing
// above.
func TestFinalizeAckBreakerTripsOnRepeatedAckFailures(t *testing.T) {
	ack := &flakyAcknowledger{failUntil: 1000}
	upd := newFakeStateUpdater()
	upd.seedPending("entry-3")
	upd.seedPending("entry-4")

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "finalize-ack-test",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})

	dl := NewChannelDeadLetter(2)
	q := New(ack, upd, dl, breaker, Config{
		Workers: 1, MaxAttempts: 1,
		BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, JitterFraction: 0.1,
		QueueDepth: 10,
	})
	defer q.Shutdown()

	require.NoError(t, q.Enqueue(context.Background(), "entry-3", "acct-3", 100, "corr-3"))
	<-dl.Items()

	require.NoError(t, q.Enqueue(context.Background(), "entry-4", "acct-4", 100, "corr-4"))
	<-dl.Items()

	require.Eventually(t, func() bool {
		return breaker.State() == circuitbreaker.StateOpen
	}, time.Second, 5*time.Millisecond)
}
