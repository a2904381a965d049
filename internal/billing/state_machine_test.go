package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/ledger"
	"github.com/ocx/gateway/internal/walog"
)

type noopFinalizer struct{ calls int }

func (f *noopFinalizer) Enqueue(ctx context.Context, entryID, accountID string, amount uint64, correlationID string) error {
	f.calls++
	return nil
}

func newTestStateMachine(t *testing.T) (*StateMachine, *walog.EventLog, string) {
	t.Helper()
	log := walog.New(walog.NewMemoryBackend())
	led := ledger.New(log, nil)
	ctx := context.Background()

	_, err := led.Allocate(ctx, 0, "0xacct", 100000, ledger.TierOG, time.Now().Add(time.Hour), "corr", "alloc")
	require.NoError(t, err)
	_, err = led.Unlock(ctx, 0, "0xacct", 50000, "corr", "u1")
	require.NoError(t, err)

	sm := New(log, led, &noopFinalizer{})
	return sm, log, "0xacct"
}

func TestReserveCommitTransitionsThroughFinalizePending(t *testing.T) {
	sm, _, acct := newTestStateMachine(t)
	ctx := context.Background()

	e, err := sm.Reserve(ctx, 0, acct, 2000, "corr-x", 1.0)
	require.NoError(t, err)
	require.Equal(t, StateReserveHeld, e.State)

	require.NoError(t, sm.Commit(ctx, 0, e, 1500))
	require.Equal(t, StateFinalizePending, e.State)
	require.NotNil(t, e.ActualCost)
	require.Equal(t, uint64(1500), *e.ActualCost)
}

// TestIllegalTransitionIsRejected is spec.md §8 scenario 3: a released
// entry that receives commit() fails with IllegalTransition and no
// event is appended.
func TestIllegalTransitionIsRejected(t *testing.T) {
	sm, log, acct := newTestStateMachine(t)
	ctx := context.Background()

	e, err := sm.Reserve(ctx, 0, acct, 2000, "corr-y", 1.0)
	require.NoError(t, err)
	require.NoError(t, sm.Release(ctx, 0, e, "client cancelled"))
	require.Equal(t, StateReleased, e.State)

	seqBefore, _ := log.LatestSequence(ctx, streamName)

	err = sm.Commit(ctx, 0, e, 1000)
	require.Error(t, err)

	seqAfter, _ := log.LatestSequence(ctx, streamName)
	require.Equal(t, seqBefore, seqAfter)
	require.Equal(t, StateReleased, e.State)
}

func TestFinalizeFailedCanRetryOrVoid(t *testing.T) {
	sm, _, acct := newTestStateMachine(t)
	ctx := context.Background()

	e, err := sm.Reserve(ctx, 0, acct, 2000, "corr-z", 1.0)
	require.NoError(t, err)
	require.NoError(t, sm.Commit(ctx, 0, e, 2000))
	require.NoError(t, sm.FinalizeFail(ctx, 0, e, 1, "timeout"))
	require.Equal(t, StateFinalizeFailed, e.State)

	require.NoError(t, sm.Retry(ctx, 0, e))
	require.Equal(t, StateFinalizePending, e.State)

	require.NoError(t, sm.FinalizeFail(ctx, 0, e, 2, "timeout again"))
	require.NoError(t, sm.Void(ctx, 0, e, "gave up", "admin-1"))
	require.Equal(t, StateVoided, e.State)
	require.True(t, e.State.IsTerminal())
}

func TestVoidedIsTerminal(t *testing.T) {
	sm, _, acct := newTestStateMachine(t)
	ctx := context.Background()

	e, err := sm.Reserve(ctx, 0, acct, 2000, "corr-w", 1.0)
	require.NoError(t, err)
	require.NoError(t, sm.Commit(ctx, 0, e, 2000))
	require.NoError(t, sm.Void(ctx, 0, e, "chargeback", "admin-1"))

	err = sm.FinalizeAck(ctx, 0, e, "ok")
	require.Error(t, err)
}
