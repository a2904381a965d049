package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/walog"
)

func newTestLedger(t *testing.T) *CreditLedger {
	t.Helper()
	log := walog.New(walog.NewMemoryBackend())
	return New(log, nil)
}

// TestReserveCommitHappyPath is spec.md §8 scenario 1.
func TestReserveCommitHappyPath(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	expires := time.Now().Add(24 * time.Hour)

	_, err := l.Allocate(ctx, 0, "0xabc", 10000, TierOG, expires, "corr-1", "alloc-1")
	require.NoError(t, err)

	_, err = l.Unlock(ctx, 0, "0xabc", 5000, "corr-1", "u1")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, 0, "0xabc", 2000, "corr-1", "r1")
	require.NoError(t, err)

	_, err = l.Consume(ctx, 0, "0xabc", 1500, "corr-1", "c1")
	require.NoError(t, err)

	res, err := l.Release(ctx, 0, "0xabc", 500, "corr-1", "rel1")
	require.NoError(t, err)

	require.Equal(t, uint64(5000), res.Account.Allocated)
	require.Equal(t, uint64(3000), res.Account.Unlocked)
	require.Equal(t, uint64(0), res.Account.Reserved)
	require.Equal(t, uint64(1500), res.Account.Consumed)
	require.Equal(t, uint64(0), res.Account.Expired)

	seq, err := l.log.LatestSequence(ctx, streamName)
	require.NoError(t, err)
	require.Equal(t, uint64(5), seq) // allocate, unlock, reserve, consume, release, all on the credit_ledger stream
}

// TestDuplicateIdempotencyKeyIsANoop is spec.md §8 scenario 2.
func TestDuplicateIdempotencyKeyIsANoop(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	expires := time.Now().Add(24 * time.Hour)

	_, err := l.Allocate(ctx, 0, "0xabc", 10000, TierOG, expires, "corr-1", "alloc-1")
	require.NoError(t, err)
	first, err := l.Unlock(ctx, 0, "0xabc", 5000, "corr-1", "u1")
	require.NoError(t, err)

	before, _ := l.Snapshot("0xabc")
	seqBefore, _ := l.log.LatestSequence(ctx, streamName)

	second, err := l.Unlock(ctx, 0, "0xabc", 5000, "corr-1", "u1")
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Account, second.Account)

	after, _ := l.Snapshot("0xabc")
	seqAfter, _ := l.log.LatestSequence(ctx, streamName)
	require.Equal(t, before, after)
	require.Equal(t, seqBefore, seqAfter)
}

// TestConcurrentDuplicateIdempotencyKeyAppliesOnce fires the same
// unlock twice, concurrently, under one idempotency key. The
// pre-lock/post-lock race this guards against would otherwise let both
// calls miss the memoized result and double-apply the mutation.
func TestConcurrentDuplicateIdempotencyKeyAppliesOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	expires := time.Now().Add(24 * time.Hour)

	_, err := l.Allocate(ctx, 0, "0xabc", 10000, TierOG, expires, "corr-1", "alloc-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = l.Unlock(ctx, 0, "0xabc", 5000, "corr-1", "u1")
		}()
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.True(t, results[0].Replayed != results[1].Replayed, "exactly one of the two concurrent calls must be the replay")

	snap, _ := l.Snapshot("0xabc")
	require.Equal(t, uint64(5000), snap.Allocated)
	require.Equal(t, uint64(5000), snap.Unlocked)
}

// TestConservationHoldsAcrossRandomOperations is P1.
func TestConservationHoldsAcrossRandomOperations(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	expires := time.Now().Add(24 * time.Hour)

	_, err := l.Allocate(ctx, 0, "0xacct", 1_000_000, TierPartner, expires, "corr", "alloc")
	require.NoError(t, err)

	ops := []struct {
		fn  func(idempKey string) error
		key string
	}{
		{func(k string) error { _, e := l.Unlock(ctx, 0, "0xacct", 400_000, "corr", k); return e }, "u1"},
		{func(k string) error { _, e := l.Reserve(ctx, 0, "0xacct", 150_000, "corr", k); return e }, "r1"},
		{func(k string) error { _, e := l.Consume(ctx, 0, "0xacct", 100_000, "corr", k); return e }, "c1"},
		{func(k string) error { _, e := l.Release(ctx, 0, "0xacct", 50_000, "corr", k); return e }, "rel1"},
		{func(k string) error { _, e := l.Reserve(ctx, 0, "0xacct", 10_000, "corr", k); return e }, "r2"},
	}
	for _, op := range ops {
		require.NoError(t, op.fn(op.key))
		acc, ok := l.Snapshot("0xacct")
		require.True(t, ok)
		require.Equal(t, acc.InitialAllocation, acc.Allocated+acc.Unlocked+acc.Reserved+acc.Consumed+acc.Expired)
	}
}

func TestReserveMoreThanUnlockedFailsWithoutMutating(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	expires := time.Now().Add(24 * time.Hour)

	_, err := l.Allocate(ctx, 0, "0xacct", 1000, TierCommunity, expires, "corr", "alloc")
	require.NoError(t, err)
	_, err = l.Unlock(ctx, 0, "0xacct", 100, "corr", "u1")
	require.NoError(t, err)

	before, _ := l.Snapshot("0xacct")
	_, err = l.Reserve(ctx, 0, "0xacct", 500, "corr", "r1")
	require.Error(t, err)

	after, _ := l.Snapshot("0xacct")
	require.Equal(t, before, after)
}

func TestAllocateOnExistingAccountFails(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	_, err := l.Allocate(ctx, 0, "0xacct", 1000, TierOG, expires, "corr", "a1")
	require.NoError(t, err)
	_, err = l.Allocate(ctx, 0, "0xacct", 2000, TierOG, expires, "corr", "a2")
	require.Error(t, err)
}
