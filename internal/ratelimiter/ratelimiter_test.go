package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowAdmitsUpToMaxThenDenies(t *testing.T) {
	l := New(map[Tier]Limits{"pro": {Max: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("pro", "key-1"))
	}
	require.False(t, l.Allow("pro", "key-1"))
}

func TestAllowIsPerIdentifier(t *testing.T) {
	l := New(map[Tier]Limits{"pro": {Max: 1, Window: time.Minute}})
	require.True(t, l.Allow("pro", "a"))
	require.True(t, l.Allow("pro", "b"))
	require.False(t, l.Allow("pro", "a"))
}

func TestSlidingWindowReadmitsAfterEntriesAge(t *testing.T) {
	l := New(map[Tier]Limits{"pro": {Max: 2, Window: time.Minute}})
	fake := time.Now()
	l.nowFn = func() time.Time { return fake }

	require.True(t, l.Allow("pro", "a"))
	require.True(t, l.Allow("pro", "a"))
	require.False(t, l.Allow("pro", "a"))

	fake = fake.Add(61 * time.Second)
	require.True(t, l.Allow("pro", "a"))
}

func TestUnknownTierFallsBackToDefault(t *testing.T) {
	l := New(map[Tier]Limits{})
	require.True(t, l.Allow("unknown-tier", "a"))
}
