package nonce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReserveAdmitsEachKeyOnce(t *testing.T) {
	r := New(time.Minute)
	require.True(t, r.Reserve("k1"))
	require.False(t, r.Reserve("k1"))
	require.True(t, r.Reserve("k2"))
}

func TestReserveReadmitsAfterExpiry(t *testing.T) {
	r := New(time.Millisecond)
	fake := time.Now()
	r.nowFn = func() time.Time { return fake }

	require.True(t, r.Reserve("k1"))
	require.False(t, r.Reserve("k1"))

	fake = fake.Add(2 * time.Millisecond)
	require.True(t, r.Reserve("k1"))
}

func TestSweepRemovesOnlyExpiredEntries(t *testing.T) {
	r := New(time.Millisecond)
	fake := time.Now()
	r.nowFn = func() time.Time { return fake }

	r.Reserve("expired")
	fake = fake.Add(2 * time.Millisecond)
	r.Reserve("fresh")

	removed := r.Sweep()
	require.Equal(t, 1, removed)
	require.Equal(t, 1, r.Len())
}

func TestFingerprintIsDeterministicAndCaseInsensitive(t *testing.T) {
	a := FingerprintUnlockAuthorization("0xFrom", "0xTo", "n1", "100", "999")
	b := FingerprintUnlockAuthorization("0xfrom", "0xto", "n1", "100", "999")
	require.Equal(t, a, b)

	c := FingerprintUnlockAuthorization("0xfrom", "0xto", "n2", "100", "999")
	require.NotEqual(t, a, c)
}
