package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestCanonicalJSONIsOrderIndependent is P6: two serializations of the
// same map, built with keys inserted in different orders and nested at
// multiple depths, must be byte-identical.
func TestCanonicalJSONIsOrderIndependent(t *testing.T) {
	a := map[string]any{
		"b": 2,
		"a": map[string]any{"z": 1, "y": 2},
		"c": []any{3, 1, 2},
	}
	b := map[string]any{
		"a": map[string]any{"y": 2, "z": 1},
		"c": []any{3, 1, 2},
		"b": 2,
	}

	canonA, err := CanonicalJSON(a)
	require.NoError(t, err)
	canonB, err := CanonicalJSON(b)
	require.NoError(t, err)
	require.Equal(t, string(canonA), string(canonB))
}

func TestCanonicalJSONPreservesArrayOrder(t *testing.T) {
	canon, err := CanonicalJSON(map[string]any{"arr": []any{3, 1, 2}})
	require.NoError(t, err)
	require.Contains(t, string(canon), "[3,1,2]")
}

func TestKeyIsDeterministicForEquivalentArgs(t *testing.T) {
	k1, err := Key("trace-1", "transfer", map[string]any{"to": "a", "amount": 5})
	require.NoError(t, err)
	k2, err := Key("trace-1", "transfer", map[string]any{"amount": 5, "to": "a"})
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := Key("trace-2", "transfer", map[string]any{"amount": 5, "to": "a"})
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestSetGetHasDestroy(t *testing.T) {
	c := New(10, time.Minute)
	key, err := Key("trace-1", "tool", map[string]any{"x": 1})
	require.NoError(t, err)

	require.False(t, c.Has(key))
	c.Set(key, []byte(`{"ok":true}`))
	require.True(t, c.Has(key))

	v, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, `{"ok":true}`, string(v))

	c.Destroy(key)
	require.False(t, c.Has(key))
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	c := New(10, 10*time.Millisecond)
	key, err := Key("trace-1", "tool", map[string]any{"x": 1})
	require.NoError(t, err)

	c.Set(key, []byte("v"))
	require.True(t, c.Has(key))

	time.Sleep(30 * time.Millisecond)
	require.False(t, c.Has(key))
}
