package costtracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/sse"
)

func testPricing() PricingEntry {
	return PricingEntry{ModelID: "test-model", InRateMicro: 2, OutRateMicro: 6, BytesPerToken: 4.0}
}

// TestAbortMidStream is spec.md §8 scenario 4.
func TestAbortMidStream(t *testing.T) {
	tr := New(testPricing(), 1000)
	for i := 0; i < 10; i++ {
		tr.Observe(sse.Event{Kind: sse.KindChunk, Payload: make([]byte, 50)})
	}
	tr.Abort()

	res := tr.Primary()
	require.True(t, res.WasAborted)
	require.Equal(t, MethodByteEstimated, res.Method)
	require.GreaterOrEqual(t, res.CompletionTokens, uint64(1))
	require.Greater(t, res.TotalCostMicro, uint64(0))
}

// TestEmptyStream is spec.md §8 scenario 5.
func TestEmptyStream(t *testing.T) {
	tr := New(testPricing(), 1000)
	tr.Observe(sse.Event{Kind: sse.KindDone})

	res := tr.Primary()
	require.Equal(t, MethodPromptOnly, res.Method)
	require.Equal(t, uint64(0), res.CompletionTokens)
	require.Equal(t, uint64(1000)*2, res.TotalCostMicro)
	require.False(t, res.WasAborted)
}

func TestProviderReportedUsageTakesPrecedence(t *testing.T) {
	tr := New(testPricing(), 1000)
	tr.Observe(sse.Event{Kind: sse.KindChunk, Payload: []byte("hello")})
	tr.Observe(sse.Event{Kind: sse.KindUsage, Payload: []byte(`{"prompt_tokens":1000,"completion_tokens":50}`)})
	tr.Observe(sse.Event{Kind: sse.KindDone})

	res := tr.Primary()
	require.Equal(t, MethodProviderReported, res.Method)
	require.Equal(t, uint64(50), res.CompletionTokens)
	require.False(t, res.WasAborted)
}

func TestOvercountInflatesByteEstimatedCompletionTokens(t *testing.T) {
	tr := New(testPricing(), 1000)
	tr.Observe(sse.Event{Kind: sse.KindChunk, Payload: make([]byte, 400)}) // 100 tokens at 4 bytes/token
	tr.Observe(sse.Event{Kind: sse.KindDone})

	primary := tr.Primary()
	overcount := tr.Overcount()
	require.Equal(t, uint64(100), primary.CompletionTokens)
	require.Equal(t, uint64(110), overcount.CompletionTokens)
	require.Greater(t, overcount.TotalCostMicro, primary.TotalCostMicro)
}

func TestOvercountLeavesProviderReportedUnchanged(t *testing.T) {
	tr := New(testPricing(), 1000)
	tr.Observe(sse.Event{Kind: sse.KindUsage, Payload: []byte(`{"prompt_tokens":1000,"completion_tokens":50}`)})
	tr.Observe(sse.Event{Kind: sse.KindDone})

	require.Equal(t, tr.Primary(), tr.Overcount())
}

func TestWasAbortedOnErrorEvent(t *testing.T) {
	tr := New(testPricing(), 1000)
	tr.Observe(sse.Event{Kind: sse.KindChunk, Payload: []byte("x")})
	tr.Observe(sse.Event{Kind: sse.KindError, Payload: []byte(`{"code":"upstream_error"}`)})

	require.True(t, tr.Primary().WasAborted)
}
