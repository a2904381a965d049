package sse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCrossChunkReassembly is spec.md §8 scenario 6.
func TestCrossChunkReassembly(t *testing.T) {
	input := []byte("event: done\ndata: {\"finish_reason\":\"stop\"}\n\n")

	p := NewParser()
	var events []RawEvent
	for i := 0; i < len(input); i += 3 {
		end := i + 3
		if end > len(input) {
			end = len(input)
		}
		events = append(events, p.Feed(input[i:end])...)
	}
	events = append(events, p.Close()...)

	require.Len(t, events, 1)
	require.Equal(t, "done", events[0].EventType)
	require.Equal(t, `{"finish_reason":"stop"}`, events[0].Data)
}

// TestRoundTripIsInvariantToChunking is P5: re-splitting the same byte
// sequence into arbitrary chunk sizes yields the same event list.
func TestRoundTripIsInvariantToChunking(t *testing.T) {
	input := []byte("event: chunk\ndata: hello\ndata: world\nid: 42\n\n" +
		": a comment\nevent: usage\ndata: {\"prompt_tokens\":10}\n\n")

	parseWithChunkSize := func(size int) []RawEvent {
		p := NewParser()
		var events []RawEvent
		for i := 0; i < len(input); i += size {
			end := i + size
			if end > len(input) {
				end = len(input)
			}
			events = append(events, p.Feed(input[i:end])...)
		}
		events = append(events, p.Close()...)
		return events
	}

	baseline := parseWithChunkSize(len(input))
	require.Len(t, baseline, 2)

	for _, size := range []int{1, 2, 3, 5, 7, 13} {
		got := parseWithChunkSize(size)
		require.Equal(t, baseline, got, "chunk size %d produced a different event list", size)
	}
}

func TestLineEndingsAreEquivalent(t *testing.T) {
	for _, nl := range []string{"\n", "\r\n", "\r"} {
		input := "event: chunk" + nl + "data: x" + nl + nl
		p := NewParser()
		events := p.Feed([]byte(input))
		require.Len(t, events, 1, "line ending %q", nl)
		require.Equal(t, "x", events[0].Data)
	}
}

func TestLeadingSingleSpaceIsStrippedNotFurtherSpaces(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte("data:  two leading spaces\n\n"))
	require.Len(t, events, 1)
	require.Equal(t, " two leading spaces", events[0].Data)
}

func TestIDContainingNULIsRejected(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte("id: bad\x00id\ndata: x\n\n"))
	require.Len(t, events, 1)
	require.Equal(t, "", events[0].ID)
}

func TestCommentLinesAreSkipped(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte(": heartbeat\ndata: x\n\n"))
	require.Len(t, events, 1)
	require.Equal(t, "x", events[0].Data)
}

func TestPendingRecordFlushedAtEndOfStream(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte("event: chunk\ndata: partial"))
	require.Empty(t, events)

	closed := p.Close()
	require.Len(t, closed, 1)
	require.Equal(t, "partial", closed[0].Data)
}

func TestInterpretMapsEventTypesToKinds(t *testing.T) {
	require.Equal(t, KindUsage, Interpret(RawEvent{EventType: "usage"}).Kind)
	require.Equal(t, KindDone, Interpret(RawEvent{EventType: "done"}).Kind)
	require.Equal(t, KindToolCall, Interpret(RawEvent{EventType: "tool_call"}).Kind)
	require.Equal(t, KindChunk, Interpret(RawEvent{EventType: "message"}).Kind)
	require.Equal(t, KindRaw, Interpret(RawEvent{EventType: "something_else"}).Kind)
}
