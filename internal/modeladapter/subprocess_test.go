package modeladapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamModeDecodesOneEventPerLine(t *testing.T) {
	a := New(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", `echo '{"delta":"a"}'; echo 'not json'; echo '{"delta":"b"}'`},
		Mode:    ModeStream,
	})

	events, errc := a.Run(context.Background())
	var got []string
	for ev := range events {
		got = append(got, string(ev.Raw))
	}
	require.NoError(t, <-errc)
	require.Equal(t, []string{`{"delta":"a"}`, `{"delta":"b"}`}, got)
}

func TestBatchModeParsesConcatenatedJSONL(t *testing.T) {
	a := New(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", `printf '{"a":1}\n{"a":2}\n'`},
		Mode:    ModeBatch,
	})

	events, errc := a.Run(context.Background())
	var got []string
	for ev := range events {
		got = append(got, string(ev.Raw))
	}
	require.NoError(t, <-errc)
	require.Equal(t, []string{`{"a":1}`, `{"a":2}`}, got)
}

// TestEscalatedKillOnAbort is the "100 disconnects -> 0 orphans"
// property at the single-process level: a subprocess that ignores
// SIGTERM is still gone once Run's context is cancelled.
func TestEscalatedKillOnAbort(t *testing.T) {
	a := New(Config{
		Command:   "/bin/sh",
		Args:      []string{"-c", `trap '' TERM; sleep 30`},
		Mode:      ModeStream,
		KillGrace: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	events, errc := a.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	cancel()

	for range events {
	}
	err := <-errc
	require.Error(t, err)
}
