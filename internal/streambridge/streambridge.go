// Package streambridge binds one remote connection to one
// orchestrator event stream for the lifetime of a single request — in
// contrast to internal/websocket.DAGStreamer's broadcast-to-many hub,
// this is a 1:1 bridge, since each inference request owns its
// orchestrator run exclusively (§5). The connection register/
// unregister/write-error-closes-the-client shape is carried over from
// DAGStreamer's Run loop.
package streambridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/gateway/internal/orchestrator"
)

// BackpressureThresholdBytes is the buffered-output threshold past
// which Bridge emits one backpressure warning frame, per §4.13.
const BackpressureThresholdBytes = 1 << 20 // 1 MiB

// Frame is the wire envelope written to the remote connection for
// every orchestrator event plus the bridge's own control frames.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Bridge owns one connection for the duration of one request.
type Bridge struct {
	conn   *websocket.Conn
	log    *slog.Logger
	cancel context.CancelFunc
}

// New wraps conn; ctx is the request-scoped context the orchestrator
// run is already bound to — New derives a child so a remote close can
// cancel it independently of the parent's own deadline.
func New(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) (*Bridge, context.Context) {
	if logger == nil {
		logger = slog.Default()
	}
	childCtx, cancel := context.WithCancel(ctx)
	return &Bridge{conn: conn, log: logger.With("component", "streambridge"), cancel: cancel}, childCtx
}

// WatchForClose reads (and discards) incoming frames until the
// connection errors or closes, then cancels the bound context so the
// orchestrator's ModelAdapter observes the abort and escalates its
// kill. Run this in its own goroutine alongside Pump.
func (b *Bridge) WatchForClose() {
	defer b.cancel()
	for {
		if _, _, err := b.conn.ReadMessage(); err != nil {
			b.log.Info("remote connection closed, propagating abort", "error", err)
			return
		}
	}
}

// Pump drains events from the orchestrator and forwards each as a
// framed message until the channel closes or the write fails. It
// raises a single backpressure warning the first time cumulative
// written bytes cross BackpressureThresholdBytes.
func (b *Bridge) Pump(events <-chan orchestrator.Event) {
	defer b.cancel()

	var written int
	warned := false

	for ev := range events {
		frame := Frame{Type: string(ev.Type), Data: ev.Data}
		payload, err := json.Marshal(frame)
		if err != nil {
			b.log.Warn("failed to marshal orchestrator event, dropping frame", "error", err)
			continue
		}

		if err := b.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.log.Warn("stream bridge write failed, closing connection", "error", err)
			b.conn.Close()
			return
		}

		written += len(payload)
		if !warned && written > BackpressureThresholdBytes {
			warned = true
			b.warnBackpressure()
		}
	}

	b.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (b *Bridge) warnBackpressure() {
	payload, _ := json.Marshal(Frame{Type: "backpressure_warning", Data: map[string]int{"threshold_bytes": BackpressureThresholdBytes}})
	if err := b.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		b.log.Warn("failed to write backpressure warning", "error", err)
	}
}
