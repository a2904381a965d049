package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ocx/gateway/internal/walog"
)

type ledgerEventPayload struct {
	Operation      string  `json:"operation"`
	AccountID      string  `json:"account_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Resulting      Account `json:"resulting"`
}

// Rebuild replays the credit_ledger stream from the beginning and
// restores the in-memory projection, per §4.3's "crash recovery replays
// the log to rebuild the projection."
func Rebuild(ctx context.Context, log *walog.EventLog) (*CreditLedger, error) {
	ledger := New(log, nil)
	records, err := log.Replay(ctx, streamName, nil)
	if err != nil {
		return nil, fmt.Errorf("rebuild ledger: %w", err)
	}
	for _, rec := range records {
		var payload ledgerEventPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			continue // payload is not a ledger event; skipped without a log line
		}
		ledger.Restore(payload.Resulting)
		ledger.rememberResult(payload.IdempotencyKey, &Result{Account: payload.Resulting, TransactionID: rec.ID})
	}
	return ledger, nil
}
