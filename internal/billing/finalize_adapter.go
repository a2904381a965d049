package billing

import (
	"context"
	"fmt"

	"github.com/ocx/gateway/internal/errs"
)

// FencingSource supplies the current fencing token for WAL writes made
// on the finalize-queue's callback path, which runs outside the
// request-handling goroutine that originally held it.
type FencingSource interface {
	FencingToken() uint64
}

// FinalizeCallback adapts StateMachine to finalizequeue.StateUpdater,
// translating queue-side (entryID, status) callbacks into the
// fencing-token-aware, *Entry-based methods on StateMachine.
type FinalizeCallback struct {
	sm      *StateMachine
	fencing FencingSource
}

func NewFinalizeCallback(sm *StateMachine, fencing FencingSource) *FinalizeCallback {
	return &FinalizeCallback{sm: sm, fencing: fencing}
}

func (f *FinalizeCallback) FinalizeAck(ctx context.Context, entryID string, status string) error {
	e, ok := f.sm.Get(entryID)
	if !ok {
		return errs.Precondition("entry_not_found", fmt.Sprintf("billing entry %s not found", entryID))
	}
	return f.sm.FinalizeAck(ctx, f.fencing.FencingToken(), e, status)
}

func (f *FinalizeCallback) FinalizeFail(ctx context.Context, entryID string, attempt int, reason string) error {
	e, ok := f.sm.Get(entryID)
	if !ok {
		return errs.Precondition("entry_not_found", fmt.Sprintf("billing entry %s not found", entryID))
	}
	return f.sm.FinalizeFail(ctx, f.fencing.FencingToken(), e, attempt, reason)
}

// Retry moves entryID from finalize_failed back to finalize_pending
// ahead of a requeued attempt.
func (f *FinalizeCallback) Retry(ctx context.Context, entryID string) error {
	e, ok := f.sm.Get(entryID)
	if !ok {
		return errs.Precondition("entry_not_found", fmt.Sprintf("billing entry %s not found", entryID))
	}
	return f.sm.Retry(ctx, f.fencing.FencingToken(), e)
}
