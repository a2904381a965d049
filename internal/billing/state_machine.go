// Package billing governs one chargeable operation through its
// reserve→commit→finalize lifecycle. The adjacency-table + mutex +
// transition-history pattern is adapted directly from
// internal/federation/state_machine.go's HandshakeStateMachine.
package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gateway/internal/circuitbreaker"
	"github.com/ocx/gateway/internal/errs"
	"github.com/ocx/gateway/internal/ledger"
	"github.com/ocx/gateway/internal/walog"
)

// State is one of the eight states a billing entry may occupy.
type State int

const (
	StateIdle State = iota
	StateReserveHeld
	StateCommitted
	StateFinalizePending
	StateFinalizeAcked
	StateFinalizeFailed
	StateReleased
	StateVoided
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReserveHeld:
		return "reserve_held"
	case StateCommitted:
		return "committed"
	case StateFinalizePending:
		return "finalize_pending"
	case StateFinalizeAcked:
		return "finalize_acked"
	case StateFinalizeFailed:
		return "finalize_failed"
	case StateReleased:
		return "released"
	case StateVoided:
		return "voided"
	default:
		return "unknown"
	}
}

func (s State) IsTerminal() bool {
	switch s {
	case StateReleased, StateFinalizeAcked, StateVoided:
		return true
	default:
		return false
	}
}

// adjacency is the explicit legal-transition table from §4.5.
var adjacency = map[State][]State{
	StateIdle:            {StateReserveHeld},
	StateReserveHeld:     {StateCommitted, StateReleased},
	StateCommitted:       {StateFinalizePending, StateVoided},
	StateFinalizePending: {StateFinalizeAcked, StateFinalizeFailed},
	StateFinalizeFailed:  {StateFinalizePending, StateVoided},
	StateReleased:        {},
	StateFinalizeAcked:   {},
	StateVoided:          {},
}

func isValidTransition(from, to State) bool {
	for _, s := range adjacency[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateTransition records one state change for audit/history purposes.
type StateTransition struct {
	From      State
	To        State
	At        time.Time
	EventType string
}

// Entry is the lifecycle object for one chargeable operation (the
// "BillingEntry" of the data model).
type Entry struct {
	ID                    string
	CorrelationID         string
	AccountID             string
	State                 State
	EstimatedCost         uint64
	ActualCost            *uint64
	ExchangeRateSnapshot  float64
	WALOffset             uint64
	FinalizeAttempts      int
	CreatedAt             time.Time
	UpdatedAt             time.Time
	History               []StateTransition
}

// FinalizeEnqueuer is the narrow interface the state machine needs from
// FinalizeQueue, kept here to avoid a hard dependency on its full API.
type FinalizeEnqueuer interface {
	Enqueue(ctx context.Context, entryID, accountID string, amount uint64, correlationID string) error
}

const streamName = "billing_entries"

// StateMachine composes EventLog (authority), CreditLedger (derived
// balances), and FinalizeQueue (async side effects). It holds no
// durable state of its own beyond the in-memory index rebuilt alongside
// the ledger.
type StateMachine struct {
	log      *walog.EventLog
	ledger   *ledger.CreditLedger
	finalize FinalizeEnqueuer
	breaker  *circuitbreaker.CircuitBreaker

	mu      sync.Mutex
	entries map[string]*Entry
}

func New(log *walog.EventLog, creditLedger *ledger.CreditLedger, finalize FinalizeEnqueuer) *StateMachine {
	return &StateMachine{
		log:      log,
		ledger:   creditLedger,
		finalize: finalize,
		entries:  make(map[string]*Entry),
	}
}

// SetFinalizeQueue wires the finalize sink after construction, since
// the queue's own StateUpdater callback (FinalizeCallback) must be
// built from this StateMachine in turn.
func (sm *StateMachine) SetFinalizeQueue(finalize FinalizeEnqueuer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.finalize = finalize
}

// SetBreaker wires the budget circuit breaker onto this state
// machine's own WAL append path (the billing_* lifecycle records,
// distinct from the ledger's own credit_ledger stream). Left nil,
// writes are never gated.
func (sm *StateMachine) SetBreaker(cb *circuitbreaker.CircuitBreaker) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.breaker = cb
}

func (sm *StateMachine) currentBreaker() *circuitbreaker.CircuitBreaker {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.breaker
}

func (sm *StateMachine) appendEvent(ctx context.Context, fencingToken uint64, eventType string, payload map[string]any, correlationID string) (*walog.EventRecord, error) {
	breaker := sm.currentBreaker()
	if breaker == nil {
		return sm.log.Append(ctx, fencingToken, streamName, eventType, payload, correlationID)
	}
	result, err := breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return sm.log.Append(ctx, fencingToken, streamName, eventType, payload, correlationID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*walog.EventRecord), nil
}

func (sm *StateMachine) get(id string) (*Entry, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	e, ok := sm.entries[id]
	return e, ok
}

func (sm *StateMachine) put(e *Entry) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.entries[e.ID] = e
}

func (sm *StateMachine) transition(e *Entry, to State, eventType string) error {
	if !isValidTransition(e.State, to) {
		return errs.Precondition("illegal_transition", fmt.Sprintf("cannot transition billing entry %s from %s to %s", e.ID, e.State, to))
	}
	e.History = append(e.History, StateTransition{From: e.State, To: to, At: time.Now().UTC(), EventType: eventType})
	e.State = to
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Reserve creates a new entry in reserve_held, appends billing_reserve,
// and reserves the estimated cost against the account's ledger.
func (sm *StateMachine) Reserve(ctx context.Context, fencingToken uint64, accountID string, estimatedCost uint64, correlationID string, rateSnapshot float64) (*Entry, error) {
	idempotencyKey := "reserve:" + correlationID
	if _, err := sm.ledger.Reserve(ctx, fencingToken, accountID, estimatedCost, correlationID, idempotencyKey); err != nil {
		return nil, err
	}

	e := &Entry{
		ID:                   uuid.NewString(),
		CorrelationID:        correlationID,
		AccountID:            accountID,
		State:                StateIdle,
		EstimatedCost:        estimatedCost,
		ExchangeRateSnapshot: rateSnapshot,
		CreatedAt:            time.Now().UTC(),
	}
	if err := sm.transition(e, StateReserveHeld, "billing_reserve"); err != nil {
		return nil, err
	}

	rec, err := sm.appendEvent(ctx, fencingToken, "billing_reserve", entryPayload(e), correlationID)
	if err != nil {
		return nil, err
	}
	e.WALOffset = rec.Sequence
	sm.put(e)
	return e, nil
}

// Commit appends billing_commit, consumes actualCost and releases any
// reserved residual back to unlocked, enqueues the finalize job, and
// leaves the entry in finalize_pending awaiting external
// acknowledgement.
func (sm *StateMachine) Commit(ctx context.Context, fencingToken uint64, e *Entry, actualCost uint64) error {
	if err := sm.transition(e, StateCommitted, "billing_commit"); err != nil {
		return err
	}

	consumeKey := "consume:" + e.CorrelationID
	if _, err := sm.ledger.Consume(ctx, fencingToken, e.AccountID, actualCost, e.CorrelationID, consumeKey); err != nil {
		return err
	}
	if e.EstimatedCost > actualCost {
		residual := e.EstimatedCost - actualCost
		releaseKey := "release:" + e.CorrelationID
		if _, err := sm.ledger.Release(ctx, fencingToken, e.AccountID, residual, e.CorrelationID, releaseKey); err != nil {
			return err
		}
	}

	e.ActualCost = &actualCost
	rec, err := sm.appendEvent(ctx, fencingToken, "billing_commit", entryPayload(e), e.CorrelationID)
	if err != nil {
		return err
	}
	e.WALOffset = rec.Sequence

	if err := sm.transition(e, StateFinalizePending, "billing_commit"); err != nil {
		return err
	}
	if sm.finalize != nil {
		if err := sm.finalize.Enqueue(ctx, e.ID, e.AccountID, actualCost, e.CorrelationID); err != nil {
			return errs.TransientErr("finalize_enqueue_failed", "failed to enqueue finalize job", err)
		}
	}
	sm.put(e)
	return nil
}

// Release appends billing_release and releases reserved credits back to
// unlocked, valid from reserve_held.
func (sm *StateMachine) Release(ctx context.Context, fencingToken uint64, e *Entry, reason string) error {
	if err := sm.transition(e, StateReleased, "billing_release"); err != nil {
		return err
	}
	releaseKey := "release_full:" + e.CorrelationID
	if _, err := sm.ledger.Release(ctx, fencingToken, e.AccountID, e.EstimatedCost, e.CorrelationID, releaseKey); err != nil {
		return err
	}
	rec, err := sm.appendEvent(ctx, fencingToken, "billing_release", map[string]any{"entry": entryPayload(e), "reason": reason}, e.CorrelationID)
	if err != nil {
		return err
	}
	e.WALOffset = rec.Sequence
	sm.put(e)
	return nil
}

// Void appends billing_void and rolls back consumed credits to
// unlocked, valid from committed (or finalize_failed via the adjacency
// table).
func (sm *StateMachine) Void(ctx context.Context, fencingToken uint64, e *Entry, reason, adminID string) error {
	if err := sm.transition(e, StateVoided, "billing_void"); err != nil {
		return err
	}
	if e.ActualCost != nil {
		voidKey := "void:" + e.CorrelationID
		if _, err := sm.ledger.Release(ctx, fencingToken, e.AccountID, *e.ActualCost, e.CorrelationID, voidKey); err != nil {
			return err
		}
	}
	rec, err := sm.appendEvent(ctx, fencingToken, "billing_void", map[string]any{"entry": entryPayload(e), "reason": reason, "admin_id": adminID}, e.CorrelationID)
	if err != nil {
		return err
	}
	e.WALOffset = rec.Sequence
	sm.put(e)
	return nil
}

// FinalizeAck transitions to finalize_acked; pure state update, no
// ledger mutation.
func (sm *StateMachine) FinalizeAck(ctx context.Context, fencingToken uint64, e *Entry, responseStatus string) error {
	if err := sm.transition(e, StateFinalizeAcked, "billing_finalize_ack"); err != nil {
		return err
	}
	rec, err := sm.appendEvent(ctx, fencingToken, "billing_finalize_ack", map[string]any{"entry": entryPayload(e), "response_status": responseStatus}, e.CorrelationID)
	if err != nil {
		return err
	}
	e.WALOffset = rec.Sequence
	sm.put(e)
	return nil
}

// FinalizeFail transitions to finalize_failed; pure state update.
func (sm *StateMachine) FinalizeFail(ctx context.Context, fencingToken uint64, e *Entry, attempt int, reason string) error {
	if err := sm.transition(e, StateFinalizeFailed, "billing_finalize_fail"); err != nil {
		return err
	}
	e.FinalizeAttempts = attempt
	rec, err := sm.appendEvent(ctx, fencingToken, "billing_finalize_fail", map[string]any{"entry": entryPayload(e), "attempt": attempt, "reason": reason}, e.CorrelationID)
	if err != nil {
		return err
	}
	e.WALOffset = rec.Sequence
	sm.put(e)
	return nil
}

// Retry transitions finalize_failed back to finalize_pending for
// another attempt. Callers must invoke this before re-driving the
// acknowledger on any attempt past the first — FinalizeAck/FinalizeFail
// are only legal out of finalize_pending.
func (sm *StateMachine) Retry(ctx context.Context, fencingToken uint64, e *Entry) error {
	if err := sm.transition(e, StateFinalizePending, "billing_finalize_retry"); err != nil {
		return err
	}
	rec, err := sm.appendEvent(ctx, fencingToken, "billing_finalize_retry", entryPayload(e), e.CorrelationID)
	if err != nil {
		return err
	}
	e.WALOffset = rec.Sequence
	sm.put(e)
	return nil
}

func entryPayload(e *Entry) map[string]any {
	return map[string]any{
		"id":                     e.ID,
		"correlation_id":         e.CorrelationID,
		"account_id":             e.AccountID,
		"state":                  e.State.String(),
		"estimated_cost":         e.EstimatedCost,
		"actual_cost":            e.ActualCost,
		"exchange_rate_snapshot": e.ExchangeRateSnapshot,
		"finalize_attempts":      e.FinalizeAttempts,
	}
}

// Get returns the entry by ID.
func (sm *StateMachine) Get(id string) (*Entry, bool) {
	return sm.get(id)
}
