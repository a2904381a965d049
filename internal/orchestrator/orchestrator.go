// Package orchestrator drives one inference request end-to-end: it
// resolves the tenant's pool, streams a completion through a
// ModelAdapter, pipes the bytes through the SSE consumer and cost
// tracker, dispatches tool calls through the idempotency cache, and
// commits the result to the billing state machine — honoring abort at
// every suspension point.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gateway/internal/billing"
	"github.com/ocx/gateway/internal/circuitbreaker"
	"github.com/ocx/gateway/internal/costtracker"
	"github.com/ocx/gateway/internal/errs"
	"github.com/ocx/gateway/internal/idempotency"
	"github.com/ocx/gateway/internal/modeladapter"
	"github.com/ocx/gateway/internal/sse"
)

// EventType enumerates the events the orchestrator emits for external
// observers (StreamBridge).
type EventType string

const (
	EventToken            EventType = "token"
	EventToolRequested     EventType = "tool_requested"
	EventToolExecuting     EventType = "tool_executing"
	EventToolExecuted      EventType = "tool_executed"
	EventToolResultFed     EventType = "tool_result_fed"
	EventBudgetCheck       EventType = "budget_check"
	EventStreamStart       EventType = "stream_start"
	EventIterationStart    EventType = "iteration_start"
	EventIterationComplete EventType = "iteration_complete"
	EventLoopComplete      EventType = "loop_complete"
	EventLoopError         EventType = "loop_error"
)

// Event is one item pushed to the per-request channel a StreamBridge
// drains. A full channel blocks the producer — no unbounded buffering.
type Event struct {
	Type EventType
	Data any
}

// PoolAssignment is the result of resolving tenant claims to a model
// pool and pricing entry (the supplemental tenancy feature in
// SPEC_FULL.md §5.1).
type PoolAssignment struct {
	PoolID  string
	Pricing costtracker.PricingEntry
	Tier    string
}

// TenantResolver resolves a tenant/claim set to a pool assignment.
type TenantResolver interface {
	Resolve(ctx context.Context, tenantID string) (PoolAssignment, error)
}

// ToolDispatcher executes one named tool call and returns its raw JSON
// result.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error)
}

// FencingSource supplies the current fencing token for WAL writes.
type FencingSource interface {
	FencingToken() uint64
}

// Request is one inference request handed to the Orchestrator.
type Request struct {
	TenantID      string
	AccountID     string
	CorrelationID string
	TraceID       string
	PromptTokens  uint64
	SystemPromptTemplate string
	AdapterConfig modeladapter.Config
	WallClockBudget time.Duration
}

// Orchestrator composes every other component.
type Orchestrator struct {
	resolver  TenantResolver
	billingSM *billing.StateMachine
	fencing   FencingSource
	cache     *idempotency.Cache
	dispatcher ToolDispatcher
	breakers  *circuitbreaker.BillingCircuitBreakers
	log       *slog.Logger
}

func New(resolver TenantResolver, billingSM *billing.StateMachine, fencing FencingSource, cache *idempotency.Cache, dispatcher ToolDispatcher, breakers *circuitbreaker.BillingCircuitBreakers, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		resolver: resolver, billingSM: billingSM, fencing: fencing,
		cache: cache, dispatcher: dispatcher, breakers: breakers,
		log: logger.With("component", "orchestrator"),
	}
}

// Run drives req to completion, pushing Events to out. out is never
// closed by the caller before Run returns; Run closes it.
func (o *Orchestrator) Run(ctx context.Context, req Request, out chan<- Event) {
	defer close(out)

	if o.breakers != nil && o.breakers.BudgetWriter.State() == circuitbreaker.StateOpen {
		out <- Event{Type: EventBudgetCheck, Data: "circuit_open"}
		out <- Event{Type: EventLoopError, Data: errs.CircuitOpenErr("budget_circuit_open", "ledger writer degraded beyond window").Error()}
		return
	}

	assignment, err := o.resolver.Resolve(ctx, req.TenantID)
	if err != nil {
		out <- Event{Type: EventLoopError, Data: err.Error()}
		return
	}

	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	entry, err := o.billingSM.Reserve(ctx, o.fencing.FencingToken(), req.AccountID, estimateReserve(req, assignment), req.CorrelationID, 1.0)
	if err != nil {
		out <- Event{Type: EventLoopError, Data: err.Error()}
		return
	}

	tracker := costtracker.New(assignment.Pricing, req.PromptTokens)

	adapter := modeladapter.New(req.AdapterConfig)
	events, errc := adapter.Run(ctx)

	out <- Event{Type: EventStreamStart, Data: entry.ID}

	parser := sse.NewParser()
	aborted := false

loop:
	for {
		select {
		case <-ctx.Done():
			aborted = true
			tracker.Abort()
			break loop
		case ev, ok := <-events:
			if !ok {
				continue
			}
			for _, raw := range parser.Feed(ev.Raw) {
				domainEvent := sse.Interpret(raw)
				tracker.Observe(domainEvent)
				o.handleDomainEvent(ctx, req, domainEvent, out)
			}
		case runErr, ok := <-errc:
			if !ok {
				continue
			}
			if runErr != nil {
				o.log.Warn("model adapter run ended with error", "error", runErr)
				if errs.KindOf(runErr) != errs.InputInvalid {
					aborted = true
				}
			}
			for _, raw := range parser.Close() {
				domainEvent := sse.Interpret(raw)
				tracker.Observe(domainEvent)
				o.handleDomainEvent(ctx, req, domainEvent, out)
			}
			break loop
		}
	}

	result := tracker.Primary()
	if aborted {
		tracker.Abort()
		result = tracker.Primary()
	}

	actualCost, clamped := clampToReserved(result.TotalCostMicro, entry.EstimatedCost)
	if clamped {
		o.log.Warn("observed cost exceeded reservation ceiling, clamping to reserved amount",
			"entry_id", entry.ID, "observed_cost", result.TotalCostMicro, "reserved", entry.EstimatedCost)
	}

	if commitErr := o.billingSM.Commit(ctx, o.fencing.FencingToken(), entry, actualCost); commitErr != nil {
		out <- Event{Type: EventLoopError, Data: commitErr.Error()}
		return
	}

	out <- Event{Type: EventLoopComplete, Data: result}
}

func (o *Orchestrator) handleDomainEvent(ctx context.Context, req Request, ev sse.Event, out chan<- Event) {
	switch ev.Kind {
	case sse.KindChunk:
		out <- Event{Type: EventToken, Data: string(ev.Payload)}
	case sse.KindToolCall:
		o.handleToolCall(ctx, req, ev, out)
	case sse.KindDone:
		out <- Event{Type: EventIterationComplete, Data: nil}
	}
}

type toolCallFragment struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

func (o *Orchestrator) handleToolCall(ctx context.Context, req Request, ev sse.Event, out chan<- Event) {
	var frag toolCallFragment
	if err := json.Unmarshal(ev.Payload, &frag); err != nil {
		return
	}
	out <- Event{Type: EventToolRequested, Data: frag.Name}

	key, err := idempotency.Key(req.TraceID, frag.Name, frag.Args)
	if err != nil {
		out <- Event{Type: EventLoopError, Data: err.Error()}
		return
	}

	if cached, ok := o.cache.Get(key); ok {
		out <- Event{Type: EventToolResultFed, Data: json.RawMessage(cached)}
		return
	}

	out <- Event{Type: EventToolExecuting, Data: frag.Name}
	result, err := o.dispatcher.Dispatch(ctx, frag.Name, frag.Args)
	if err != nil {
		out <- Event{Type: EventLoopError, Data: err.Error()}
		return
	}
	o.cache.Set(key, result)
	out <- Event{Type: EventToolExecuted, Data: frag.Name}
	out <- Event{Type: EventToolResultFed, Data: result}
}

func estimateReserve(req Request, assignment PoolAssignment) uint64 {
	// Conservative up-front reservation: prompt cost plus a fixed
	// ceiling for completion, refined down to actual_cost at commit.
	const assumedCompletionTokens = 4096
	return req.PromptTokens*assignment.Pricing.InRateMicro + assumedCompletionTokens*assignment.Pricing.OutRateMicro
}

// clampToReserved caps observed at reserved: a completion that runs
// past the assumedCompletionTokens ceiling must never ask Commit to
// consume more than was actually reserved, or the excess permanently
// strands reserved credits (Consume fails insufficient_balance and the
// entry never reaches a terminal state).
func clampToReserved(observed, reserved uint64) (cost uint64, clamped bool) {
	if observed > reserved {
		return reserved, true
	}
	return observed, false
}
