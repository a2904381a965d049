// Package costtracker converts stream observations into a token/cost
// estimate across the three billing modes the design doc specifies,
// grounded on the tiered pricing-table design in
// internal/economics/monetization.go.
package costtracker

import (
	"encoding/json"
	"math"
	"sync"

	"github.com/ocx/gateway/internal/sse"
)

// BillingMethod is the method used to arrive at a cost estimate.
type BillingMethod string

const (
	MethodProviderReported BillingMethod = "provider_reported"
	MethodByteEstimated    BillingMethod = "byte_estimated"
	MethodPromptOnly       BillingMethod = "prompt_only"
)

// DefaultOvercountMarginPercent is policy, not a guessed constant — see
// SPEC_FULL.md §6(c). Do not change without a product decision.
const DefaultOvercountMarginPercent = 10

// PricingEntry defines the per-model cost constants. Rates are in
// micro-currency per token (10^-6 units), matching the Micro-currency
// glossary entry; BytesPerToken approximates token count from observed
// byte length when no usage event arrives.
type PricingEntry struct {
	ModelID       string
	InRateMicro   uint64
	OutRateMicro  uint64
	BytesPerToken float64
}

// UsageReport is the terminal usage event's parsed payload, when one
// arrives (the provider_reported case).
type UsageReport struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	ReasoningTokens  uint64 `json:"reasoning_tokens"`
}

// Result is one of the two views (primary / overcount) at any moment.
type Result struct {
	Method           BillingMethod
	PromptTokens     uint64
	CompletionTokens uint64
	ReasoningTokens  uint64
	TotalCostMicro   uint64
	WasAborted       bool
}

// Tracker wraps one stream, accumulating byte counts, tool-call
// fragments, and the terminal usage event.
type Tracker struct {
	mu sync.Mutex

	pricing      PricingEntry
	promptTokens uint64

	observedBytes    uint64
	sawChunks        bool
	usage            *UsageReport
	sawDone          bool
	sawError         bool
	aborted          bool
}

func New(pricing PricingEntry, promptTokens uint64) *Tracker {
	return &Tracker{pricing: pricing, promptTokens: promptTokens}
}

// Observe feeds one interpreted SSE event into the tracker.
func (t *Tracker) Observe(ev sse.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case sse.KindChunk, sse.KindToolCall:
		t.sawChunks = true
		t.observedBytes += uint64(len(ev.Payload))
	case sse.KindUsage:
		var u UsageReport
		if err := json.Unmarshal(ev.Payload, &u); err == nil {
			t.usage = &u
		}
	case sse.KindDone:
		t.sawDone = true
	case sse.KindError:
		t.sawError = true
	}
}

// Abort marks the stream as externally cancelled.
func (t *Tracker) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborted = true
}

// Primary returns the current best-known billing result.
func (t *Tracker) Primary() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compute(false)
}

// Overcount returns the ensemble "loser"-billing view: identical to
// Primary except the byte_estimated completion token count is inflated
// by DefaultOvercountMarginPercent, rounded up.
func (t *Tracker) Overcount() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compute(true)
}

func (t *Tracker) compute(overcount bool) Result {
	// was_aborted is true iff ended by error, by abort signal, or
	// without a done event.
	wasAborted := t.aborted || t.sawError || !t.sawDone

	switch {
	case t.usage != nil:
		cost := t.cost(t.usage.PromptTokens, t.usage.CompletionTokens)
		return Result{
			Method:           MethodProviderReported,
			PromptTokens:     t.usage.PromptTokens,
			CompletionTokens: t.usage.CompletionTokens,
			ReasoningTokens:  t.usage.ReasoningTokens,
			TotalCostMicro:   cost,
			WasAborted:       wasAborted,
		}
	case t.sawChunks:
		completion := t.estimateCompletionTokens()
		if overcount {
			completion = (completion*(100+DefaultOvercountMarginPercent) + 99) / 100
		}
		cost := t.cost(t.promptTokens, completion)
		return Result{
			Method:           MethodByteEstimated,
			PromptTokens:     t.promptTokens,
			CompletionTokens: completion,
			TotalCostMicro:   cost,
			WasAborted:       wasAborted,
		}
	default:
		cost := t.cost(t.promptTokens, 0)
		return Result{
			Method:         MethodPromptOnly,
			PromptTokens:   t.promptTokens,
			TotalCostMicro: cost,
			WasAborted:     wasAborted,
		}
	}
}

func (t *Tracker) estimateCompletionTokens() uint64 {
	bpt := t.pricing.BytesPerToken
	if bpt <= 0 {
		bpt = 4.0
	}
	return uint64(math.Ceil(float64(t.observedBytes) / bpt))
}

// cost computes prompt*in_rate + completion*out_rate using integer
// micro-currency arithmetic.
func (t *Tracker) cost(promptTokens, completionTokens uint64) uint64 {
	return promptTokens*t.pricing.InRateMicro + completionTokens*t.pricing.OutRateMicro
}
