// Package costs implements the cost tracker: per-call accounting aggregated
// by tier, depth, and session. It is grounded on the teacher's
// internal/usage package (usage_tracker.go's debounced, mutex-serialized
// aggregation idiom), narrowed from token/provider/shard aggregation to the
// three tiers and the depth/session buckets the data model names.
package costs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"rlmkernel/internal/errs"
	"rlmkernel/internal/logging"
)

// Tier is a cost accounting bucket keyed to call origin, not model identity.
type Tier string

const (
	TierRoot       Tier = "root"
	TierRecursive  Tier = "recursive"
	TierExtraction Tier = "extraction"
)

// Record is one LLM call's billed cost.
type Record struct {
	CallID       string    `json:"call_id"`
	Tier         Tier      `json:"tier"`
	Depth        int       `json:"depth"`
	ModelID      string    `json:"model_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	USD          float64   `json:"usd"`
	SessionID    string    `json:"session_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Totals is an immutable snapshot of tracker aggregates, safe to hand to
// callers without holding the tracker's lock.
type Totals struct {
	TotalUSD    float64
	ByTier      map[Tier]float64
	ByDepth     map[int]float64
	BySession   map[string]float64
	CallCount   int
}

// Tracker records per-call cost and serializes every update, so the
// invariant sum(records).usd == tracker.total_usd holds under concurrent
// writers.
type Tracker struct {
	mu        sync.Mutex
	records   []Record
	totalUSD  float64
	byTier    map[Tier]float64
	byDepth   map[int]float64
	bySession map[string]float64
}

// NewTracker returns an empty tracker for one orchestrator run (or session,
// if shared across runs by the caller).
func NewTracker() *Tracker {
	return &Tracker{
		byTier:    make(map[Tier]float64),
		byDepth:   make(map[int]float64),
		bySession: make(map[string]float64),
	}
}

// Record appends a cost record and updates all aggregates atomically. The
// call_id is generated if the caller leaves it blank.
func (t *Tracker) Record(rec Record) Record {
	if rec.CallID == "" {
		rec.CallID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, rec)
	t.totalUSD += rec.USD
	t.byTier[rec.Tier] += rec.USD
	t.byDepth[rec.Depth] += rec.USD
	if rec.SessionID != "" {
		t.bySession[rec.SessionID] += rec.USD
	}

	logging.Get(logging.CategoryCost).Debug("recorded call=%s tier=%s depth=%d usd=%.6f total=%.6f",
		rec.CallID, rec.Tier, rec.Depth, rec.USD, t.totalUSD)

	return rec
}

// TotalUSD returns the running total across every recorded call.
func (t *Tracker) TotalUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalUSD
}

// RemainingForTier reports how much of a tier-scoped cap remains. A
// negative-or-zero cap (e.g. cost_cap=0) yields zero remaining immediately,
// forcing the caller onto fallback per the boundary behavior.
func (t *Tracker) RemainingForTier(tier Tier, capUSD float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := capUSD - t.byTier[tier]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CheckBudget returns a BudgetExceeded error if the run-wide total has
// reached or passed capUSD. The orchestrator does not call it; its own
// Budget.exhausted check compares TotalUSD against the cost cap.
func (t *Tracker) CheckBudget(op string, capUSD float64) error {
	t.mu.Lock()
	total := t.totalUSD
	t.mu.Unlock()

	if total >= capUSD {
		return errs.New(errs.BudgetExceeded, op, "cost cap reached").WithDetails(map[string]any{
			"cost_cap_usd": capUSD,
			"total_usd":    total,
		})
	}
	return nil
}

// Snapshot returns a deep copy of the current aggregates.
func (t *Tracker) Snapshot() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()

	tot := Totals{
		TotalUSD:  t.totalUSD,
		ByTier:    make(map[Tier]float64, len(t.byTier)),
		ByDepth:   make(map[int]float64, len(t.byDepth)),
		BySession: make(map[string]float64, len(t.bySession)),
		CallCount: len(t.records),
	}
	for k, v := range t.byTier {
		tot.ByTier[k] = v
	}
	for k, v := range t.byDepth {
		tot.ByDepth[k] = v
	}
	for k, v := range t.bySession {
		tot.BySession[k] = v
	}
	return tot
}

// Records returns a copy of every recorded call, for exact reconciliation
// against TotalUSD in tests.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Estimate computes a call's USD cost from per-token rates. Router.EstimateUSD
// calls it with a tier's configured rates.
func Estimate(inputTokens, outputTokens int, usdPerInput, usdPerOutput float64) float64 {
	return float64(inputTokens)*usdPerInput + float64(outputTokens)*usdPerOutput
}
