package costs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rlmkernel/internal/errs"
)

func TestRecordUpdatesTotalsConsistently(t *testing.T) {
	tr := NewTracker()
	tr.Record(Record{Tier: TierRoot, Depth: 0, USD: 0.01, SessionID: "s1"})
	tr.Record(Record{Tier: TierRecursive, Depth: 1, USD: 0.02, SessionID: "s1"})
	tr.Record(Record{Tier: TierRecursive, Depth: 1, USD: 0.03, SessionID: "s2"})

	var sum float64
	for _, r := range tr.Records() {
		sum += r.USD
	}
	require.InDelta(t, sum, tr.TotalUSD(), 1e-9)

	snap := tr.Snapshot()
	require.InDelta(t, 0.01, snap.ByTier[TierRoot], 1e-9)
	require.InDelta(t, 0.05, snap.ByTier[TierRecursive], 1e-9)
	require.InDelta(t, 0.05, snap.ByDepth[1], 1e-9)
	require.InDelta(t, 0.02, snap.BySession["s1"]-0.01, 1e-9)
}

func TestCheckBudgetExceeded(t *testing.T) {
	tr := NewTracker()
	tr.Record(Record{Tier: TierRoot, USD: 0.02})

	err := tr.CheckBudget("orchestrator.run", 0.01)
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.BudgetExceeded))
}

func TestCheckBudgetZeroCapAlwaysExceeded(t *testing.T) {
	tr := NewTracker()
	err := tr.CheckBudget("orchestrator.run", 0)
	require.Error(t, err)
}

func TestRemainingForTierNeverNegative(t *testing.T) {
	tr := NewTracker()
	tr.Record(Record{Tier: TierExtraction, USD: 5})
	require.Equal(t, 0.0, tr.RemainingForTier(TierExtraction, 1))
}

func TestEstimateComputesLinearCost(t *testing.T) {
	got := Estimate(1000, 500, 0.000001, 0.000002)
	require.InDelta(t, 0.002, got, 1e-9)
}
