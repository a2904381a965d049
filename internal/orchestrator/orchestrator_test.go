package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestClampToReservedPreventsStrandedReservation is the regression case
// for a completion that runs past estimateReserve's fixed completion
// ceiling: the amount handed to Commit must never exceed what was
// actually reserved, or the residual is stuck in the reserved bucket
// forever (P4's "100 disconnects -> 0 orphans" applies just as much to
// over-length completions as to aborts).
func TestClampToReservedPreventsStrandedReservation(t *testing.T) {
	cost, clamped := clampToReserved(9000, 8000)
	require.Equal(t, uint64(8000), cost)
	require.True(t, clamped)
}

func TestClampToReservedLeavesUnderBudgetCostUntouched(t *testing.T) {
	cost, clamped := clampToReserved(3000, 8000)
	require.Equal(t, uint64(3000), cost)
	require.False(t, clamped)
}

func TestClampToReservedAtExactCeilingIsNotClamped(t *testing.T) {
	cost, clamped := clampToReserved(8000, 8000)
	require.Equal(t, uint64(8000), cost)
	require.False(t, clamped)
}
