package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteTripsOpenAfterConsecutiveFailures(t *testing.T) {
	cb := New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})

	boom := errors.New("backend unavailable")
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	}

	require.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "unreached", nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestExecuteRecoversThroughHalfOpen(t *testing.T) {
	cb := New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	_, err := cb.Execute(func() (interface{}, error) { return nil, errors.New("fail") })
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	result, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, StateClosed, cb.State())
}

func TestBillingCircuitBreakersBudgetWriterTripsIndependentlyOfFinalizeAck(t *testing.T) {
	breakers := NewBillingCircuitBreakers()

	for i := 0; i < 3; i++ {
		_, _ = breakers.BudgetWriter.Execute(func() (interface{}, error) {
			return nil, errors.New("ledger append failed")
		})
	}

	require.Equal(t, StateOpen, breakers.BudgetWriter.State())
	require.Equal(t, StateClosed, breakers.FinalizeAck.State())

	status, detail := breakers.HealthStatus()
	require.Equal(t, "DEGRADED", status)
	require.Equal(t, "OPEN", detail["budget-writer"])
}
