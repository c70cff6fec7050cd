package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRegisterTwice(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestCounters(t *testing.T) {
	before := value(t, bookings.WithLabelValues("conflict"))
	IncBooking("conflict")
	IncBooking("conflict")
	assert.Equal(t, before+2, value(t, bookings.WithLabelValues("conflict")))

	beforeLedger := value(t, ledgerOps.WithLabelValues("debit", "free-hours"))
	IncLedger("debit", "free-hours")
	assert.Equal(t, beforeLedger+1, value(t, ledgerOps.WithLabelValues("debit", "free-hours")))

	assert.NotPanics(t, func() {
		IncConflict("space")
		IncSettlement("pending")
		IncSeriesOccurrence("skipped")
		IncLoanTransition("checked_out")
		IncAllocation()
		ObserveBooking(time.Now())
	})
}
