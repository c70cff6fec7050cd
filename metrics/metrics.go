// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rehearsal"

var (
	once sync.Once

	bookings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_total",
			Help:      "Booking attempts by result.",
		},
		[]string{"result"},
	)

	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_conflicts_total",
			Help:      "Rejected windows by claim namespace.",
		},
		[]string{"namespace"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Charges written by resulting status.",
		},
		[]string{"status"},
	)

	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger credits and debits by credit type.",
		},
		[]string{"op", "credit_type"},
	)

	seriesOccurrences = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "series_occurrences_total",
			Help:      "Series expansion outcomes per occurrence.",
		},
		[]string{"outcome"},
	)

	loanTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_transitions_total",
			Help:      "Equipment loan transitions by target state.",
		},
		[]string{"to"},
	)

	allocationsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_applied_total",
			Help:      "Recurring credit allocations granted.",
		},
	)

	bookingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "booking_duration_seconds",
			Help:      "Time spent in the booking transaction.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers the collectors with the default registry. Safe to call
// multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			bookings, conflicts, settlements, ledgerOps,
			seriesOccurrences, loanTransitions, allocationsApplied, bookingDuration,
		)
	})
}

func IncBooking(result string) { bookings.WithLabelValues(result).Inc() }

func IncConflict(namespace string) { conflicts.WithLabelValues(namespace).Inc() }

func IncSettlement(status string) { settlements.WithLabelValues(status).Inc() }

func IncLedger(op, creditType string) { ledgerOps.WithLabelValues(op, creditType).Inc() }

func IncSeriesOccurrence(outcome string) { seriesOccurrences.WithLabelValues(outcome).Inc() }

func IncLoanTransition(to string) { loanTransitions.WithLabelValues(to).Inc() }

func IncAllocation() { allocationsApplied.Inc() }

// ObserveBooking records the time elapsed since start.
func ObserveBooking(start time.Time) { bookingDuration.Observe(time.Since(start).Seconds()) }
