// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery of pending records to the remote channel.
var (
	DeliveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_delivery_attempts_total",
		Help: "Delivery attempts by record kind and outcome",
	}, []string{"kind", "outcome"}) // outcome: ok, error

	DeliveryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_delivery_exhausted_total",
		Help: "Records marked failed after running out of attempts",
	}, []string{"kind"})

	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_delivery_duration_seconds",
		Help:    "Time from first attempt to final outcome of a record",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_retries_total",
		Help: "Explicit retries requested for failed records",
	}, []string{"kind"})
)

// Drain cycles.
var (
	DrainsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_drains_total",
		Help: "Drain cycles by trigger",
	}, []string{"trigger"})

	PendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_pending_records",
		Help: "Records awaiting delivery",
	})

	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_online",
		Help: "1 when the remote channel is reachable",
	})
)

// Reconciliation of remote changes.
var (
	ReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_reconciled_total",
		Help: "Remote change notifications folded into the store",
	}, []string{"kind", "result"}) // result: inserted, updated, duplicate, ignored, error
)

// Presence.
var (
	TypingWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_typing_writes_total",
		Help: "Typing indicator writes by result",
	}, []string{"result"}) // result: sent, throttled, cleared, error
)
