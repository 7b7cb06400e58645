// Package metrics exposes the Prometheus collectors of the wealth score bot.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turns counts conversation turns by the stage they started in and their result
	// (advanced, reprompt, conflict, fallback, error).
	Turns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scorebot_turns_total",
			Help: "Conversation turns by starting stage and result",
		},
		[]string{"stage", "result"},
	)

	// Finalizations counts finalization runs by outcome (done, retry, failed, exhausted).
	Finalizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scorebot_finalizations_total",
			Help: "Session finalization runs by outcome",
		},
		[]string{"outcome"},
	)

	// ExternalCallDuration observes AI, PDF and messaging calls.
	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scorebot_external_call_duration_seconds",
			Help:    "Duration of external calls made during finalization",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call", "status"},
	)

	// Inbound counts inbound messages by provider and disposition (accepted, ignored, invalid).
	Inbound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scorebot_inbound_messages_total",
			Help: "Inbound WhatsApp messages by provider and disposition",
		},
		[]string{"provider", "disposition"},
	)

	// Outbound counts outbound sends by kind (text, document) and status.
	Outbound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scorebot_outbound_messages_total",
			Help: "Outbound WhatsApp messages by kind and status",
		},
		[]string{"kind", "status"},
	)

	// Receipts counts provider delivery receipts by status.
	Receipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scorebot_receipts_total",
			Help: "Delivery receipts reported by the messaging provider",
		},
		[]string{"status"},
	)
)

// Status returns the status label for an error.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveCall records the duration of an external call started at start.
func ObserveCall(call string, start time.Time, err error) {
	ExternalCallDuration.WithLabelValues(call, Status(err)).Observe(time.Since(start).Seconds())
}
