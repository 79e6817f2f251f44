// Package metrics exposes the daemon's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EventsDecoded        *prometheus.CounterVec
	DecodeAnomalies      prometheus.Counter
	UnmatchedToolResults prometheus.Counter
	Approvals            *prometheus.CounterVec
	ThreadsRunning       prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prismd_events_decoded_total",
			Help: "Stream events decoded, by kind.",
		}, []string{"kind"}),
		DecodeAnomalies: factory.NewCounter(prometheus.CounterOpts{
			Name: "prismd_decode_anomalies_total",
			Help: "Lines that did not match the stream protocol.",
		}),
		UnmatchedToolResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "prismd_unmatched_tool_results_total",
			Help: "Tool results referencing an unknown tool call id.",
		}),
		Approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prismd_approvals_total",
			Help: "Permission decisions, by outcome.",
		}, []string{"decision"}),
		ThreadsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prismd_threads_running",
			Help: "Threads currently in the running state.",
		}),
	}
}
