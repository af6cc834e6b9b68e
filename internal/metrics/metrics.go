// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SignalsProcessed counts accepted (non-duplicate) signals.
	SignalsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulz_signals_processed_total",
		Help: "Total number of signals accepted by the mission engine",
	})

	// SignalsDeduplicated counts signals skipped as already known.
	SignalsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulz_signals_deduplicated_total",
		Help: "Total number of duplicate signals skipped",
	})

	// ProposalsCreated counts drafted proposals by initial status.
	ProposalsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulz_proposals_created_total",
		Help: "Total number of proposals created, by initial status",
	}, []string{"status"})

	// ExecutionsFinished counts executions reaching a terminal status.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulz_executions_finished_total",
		Help: "Total number of executions reaching a terminal status, by lane and status",
	}, []string{"lane", "status"})

	// TokensUsed counts model tokens by provider tag.
	TokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulz_tokens_used_total",
		Help: "Total model tokens consumed, by provider",
	}, []string{"provider"})

	// ConnectorErrors counts trapped connector failures by source.
	ConnectorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulz_connector_errors_total",
		Help: "Total transient connector failures, by source",
	}, []string{"source"})

	// MissionRunning is 1 while a mission loop is live.
	MissionRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulz_mission_running",
		Help: "Whether a mission is currently running",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
