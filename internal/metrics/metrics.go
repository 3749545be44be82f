// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChangesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirsync_changelog_appended_total",
		Help: "Records appended to a domain changelog",
	}, []string{"domain"})

	ChangesTrimmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirsync_changelog_trimmed_total",
		Help: "Records removed by changelog trim",
	}, []string{"domain"})

	StorageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirsync_changelog_storage_retries_total",
		Help: "Transient storage failures retried",
	}, []string{"domain", "op"})

	EligibleLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dirsync_eligible_lag_seconds",
		Help: "Distance between wall clock and a domain's eligible CSN",
	}, []string{"domain"})

	DraftsAssigned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dirsync_drafts_assigned_total",
		Help: "Draft change numbers handed out",
	})

	DraftsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dirsync_drafts_purged_total",
		Help: "Draft index entries removed after trim",
	})

	LiveTailSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dirsync_live_tail_sessions",
		Help: "Open persistent search sessions",
	})

	BrokerSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dirsync_broker_sessions",
		Help: "Established broker sessions",
	})

	BrokerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirsync_broker_messages_total",
		Help: "Broker messages by direction and kind",
	}, []string{"direction", "kind"})

	InitTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirsync_init_tasks_total",
		Help: "Bulk initialization tasks by role and outcome",
	}, []string{"role", "outcome"})

	IngestedChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirsync_ingested_changes_total",
		Help: "Locally originated changes consumed from a message source",
	}, []string{"source", "outcome"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dirsync_query_duration_seconds",
		Help:    "Operational query latency",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.25, 1},
	}, []string{"type"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
