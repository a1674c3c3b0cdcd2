package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store gauges, refreshed by the Collector.
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apiary_tasks_total",
			Help: "Tasks in the store by status",
		},
		[]string{"status"},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apiary_agents_total",
			Help: "Registered agents by status",
		},
		[]string{"status"},
	)

	LeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_leases_active",
			Help: "File leases currently held and unexpired",
		},
	)

	LeasesExpired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_leases_expired",
			Help: "File leases past their deadline and not yet swept",
		},
	)

	ChangelogEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_changelog_entries",
			Help: "Rows currently kept in the change log",
		},
	)

	ChangelogVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_changelog_version",
			Help: "Highest sync version recorded in the change log",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_offline_queue_depth",
			Help: "Changes waiting in the offline queue",
		},
	)

	QueueOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_queue_online",
			Help: "1 when the sync peer is considered reachable",
		},
	)

	MessagesUnacked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_messages_unacked",
			Help: "Messages that require an acknowledgement and have none",
		},
	)

	GovernorCycles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apiary_governor_cycles",
			Help: "Work cycles reported to the governor this run",
		},
	)

	// Scheduler counters, incremented at claim time.
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiary_claims_total",
			Help: "Claim attempts by outcome (won or lost)",
		},
		[]string{"outcome"},
	)

	// Bus counters, incremented as messages move.
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiary_messages_published_total",
			Help: "Messages published by kind (direct or broadcast)",
		},
		[]string{"kind"},
	)

	MessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_messages_delivered_total",
			Help: "Delivery marks recorded by receivers",
		},
	)

	MessagesAcked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_messages_acked_total",
			Help: "Acknowledgements recorded by receivers",
		},
	)

	// Sync counters and timings, recorded by the syncer.
	SyncBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiary_sync_batches_total",
			Help: "Sync batches exchanged with the edge by direction",
		},
		[]string{"direction"},
	)

	SyncConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apiary_sync_conflicts_total",
			Help: "Conflicts hit while pushing or applying remote changes",
		},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apiary_sync_duration_seconds",
			Help:    "Wall time of one full sync cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Claim outcomes used with ClaimsTotal.
const (
	ClaimWon  = "won"
	ClaimLost = "lost"
)

// Message kinds used with MessagesPublished.
const (
	KindDirect    = "direct"
	KindBroadcast = "broadcast"
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(LeasesActive)
	prometheus.MustRegister(LeasesExpired)
	prometheus.MustRegister(ChangelogEntries)
	prometheus.MustRegister(ChangelogVersion)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueOnline)
	prometheus.MustRegister(MessagesUnacked)
	prometheus.MustRegister(GovernorCycles)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(MessagesDelivered)
	prometheus.MustRegister(MessagesAcked)
	prometheus.MustRegister(SyncBatches)
	prometheus.MustRegister(SyncConflicts)
	prometheus.MustRegister(SyncDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
