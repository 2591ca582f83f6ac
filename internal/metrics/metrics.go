package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for collaborator calls.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Alert ingestion outcomes.
const (
	AlertAccepted  = "accepted"
	AlertDuplicate = "duplicate"
	AlertMalformed = "malformed"
	AlertShed      = "queue_full"
)

// Incident lifecycle events.
const (
	IncidentCreated  = "created"
	IncidentUpdated  = "updated"
	IncidentMerged   = "merged"
	IncidentStale    = "stale"
	IncidentResolved = "resolved"
)

// LLM operations.
const (
	LLMEmbed     = "embed"
	LLMSummarize = "summarize"
)

var (
	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "correlate",
			Name:      "alerts_total",
			Help:      "Alerts handled at ingestion, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	incidentEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "correlate",
			Name:      "incident_events_total",
			Help:      "Incident state machine events.",
		},
		[]string{"event"},
	)

	semanticMergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "correlate",
			Name:      "semantic_merges_total",
			Help:      "Incident merges decided by the semantic pass.",
		},
	)

	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "correlate",
			Name:      "llm_requests_total",
			Help:      "LLM collaborator calls, partitioned by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	partitionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "correlate",
			Name:      "partition_seconds",
			Help:      "Topology partitioning latency per closed cluster.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	openClusters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "correlate",
			Name:      "open_clusters",
			Help:      "Currently open temporal clusters per tenant.",
		},
		[]string{"tenant_id"},
	)
)

// Register attaches the correlate collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		alertsTotal,
		incidentEventsTotal,
		semanticMergesTotal,
		llmRequestsTotal,
		partitionSeconds,
		openClusters,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// AlertOutcome counts one ingestion outcome.
func AlertOutcome(outcome string) {
	alertsTotal.WithLabelValues(outcome).Inc()
}

// IncidentEvent counts one incident lifecycle event.
func IncidentEvent(event string) {
	incidentEventsTotal.WithLabelValues(event).Inc()
}

// SemanticMerge counts one semantic merge decision.
func SemanticMerge() {
	semanticMergesTotal.Inc()
}

// LLMRequest counts one collaborator call.
func LLMRequest(op, outcome string) {
	llmRequestsTotal.WithLabelValues(op, outcome).Inc()
}

// ObservePartition records one topology partition duration.
func ObservePartition(d time.Duration) {
	if d < 0 {
		d = 0
	}
	partitionSeconds.Observe(d.Seconds())
}

// SetOpenClusters tracks the open cluster count for a tenant.
func SetOpenClusters(tenantID string, count int) {
	openClusters.WithLabelValues(tenantID).Set(float64(count))
}
