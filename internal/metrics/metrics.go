package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsIngestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_events_ingested_total",
		Help: "Total number of raw records accepted per source kind",
	}, []string{"source"})
	normalizationErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_normalization_errors_total",
		Help: "Total number of malformed records rejected per source kind",
	}, []string{"source"})
	ingestShedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "argus_ingest_shed_total",
		Help: "Total number of buffered records dropped oldest-first while the store was unavailable",
	})
	eventsScoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "argus_events_scored_total",
		Help: "Total number of events annotated by the anomaly scorer",
	})
	lowConfidenceScoresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "argus_low_confidence_scores_total",
		Help: "Total number of events scored with degraded confidence",
	})
	scanTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_scan_transitions_total",
		Help: "Total number of scan status transitions per terminal status",
	}, []string{"status"})
	alertsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "argus_alerts_open",
		Help: "Number of alerts currently active or investigating",
	})
	subscribersDegradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "argus_subscribers_degraded_total",
		Help: "Total number of times a subscriber backlog overflowed and forced a resync",
	})
	changesPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "argus_changes_published_total",
		Help: "Total number of change records appended to the broadcast feed",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		eventsIngestedTotal,
		normalizationErrorsTotal,
		ingestShedTotal,
		eventsScoredTotal,
		lowConfidenceScoresTotal,
		scanTransitionsTotal,
		alertsOpen,
		subscribersDegradedTotal,
		changesPublishedTotal,
	)
}

// IncIngested increments the accepted records counter for a source kind.
func IncIngested(source string) { eventsIngestedTotal.WithLabelValues(source).Inc() }

// IncNormalizationError increments the malformed records counter for a source kind.
func IncNormalizationError(source string) { normalizationErrorsTotal.WithLabelValues(source).Inc() }

// IncShed increments the counted-loss shed counter.
func IncShed() { ingestShedTotal.Inc() }

// IncScored increments the scored events counter.
func IncScored() { eventsScoredTotal.Inc() }

// IncLowConfidence increments the degraded-confidence score counter.
func IncLowConfidence() { lowConfidenceScoresTotal.Inc() }

// IncScanTransition increments the transition counter for a scan status.
func IncScanTransition(status string) { scanTransitionsTotal.WithLabelValues(status).Inc() }

// SetAlertsOpen records the current number of unresolved alerts.
func SetAlertsOpen(n int) { alertsOpen.Set(float64(n)) }

// IncSubscriberDegraded increments the backlog overflow counter.
func IncSubscriberDegraded() { subscribersDegradedTotal.Inc() }

// IncChangePublished increments the broadcast feed counter.
func IncChangePublished() { changesPublishedTotal.Inc() }
