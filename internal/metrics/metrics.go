package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the core's observable surface for traffic that fails quietly
// into the retry queue: sweep outcomes show up here, not as hard errors.
type Metrics struct {
	PendingMessages prometheus.Gauge
	SweepRuns       prometheus.Counter
	SweepFailures   prometheus.Counter
	MessagesSynced  prometheus.Counter
	SamplesSynced   prometheus.Counter
	SOSTriggered    prometheus.Counter
}

// New registers the core's collectors on reg. Pass nil to keep the metrics
// unregistered (tests, hosts without a scrape endpoint).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		PendingMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hikerlink",
			Name:      "messages_pending",
			Help:      "Messages still owing their cloud sync leg.",
		}),
		SweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hikerlink",
			Name:      "sweep_runs_total",
			Help:      "Recovery sweep passes executed.",
		}),
		SweepFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hikerlink",
			Name:      "sweep_failures_total",
			Help:      "Individual message sync failures during sweeps.",
		}),
		MessagesSynced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hikerlink",
			Name:      "messages_synced_total",
			Help:      "Messages that reached the cloud store.",
		}),
		SamplesSynced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hikerlink",
			Name:      "location_samples_synced_total",
			Help:      "Location samples delivered in cloud batches.",
		}),
		SOSTriggered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hikerlink",
			Name:      "sos_triggered_total",
			Help:      "Emergency escalations that fired (not cancelled).",
		}),
	}
}
