// Package metrics exposes control plane counters in Prometheus format.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vertexrelay"

// Registry holds every relay collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	configUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "config_updates_total",
			Help:      "Configuration update attempts by key and result.",
		},
		[]string{"key", "result"},
	)
	sideEffectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "side_effect_failures_total",
			Help:      "Side effects that failed after a configuration value was applied.",
		},
		[]string{"key", "effect"},
	)
	reinitOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "reinit_total",
			Help:      "Backend client re-initializations by outcome.",
		},
		[]string{"outcome"},
	)
	reinitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "reinit_duration_seconds",
			Help:      "Time spent building a backend client.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		},
	)
	credentialCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "credentials",
			Name:      "entries",
			Help:      "Credentials in the pool by provenance.",
		},
		[]string{"provenance"},
	)
	recordedCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "calls_total",
			Help:      "Upstream calls recorded by the stats aggregator.",
		},
	)
	recordedTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "tokens_total",
			Help:      "Tokens recorded by the stats aggregator.",
		},
	)
	statsResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "resets_total",
			Help:      "Operator stats resets.",
		},
	)
)

var registerOnce sync.Once

// Register adds all collectors to Registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			configUpdates,
			sideEffectFailures,
			reinitOutcomes,
			reinitDuration,
			credentialCount,
			recordedCalls,
			recordedTokens,
			statsResets,
		)
	})
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// RecordConfigUpdate counts one update attempt; result is "ok" or an error class.
func RecordConfigUpdate(key, result string) {
	configUpdates.WithLabelValues(key, result).Inc()
}

// RecordSideEffectFailure counts a side effect that failed after apply.
func RecordSideEffectFailure(key, effect string) {
	sideEffectFailures.WithLabelValues(key, effect).Inc()
}

// RecordReinit counts one re-initialization; outcome is "ok" or "failed".
func RecordReinit(outcome string, seconds float64) {
	reinitOutcomes.WithLabelValues(outcome).Inc()
	reinitDuration.Observe(seconds)
}

// SetCredentialCount publishes the pool size for one provenance.
func SetCredentialCount(provenance string, n int) {
	credentialCount.WithLabelValues(provenance).Set(float64(n))
}

// RecordCall counts one recorded upstream call.
func RecordCall(tokens int64) {
	recordedCalls.Inc()
	if tokens > 0 {
		recordedTokens.Add(float64(tokens))
	}
}

// RecordStatsReset counts one operator reset.
func RecordStatsReset() {
	statsResets.Inc()
}
