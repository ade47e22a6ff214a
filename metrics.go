package understory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "understory"

// metrics holds the cache's Prometheus families. Registration happens
// once per Cache against the configured Registerer.
type metrics struct {
	hits       *prometheus.CounterVec
	misses     prometheus.Counter
	promotions *prometheus.CounterVec
	demotions  *prometheus.CounterVec
	evictions  prometheus.Counter
	recoveries prometheus.Counter
	superseded prometheus.Counter

	encodeSeconds prometheus.Histogram
	decodeSeconds prometheus.Histogram

	tierBytes *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		hits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hits_total",
			Help:      "Cache hits by the tier the entry was found in.",
		}, []string{"tier"}),
		misses: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "misses_total",
			Help:      "Lookups that no tier could serve.",
		}),
		promotions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "promotions_total",
			Help:      "Entries promoted to Hot by originating tier.",
		}, []string{"from"}),
		demotions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "demotions_total",
			Help:      "Entries demoted by tier edge.",
		}, []string{"from", "to"}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Entries removed from every tier.",
		}),
		recoveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recoveries_total",
			Help:      "Trees rebuilt from retained source after a decode failure.",
		}),
		superseded: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "superseded_total",
			Help:      "Installs rejected because a newer version won.",
		}),
		encodeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "encode_duration_seconds",
			Help:      "Time to parse and encode a document.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
		}),
		decodeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "decode_duration_seconds",
			Help:      "Time to materialize a tree on promotion.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
		}),
		tierBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tier_bytes",
			Help:      "Resident bytes per in-memory tier.",
		}, []string{"tier"}),
	}
}
