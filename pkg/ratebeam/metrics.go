package ratebeam

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's Prometheus instruments. Pass one to WithMetrics
// to enable instrumentation; without it the client records nothing.
type Metrics struct {
	CacheHits           *prometheus.CounterVec
	CacheMisses         *prometheus.CounterVec
	RemoteFetches       *prometheus.CounterVec
	RemoteFetchErrors   *prometheus.CounterVec
	RemoteFetchDuration prometheus.Histogram
	TokensGranted       prometheus.Counter
	LiveBuckets         prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratebeam_cache_hits_total",
				Help: "Consume calls served from the local token cache",
			},
			[]string{"target"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratebeam_cache_misses_total",
				Help: "Consume calls that could not be served locally",
			},
			[]string{"target"},
		),
		RemoteFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratebeam_remote_fetches_total",
				Help: "Token batch fetches issued to the RateBeam API",
			},
			[]string{"target"},
		),
		RemoteFetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratebeam_remote_fetch_errors_total",
				Help: "Failed token batch fetches by error kind",
			},
			[]string{"kind"},
		),
		RemoteFetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ratebeam_remote_fetch_duration_seconds",
				Help:    "Token batch fetch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		TokensGranted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ratebeam_tokens_granted_total",
				Help: "Tokens granted by the RateBeam API",
			},
		),
		LiveBuckets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratebeam_live_buckets",
				Help: "Token buckets currently held in the local cache",
			},
		),
	}

	reg.MustRegister(
		m.CacheHits, m.CacheMisses,
		m.RemoteFetches, m.RemoteFetchErrors, m.RemoteFetchDuration,
		m.TokensGranted, m.LiveBuckets,
	)
	return m
}
