package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var ChallengesGeneratedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cerberus",
		Subsystem: "captcha",
		Name:      "challenges_generated_total",
		Help:      "Total number of CAPTCHA challenges issued.",
	},
)

var ChallengesVerifiedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cerberus",
		Subsystem: "captcha",
		Name:      "challenges_verified_total",
		Help:      "Total number of CAPTCHA verify attempts by result.",
	},
	[]string{"result"},
)

var PassportsIssuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cerberus",
		Subsystem: "passport",
		Name:      "issued_total",
		Help:      "Total number of local passports minted.",
	},
)

var ValidateRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cerberus",
		Subsystem: "gateway",
		Name:      "validate_requests_total",
		Help:      "Total admission validate requests by outcome.",
	},
	[]string{"outcome"},
)

var CircuitsBannedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cerberus",
		Subsystem: "circuits",
		Name:      "banned_total",
		Help:      "Total number of circuits banned.",
	},
)

var AmmoPoolSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "cerberus",
		Subsystem: "ammo",
		Name:      "pool_size",
		Help:      "Current number of pre-generated CAPTCHAs in the RAM pool.",
	},
)

var AmmoPoolFillPercent = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "cerberus",
		Subsystem: "ammo",
		Name:      "pool_fill_percent",
		Help:      "RAM pool fill percentage (0-100).",
	},
)

var AmmoPoolMissesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cerberus",
		Subsystem: "ammo",
		Name:      "pool_misses_total",
		Help:      "Total pool misses that fell back to inline generation.",
	},
)

var GossipPeers = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cerberus",
		Subsystem: "gossip",
		Name:      "peers",
		Help:      "Known cluster peers by health state.",
	},
	[]string{"state"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cerberus",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "path", "status"},
)

// All returns the Cerberus-specific metrics for registration.
// HTTPRequestDuration is registered by NewRegistry itself.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ChallengesGeneratedTotal,
		ChallengesVerifiedTotal,
		PassportsIssuedTotal,
		ValidateRequestsTotal,
		CircuitsBannedTotal,
		AmmoPoolSize,
		AmmoPoolFillPercent,
		AmmoPoolMissesTotal,
		GossipPeers,
	}
}

// NewRegistry creates a Prometheus registry with Go/process collectors, the
// shared HTTPRequestDuration metric, and any additional collectors passed as
// arguments.
func NewRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
