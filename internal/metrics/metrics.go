package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcontent_transitions_total",
			Help: "State transitions by operation and result (ok/error)",
		},
		[]string{"op", "result"},
	)
	StatusLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcontent_status_lookups_total",
			Help: "Status lookups by resolved status",
		},
		[]string{"status"},
	)
	RecordWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcontent_record_writes_total",
			Help: "Knowledge base writes issued by the reconciler",
		},
		[]string{"kind", "action"},
	)
	APIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webcontent_api_duration_seconds",
			Help:    "Latency of /v1/content endpoints",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"endpoint"},
	)
	StoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webcontent_store_duration_seconds",
			Help:    "Latency of knowledge base calls",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"op"},
	)
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcontent_rate_limit_hits_total",
			Help: "Requests rejected by the per-IP write guard",
		},
		[]string{"endpoint"},
	)
	TAXIIImported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcontent_taxii_imported_total",
			Help: "Indicators imported from TAXII peers",
		},
		[]string{"peer", "result"},
	)
	EventPublishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webcontent_event_publish_errors_total",
			Help: "Transition events that failed to publish",
		},
	)
	StoreCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webcontent_store_circuit_state",
			Help: "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)
	StoreCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcontent_store_circuit_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)
	StoreCircuitOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcontent_store_circuit_opens_total",
			Help: "Times the circuit breaker opened",
		},
		[]string{"backend"},
	)
	StoreCircuitHalfOpenProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcontent_store_circuit_half_open_probes_total",
			Help: "Probe requests allowed while half-open",
		},
		[]string{"backend"},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "webcontent_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		Transitions, StatusLookups, RecordWrites, APIDuration, StoreDuration, RateLimitHits,
		TAXIIImported, EventPublishErrors,
		StoreCircuitState, StoreCircuitTransitions, StoreCircuitOpens, StoreCircuitHalfOpenProbes,
		BuildInfo,
	)
}
