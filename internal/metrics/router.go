package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay low-cardinality: no event, camera or rule ids.

var (
	EventsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_events_ingested_total",
		Help: "Events emitted by the source adapters",
	}, []string{"source"})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_events_dropped_total",
		Help: "Events skipped by the source adapters",
	}, []string{"source", "reason"})

	SourcePollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_source_polls_total",
		Help: "Frigate poll cycles",
	}, []string{"result"})

	PipelineQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "router_pipeline_queue_depth",
		Help: "Events waiting for a routing worker",
	})

	RoutingDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_routing_decisions_total",
		Help: "Routing outcomes",
	}, []string{"result"})

	RoutingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_routing_latency_seconds",
		Help:    "Time to produce a routing decision",
		Buckets: prometheus.DefBuckets,
	})

	RuleSetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "router_rules_active",
		Help: "Enabled rules in the current snapshot",
	})

	RuleWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_rule_writes_total",
		Help: "Rule store writes",
	}, []string{"op", "result"})

	DispatchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_dispatch_attempts_total",
		Help: "Dispatch attempts by destination and outcome",
	}, []string{"destination", "result"})

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "router_dispatch_attempt_seconds",
		Help:    "Duration of a single dispatch attempt",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"destination"})

	DispatchInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "router_dispatch_inflight",
		Help: "Dispatch attempts currently holding a concurrency slot",
	})

	BusPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_bus_publish_total",
		Help: "Decision and attempt notifications published",
	}, []string{"kind", "result"})

	UpstreamUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "router_upstream_up",
		Help: "1 when the last probe of an upstream succeeded",
	}, []string{"upstream"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_http_requests_total",
		Help: "API requests by route pattern and status class",
	}, []string{"route", "code"})
)
