// Package metrics exposes the Prometheus counters and histograms the
// retrieval, ranking and routing stages increment as they run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry groups every metric the pipeline emits so callers only need to
// thread one value through instead of a handful of package-level globals.
type Registry struct {
	RetrievalRequests  *prometheus.CounterVec
	RetrievalLatency   *prometheus.HistogramVec
	RankerItemsScored  prometheus.Counter
	RankerEarlySends   prometheus.Counter
	ToolRouteSelected  *prometheus.CounterVec
	FastTrackAborted   prometheus.Counter
}

// NewRegistry constructs and registers every metric against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		RetrievalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlweb",
			Subsystem: "retrieval",
			Name:      "requests_total",
			Help:      "Retrieval backend calls, labeled by backend and outcome.",
		}, []string{"backend", "outcome"}),
		RetrievalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nlweb",
			Subsystem: "retrieval",
			Name:      "latency_seconds",
			Help:      "Retrieval backend call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		RankerItemsScored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nlweb",
			Subsystem: "ranker",
			Name:      "items_scored_total",
			Help:      "Items passed through the ranker LLM call.",
		}),
		RankerEarlySends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nlweb",
			Subsystem: "ranker",
			Name:      "early_sends_total",
			Help:      "Times the ranker flushed results ahead of the normal batch boundary.",
		}),
		ToolRouteSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nlweb",
			Subsystem: "router",
			Name:      "tool_selected_total",
			Help:      "Tool router selections, labeled by tool name.",
		}, []string{"tool"}),
		FastTrackAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nlweb",
			Subsystem: "precheck",
			Name:      "fast_track_aborted_total",
			Help:      "Times fast-track results were discarded after the slow path won.",
		}),
	}

	reg.MustRegister(
		m.RetrievalRequests,
		m.RetrievalLatency,
		m.RankerItemsScored,
		m.RankerEarlySends,
		m.ToolRouteSelected,
		m.FastTrackAborted,
	)

	return m
}
