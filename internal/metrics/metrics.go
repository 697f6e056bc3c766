// Package metrics publishes stage-1 routing metrics to Prometheus.
//
// Unlike a poll-based collector gathering continuously-available state at
// scrape time, stage-1 only has discrete per-call events to report: a call
// routed or failed, a tree of a given shape was discovered, a store or cache
// round-trip took some time. Collector registers ordinary CounterVec,
// Histogram, and Gauge instruments and updates them as those events happen,
// rather than implementing prometheus.Collector itself.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every instrument stage-1 exports.
type Collector struct {
	routesTotal   *prometheus.CounterVec
	routeDuration prometheus.Histogram
	treeDepth     prometheus.Histogram
	treeNodes     prometheus.Histogram
	cacheOpsTotal *prometheus.CounterVec
	storeOpsTotal *prometheus.CounterVec
	inFlightCalls prometheus.Gauge
}

// NewCollector builds and registers every stage-1 instrument against reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		routesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ywsd_stage1_routes_total",
			Help: "Routing requests handled, labeled by outcome (routed or a failure kind).",
		}, []string{"outcome"}),
		routeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ywsd_stage1_route_duration_seconds",
			Help:    "End-to-end duration of a Dispatcher.Route call.",
			Buckets: prometheus.DefBuckets,
		}),
		treeDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ywsd_stage1_tree_depth",
			Help:    "Breadth-first discovery depth of the routing tree for a call.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 12, 16, 24, 32},
		}),
		treeNodes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ywsd_stage1_tree_nodes",
			Help:    "Total number of nodes discovered in the routing tree for a call.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		}),
		cacheOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ywsd_stage1_cache_ops_total",
			Help: "Cache gateway operations, labeled by op (put/get) and result (ok/error).",
		}, []string{"op", "result"}),
		storeOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ywsd_stage1_store_ops_total",
			Help: "Store gateway operations, labeled by op and result (ok/error).",
		}, []string{"op", "result"}),
		inFlightCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ywsd_stage1_in_flight_calls",
			Help: "Routing requests currently in DISCOVERING, GENERATING, or CACHING.",
		}),
	}

	reg.MustRegister(
		c.routesTotal,
		c.routeDuration,
		c.treeDepth,
		c.treeNodes,
		c.cacheOpsTotal,
		c.storeOpsTotal,
		c.inFlightCalls,
	)
	return c
}

// RouteStarted marks a call as in flight and returns a function to call
// when it finishes, recording the outcome label and elapsed duration.
func (c *Collector) RouteStarted() func(outcome string) {
	start := time.Now()
	c.inFlightCalls.Inc()
	return func(outcome string) {
		c.inFlightCalls.Dec()
		c.routesTotal.WithLabelValues(outcome).Inc()
		c.routeDuration.Observe(time.Since(start).Seconds())
	}
}

// ObserveTree records the size and depth of a discovered routing tree.
func (c *Collector) ObserveTree(nodeCount, depth int) {
	c.treeNodes.Observe(float64(nodeCount))
	c.treeDepth.Observe(float64(depth))
}

// ObserveCacheOp records the result of a cache gateway operation.
func (c *Collector) ObserveCacheOp(op, result string) {
	c.cacheOpsTotal.WithLabelValues(op, result).Inc()
}

// ObserveStoreOp records the result of a store gateway operation.
func (c *Collector) ObserveStoreOp(op, result string) {
	c.storeOpsTotal.WithLabelValues(op, result).Inc()
}
