package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

// FleetCollector reports worker counts per state at scrape time, plus the
// async queue depth when a depth function is provided.
type FleetCollector struct {
	snapshot   func() []fleet.WorkerNode
	queueDepth func() int

	workers *prometheus.Desc
	busy    *prometheus.Desc
	drained *prometheus.Desc
	queue   *prometheus.Desc
}

// NewFleetCollector builds a collector over a registry snapshot function;
// queueDepth may be nil.
func NewFleetCollector(snapshot func() []fleet.WorkerNode, queueDepth func() int) *FleetCollector {
	return &FleetCollector{
		snapshot:   snapshot,
		queueDepth: queueDepth,
		workers: prometheus.NewDesc("fleet_workers",
			"Registered workers partitioned by state.", []string{"state"}, nil),
		busy: prometheus.NewDesc("fleet_workers_busy",
			"Workers currently running a job.", nil, nil),
		drained: prometheus.NewDesc("fleet_workers_drained",
			"Workers removed from rotation.", nil, nil),
		queue: prometheus.NewDesc("fleet_async_queue_depth",
			"Async jobs waiting for a runner.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *FleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workers
	ch <- c.busy
	ch <- c.drained
	if c.queueDepth != nil {
		ch <- c.queue
	}
}

// Collect implements prometheus.Collector.
func (c *FleetCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[fleet.State]int{
		fleet.StateHealthy:     0,
		fleet.StateDegraded:    0,
		fleet.StateCircuitOpen: 0,
		fleet.StateRecycling:   0,
	}
	var busy, drained int
	for _, n := range c.snapshot() {
		counts[n.State]++
		if n.InFlight {
			busy++
		}
		if n.Drained {
			drained++
		}
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(n), string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.busy, prometheus.GaugeValue, float64(busy))
	ch <- prometheus.MustNewConstMetric(c.drained, prometheus.GaugeValue, float64(drained))
	if c.queueDepth != nil {
		ch <- prometheus.MustNewConstMetric(c.queue, prometheus.GaugeValue, float64(c.queueDepth()))
	}
}
