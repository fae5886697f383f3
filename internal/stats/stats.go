// Package stats derives a read-only snapshot of the hub.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/KKKKjl/pushkit/internal/hub"
)

type Snapshot struct {
	OpenConnections int            `json:"openConnections"`
	TopicCounts     map[string]int `json:"topicCounts"`
}

// Collector reads the hub at call time and keeps no state of its own. It
// also implements prometheus.Collector so scrapes see the same numbers.
type Collector struct {
	hub *hub.Hub

	connectionsDesc *prometheus.Desc
	topicsDesc      *prometheus.Desc
	subscribersDesc *prometheus.Desc
}

func New(h *hub.Hub) *Collector {
	return &Collector{
		hub: h,
		connectionsDesc: prometheus.NewDesc(
			"pushkit_open_connections", "Currently open streams.", nil, nil),
		topicsDesc: prometheus.NewDesc(
			"pushkit_topics", "Topics with at least one subscriber.", nil, nil),
		subscribersDesc: prometheus.NewDesc(
			"pushkit_subscriptions", "Total subscriptions across all topics.", nil, nil),
	}
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		OpenConnections: c.hub.Len(),
		TopicCounts:     c.hub.TopicCounts(),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectionsDesc
	ch <- c.topicsDesc
	ch <- c.subscribersDesc
}

// Collect exports totals only, per-topic labels would be unbounded.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.Snapshot()

	var subs int
	for _, n := range snap.TopicCounts {
		subs += n
	}

	ch <- prometheus.MustNewConstMetric(c.connectionsDesc, prometheus.GaugeValue, float64(snap.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.topicsDesc, prometheus.GaugeValue, float64(len(snap.TopicCounts)))
	ch <- prometheus.MustNewConstMetric(c.subscribersDesc, prometheus.GaugeValue, float64(subs))
}
