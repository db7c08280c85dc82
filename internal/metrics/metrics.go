// Package metrics exposes request counts to Prometheus. The collector reads
// from the database on each scrape so the numbers never drift from storage.
package metrics

import (
	"context"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"reqdesk/api/internal/store"
)

var requestsDesc = prometheus.NewDesc(
	"reqdesk_requests_total",
	"Total requests by status and urgency",
	[]string{"status", "urgency"},
	nil,
)

type totalsStore interface {
	RequestTotals(ctx context.Context) ([]store.RequestTotal, error)
}

// RequestCollector is a custom Prometheus collector that reads request
// totals from the database on each scrape.
type RequestCollector struct {
	store totalsStore
}

// Describe sends the metric descriptor to the channel.
func (c *RequestCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- requestsDesc
}

// Collect queries the database for request totals and emits them as gauges.
func (c *RequestCollector) Collect(ch chan<- prometheus.Metric) {
	totals, err := c.store.RequestTotals(context.Background())
	if err != nil {
		log.Printf("metrics: collect request totals: %v", err)
		return
	}
	for _, t := range totals {
		ch <- prometheus.MustNewConstMetric(
			requestsDesc,
			prometheus.GaugeValue,
			float64(t.Count),
			t.Status,
			t.Urgency,
		)
	}
}

var initOnce sync.Once

// Init registers the custom collector. Must be called once at startup.
func Init(s totalsStore) {
	initOnce.Do(func() {
		prometheus.MustRegister(&RequestCollector{store: s})
	})
}
