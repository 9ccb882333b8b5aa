// Package metrics holds the Prometheus collectors for notification delivery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery results used as the "result" label.
const (
	ResultDelivered      = "delivered"
	ResultRejected       = "rejected"
	ResultTransportError = "transport_error"
	ResultInvalid        = "invalid_request"
)

// Collector records one observation per dispatched notification.
type Collector struct {
	deliveries *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apns",
			Name:      "deliveries_total",
			Help:      "Notifications dispatched to APNs, by environment and result.",
		}, []string{"environment", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apns",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent signing, encoding and sending one notification.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"environment"}),
	}
	reg.MustRegister(c.deliveries, c.latency)
	return c
}

// ObserveDelivery counts one result for environment and records its duration.
func (c *Collector) ObserveDelivery(environment, result string, elapsed time.Duration) {
	c.deliveries.WithLabelValues(environment, result).Inc()
	c.latency.WithLabelValues(environment).Observe(elapsed.Seconds())
}

// Deliveries exposes the counter for tests.
func (c *Collector) Deliveries() *prometheus.CounterVec {
	return c.deliveries
}
