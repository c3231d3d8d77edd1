package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/supa/internal/dispatch"
)

var _ dispatch.Metrics = (*DispatchCollector)(nil)

// DispatchCollector exposes reply dispatcher metrics. It satisfies
// dispatch.Metrics.
type DispatchCollector struct {
	PendingReplies prometheus.Gauge
	// Notifications is labeled by operation and result (delivered, failed,
	// recorded).
	Notifications *prometheus.CounterVec
}

// NewDispatchCollector registers dispatcher metrics against the provided registerer.
func NewDispatchCollector(reg prometheus.Registerer) (*DispatchCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_pending_replies",
		Help: "Replies registered and not yet resolved.",
	}), "dispatch_pending_replies")
	if err != nil {
		return nil, err
	}

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_notifications_total",
		Help: "Asynchronous notifications, labeled by operation and result.",
	}, []string{"operation", "result"})
	notifications, err = registerCounterVec(reg, notifications, "dispatch_notifications_total")
	if err != nil {
		return nil, err
	}

	return &DispatchCollector{
		PendingReplies: pending,
		Notifications:  notifications,
	}, nil
}

func (c *DispatchCollector) SetPending(n int) {
	if c == nil || c.PendingReplies == nil {
		return
	}
	c.PendingReplies.Set(float64(n))
}

func (c *DispatchCollector) Delivered(op string)      { c.inc(op, "delivered") }
func (c *DispatchCollector) DeliveryFailed(op string) { c.inc(op, "failed") }
func (c *DispatchCollector) Recorded(op string)       { c.inc(op, "recorded") }

func (c *DispatchCollector) inc(op, result string) {
	if c == nil || c.Notifications == nil {
		return
	}
	c.Notifications.WithLabelValues(op, result).Inc()
}
