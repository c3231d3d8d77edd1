package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/model"
)

// ConnectionCollector tracks how many connections sit in each lifecycle
// state and how many have an active data plane. Feed it every persisted
// record through Observe.
type ConnectionCollector struct {
	Connections     *prometheus.GaugeVec
	DataPlaneActive prometheus.Gauge

	mu     sync.Mutex
	states map[string]core.LifecycleState
	active map[string]bool
}

// NewConnectionCollector registers connection gauges against the provided
// registerer.
func NewConnectionCollector(reg prometheus.Registerer) (*ConnectionCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	connections := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nsi_connections",
		Help: "Current number of connections, labeled by lifecycle state.",
	}, []string{"lifecycle"})
	connections, err := registerGaugeVec(reg, connections, "nsi_connections")
	if err != nil {
		return nil, err
	}
	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nsi_connections_data_plane_active",
		Help: "Current number of connections with an active data plane.",
	}), "nsi_connections_data_plane_active")
	if err != nil {
		return nil, err
	}

	for _, s := range core.LifecycleStates() {
		connections.WithLabelValues(string(s)).Set(0)
	}
	return &ConnectionCollector{
		Connections:     connections,
		DataPlaneActive: active,
		states:          make(map[string]core.LifecycleState),
		active:          make(map[string]bool),
	}, nil
}

// Observe accounts for the latest persisted version of c.
func (c *ConnectionCollector) Observe(rec *model.Connection) {
	if c == nil || rec == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.states[rec.ConnectionID]; ok {
		if prev == rec.States.Lifecycle && c.active[rec.ConnectionID] == rec.States.DataPlane.Active {
			return
		}
		c.Connections.WithLabelValues(string(prev)).Dec()
	}
	c.states[rec.ConnectionID] = rec.States.Lifecycle
	c.Connections.WithLabelValues(string(rec.States.Lifecycle)).Inc()

	if c.active[rec.ConnectionID] != rec.States.DataPlane.Active {
		if rec.States.DataPlane.Active {
			c.DataPlaneActive.Inc()
		} else {
			c.DataPlaneActive.Dec()
		}
	}
	c.active[rec.ConnectionID] = rec.States.DataPlane.Active
}

// Forget drops a purged connection from the gauges.
func (c *ConnectionCollector) Forget(connectionID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.states[connectionID]; ok {
		c.Connections.WithLabelValues(string(prev)).Dec()
		delete(c.states, connectionID)
	}
	if c.active[connectionID] {
		c.DataPlaneActive.Dec()
	}
	delete(c.active, connectionID)
}
