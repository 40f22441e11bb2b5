package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DeliveryCollector exposes end-to-end delivery counters of a simulation run.
type DeliveryCollector struct {
	gatherer prometheus.Gatherer

	Delivered     prometheus.Counter
	Duplicates    prometheus.Counter
	Lost          prometheus.Counter
	PendingEvents prometheus.Gauge
}

// NewDeliveryCollector registers delivery metrics against the provided registerer.
func NewDeliveryCollector(reg prometheus.Registerer) (*DeliveryCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	delivered, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_units_delivered_total",
		Help: "Data units received by simulated devices for the first time.",
	}), "sim_units_delivered_total")
	if err != nil {
		return nil, err
	}
	duplicates, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_units_duplicated_total",
		Help: "Data units received by simulated devices more than once.",
	}), "sim_units_duplicated_total")
	if err != nil {
		return nil, err
	}
	lost, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_units_lost_total",
		Help: "Data units sent by the core and never received by a device.",
	}), "sim_units_lost_total")
	if err != nil {
		return nil, err
	}
	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_scheduler_pending_events",
		Help: "Events waiting in the simulation scheduler.",
	}), "sim_scheduler_pending_events")
	if err != nil {
		return nil, err
	}

	return &DeliveryCollector{
		gatherer:      gatherer,
		Delivered:     delivered,
		Duplicates:    duplicates,
		Lost:          lost,
		PendingEvents: pending,
	}, nil
}

// ObserveDelivery counts a unit received by a device.
func (c *DeliveryCollector) ObserveDelivery(duplicate bool) {
	if c == nil {
		return
	}
	if duplicate {
		c.Duplicates.Inc()
		return
	}
	c.Delivered.Inc()
}

// AddLost counts units that never reached their device.
func (c *DeliveryCollector) AddLost(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Lost.Add(float64(n))
}

// SetPendingEvents updates the scheduler queue depth gauge.
func (c *DeliveryCollector) SetPendingEvents(n int) {
	if c == nil {
		return
	}
	c.PendingEvents.Set(float64(n))
}
