package prefork

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes one service's drone-pool occupancy as Prometheus gauges.
// A nil *Metrics is valid and simply discards every report.
type Metrics struct {
	current *prometheus.GaugeVec
	idle    *prometheus.GaugeVec
	active  *prometheus.GaugeVec
	backlog *prometheus.GaugeVec
}

// NewMetrics builds the gauge vectors and, if reg is non-nil, registers
// them. Pass prometheus.DefaultRegisterer to expose them on the default
// /metrics handler, or a dedicated registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		current: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opensrf_prefork_children",
			Help: "Current number of live drone children.",
		}, []string{"service"}),
		idle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opensrf_prefork_idle_children",
			Help: "Drone children currently idle.",
		}, []string{"service"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opensrf_prefork_active_children",
			Help: "Drone children currently serving a request.",
		}, []string{"service"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opensrf_prefork_backlog",
			Help: "Requests queued waiting for an idle drone.",
		}, []string{"service"}),
	}
	if reg != nil {
		reg.MustRegister(m.current, m.idle, m.active, m.backlog)
	}
	return m
}

func (m *Metrics) report(service string, current, idle, active, backlog int) {
	if m == nil {
		return
	}
	m.current.WithLabelValues(service).Set(float64(current))
	m.idle.WithLabelValues(service).Set(float64(idle))
	m.active.WithLabelValues(service).Set(float64(active))
	m.backlog.WithLabelValues(service).Set(float64(backlog))
}
