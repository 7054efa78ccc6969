// Package metrics exports engine events as prometheus metrics
package metrics

import (
	"net/http"

	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all prometheus metrics, it implements engine.Observer
type Metrics struct {
	// FSM metrics
	fsmEvents *prometheus.CounterVec
	fsmDead   *prometheus.CounterVec

	// auth metrics
	authTotal *prometheus.CounterVec

	// link and bundle metrics
	links   prometheus.Gauge
	bundles prometheus.Gauge

	reg    *prometheus.Registry
	logger *zap.Logger
}

// New creates a new Metrics instance with its own registry
func New(logger *zap.Logger) *Metrics {
	return &Metrics{
		reg:    prometheus.NewRegistry(),
		logger: logger.Named("metrics"),

		fsmEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zoumlppp_fsm_events_total",
				Help: "Total FSM events by protocol and event",
			},
			[]string{"proto", "event"},
		),

		fsmDead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zoumlppp_fsm_dead_total",
				Help: "Total FSMs finished by protocol and reason",
			},
			[]string{"proto", "reason"},
		),

		authTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zoumlppp_auth_total",
				Help: "Total authentications by type, direction and result",
			},
			[]string{"type", "dir", "result"},
		),

		links: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zoumlppp_links",
				Help: "Number of links",
			},
		),

		bundles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zoumlppp_bundles",
				Help: "Number of bundles",
			},
		),
	}
}

// Register registers all metrics with the registry of m
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.fsmEvents,
		m.fsmDead,
		m.authTotal,
		m.links,
		m.bundles,
	}
	for _, c := range collectors {
		if err := m.reg.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler returns the prometheus HTTP handler of m's registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer returns the registry of m
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.reg
}

// --- engine.Observer ---

// FSMEvent records an FSM event
func (m *Metrics) FSMEvent(proto string, ev lcp.Event, from, to lcp.State) {
	m.fsmEvents.WithLabelValues(proto, ev.String()).Inc()
}

// FSMDead records a finished FSM
func (m *Metrics) FSMDead(proto string, r lcp.Reason) {
	m.fsmDead.WithLabelValues(proto, r.Kind.String()).Inc()
}

// AuthDone records an authentication result
func (m *Metrics) AuthDone(r auth.Result) {
	result := "failed"
	if r.OK {
		result = "ok"
	}
	m.authTotal.WithLabelValues(r.Type.String(), r.Dir.String(), result).Inc()
}

// LinkCount sets the number of links
func (m *Metrics) LinkCount(n int) {
	m.links.Set(float64(n))
}

// BundleCount sets the number of bundles
func (m *Metrics) BundleCount(n int) {
	m.bundles.Set(float64(n))
}
