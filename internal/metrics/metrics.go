package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Closed-tab outcomes.
const (
	OutcomeAssigned  = "assigned"
	OutcomeCreated   = "created"
	OutcomeDiscarded = "discarded"
	OutcomeOverflow  = "overflow"
)

// Tie-break outcomes.
const (
	TieBreakChosen   = "chosen"
	TieBreakNoChoice = "no_choice"
	TieBreakError    = "error"
	TieBreakCached   = "cached"
)

// Metrics holds the collectors for one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ClosedTabs       *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	TieBreaks        *prometheus.CounterVec
	TieBreakDuration prometheus.Histogram
	Sessions         prometheus.Gauge
	LiveTabs         prometheus.Gauge
	Overflow         prometheus.Gauge
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ClosedTabs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wherewasi_closed_tabs_total",
				Help: "Closed tabs by pipeline outcome",
			},
			[]string{"outcome"},
		),
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wherewasi_session_decisions_total",
				Help: "Session selection decisions by reason",
			},
			[]string{"reason"},
		),
		TieBreaks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wherewasi_tiebreaks_total",
				Help: "AI tie-break calls by result",
			},
			[]string{"result"},
		),
		TieBreakDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wherewasi_tiebreak_duration_seconds",
				Help:    "AI tie-break call latency in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wherewasi_sessions",
			Help: "Number of stored sessions",
		}),
		LiveTabs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wherewasi_live_tabs",
			Help: "Number of open tabs being tracked",
		}),
		Overflow: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wherewasi_closed_tab_overflow",
			Help: "Number of records in the closed-tab overflow queue",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ClosedTab(outcome string) {
	if m == nil {
		return
	}
	m.ClosedTabs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Decision(reason string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) TieBreak(result string, seconds float64) {
	if m == nil {
		return
	}
	m.TieBreaks.WithLabelValues(result).Inc()
	if result != TieBreakCached {
		m.TieBreakDuration.Observe(seconds)
	}
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

func (m *Metrics) SetLiveTabs(n int) {
	if m == nil {
		return
	}
	m.LiveTabs.Set(float64(n))
}

func (m *Metrics) SetOverflow(n int) {
	if m == nil {
		return
	}
	m.Overflow.Set(float64(n))
}
