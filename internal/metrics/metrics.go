package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"trading-brain/internal/circuit"
	"trading-brain/internal/domain"
)

// Metrics owns the prometheus registry and the event-driven series. Live
// state (equity, queue, approval rates) is read at scrape time through the
// brain collector instead of being pushed on every change.
type Metrics struct {
	registry *prometheus.Registry

	Decisions       *prometheus.CounterVec
	VetoReasons     *prometheus.CounterVec
	ReconMismatches *prometheus.CounterVec
	SignalLatency   prometheus.Histogram
}

// New creates an isolated registry with the decision-path series.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "brain_decisions_total",
			Help: "Recorded decisions by phase and outcome",
		}, []string{"phase", "outcome"}),
		VetoReasons: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "brain_veto_reasons_total",
			Help: "Vetoes by primary reason code",
		}, []string{"reason"}),
		ReconMismatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "brain_reconciliation_mismatches_total",
			Help: "Reconciliation runs that found drift, by scope",
		}, []string{"scope"}),
		SignalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "brain_signal_latency_seconds",
			Help:    "Queue admission to recorded decision",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

// Handler serves the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision counts one recorded decision. Safe as a processor hook.
func (m *Metrics) ObserveDecision(decision *domain.BrainDecision) {
	outcome := "approved"
	if !decision.Approved {
		outcome = "vetoed"
		if len(decision.Reasons) > 0 {
			m.VetoReasons.WithLabelValues(decision.Reasons[len(decision.Reasons)-1]).Inc()
		}
	}
	m.Decisions.WithLabelValues(string(decision.Signal.PhaseID), outcome).Inc()
}

// ObserveReconciliation counts a drifted run.
func (m *Metrics) ObserveReconciliation(run domain.ReconciliationRun) {
	if run.Status == domain.ReconMismatch {
		m.ReconMismatches.WithLabelValues(string(run.Scope)).Inc()
	}
}

// StateSource is the live brain state the collector reads at scrape time.
// Implemented by the signal processor.
type StateSource interface {
	Equity() decimal.Decimal
	QueueDepth() int
	DroppedSignals() int64
	ApprovalRates() map[domain.PhaseID]float64
	IsLeader() bool
	Halted() bool
}

// brainCollector exports gauges computed from live state.
type brainCollector struct {
	source  StateSource
	breaker func() circuit.State
	defcon  func() domain.DefconLevel

	equity       *prometheus.Desc
	queueDepth   *prometheus.Desc
	queueDrops   *prometheus.Desc
	approvalRate *prometheus.Desc
	leader       *prometheus.Desc
	halted       *prometheus.Desc
	breakerState *prometheus.Desc
	defconLevel  *prometheus.Desc
}

// RegisterBrain attaches the live-state collector to the registry.
func (m *Metrics) RegisterBrain(source StateSource, breaker func() circuit.State, defcon func() domain.DefconLevel) {
	c := &brainCollector{
		source:  source,
		breaker: breaker,
		defcon:  defcon,
		equity: prometheus.NewDesc("brain_equity",
			"Current account equity", nil, nil),
		queueDepth: prometheus.NewDesc("brain_queue_depth",
			"Signals waiting for authorization", nil, nil),
		queueDrops: prometheus.NewDesc("brain_queue_dropped_total",
			"Signals shed on queue overflow", nil, nil),
		approvalRate: prometheus.NewDesc("brain_approval_rate",
			"Rolling approval rate by phase", []string{"phase"}, nil),
		leader: prometheus.NewDesc("brain_leader",
			"1 when this instance authorizes signals", nil, nil),
		halted: prometheus.NewDesc("brain_halted",
			"1 when the processor halted on fatal I/O", nil, nil),
		breakerState: prometheus.NewDesc("brain_breaker_state",
			"0 closed, 1 cooldown, 2 tripped", nil, nil),
		defconLevel: prometheus.NewDesc("brain_defcon_level",
			"0 normal through 3 critical", nil, nil),
	}
	m.registry.MustRegister(c)
}

func (c *brainCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.equity
	ch <- c.queueDepth
	ch <- c.queueDrops
	ch <- c.approvalRate
	ch <- c.leader
	ch <- c.halted
	ch <- c.breakerState
	ch <- c.defconLevel
}

func (c *brainCollector) Collect(ch chan<- prometheus.Metric) {
	equity, _ := c.source.Equity().Float64()
	ch <- prometheus.MustNewConstMetric(c.equity, prometheus.GaugeValue, equity)
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.source.QueueDepth()))
	ch <- prometheus.MustNewConstMetric(c.queueDrops, prometheus.CounterValue, float64(c.source.DroppedSignals()))
	ch <- prometheus.MustNewConstMetric(c.leader, prometheus.GaugeValue, boolValue(c.source.IsLeader()))
	ch <- prometheus.MustNewConstMetric(c.halted, prometheus.GaugeValue, boolValue(c.source.Halted()))

	for phase, rate := range c.source.ApprovalRates() {
		ch <- prometheus.MustNewConstMetric(c.approvalRate, prometheus.GaugeValue, rate, string(phase))
	}

	if c.breaker != nil {
		ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, breakerValue(c.breaker()))
	}
	if c.defcon != nil {
		ch <- prometheus.MustNewConstMetric(c.defconLevel, prometheus.GaugeValue, float64(c.defcon()))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func breakerValue(state circuit.State) float64 {
	switch state {
	case circuit.StateTripped:
		return 2
	case circuit.StateCooldown:
		return 1
	default:
		return 0
	}
}
