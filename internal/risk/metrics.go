package risk

import "github.com/prometheus/client_golang/prometheus"

// Hooks receive instrumentation callbacks from the engine. Nil fields are skipped.
type Hooks struct {
	OnIngest     func(category string, outcome Outcome)
	OnScore      func(category, path string, seconds float64)
	OnOracle     func(result string, seconds float64)
	OnTransition func(from, to State, cause TransitionCause)
	OnDecision   func(d Decision)
	OnEscalation func(to Urgency)
	OnAggregate  func(serviceID string, score float64)
	OnNotifyFail func(kind EventKind)
}

// Metrics holds Prometheus metrics for the risk engine.
type Metrics struct {
	IngestTotal         *prometheus.CounterVec
	ScoreDuration       *prometheus.HistogramVec
	OracleCallsTotal    *prometheus.CounterVec
	OracleDuration      prometheus.Histogram
	TransitionsTotal    *prometheus.CounterVec
	DecisionsTotal      *prometheus.CounterVec
	EscalationsTotal    *prometheus.CounterVec
	ServiceRiskScore    *prometheus.GaugeVec
	NotifyFailuresTotal *prometheus.CounterVec
}

// NewMetrics registers and returns risk metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_triggers_ingested_total",
			Help: "Triggers ingested by category and outcome.",
		}, []string{"category", "outcome"}),
		ScoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskwatch_score_duration_seconds",
			Help:    "Time to score a trigger, by category and scoring path.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"category", "path"}),
		OracleCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_oracle_calls_total",
			Help: "Scoring oracle calls by result.",
		}, []string{"result"}),
		OracleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskwatch_oracle_call_duration_seconds",
			Help:    "Duration of scoring oracle calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8), // 50ms .. ~6.4s
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_state_transitions_total",
			Help: "Risk lifecycle transitions by edge and cause.",
		}, []string{"from", "to", "cause"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_validation_decisions_total",
			Help: "Validation decisions by outcome.",
		}, []string{"decision"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_validation_escalations_total",
			Help: "Overdue validations escalated, by new urgency.",
		}, []string{"urgency"}),
		ServiceRiskScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskwatch_service_risk_score",
			Help: "Latest aggregate risk score per service.",
		}, []string{"service"}),
		NotifyFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskwatch_notify_failures_total",
			Help: "Notification deliveries that failed, by event kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.IngestTotal,
		m.ScoreDuration,
		m.OracleCallsTotal,
		m.OracleDuration,
		m.TransitionsTotal,
		m.DecisionsTotal,
		m.EscalationsTotal,
		m.ServiceRiskScore,
		m.NotifyFailuresTotal,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnIngest: func(category string, outcome Outcome) {
			m.IngestTotal.WithLabelValues(category, string(outcome)).Inc()
		},
		OnScore: func(category, path string, seconds float64) {
			m.ScoreDuration.WithLabelValues(category, path).Observe(seconds)
		},
		OnOracle: func(result string, seconds float64) {
			m.OracleCallsTotal.WithLabelValues(result).Inc()
			m.OracleDuration.Observe(seconds)
		},
		OnTransition: func(from, to State, cause TransitionCause) {
			m.TransitionsTotal.WithLabelValues(string(from), string(to), string(cause)).Inc()
		},
		OnDecision: func(d Decision) {
			m.DecisionsTotal.WithLabelValues(string(d)).Inc()
		},
		OnEscalation: func(to Urgency) {
			m.EscalationsTotal.WithLabelValues(string(to)).Inc()
		},
		OnAggregate: func(serviceID string, score float64) {
			m.ServiceRiskScore.WithLabelValues(serviceID).Set(score)
		},
		OnNotifyFail: func(kind EventKind) {
			m.NotifyFailuresTotal.WithLabelValues(string(kind)).Inc()
		},
	}
}
