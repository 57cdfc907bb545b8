package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission outcomes.
const (
	OutcomeAdmitted     = "admitted"
	OutcomeInsufficient = "insufficient_balance"
	OutcomeUnknownUser  = "user_not_found"
	OutcomeUnavailable  = "unavailable"
)

// Metrics groups the billing collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Admissions       *prometheus.CounterVec
	AdmissionLatency prometheus.Histogram
	Settlements      *prometheus.CounterVec
	SettledAmount    prometheus.Counter
	SettledSeconds   prometheus.Counter
	SessionsStarted  prometheus.Counter
	SessionsEnded    *prometheus.CounterVec
	ReaperReclaimed  prometheus.Counter
	ActiveSessions   prometheus.Gauge
	NotifyDropped    prometheus.Counter
	RetryEnqueued    prometheus.Counter
}

// New registers the billing collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_admissions_total",
			Help: "billable request admission decisions by outcome",
		}, []string{"outcome"}),
		AdmissionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tollgate_admission_seconds",
			Help:    "latency of admission decisions",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_settlements_total",
			Help: "settlement attempts by trigger and result",
		}, []string{"trigger", "result"}),
		SettledAmount: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_settled_amount_micros_total",
			Help: "user deductions moved into the durable ledger, micro-units",
		}),
		SettledSeconds: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_settled_watch_seconds_total",
			Help: "creator watch time moved into the durable ledger",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_sessions_started_total",
			Help: "watch sessions started",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_sessions_ended_total",
			Help: "watch sessions ended by trigger",
		}, []string{"trigger"}),
		ReaperReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_reaper_reclaimed_total",
			Help: "stale sessions ended by the reaper",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_active_sessions",
			Help: "size of the active session set at the last reaper sweep",
		}),
		NotifyDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_notify_dropped_total",
			Help: "client notifications dropped because the dispatch queue was full",
		}),
		RetryEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_settlement_retries_enqueued_total",
			Help: "failed settlements queued for retry",
		}),
	}
}

func (m *Metrics) Admission(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(outcome).Inc()
	m.AdmissionLatency.Observe(seconds)
}

func (m *Metrics) Settlement(trigger string, ok bool, amount, seconds int64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Settlements.WithLabelValues(trigger, result).Inc()
	if ok {
		if amount > 0 {
			m.SettledAmount.Add(float64(amount))
		}
		if seconds > 0 {
			m.SettledSeconds.Add(float64(seconds))
		}
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

func (m *Metrics) SessionEnded(trigger string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(trigger).Inc()
}

func (m *Metrics) Reclaimed() {
	if m == nil {
		return
	}
	m.ReaperReclaimed.Inc()
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.NotifyDropped.Inc()
}

func (m *Metrics) RetryQueued() {
	if m == nil {
		return
	}
	m.RetryEnqueued.Inc()
}
