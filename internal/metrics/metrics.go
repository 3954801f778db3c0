package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldcrm"

// AutomationMetrics holds Prometheus collectors for the automation engine.
// A nil *AutomationMetrics is valid and records nothing.
type AutomationMetrics struct {
	EventsReceived      *prometheus.CounterVec
	EventsRejected      *prometheus.CounterVec
	Evaluations         *prometheus.CounterVec
	EvaluationDuration  *prometheus.HistogramVec
	ActionResults       *prometheus.CounterVec
	LedgerConflicts     prometheus.Counter
	ContinuationsQueued prometheus.Counter
	ContinuationsRun    *prometheus.CounterVec
	RecordFailures      prometheus.Counter
	RateLimitDrops      *prometheus.CounterVec
}

// NewAutomationMetrics creates the collectors and registers them on reg.
func NewAutomationMetrics(reg prometheus.Registerer) *AutomationMetrics {
	m := &AutomationMetrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "events_received_total",
			Help:      "Domain events accepted for rule evaluation",
		}, []string{"source"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "events_rejected_total",
			Help:      "Malformed domain events rejected before evaluation",
		}, []string{"source"}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "evaluations_total",
			Help:      "Rule evaluations by outcome",
		}, []string{"outcome", "test_mode"}),
		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating a single rule against an event",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"trigger_event"}),
		ActionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "action_results_total",
			Help:      "Action results by type and status",
		}, []string{"type", "status"}),
		LedgerConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "ledger_conflicts_total",
			Help:      "Optimistic concurrency conflicts on ledger writes",
		}),
		ContinuationsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "continuations_queued_total",
			Help:      "Deferred action sequences persisted for later resumption",
		}),
		ContinuationsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "continuations_resumed_total",
			Help:      "Deferred action sequences resumed, by result",
		}, []string{"result"}),
		RecordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "record_failures_total",
			Help:      "Execution records that could not be persisted after retry",
		}),
		RateLimitDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limit_drops_total",
			Help:      "Requests rejected with HTTP 429",
		}, []string{"prefix"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsReceived,
			m.EventsRejected,
			m.Evaluations,
			m.EvaluationDuration,
			m.ActionResults,
			m.LedgerConflicts,
			m.ContinuationsQueued,
			m.ContinuationsRun,
			m.RecordFailures,
			m.RateLimitDrops,
		)
	}
	return m
}

func (m *AutomationMetrics) IncEventReceived(source string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(source).Inc()
}

func (m *AutomationMetrics) IncEventRejected(source string) {
	if m == nil {
		return
	}
	m.EventsRejected.WithLabelValues(source).Inc()
}

func (m *AutomationMetrics) ObserveEvaluation(triggerEvent, outcome string, testMode bool, seconds float64) {
	if m == nil {
		return
	}
	mode := "false"
	if testMode {
		mode = "true"
	}
	m.Evaluations.WithLabelValues(outcome, mode).Inc()
	m.EvaluationDuration.WithLabelValues(triggerEvent).Observe(seconds)
}

func (m *AutomationMetrics) IncActionResult(actionType, status string) {
	if m == nil {
		return
	}
	m.ActionResults.WithLabelValues(actionType, status).Inc()
}

func (m *AutomationMetrics) IncLedgerConflict() {
	if m == nil {
		return
	}
	m.LedgerConflicts.Inc()
}

func (m *AutomationMetrics) IncContinuationQueued() {
	if m == nil {
		return
	}
	m.ContinuationsQueued.Inc()
}

func (m *AutomationMetrics) IncContinuationRun(result string) {
	if m == nil {
		return
	}
	m.ContinuationsRun.WithLabelValues(result).Inc()
}

func (m *AutomationMetrics) IncRecordFailure() {
	if m == nil {
		return
	}
	m.RecordFailures.Inc()
}

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func (m *AutomationMetrics) IncRateLimitDrop(prefix string) {
	if m == nil {
		return
	}
	if prefix == "" {
		prefix = "global"
	}
	m.RateLimitDrops.WithLabelValues(prefix).Inc()
}

var (
	defaultOnce     sync.Once
	defaultRegistry *prometheus.Registry
	defaultMetrics  *AutomationMetrics
)

// Default returns the process-wide registry and metrics, created on first use
// together with Go runtime and process collectors.
func Default() (*prometheus.Registry, *AutomationMetrics) {
	defaultOnce.Do(func() {
		defaultRegistry = prometheus.NewRegistry()
		defaultRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		defaultMetrics = NewAutomationMetrics(defaultRegistry)
	})
	return defaultRegistry, defaultMetrics
}

// Handler exposes reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
