// Package metrics exposes orchestrator activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	saga "github.com/grafikui/saga-orchestrator-go"
)

const namespace = "saga"

// Metrics holds the orchestrator collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sagasStarted  *prometheus.CounterVec
	sagasFinished *prometheus.CounterVec
	commands      *prometheus.CounterVec
	replies       *prometheus.CounterVec
	discarded     *prometheus.CounterVec
	replyLatency  *prometheus.HistogramVec
	compensations prometheus.Counter
	timeouts      *prometheus.CounterVec
	conflicts     prometheus.Counter
	faults        prometheus.Counter
}

// New creates the collectors. Go runtime and process collectors are
// registered alongside them.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sagasStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "started_total",
			Help:      "Saga instances created",
		}, []string{"saga_type"}),
		sagasFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finished_total",
			Help:      "Saga instances that reached a terminal state",
		}, []string{"saga_type", "state"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Commands handed to the channel",
		}, []string{"participant", "kind", "status"}),
		replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replies",
			Name:      "applied_total",
			Help:      "Replies that advanced a saga",
		}, []string{"outcome"}),
		discarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replies",
			Name:      "discarded_total",
			Help:      "Duplicate, late or unknown replies",
		}, []string{"reason"}),
		replyLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "replies",
			Name:      "wait_seconds",
			Help:      "Time between sending a command and applying its reply",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		compensations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_commands_total",
			Help:      "Compensating commands issued, including re-sends",
		}),
		timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_timeouts_total",
			Help:      "Commands that expired without a reply",
		}, []string{"kind"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Reply applications retried after a concurrent save",
		}),
		faults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Orchestrator faults",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Events returns orchestrator hooks that feed the collectors.
func (m *Metrics) Events() *saga.OrchestratorEvents {
	return &saga.OrchestratorEvents{
		OnSagaStart: func(inst saga.SagaInstance) {
			m.sagasStarted.WithLabelValues(inst.SagaType).Inc()
		},
		OnSagaCompleted:   m.finished,
		OnSagaCompensated: m.finished,
		OnSagaFailed:      m.finished,
		OnCommandSent: func(cmd saga.CommandMessage) {
			m.commands.WithLabelValues(cmd.Participant, commandKind(cmd.Compensation), "sent").Inc()
		},
		OnCommandFailed: func(cmd saga.CommandMessage, _ error) {
			m.commands.WithLabelValues(cmd.Participant, commandKind(cmd.Compensation), "failed").Inc()
		},
		OnReplyApplied: func(_ saga.ReplyMessage, outcome saga.Outcome, waited time.Duration) {
			m.replies.WithLabelValues(string(outcome)).Inc()
			m.replyLatency.WithLabelValues(string(outcome)).Observe(waited.Seconds())
		},
		OnReplyDiscarded: func(_ saga.ReplyMessage, reason string) {
			m.discarded.WithLabelValues(reason).Inc()
		},
		OnCompensationRun: func(string, int, int) {
			m.compensations.Inc()
		},
		OnStepTimeout: func(_ string, _ int, compensation bool) {
			m.timeouts.WithLabelValues(commandKind(compensation)).Inc()
		},
		OnConflictRetry: func(string, int) {
			m.conflicts.Inc()
		},
		OnFault: func(string, error) {
			m.faults.Inc()
		},
	}
}

func (m *Metrics) finished(inst saga.SagaInstance) {
	m.sagasFinished.WithLabelValues(inst.SagaType, string(inst.State)).Inc()
}

func commandKind(compensation bool) string {
	if compensation {
		return "compensation"
	}
	return "forward"
}

// StateCounter is the part of saga.Store the state collector needs.
type StateCounter interface {
	CountByState(ctx context.Context, states ...saga.LifecycleState) (int, error)
}

// RegisterStateGauge exports the number of instances per lifecycle state,
// counted from the store on every scrape.
func (m *Metrics) RegisterStateGauge(store StateCounter, timeout time.Duration) error {
	return m.registry.Register(&stateCollector{store: store, timeout: timeout})
}

var instancesDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "instances"),
	"Saga instances by lifecycle state",
	[]string{"state"}, nil,
)

type stateCollector struct {
	store   StateCounter
	timeout time.Duration
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- instancesDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, state := range saga.AllStates {
		n, err := c.store.CountByState(ctx, state)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(instancesDesc, err)
			return
		}
		ch <- prometheus.MustNewConstMetric(instancesDesc, prometheus.GaugeValue, float64(n), string(state))
	}
}
