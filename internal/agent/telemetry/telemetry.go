package telemetry

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/bus"
	"github.com/mohammad-safakhou/newser-intel/internal/executor"
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry owns the prometheus collectors for agent invocations, the
// message bus and story outcomes.
type Telemetry struct {
	logger *log.Logger

	invocations  *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	cost         *prometheus.CounterVec

	busMessages *prometheus.CounterVec
	busTimeouts *prometheus.CounterVec
	busLate     prometheus.Counter

	stories      *prometheus.CounterVec
	completeness prometheus.Histogram
	storyLatency prometheus.Histogram
}

// StoryEvent summarises a finished story.
type StoryEvent struct {
	StoryID      string
	Status       string
	Completeness float64
	Duration     time.Duration
	Usage        core.Usage
}

// New creates the collectors and registers them on reg. A nil registerer
// leaves them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer, logger *log.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	t := &Telemetry{
		logger: logger,
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newser", Subsystem: "agent", Name: "invocations_total",
			Help: "Agent invocations by agent, phase and outcome.",
		}, []string{"agent", "phase", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "newser", Subsystem: "agent", Name: "invocation_seconds",
			Help:    "Agent invocation latency including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newser", Subsystem: "agent", Name: "retries_total",
			Help: "Retried agent attempts.",
		}, []string{"agent"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newser", Subsystem: "cache", Name: "lookups_total",
			Help: "Result cache lookups by outcome.",
		}, []string{"agent", "result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newser", Subsystem: "agent", Name: "tokens_total",
			Help: "Provider tokens consumed.",
		}, []string{"agent", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newser", Subsystem: "agent", Name: "cost_total",
			Help: "Estimated provider spend.",
		}, []string{"agent"}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newser", Subsystem: "bus", Name: "messages_total",
			Help: "Messages sent on the bus by kind.",
		}, []string{"kind"}),
		busTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newser", Subsystem: "bus", Name: "request_timeouts_total",
			Help: "Request/response exchanges that hit their deadline.",
		}, []string{"target"}),
		busLate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "newser", Subsystem: "bus", Name: "late_responses_total",
			Help: "Responses dropped because their correlation was already resolved.",
		}),
		stories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newser", Subsystem: "story", Name: "outcomes_total",
			Help: "Finished stories by final status.",
		}, []string{"status"}),
		completeness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "newser", Subsystem: "story", Name: "completeness",
			Help:    "Completeness ratio of finished stories.",
			Buckets: []float64{0, 0.25, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		storyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "newser", Subsystem: "story", Name: "duration_seconds",
			Help:    "Wall time from submission to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	if reg != nil {
		for _, c := range t.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

func (t *Telemetry) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		t.invocations, t.latency, t.retries, t.cacheLookups, t.tokens, t.cost,
		t.busMessages, t.busTimeouts, t.busLate,
		t.stories, t.completeness, t.storyLatency,
	}
}

// ExecutorMetrics adapts the collectors to the controller's callbacks.
func (t *Telemetry) ExecutorMetrics() executor.Metrics {
	return executor.Metrics{
		RetryCounter: func(_ context.Context, task core.Task, _ int) {
			t.retries.WithLabelValues(task.Agent.ID).Inc()
		},
		Duration: func(_ context.Context, task core.Task, d time.Duration, outcome string) {
			t.invocations.WithLabelValues(task.Agent.ID, string(task.Phase), outcome).Inc()
			if outcome != executor.OutcomeCached {
				t.latency.WithLabelValues(task.Agent.ID).Observe(d.Seconds())
			}
		},
		CacheHit: func(_ context.Context, task core.Task) {
			t.cacheLookups.WithLabelValues(task.Agent.ID, "hit").Inc()
		},
		CacheMiss: func(_ context.Context, task core.Task) {
			t.cacheLookups.WithLabelValues(task.Agent.ID, "miss").Inc()
		},
	}
}

// BusMetrics adapts the collectors to the bus callbacks.
func (t *Telemetry) BusMetrics() bus.Metrics {
	return bus.Metrics{
		Sent:    func(kind core.MessageKind) { t.busMessages.WithLabelValues(string(kind)).Inc() },
		Timeout: func(target string) { t.busTimeouts.WithLabelValues(target).Inc() },
		LateResponse: func(correlationID string) {
			t.busLate.Inc()
			t.logger.Printf("warn: dropped late response correlation=%s", correlationID)
		},
	}
}

// RecordUsage accounts provider spend for a completed invocation.
func (t *Telemetry) RecordUsage(agentID string, u core.Usage) {
	if u.InputTokens > 0 {
		t.tokens.WithLabelValues(agentID, "input").Add(float64(u.InputTokens))
	}
	if u.OutputTokens > 0 {
		t.tokens.WithLabelValues(agentID, "output").Add(float64(u.OutputTokens))
	}
	if u.Cost > 0 {
		t.cost.WithLabelValues(agentID).Add(u.Cost)
	}
}

// RecordStory records a story reaching a terminal state.
func (t *Telemetry) RecordStory(ev StoryEvent) {
	t.stories.WithLabelValues(ev.Status).Inc()
	t.completeness.Observe(ev.Completeness)
	t.storyLatency.Observe(ev.Duration.Seconds())
	t.logger.Printf("story=%s status=%s completeness=%.2f duration=%v tokens=%d cost=$%.4f",
		ev.StoryID, ev.Status, ev.Completeness, ev.Duration, ev.Usage.Tokens(), ev.Usage.Cost)
}
