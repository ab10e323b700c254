// Package runtime assembles the process: connections, telemetry, agents and
// the orchestrator, all from one config.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/newser-intel/config"
	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/agent/orchestrator"
	"github.com/mohammad-safakhou/newser-intel/internal/audit"
	"github.com/mohammad-safakhou/newser-intel/internal/budget"
	"github.com/mohammad-safakhou/newser-intel/internal/bus"
	"github.com/mohammad-safakhou/newser-intel/internal/cache"
	"github.com/mohammad-safakhou/newser-intel/internal/conversation"
	"github.com/mohammad-safakhou/newser-intel/internal/executor"
	"github.com/mohammad-safakhou/newser-intel/internal/store"
	"github.com/redis/go-redis/v9"
)

// Options adjust how Build wires the process.
type Options struct {
	// DryRun answers every agent from the offline script and skips
	// Redis and Postgres.
	DryRun bool
	Logger *log.Logger
}

// Runtime owns every long-lived component.
type Runtime struct {
	Config        *config.Config
	Logger        *log.Logger
	Telemetry     *Telemetry
	Redis         *redis.Client
	Store         *store.Store
	Audit         audit.Log
	Agents        *core.Registry
	Executor      *executor.Controller
	Bus           *bus.Bus
	Conversations *conversation.Registry
	Orchestrator  *orchestrator.Orchestrator

	stop context.CancelFunc
}

// sweepInterval paces the cleanup of expired in-memory cache entries.
const sweepInterval = time.Minute

// Build connects storage, registers agents and starts the orchestrator.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger("[RUNTIME] ")
	}
	rt := &Runtime{Config: cfg, Logger: logger}
	var bg context.Context
	bg, rt.stop = context.WithCancel(context.WithoutCancel(ctx))

	tel, err := SetupTelemetry(cfg.Telemetry, NewLogger("[METRICS] "))
	if err != nil {
		return nil, err
	}
	rt.Telemetry = tel

	if !opts.DryRun {
		if cfg.Storage.Redis.Enabled() {
			if rt.Redis, err = ConnectRedis(ctx, cfg.Storage.Redis); err != nil {
				return nil, err
			}
		}
		if cfg.Storage.Postgres.Enabled() {
			if rt.Store, err = OpenStore(ctx, cfg); err != nil {
				rt.Close()
				return nil, err
			}
		}
	}
	rt.Audit = rt.buildAudit()

	invokers, err := BuildInvokers(cfg, opts.DryRun)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rt.Agents, err = BuildAgents(cfg, invokers); err != nil {
		rt.Close()
		return nil, err
	}

	p := cfg.Pipeline
	execOpts := []executor.Option{
		executor.WithRetryPolicy(executor.RetryPolicy{
			MaxRetries: p.MaxRetries,
			BaseDelay:  p.BackoffBase,
			MaxDelay:   p.BackoffMax,
			Multiplier: p.BackoffMultiplier,
			Jitter:     p.Jitter,
		}),
		executor.WithCallTimeout(p.CallTimeout),
		executor.WithMaxParallel(p.MaxParallel),
		executor.WithCache(rt.buildCache(bg), p.CacheTTL, p.FailureCacheTTL),
		executor.WithMetrics(tel.Agents.ExecutorMetrics()),
		executor.WithLogger(NewLogger("[EXEC] ")),
	}
	execOpts = append(execOpts, ProviderLimits(cfg)...)
	rt.Executor = executor.New(rt.Agents, execOpts...)

	rt.Bus = bus.New(
		bus.WithLogger(NewLogger("[BUS] ")),
		bus.WithAudit(rt.Audit),
		bus.WithHistorySize(cfg.Bus.HistorySize),
		bus.WithMetrics(tel.Agents.BusMetrics()),
	)
	rt.Conversations = conversation.NewRegistry()

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(NewLogger("[ORCH] ")),
		orchestrator.WithAudit(rt.Audit),
		orchestrator.WithTelemetry(tel.Agents),
		orchestrator.WithTracer(tel.Tracer),
	}
	if rt.Store != nil {
		orchOpts = append(orchOpts, orchestrator.WithResultStore(rt.Store))
	}
	rt.Orchestrator, err = orchestrator.New(rt.Agents, rt.Executor, rt.Bus, rt.Conversations, OrchestratorConfig(p), orchOpts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	logger.Printf("runtime ready agents=%d redis=%t postgres=%t dry_run=%t",
		rt.Agents.Len(), rt.Redis != nil, rt.Store != nil, opts.DryRun)
	return rt, nil
}

// OrchestratorConfig converts the pipeline section.
func OrchestratorConfig(p config.PipelineConfig) orchestrator.Config {
	rules := make([]orchestrator.ActivationRule, 0, len(p.Activation))
	for _, r := range p.Activation {
		rules = append(rules, orchestrator.ActivationRule{
			Agent:                     r.Agent,
			Always:                    r.Always,
			MinRelevance:              r.MinRelevance,
			MinInternationalRelevance: r.MinInternationalRelevance,
			Categories:                r.Categories,
		})
	}
	return orchestrator.Config{
		MaxParallel:        p.MaxParallel,
		MaxStories:         p.MaxStories,
		RequestTimeout:     p.RequestTimeout,
		CompletenessFloor:  p.CompletenessFloor,
		MinFactCheckRounds: p.FactCheck.MinRounds,
		MaxFactCheckRounds: p.FactCheck.MaxRounds,
		Activation:         rules,
		Budget:             budget.FromLimits(p.StoryBudget.MaxTokens, p.StoryBudget.MaxCost, p.StoryBudget.MaxTime),
	}
}

// buildAudit orders durable sinks first so reads come from them.
func (rt *Runtime) buildAudit() audit.Log {
	var sinks []audit.Sink
	for _, name := range []string{"postgres", "redis", "memory"} {
		if !contains(rt.Config.Audit.Backends, name) {
			continue
		}
		switch {
		case name == "postgres" && rt.Store != nil:
			sinks = append(sinks, rt.Store.AuditLog())
		case name == "redis" && rt.Redis != nil:
			sinks = append(sinks, audit.NewRedisStream(rt.Redis, rt.Config.Audit.StreamMaxLen))
		case name == "memory":
			sinks = append(sinks, audit.NewMemory(audit.WithMaxPerStory(int(rt.Config.Audit.StreamMaxLen))))
		default:
			rt.Logger.Printf("warn: audit backend %s unavailable, skipping", name)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, audit.NewMemory(audit.WithMaxPerStory(int(rt.Config.Audit.StreamMaxLen))))
	}
	return audit.NewMulti(sinks...)
}

// buildCache picks the cache backend. The in-memory cache is swept until bg ends.
func (rt *Runtime) buildCache(bg context.Context) cache.ResultCache {
	if rt.Config.Cache.Backend == "redis" && rt.Redis != nil {
		return cache.NewRedis(rt.Redis)
	}
	mem := cache.NewMemory()
	mem.StartSweeper(bg, sweepInterval)
	return mem
}

// Close stops the orchestrator and releases connections.
func (rt *Runtime) Close() error {
	if rt.stop != nil {
		rt.stop()
	}
	if rt.Orchestrator != nil {
		rt.Orchestrator.Close()
	}
	if rt.Bus != nil {
		rt.Bus.Close()
	}
	var errs []error
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	return errors.Join(errs...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
