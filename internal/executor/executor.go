// Package executor runs agent tasks with bounded parallelism, per-call
// deadlines, retries, provider rate limits and result caching.
package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/cache"
)

// Outcome labels used in metrics.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
	OutcomeCached    = "cached"
)

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	RetryCounter func(context.Context, core.Task, int)
	Duration     func(context.Context, core.Task, time.Duration, string)
	CacheHit     func(context.Context, core.Task)
	CacheMiss    func(context.Context, core.Task)
}

// Resolver finds the agent and provider for an identity.
type Resolver interface {
	Get(id string) (core.Registration, bool)
}

// Controller is the only path by which agents are invoked.
type Controller struct {
	agents      Resolver
	cache       cache.ResultCache
	retry       RetryPolicy
	callTimeout time.Duration
	cacheTTL    time.Duration
	failureTTL  time.Duration
	maxParallel int
	limiters    map[string]*rate.Limiter
	metrics     Metrics
	logger      *log.Logger
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error

	flight singleflight.Group
}

// Option configures controller behaviour.
type Option func(*Controller)

// WithCache sets the result cache and the TTLs for successful and failed results.
// A zero failureTTL disables failure caching.
func WithCache(c cache.ResultCache, ttl, failureTTL time.Duration) Option {
	return func(ex *Controller) {
		ex.cache = c
		ex.cacheTTL = ttl
		ex.failureTTL = failureTTL
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(ex *Controller) { ex.retry = p.normalized() }
}

// WithCallTimeout bounds every individual agent invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(ex *Controller) {
		if d > 0 {
			ex.callTimeout = d
		}
	}
}

// WithMaxParallel sets the default bound used when Run is given none.
func WithMaxParallel(n int) Option {
	return func(ex *Controller) {
		if n > 0 {
			ex.maxParallel = n
		}
	}
}

// WithProviderLimit rate limits calls to one provider.
func WithProviderLimit(provider string, perSecond float64, burst int) Option {
	return func(ex *Controller) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		ex.limiters[provider] = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMetrics sets controller metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(ex *Controller) { ex.metrics = m }
}

// WithLogger sets the controller logger.
func WithLogger(l *log.Logger) Option {
	return func(ex *Controller) {
		if l != nil {
			ex.logger = l
		}
	}
}

// WithClock overrides the time source used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(ex *Controller) {
		if now != nil {
			ex.now = now
		}
	}
}

// New creates a controller resolving agents through r.
func New(r Resolver, opts ...Option) *Controller {
	ex := &Controller{
		agents:      r,
		cache:       cache.NewMemory(),
		retry:       DefaultRetryPolicy(),
		callTimeout: 60 * time.Second,
		cacheTTL:    time.Hour,
		maxParallel: 4,
		limiters:    make(map[string]*rate.Limiter),
		logger:      log.New(io.Discard, "", 0),
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

// Run executes tasks with at most maxParallel invocations in flight and
// returns results in task order. A failing task never cancels its siblings;
// tasks not started or not awaited when ctx ends are reported cancelled.
func (ex *Controller) Run(ctx context.Context, tasks []core.Task, maxParallel int) []core.AgentResult {
	if maxParallel <= 0 {
		maxParallel = ex.maxParallel
	}
	results := make([]core.AgentResult, len(tasks))
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, task := range tasks {
		if ctx.Err() != nil {
			results[i] = ex.cancelled(task)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = ex.cancelled(task)
				return nil
			}
			results[i] = ex.RunOne(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RunOne executes a single task: cache lookup, then a shared invocation per
// cache key. The invocation is detached from ctx; cancelling ctx only stops
// this caller from waiting.
func (ex *Controller) RunOne(ctx context.Context, task core.Task) core.AgentResult {
	if ctx.Err() != nil {
		return ex.cancelled(task)
	}
	if task.Fingerprint == "" {
		fp, err := core.Fingerprint(task.Payload)
		if err != nil {
			return core.FailedResult(task, core.ErrValidation("task payload is not valid json").WithCause(err), 0, 0)
		}
		task.Fingerprint = fp
	}
	key := cache.KeyFor(task)

	if res, ok := ex.lookup(ctx, task, key); ok {
		return res
	}
	if ex.metrics.CacheMiss != nil {
		ex.metrics.CacheMiss(ctx, task)
	}

	detached := context.WithoutCancel(ctx)
	ch := ex.flight.DoChan(key.String(), func() (interface{}, error) {
		if res, ok := ex.lookup(detached, task, key); ok {
			return res, nil
		}
		res := ex.invoke(detached, task)
		ex.store(detached, key, res)
		return res, nil
	})

	select {
	case r := <-ch:
		res := r.Val.(core.AgentResult)
		res.TaskID = task.ID
		return res
	case <-ctx.Done():
		return ex.cancelled(task)
	}
}

func (ex *Controller) lookup(ctx context.Context, task core.Task, key cache.Key) (core.AgentResult, bool) {
	if ex.cache == nil {
		return core.AgentResult{}, false
	}
	res, ok, err := ex.cache.Get(ctx, key)
	if err != nil {
		ex.logger.Printf("warn: cache get agent=%s: %v", task.Agent.ID, err)
		return core.AgentResult{}, false
	}
	if !ok {
		return core.AgentResult{}, false
	}
	if ex.metrics.CacheHit != nil {
		ex.metrics.CacheHit(ctx, task)
	}
	if ex.metrics.Duration != nil {
		ex.metrics.Duration(ctx, task, 0, OutcomeCached)
	}
	res.TaskID = task.ID
	return res, true
}

func (ex *Controller) store(ctx context.Context, key cache.Key, res core.AgentResult) {
	if ex.cache == nil {
		return
	}
	ttl := ex.cacheTTL
	if !res.Success {
		if res.ErrorKind() == core.KindCancelled {
			return
		}
		ttl = ex.failureTTL
	}
	if err := ex.cache.Put(ctx, key, res, ttl); err != nil {
		ex.logger.Printf("warn: cache put key=%s: %v", key, err)
	}
}

func (ex *Controller) invoke(ctx context.Context, task core.Task) core.AgentResult {
	started := time.Now()
	reg, ok := ex.agents.Get(task.Agent.ID)
	if !ok {
		return ex.finish(ctx, task, core.FailedResult(task, core.ErrValidation(fmt.Sprintf("unknown agent %s", task.Agent.ID)), 0, 0))
	}
	limiter := ex.limiters[reg.Provider]

	attempts := 0
	for {
		attempts++
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return ex.finish(ctx, task, core.FailedResult(task, core.ErrRateLimited("provider limiter").WithCause(err), attempts, time.Since(started)))
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, ex.callTimeout)
		out, err := reg.Agent.Invoke(callCtx, task)
		if err == nil && callCtx.Err() != nil {
			// an agent that ignores its deadline still counts as timed out
			err = callCtx.Err()
		}
		cancel()

		if err == nil {
			return ex.finish(ctx, task, core.AgentResult{
				TaskID:      task.ID,
				Agent:       task.Agent,
				Success:     true,
				Data:        out.Data,
				Latency:     time.Since(started),
				Attempts:    attempts,
				Usage:       out.Usage,
				CompletedAt: ex.now(),
			})
		}

		if !core.IsRetryable(err) || attempts > ex.retry.MaxRetries {
			res := core.FailedResult(task, err, attempts, time.Since(started))
			res.CompletedAt = ex.now()
			return ex.finish(ctx, task, res)
		}
		if ex.metrics.RetryCounter != nil {
			ex.metrics.RetryCounter(ctx, task, attempts)
		}
		delay := ex.retry.Delay(attempts)
		ex.logger.Printf("retry agent=%s attempt=%d delay=%s err=%v", task.Agent.ID, attempts, delay, err)
		if err := ex.sleep(ctx, delay); err != nil {
			return ex.finish(ctx, task, core.FailedResult(task, err, attempts, time.Since(started)))
		}
	}
}

func (ex *Controller) finish(ctx context.Context, task core.Task, res core.AgentResult) core.AgentResult {
	if ex.metrics.Duration != nil {
		outcome := OutcomeSuccess
		switch {
		case res.ErrorKind() == core.KindCancelled:
			outcome = OutcomeCancelled
		case !res.Success:
			outcome = OutcomeFailure
		}
		ex.metrics.Duration(ctx, task, res.Latency, outcome)
	}
	if !res.Success {
		ex.logger.Printf("agent=%s task=%s failed after %d attempt(s): %v", task.Agent.ID, task.ID, res.Attempts, res.Error)
	}
	return res
}

func (ex *Controller) cancelled(task core.Task) core.AgentResult {
	res := core.CancelledResult(task)
	res.CompletedAt = ex.now()
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
