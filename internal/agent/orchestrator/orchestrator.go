// Package orchestrator drives stories through the discovery, enrichment,
// fact-check and synthesis phases and aggregates the final result.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/agent/telemetry"
	"github.com/mohammad-safakhou/newser-intel/internal/audit"
	"github.com/mohammad-safakhou/newser-intel/internal/budget"
	"github.com/mohammad-safakhou/newser-intel/internal/bus"
	"github.com/mohammad-safakhou/newser-intel/internal/conversation"
	"github.com/mohammad-safakhou/newser-intel/internal/executor"
	"github.com/mohammad-safakhou/newser-intel/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrStoryNotFound = errors.New("story not found")
	ErrInvalidStory  = errors.New("story requires a topic")
	ErrShuttingDown  = errors.New("orchestrator is shutting down")
)

// Config holds the pipeline knobs.
type Config struct {
	MaxParallel        int
	MaxStories         int
	RequestTimeout     time.Duration
	CompletenessFloor  float64
	MinFactCheckRounds int
	MaxFactCheckRounds int
	Activation         []ActivationRule
	Budget             budget.Config
	RetainFinished     int
}

func (c Config) normalized() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.MaxStories <= 0 {
		c.MaxStories = 8
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.MaxFactCheckRounds <= 0 {
		c.MaxFactCheckRounds = 2
	}
	if c.MinFactCheckRounds < 0 {
		c.MinFactCheckRounds = 0
	}
	if c.MinFactCheckRounds > c.MaxFactCheckRounds {
		c.MinFactCheckRounds = c.MaxFactCheckRounds
	}
	if c.RetainFinished <= 0 {
		c.RetainFinished = 1024
	}
	return c
}

// ResultStore persists finished stories.
type ResultStore interface {
	SaveStoryResult(ctx context.Context, rec store.StoryRecord) error
	GetStoryResult(ctx context.Context, storyID string) (store.StoryRecord, bool, error)
}

// storyLister is implemented by result stores that can enumerate stories.
type storyLister interface {
	ListStories(ctx context.Context, statuses []string, limit int) ([]store.StoryRecord, error)
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithResultStore(rs ResultStore) Option {
	return func(o *Orchestrator) { o.results = rs }
}

// WithAudit records state transitions next to the bus traffic.
func WithAudit(sink audit.Sink) Option {
	return func(o *Orchestrator) { o.audit = sink }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.telemetry = t }
}

// WithTracer replaces the default otel tracer used for story spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator owns every story's pipeline state.
type Orchestrator struct {
	cfg        Config
	logger     *log.Logger
	registry   *core.Registry
	exec       *executor.Controller
	bus        *bus.Bus
	convos     *conversation.Registry
	activation Activation
	results    ResultStore
	audit      audit.Sink
	telemetry  *telemetry.Telemetry
	tracer     trace.Tracer
	now        func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	sem  chan struct{}

	mu       sync.RWMutex
	stories  map[string]*storyState
	finished []string
}

// New wires the orchestrator and registers every context agent on the bus
// so fact-check agents can interrogate them.
func New(registry *core.Registry, exec *executor.Controller, b *bus.Bus, convos *conversation.Registry, cfg Config, opts ...Option) (*Orchestrator, error) {
	if registry == nil || exec == nil || b == nil || convos == nil {
		return nil, fmt.Errorf("orchestrator: registry, controller, bus and conversations are required")
	}
	cfg = cfg.normalized()
	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		logger:     log.New(io.Discard, "", 0),
		registry:   registry,
		exec:       exec,
		bus:        b,
		convos:     convos,
		activation: NewActivation(cfg.Activation),
		tracer:     otel.Tracer("newser-intel/orchestrator"),
		now:        time.Now,
		base:       base,
		stop:       stop,
		sem:        make(chan struct{}, cfg.MaxStories),
		stories:    make(map[string]*storyState),
	}
	for _, opt := range opts {
		opt(o)
	}
	for _, reg := range registry.ByKind(core.KindContext) {
		id := reg.Agent.Identity()
		if err := b.Register(id.ID, o.verifyHandler(id)); err != nil {
			stop()
			return nil, fmt.Errorf("orchestrator: register %s on bus: %w", id.ID, err)
		}
	}
	return o, nil
}

// SubmitStory starts processing in the background and returns the story ID.
func (o *Orchestrator) SubmitStory(ctx context.Context, topic, category string) (string, error) {
	if err := o.base.Err(); err != nil {
		return "", ErrShuttingDown
	}
	topic, category = strings.TrimSpace(topic), strings.TrimSpace(category)
	if topic == "" {
		return "", ErrInvalidStory
	}
	storyCtx, cancel := context.WithCancel(o.base)
	st := o.register(topic, category, cancel)
	o.logger.Printf("story=%s submitted topic=%q category=%q", st.id, topic, category)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.process(storyCtx, st)
	}()
	return st.id, nil
}

// ProcessStory runs a story to completion on the caller's goroutine.
func (o *Orchestrator) ProcessStory(ctx context.Context, topic, category string) StoryResult {
	topic, category = strings.TrimSpace(topic), strings.TrimSpace(category)
	storyCtx, cancel := context.WithCancel(ctx)
	st := o.register(topic, category, cancel)
	if topic == "" {
		st.update(func() {
			st.status = StatusPartiallyFailed
			st.errMsg = ErrInvalidStory.Error()
			st.errKind = core.KindValidationError
		})
		o.finish(storyCtx, st, time.Now())
		return st.snapshot()
	}
	o.process(storyCtx, st)
	return st.snapshot()
}

// GetResult returns a live snapshot for running stories and the final result
// afterwards, falling back to the result store for evicted stories.
func (o *Orchestrator) GetResult(ctx context.Context, storyID string) (StoryResult, error) {
	if st := o.lookup(storyID); st != nil {
		return st.snapshot(), nil
	}
	if o.results == nil {
		return StoryResult{}, ErrStoryNotFound
	}
	rec, ok, err := o.results.GetStoryResult(ctx, storyID)
	if err != nil {
		return StoryResult{}, fmt.Errorf("load story %s: %w", storyID, err)
	}
	if !ok {
		return StoryResult{}, ErrStoryNotFound
	}
	return decodeRecord(rec)
}

// Wait blocks until the story reaches a terminal state or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, storyID string) (StoryResult, error) {
	st := o.lookup(storyID)
	if st == nil {
		return o.GetResult(ctx, storyID)
	}
	select {
	case <-st.done:
		return st.snapshot(), nil
	case <-ctx.Done():
		return st.snapshot(), ctx.Err()
	}
}

// CancelStory stops scheduling new work for a story. In-flight provider
// calls are not recalled; their results are ignored.
func (o *Orchestrator) CancelStory(storyID string) error {
	st := o.lookup(storyID)
	if st == nil {
		return ErrStoryNotFound
	}
	if st.update(func() { st.status = StatusCancelled }) {
		o.logger.Printf("story=%s cancelled", storyID)
	}
	st.cancel()
	return nil
}

// ListStories returns live stories (most recent first) followed by stored ones.
func (o *Orchestrator) ListStories(ctx context.Context, limit int) ([]StoryResult, error) {
	if limit <= 0 {
		limit = 50
	}
	o.mu.RLock()
	live := make([]*storyState, 0, len(o.stories))
	for _, st := range o.stories {
		live = append(live, st)
	}
	o.mu.RUnlock()

	out := make([]StoryResult, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, st := range live {
		snap := st.snapshot()
		seen[snap.StoryID] = true
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) >= limit {
		return out[:limit], nil
	}
	lister, ok := o.results.(storyLister)
	if !ok {
		return out, nil
	}
	recs, err := lister.ListStories(ctx, nil, limit)
	if err != nil {
		return out, fmt.Errorf("list stories: %w", err)
	}
	for _, rec := range recs {
		if seen[rec.StoryID] || len(out) >= limit {
			continue
		}
		res, err := decodeRecord(rec)
		if err != nil {
			o.logger.Printf("warn: skip unreadable story %s: %v", rec.StoryID, err)
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// Close cancels running stories and waits for them to finish.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

func (o *Orchestrator) register(topic, category string, cancel context.CancelFunc) *storyState {
	st := newStoryState(uuid.NewString(), topic, category, cancel, o.now())
	if !o.cfg.Budget.IsZero() {
		st.monitor = budget.NewMonitor(o.cfg.Budget)
	}
	o.mu.Lock()
	o.stories[st.id] = st
	o.mu.Unlock()
	return st
}

func (o *Orchestrator) lookup(storyID string) *storyState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stories[storyID]
}

// process runs the pipeline. Each phase checks ctx and the story state
// before doing any work, so a cancelled story stops scheduling.
func (o *Orchestrator) process(ctx context.Context, st *storyState) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "story.process", trace.WithAttributes(
		attribute.String("story.id", st.id),
		attribute.String("story.topic", st.topic),
		attribute.String("story.category", st.category),
	))
	defer span.End()
	st.setContext(ctx)

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		o.finish(ctx, st, started)
		return
	}

	o.logger.Printf("story=%s processing", st.id)
	o.transition(ctx, st, StatusDiscovered, core.PhaseDiscovery)

	profile, ok := o.discover(ctx, st)
	if ctx.Err() == nil {
		if failed := st.failedEssential(core.KindDiscovery); len(failed) > 0 {
			o.fail(ctx, st, core.KindEssential, "discovery agent failed: "+strings.Join(failed, ", "))
		}
	}
	if !ok {
		o.fail(ctx, st, core.KindEssential, "discovery produced no candidate")
	}
	if st.current().Terminal() {
		o.finish(ctx, st, started)
		span.SetStatus(codes.Error, "discovery failed")
		return
	}

	verifiers, checkers := o.activate(st, *profile)
	if o.transition(ctx, st, StatusEnriching, core.PhaseEnrichment) {
		o.enrich(ctx, st, *profile, verifiers)
		o.checkFloor(ctx, st)
	}
	if o.transition(ctx, st, StatusFactChecking, core.PhaseFactCheck) {
		o.factCheck(ctx, st, *profile, checkers, verifiers)
		o.checkFloor(ctx, st)
	}
	if o.transition(ctx, st, StatusSynthesizing, core.PhaseSynthesis) {
		if o.synthesize(ctx, st, *profile) {
			o.transition(ctx, st, StatusDone, "")
		} else {
			o.fail(ctx, st, core.KindEssential, "synthesis failed")
		}
	}
	o.finish(ctx, st, started)

	res := st.snapshot()
	span.SetAttributes(
		attribute.String("story.status", string(res.Status)),
		attribute.Float64("story.completeness", res.Completeness),
		attribute.Int64("story.tokens", res.Usage.Tokens()),
	)
	if res.Status == StatusDone {
		span.SetStatus(codes.Ok, "completed")
	} else {
		span.SetStatus(codes.Error, string(res.Status))
	}
}

// activate evaluates the activation rules once discovery is known. Agents
// that do not match are never scheduled.
func (o *Orchestrator) activate(st *storyState, p Profile) (verifiers, checkers []core.AgentIdentity) {
	for _, reg := range o.registry.ByKind(core.KindContext) {
		id := reg.Agent.Identity()
		if o.activation.Active(id.ID, p) {
			st.activate(id, core.PhaseEnrichment)
			verifiers = append(verifiers, id)
		}
	}
	for _, reg := range o.registry.ByKind(core.KindFactCheck) {
		id := reg.Agent.Identity()
		if o.activation.Active(id.ID, p) {
			st.activate(id, core.PhaseFactCheck)
			checkers = append(checkers, id)
		}
	}
	o.logger.Printf("story=%s activated context=%d factcheck=%d intl=%.1f", st.id, len(verifiers), len(checkers), p.InternationalRelevance)
	return verifiers, checkers
}

func (o *Orchestrator) transition(ctx context.Context, st *storyState, next Status, phase core.Phase) bool {
	if ctx.Err() != nil {
		return false
	}
	prev := st.current()
	if !st.transition(next, phase) {
		return false
	}
	if prev != next {
		o.record(ctx, st.id, "transition", fmt.Sprintf("%s -> %s", prev, next))
	}
	return true
}

// fail moves the story to PartiallyFailed, keeping whatever output the
// completed phases produced. The first reason and kind win.
func (o *Orchestrator) fail(ctx context.Context, st *storyState, kind core.ErrorKind, reason string) {
	if st.update(func() {
		st.status = StatusPartiallyFailed
		if st.errMsg == "" {
			st.errMsg = reason
		}
		if st.errKind == "" {
			st.errKind = kind
		}
	}) {
		o.logger.Printf("warn: story=%s partially failed: %s", st.id, reason)
		o.record(ctx, st.id, "transition", "-> PartiallyFailed: "+reason)
	}
}

// checkFloor ends the story when the running completeness of the attempted
// non-essential agents falls below the configured floor.
func (o *Orchestrator) checkFloor(ctx context.Context, st *storyState) {
	if o.cfg.CompletenessFloor <= 0 || ctx.Err() != nil {
		return
	}
	if c := st.runningCompleteness(); c < o.cfg.CompletenessFloor {
		st.skipPending("story stopped below completeness floor")
		o.fail(ctx, st, core.KindNonEssential, fmt.Sprintf("completeness %.2f below floor %.2f", c, o.cfg.CompletenessFloor))
	}
}

// overBudget marks not-yet-run non-essential agents as skipped once the
// story's budget is breached.
func (o *Orchestrator) overBudget(st *storyState) error {
	if st.monitor == nil {
		return nil
	}
	return st.monitor.Check()
}

// account folds provider usage into the story budget and metrics.
func (o *Orchestrator) account(st *storyState, res core.AgentResult) {
	if o.telemetry != nil {
		o.telemetry.RecordUsage(res.Agent.ID, res.Usage)
	}
	if st.monitor != nil {
		if err := st.monitor.Charge(res.Usage); err != nil {
			o.logger.Printf("warn: story=%s %v", st.id, err)
		}
	}
}

func (o *Orchestrator) finish(ctx context.Context, st *storyState, started time.Time) {
	st.mu.Lock()
	if ctx.Err() != nil && !st.status.Terminal() {
		st.status = StatusCancelled
	}
	if !st.status.Terminal() {
		st.status = StatusPartiallyFailed
		if st.errMsg == "" {
			st.errMsg = "pipeline ended early"
		}
	}
	st.finished = o.now()
	st.mu.Unlock()

	closed := o.convos.CloseStory(st.id)
	res := st.snapshot()
	o.logger.Printf("story=%s finished status=%s completeness=%.2f gaps=%d sessions=%d",
		st.id, res.Status, res.Completeness, len(res.Gaps), closed)

	detached := context.WithoutCancel(ctx)
	o.record(detached, st.id, "result", fmt.Sprintf("%s completeness=%.2f", res.Status, res.Completeness))
	if o.results != nil {
		saveCtx, cancel := context.WithTimeout(detached, 10*time.Second)
		if err := o.persist(saveCtx, res); err != nil {
			o.logger.Printf("warn: persist story=%s: %v", st.id, err)
		}
		cancel()
	}
	if o.telemetry != nil {
		o.telemetry.RecordStory(telemetry.StoryEvent{
			StoryID:      res.StoryID,
			Status:       string(res.Status),
			Completeness: res.Completeness,
			Duration:     time.Since(started),
			Usage:        res.Usage,
		})
	}
	close(st.done)
	o.retire(st.id)
}

func (o *Orchestrator) persist(ctx context.Context, res StoryResult) error {
	doc, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return o.results.SaveStoryResult(ctx, store.StoryRecord{
		StoryID:      res.StoryID,
		Topic:        res.Topic,
		Category:     res.Category,
		Status:       string(res.Status),
		Completeness: res.Completeness,
		Document:     doc,
		CreatedAt:    res.CreatedAt,
		FinishedAt:   res.FinishedAt,
	})
}

// retire keeps a bounded number of finished stories in memory. Older ones
// are served from the result store, and audit sinks that only hold entries
// in memory forget them.
func (o *Orchestrator) retire(storyID string) {
	var evicted []string
	o.mu.Lock()
	o.finished = append(o.finished, storyID)
	for len(o.finished) > o.cfg.RetainFinished {
		delete(o.stories, o.finished[0])
		evicted = append(evicted, o.finished[0])
		o.finished = o.finished[1:]
	}
	o.mu.Unlock()

	f, ok := o.audit.(audit.Forgetter)
	if !ok {
		return
	}
	for _, id := range evicted {
		if err := f.Forget(context.Background(), id); err != nil {
			o.logger.Printf("warn: forget audit story=%s: %v", id, err)
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, storyID, kind, summary string) {
	if o.audit == nil {
		return
	}
	err := o.audit.Append(ctx, audit.Entry{
		StoryID:   storyID,
		Timestamp: o.now().UTC(),
		From:      core.OrchestratorID,
		To:        core.OrchestratorID,
		Kind:      kind,
		Summary:   summary,
	})
	if err != nil {
		o.logger.Printf("warn: audit story=%s: %v", storyID, err)
	}
}

func decodeRecord(rec store.StoryRecord) (StoryResult, error) {
	var res StoryResult
	if len(rec.Document) > 0 {
		if err := json.Unmarshal(rec.Document, &res); err != nil {
			return StoryResult{}, fmt.Errorf("decode story %s: %w", rec.StoryID, err)
		}
	}
	res.StoryID = rec.StoryID
	res.Status = Status(rec.Status)
	res.Completeness = rec.Completeness
	if res.Sections == nil {
		res.Sections = []Section{}
	}
	if res.Gaps == nil {
		res.Gaps = []Gap{}
	}
	return res, nil
}
