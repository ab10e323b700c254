package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/audit"
	"github.com/mohammad-safakhou/newser-intel/internal/bus"
	"github.com/mohammad-safakhou/newser-intel/internal/conversation"
	"github.com/mohammad-safakhou/newser-intel/internal/executor"
	"github.com/mohammad-safakhou/newser-intel/internal/store"
)

type harness struct {
	reg    *core.Registry
	bus    *bus.Bus
	convos *conversation.Registry
	audit  *audit.Memory
	orch   *Orchestrator
}

func newHarness(t *testing.T, cfg Config, regs []core.Registration, opts ...Option) *harness {
	t.Helper()
	reg := core.NewRegistry()
	for _, r := range regs {
		if r.Provider == "" {
			r.Provider = "test"
		}
		if err := reg.Register(r); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	mem := audit.NewMemory()
	b := bus.New(bus.WithAudit(mem))
	exec := executor.New(reg,
		executor.WithRetryPolicy(executor.RetryPolicy{MaxRetries: 0}),
		executor.WithCallTimeout(2*time.Second),
	)
	convos := conversation.NewRegistry()
	opts = append([]Option{WithAudit(mem)}, opts...)
	orch, err := New(reg, exec, b, convos, cfg, opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		orch.Close()
		b.Close()
	})
	return &harness{reg: reg, bus: b, convos: convos, audit: mem, orch: orch}
}

func agentsOf(agents ...core.Agent) []core.Registration {
	out := make([]core.Registration, 0, len(agents))
	for _, a := range agents {
		out = append(out, core.Registration{Agent: a})
	}
	return out
}

func output(v interface{}) core.Output {
	b, _ := json.Marshal(v)
	return core.Output{Data: b, Usage: core.Usage{InputTokens: 10, OutputTokens: 5}}
}

func decodePayload(task core.Task) map[string]interface{} {
	var m map[string]interface{}
	_ = json.Unmarshal(task.Payload, &m)
	return m
}

func discovery(id string, intl func(topic string) float64) core.Agent {
	return core.AgentFunc{
		ID: core.NewIdentity(id, "discovery:world"),
		Fn: func(_ context.Context, task core.Task) (core.Output, error) {
			topic, _ := decodePayload(task)["topic"].(string)
			return output(map[string]interface{}{
				"headline":                "Headline: " + topic,
				"summary":                 "summary of " + topic,
				"relevance":               7,
				"international_relevance": intl(topic),
				"categories":              []string{"world"},
			}), nil
		},
	}
}

func fixedDiscovery(id string, intl float64) core.Agent {
	return discovery(id, func(string) float64 { return intl })
}

// contextAgent answers enrichment requests immediately and delegates
// verification requests to verify.
func contextAgent(id string, verify func(ctx context.Context) (string, error)) core.Agent {
	return core.AgentFunc{
		ID: core.NewIdentity(id, "context:"+id),
		Fn: func(ctx context.Context, task core.Task) (core.Output, error) {
			if decodePayload(task)["mode"] == "verify" {
				if verify == nil {
					return output(map[string]string{"verdict": "verified", "evidence": id}), nil
				}
				verdict, err := verify(ctx)
				if err != nil {
					return core.Output{}, err
				}
				return output(map[string]string{"verdict": verdict, "evidence": id}), nil
			}
			return output(map[string]interface{}{"perspective": id, "findings": []string{id + " background"}}), nil
		},
	}
}

func failingContext(id string) core.Agent {
	return core.AgentFunc{
		ID: core.NewIdentity(id, "context:"+id),
		Fn: func(context.Context, core.Task) (core.Output, error) {
			return core.Output{}, core.ErrValidation("malformed reply")
		},
	}
}

func factChecker(id string, claims []map[string]string) core.Agent {
	return core.AgentFunc{
		ID: core.NewIdentity(id, core.KindFactCheck),
		Fn: func(_ context.Context, task core.Task) (core.Output, error) {
			round, _ := decodePayload(task)["round"].(float64)
			if round > 1 {
				return output(map[string]interface{}{"claims": []string{}}), nil
			}
			return output(map[string]interface{}{"claims": claims}), nil
		},
	}
}

func synthesis() core.Agent {
	return core.AgentFunc{
		ID: core.NewIdentity("writer", core.KindSynthesis),
		Fn: func(_ context.Context, task core.Task) (core.Output, error) {
			headline, _ := decodePayload(task)["headline"].(string)
			return output(map[string]interface{}{
				"sections": []map[string]string{{"title": "Overview", "body": headline}},
			}), nil
		},
	}
}

func float(v float64) *float64 { return &v }

func TestActivationByInternationalRelevance(t *testing.T) {
	scores := map[string]float64{"story-1": 2, "story-2": 8, "story-3": 9}
	cfg := Config{Activation: []ActivationRule{
		{Agent: "international", MinInternationalRelevance: float(7)},
		{Agent: "local", Always: true},
	}}
	h := newHarness(t, cfg, agentsOf(
		discovery("wire", func(topic string) float64 { return scores[topic] }),
		contextAgent("international", nil),
		contextAgent("local", nil),
		synthesis(),
	))

	var wg sync.WaitGroup
	results := make(map[string]StoryResult)
	var mu sync.Mutex
	for topic := range scores {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			res := h.orch.ProcessStory(context.Background(), topic, "world")
			mu.Lock()
			results[topic] = res
			mu.Unlock()
		}(topic)
	}
	wg.Wait()

	want := map[string][]string{
		"story-1": {"local"},
		"story-2": {"international", "local"},
		"story-3": {"international", "local"},
	}
	for topic, res := range results {
		if res.Status != StatusDone {
			t.Fatalf("%s: expected Done, got %s (%s)", topic, res.Status, res.Error)
		}
		var ctxAgents []string
		for id := range res.Context {
			ctxAgents = append(ctxAgents, id)
		}
		sort.Strings(ctxAgents)
		if len(ctxAgents) != len(want[topic]) {
			t.Fatalf("%s: expected context agents %v, got %v", topic, want[topic], ctxAgents)
		}
		for i := range ctxAgents {
			if ctxAgents[i] != want[topic][i] {
				t.Fatalf("%s: expected context agents %v, got %v", topic, want[topic], ctxAgents)
			}
		}
		for _, id := range res.Activated {
			if topic == "story-1" && id == "international" {
				t.Fatalf("story-1 must never schedule the international agent")
			}
		}
	}
}

func TestFactCheckTimeoutLeavesClaimUnverified(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := contextAgent("slow", func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "verified", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	h := newHarness(t, Config{RequestTimeout: 50 * time.Millisecond}, agentsOf(
		fixedDiscovery("wire", 5),
		contextAgent("fast", nil),
		slow,
		factChecker("checker", []map[string]string{
			{"text": "The summit happened on Monday.", "target": "fast"},
			{"text": "Twelve ministers attended.", "target": "slow"},
		}),
		synthesis(),
	))

	res := h.orch.ProcessStory(context.Background(), "summit", "world")
	if res.Status != StatusDone {
		t.Fatalf("expected Done, got %s (%s)", res.Status, res.Error)
	}
	if len(res.Claims) != 2 {
		t.Fatalf("expected 2 claims, got %+v", res.Claims)
	}
	byAgent := map[string]Claim{}
	for _, c := range res.Claims {
		byAgent[c.VerifiedBy] = c
	}
	if byAgent["fast"].Verdict != VerdictVerified {
		t.Fatalf("expected fast claim verified, got %+v", byAgent["fast"])
	}
	if byAgent["slow"].Verdict != VerdictUnverified || byAgent["slow"].Error == "" {
		t.Fatalf("expected slow claim unverified with timeout detail, got %+v", byAgent["slow"])
	}
	reached := false
	for _, p := range res.Phases {
		if p == core.PhaseSynthesis {
			reached = true
		}
	}
	if !reached {
		t.Fatalf("expected synthesis phase to run, phases=%v", res.Phases)
	}
	if len(res.Gaps) != 0 {
		t.Fatalf("verification timeouts are not agent gaps, got %+v", res.Gaps)
	}
}

func TestConcurrentStoriesShareOneInvocation(t *testing.T) {
	var calls int64
	slowDiscovery := core.AgentFunc{
		ID: core.NewIdentity("wire", "discovery:world"),
		Fn: func(_ context.Context, task core.Task) (core.Output, error) {
			atomic.AddInt64(&calls, 1)
			time.Sleep(100 * time.Millisecond)
			return output(map[string]interface{}{
				"headline": "Shared headline", "summary": "s", "relevance": 6,
				"international_relevance": 3, "categories": []string{"world"},
			}), nil
		},
	}
	h := newHarness(t, Config{}, agentsOf(slowDiscovery, contextAgent("local", nil), synthesis()))

	a, err := h.orch.SubmitStory(context.Background(), "same topic", "world")
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	b, err := h.orch.SubmitStory(context.Background(), "same topic", "world")
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ra, err := h.orch.Wait(ctx, a)
	if err != nil {
		t.Fatalf("wait a: %v", err)
	}
	rb, err := h.orch.Wait(ctx, b)
	if err != nil {
		t.Fatalf("wait b: %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected one discovery invocation across stories, got %d", got)
	}
	if ra.Profile == nil || rb.Profile == nil || ra.Profile.Headline != rb.Profile.Headline {
		t.Fatalf("expected identical discovery output, got %+v vs %+v", ra.Profile, rb.Profile)
	}
	if string(ra.Context["local"]) != string(rb.Context["local"]) {
		t.Fatalf("expected identical cached enrichment")
	}
	if ra.StoryID == rb.StoryID {
		t.Fatalf("stories must have distinct ids")
	}
}

func TestPartialFailureCompleteness(t *testing.T) {
	h := newHarness(t, Config{}, agentsOf(
		fixedDiscovery("wire", 5),
		contextAgent("a", nil),
		contextAgent("b", nil),
		contextAgent("c", nil),
		failingContext("d"),
		synthesis(),
	))
	res := h.orch.ProcessStory(context.Background(), "budget vote", "politics")
	if res.Status != StatusDone {
		t.Fatalf("non-essential failure must not fail the story, got %s", res.Status)
	}
	if res.Completeness != 0.75 {
		t.Fatalf("expected completeness 0.75, got %v", res.Completeness)
	}
	if len(res.Gaps) != 1 || res.Gaps[0].Agent != "d" || res.Gaps[0].Reason != GapFailed {
		t.Fatalf("expected a single gap for d, got %+v", res.Gaps)
	}
	if res.Gaps[0].Kind != core.KindValidationError || res.Gaps[0].Class != core.KindNonEssential {
		t.Fatalf("expected non-essential validation gap, got %+v", res.Gaps[0])
	}
	if res.ErrorKind != "" {
		t.Fatalf("a finished story carries no error kind, got %s", res.ErrorKind)
	}
	if len(res.Sections) != 1 {
		t.Fatalf("expected synthesized sections, got %+v", res.Sections)
	}
}

func TestEssentialFailureReturnsWellFormedResult(t *testing.T) {
	broken := core.AgentFunc{
		ID: core.NewIdentity("wire", "discovery:world"),
		Fn: func(context.Context, core.Task) (core.Output, error) {
			return core.Output{}, core.ErrProvider("upstream 400", false)
		},
	}
	h := newHarness(t, Config{}, agentsOf(broken, contextAgent("local", nil), synthesis()))
	res := h.orch.ProcessStory(context.Background(), "anything", "world")
	if res.Status != StatusPartiallyFailed {
		t.Fatalf("expected PartiallyFailed, got %s", res.Status)
	}
	if res.Sections == nil || len(res.Sections) != 0 {
		t.Fatalf("expected empty but non-nil sections, got %#v", res.Sections)
	}
	if res.Completeness != 0 {
		t.Fatalf("expected completeness 0, got %v", res.Completeness)
	}
	if len(res.Gaps) != 1 || res.Gaps[0].Agent != "wire" || res.Gaps[0].Class != core.KindEssential {
		t.Fatalf("expected essential discovery gap, got %+v", res.Gaps)
	}
	if res.ErrorKind != core.KindEssential {
		t.Fatalf("expected story error kind %s, got %q", core.KindEssential, res.ErrorKind)
	}
	if len(res.Context) != 0 {
		t.Fatalf("context agents must not run without discovery")
	}
}

func TestOneFailedDiscoveryAgentFailsStory(t *testing.T) {
	broken := core.AgentFunc{
		ID: core.NewIdentity("broken", "discovery:world"),
		Fn: func(context.Context, core.Task) (core.Output, error) {
			return core.Output{}, core.ErrProvider("upstream 400", false)
		},
	}
	h := newHarness(t, Config{}, agentsOf(fixedDiscovery("wire", 5), broken, contextAgent("local", nil), synthesis()))
	res := h.orch.ProcessStory(context.Background(), "ceasefire", "world")
	if res.Status != StatusPartiallyFailed {
		t.Fatalf("expected PartiallyFailed after an essential failure, got %s", res.Status)
	}
	if res.ErrorKind != core.KindEssential {
		t.Fatalf("expected story error kind %s, got %q (%s)", core.KindEssential, res.ErrorKind, res.Error)
	}
	if res.Profile == nil || len(res.Profile.DiscoveredBy) != 1 || res.Profile.DiscoveredBy[0] != "wire" {
		t.Fatalf("expected the successful candidate to be kept, got %+v", res.Profile)
	}
	if res.Sections == nil || len(res.Sections) != 0 {
		t.Fatalf("expected empty but non-nil sections, got %#v", res.Sections)
	}
	if len(res.Gaps) != 1 || res.Gaps[0].Agent != "broken" || res.Gaps[0].Class != core.KindEssential || res.Gaps[0].Kind != core.KindProviderError {
		t.Fatalf("expected one essential provider gap for broken, got %+v", res.Gaps)
	}
	if len(res.Context) != 0 {
		t.Fatalf("no phase may run after the story failed, got context %v", res.Context)
	}
}

func TestSynthesisFailureKeepsPartialOutput(t *testing.T) {
	writer := core.AgentFunc{
		ID: core.NewIdentity("writer", core.KindSynthesis),
		Fn: func(context.Context, core.Task) (core.Output, error) {
			return core.Output{Data: json.RawMessage(`{"sections":"nope"}`)}, nil
		},
	}
	h := newHarness(t, Config{}, agentsOf(fixedDiscovery("wire", 5), contextAgent("local", nil), writer))
	res := h.orch.ProcessStory(context.Background(), "anything", "world")
	if res.Status != StatusPartiallyFailed || res.ErrorKind != core.KindEssential {
		t.Fatalf("expected essential PartiallyFailed, got %s %q", res.Status, res.ErrorKind)
	}
	if res.Profile == nil || len(res.Context) != 1 {
		t.Fatalf("expected discovery and enrichment output to survive, got %+v", res)
	}
	if len(res.Sections) != 0 {
		t.Fatalf("expected no sections, got %+v", res.Sections)
	}
}

func TestCancelStoryIgnoresLateResults(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := core.AgentFunc{
		ID: core.NewIdentity("wire", "discovery:world"),
		Fn: func(context.Context, core.Task) (core.Output, error) {
			once.Do(func() { close(started) })
			<-release
			return output(map[string]interface{}{"headline": "late", "relevance": 9}), nil
		},
	}
	h := newHarness(t, Config{}, agentsOf(blocking, contextAgent("local", nil), synthesis()))

	id, err := h.orch.SubmitStory(context.Background(), "slow story", "world")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("discovery never started")
	}
	if err := h.orch.CancelStory(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.orch.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Status != StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", res.Status)
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
	res, _ = h.orch.GetResult(context.Background(), id)
	if res.Status != StatusCancelled || res.Profile != nil {
		t.Fatalf("late discovery result must be ignored, got %+v", res)
	}
	if err := h.orch.CancelStory("missing"); !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("expected ErrStoryNotFound, got %v", err)
	}
}

func TestBudgetBreachSkipsNonEssentialAgents(t *testing.T) {
	cfg := Config{}
	tokens := int64(10)
	cfg.Budget.MaxTokens = &tokens
	h := newHarness(t, cfg, agentsOf(fixedDiscovery("wire", 5), contextAgent("local", nil), synthesis()))
	res := h.orch.ProcessStory(context.Background(), "expensive", "world")
	if res.Status != StatusDone {
		t.Fatalf("essential agents still run after a budget breach, got %s", res.Status)
	}
	if len(res.Gaps) != 1 || res.Gaps[0].Agent != "local" || res.Gaps[0].Reason != GapSkipped || res.Gaps[0].Class != core.KindNonEssential {
		t.Fatalf("expected local skipped, got %+v", res.Gaps)
	}
	if res.Completeness != 0 {
		t.Fatalf("expected completeness 0, got %v", res.Completeness)
	}
}

func TestCompletenessFloorStopsPipeline(t *testing.T) {
	h := newHarness(t, Config{CompletenessFloor: 0.9}, agentsOf(
		fixedDiscovery("wire", 5),
		contextAgent("a", nil),
		failingContext("b"),
		factChecker("checker", nil),
		synthesis(),
	))
	res := h.orch.ProcessStory(context.Background(), "floor", "world")
	if res.Status != StatusPartiallyFailed || res.ErrorKind != core.KindNonEssential {
		t.Fatalf("expected non-essential PartiallyFailed below floor, got %s %q", res.Status, res.ErrorKind)
	}
	var skipped bool
	for _, g := range res.Gaps {
		if g.Agent == "checker" && g.Reason == GapSkipped {
			skipped = true
		}
	}
	if !skipped {
		t.Fatalf("expected fact-checker to be reported as skipped, got %+v", res.Gaps)
	}
}

func TestStoryLifetimeClosesConversationsAndAudits(t *testing.T) {
	h := newHarness(t, Config{}, agentsOf(
		fixedDiscovery("wire", 5),
		contextAgent("local", nil),
		factChecker("checker", []map[string]string{{"text": "A claim."}}),
		synthesis(),
	))
	res := h.orch.ProcessStory(context.Background(), "audit me", "world")
	if res.Status != StatusDone {
		t.Fatalf("expected Done, got %s", res.Status)
	}
	if h.convos.Len() != 0 {
		t.Fatalf("expected sessions closed at story end, %d left", h.convos.Len())
	}
	entries, err := h.audit.List(context.Background(), res.StoryID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	kinds := map[string]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	if kinds["request"] != 1 || kinds["response"] != 1 {
		t.Fatalf("expected one verification exchange on the bus, got %v", kinds)
	}
	if kinds["transition"] == 0 || kinds["result"] != 1 {
		t.Fatalf("expected transitions and a result entry, got %v", kinds)
	}
}

type memoryResults struct {
	mu   sync.Mutex
	recs map[string]store.StoryRecord
}

func (m *memoryResults) SaveStoryResult(_ context.Context, rec store.StoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.StoryID] = rec
	return nil
}

func (m *memoryResults) GetStoryResult(_ context.Context, id string) (store.StoryRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	return rec, ok, nil
}

func TestFinishedStoriesFallBackToResultStore(t *testing.T) {
	rs := &memoryResults{recs: map[string]store.StoryRecord{}}
	h := newHarness(t, Config{RetainFinished: 1}, agentsOf(fixedDiscovery("wire", 5), synthesis()), WithResultStore(rs))
	first := h.orch.ProcessStory(context.Background(), "first", "world")
	h.orch.ProcessStory(context.Background(), "second", "world")

	if h.orch.lookup(first.StoryID) != nil {
		t.Fatalf("expected first story evicted from memory")
	}
	got, err := h.orch.GetResult(context.Background(), first.StoryID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if got.Status != StatusDone || got.Completeness != 1 || len(got.Sections) != 1 {
		t.Fatalf("unexpected stored result %+v", got)
	}
	if _, err := h.orch.GetResult(context.Background(), "unknown"); !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("expected ErrStoryNotFound, got %v", err)
	}
}

func TestRetiredStoriesLeaveInMemoryAudit(t *testing.T) {
	h := newHarness(t, Config{RetainFinished: 1}, agentsOf(fixedDiscovery("wire", 5), synthesis()))
	first := h.orch.ProcessStory(context.Background(), "first", "world")
	second := h.orch.ProcessStory(context.Background(), "second", "world")

	if entries, _ := h.audit.List(context.Background(), first.StoryID); len(entries) != 0 {
		t.Fatalf("expected retired story's audit entries dropped, got %d", len(entries))
	}
	if entries, _ := h.audit.List(context.Background(), second.StoryID); len(entries) == 0 {
		t.Fatalf("expected retained story to keep its audit entries")
	}
	if h.audit.Stories() != 1 {
		t.Fatalf("expected one story in the audit log, got %d", h.audit.Stories())
	}
}

func TestSubmitRejectsEmptyTopic(t *testing.T) {
	h := newHarness(t, Config{}, agentsOf(fixedDiscovery("wire", 5), synthesis()))
	if _, err := h.orch.SubmitStory(context.Background(), "  ", "world"); !errors.Is(err, ErrInvalidStory) {
		t.Fatalf("expected ErrInvalidStory, got %v", err)
	}
}

func TestDiscoveryRespectsAgentCategories(t *testing.T) {
	regs := []core.Registration{
		{Agent: fixedDiscovery("science-desk", 5), Categories: []string{"science"}},
		{Agent: synthesis()},
	}
	h := newHarness(t, Config{}, regs)
	res := h.orch.ProcessStory(context.Background(), "election", "politics")
	if res.Status != StatusPartiallyFailed || res.Error == "" {
		t.Fatalf("expected PartiallyFailed without a matching discovery agent, got %s %q", res.Status, res.Error)
	}
}

func TestSynthesisSectionsAreSanitized(t *testing.T) {
	writer := core.AgentFunc{
		ID: core.NewIdentity("writer", core.KindSynthesis),
		Fn: func(context.Context, core.Task) (core.Output, error) {
			return output(map[string]interface{}{
				"sections": []map[string]string{
					{"title": "<b>Overview</b>", "body": `<p>Talks <em>resumed</em></p><script>alert(1)</script>`},
					{"title": "<script>x</script>", "body": ""},
				},
			}), nil
		},
	}
	h := newHarness(t, Config{}, agentsOf(fixedDiscovery("wire", 5), writer))

	res := h.orch.ProcessStory(context.Background(), "talks", "world")
	if res.Status != StatusDone {
		t.Fatalf("expected Done, got %s (%s)", res.Status, res.Error)
	}
	if len(res.Sections) != 1 {
		t.Fatalf("expected empty section to be dropped, got %+v", res.Sections)
	}
	if res.Sections[0].Title != "Overview" || res.Sections[0].Body != "<p>Talks <em>resumed</em></p>" {
		t.Fatalf("unexpected sanitized section %+v", res.Sections[0])
	}
}
