package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/cache"
)

type stubResolver map[string]core.Registration

func (s stubResolver) Get(id string) (core.Registration, bool) {
	r, ok := s[id]
	return r, ok
}

type scriptedAgent struct {
	id     core.AgentIdentity
	calls  atomic.Int32
	errors []error
	fn     func(ctx context.Context, task core.Task) (core.Output, error)
	mu     sync.Mutex
}

func (a *scriptedAgent) Identity() core.AgentIdentity { return a.id }

func (a *scriptedAgent) Invoke(ctx context.Context, task core.Task) (core.Output, error) {
	n := int(a.calls.Add(1))
	a.mu.Lock()
	var err error
	if n <= len(a.errors) {
		err = a.errors[n-1]
	}
	a.mu.Unlock()
	if err != nil {
		return core.Output{}, err
	}
	if a.fn != nil {
		return a.fn(ctx, task)
	}
	return core.Output{Data: json.RawMessage(`{"ok":true}`)}, nil
}

func newController(agents []*scriptedAgent, opts ...Option) *Controller {
	res := stubResolver{}
	for _, a := range agents {
		res[a.id.ID] = core.Registration{Agent: a, Provider: "scripted"}
	}
	ex := New(res, opts...)
	ex.sleep = func(context.Context, time.Duration) error { return nil }
	return ex
}

func task(agent core.AgentIdentity, payload string) core.Task {
	return core.Task{ID: agent.ID + "-" + payload, Agent: agent, Payload: json.RawMessage(payload)}
}

func TestRunRespectsParallelismBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	agent := &scriptedAgent{id: core.NewIdentity("ctx", "context:x"), fn: func(ctx context.Context, task core.Task) (core.Output, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return core.Output{Data: task.Payload}, nil
	}}
	ex := newController([]*scriptedAgent{agent})
	var tasks []core.Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, task(agent.id, fmt.Sprintf(`{"n":%d}`, i)))
	}
	results := ex.Run(context.Background(), tasks, 3)
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("parallelism bound violated: peak %d", p)
	}
	for i, r := range results {
		if !r.Success || r.TaskID != tasks[i].ID {
			t.Fatalf("result %d out of order or failed: %+v", i, r)
		}
	}
}

func TestRunOneRetriesTransientErrors(t *testing.T) {
	agent := &scriptedAgent{
		id:     core.NewIdentity("ctx", "context:x"),
		errors: []error{core.ErrRateLimited("429"), core.ErrProvider("503", true)},
	}
	var retries atomic.Int32
	ex := newController([]*scriptedAgent{agent},
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2}),
		WithMetrics(Metrics{RetryCounter: func(context.Context, core.Task, int) { retries.Add(1) }}),
	)
	res := ex.RunOne(context.Background(), task(agent.id, `{}`))
	if !res.Success {
		t.Fatalf("expected success after retries, got %+v", res.Error)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
	if retries.Load() != 2 {
		t.Fatalf("expected 2 retry callbacks, got %d", retries.Load())
	}
}

func TestRunOneDoesNotRetryValidationErrors(t *testing.T) {
	agent := &scriptedAgent{
		id:     core.NewIdentity("ctx", "context:x"),
		errors: []error{core.ErrValidation("missing headline"), nil},
	}
	ex := newController([]*scriptedAgent{agent}, WithRetryPolicy(RetryPolicy{MaxRetries: 5}))
	res := ex.RunOne(context.Background(), task(agent.id, `{}`))
	if res.Success || res.ErrorKind() != core.KindValidationError {
		t.Fatalf("expected validation failure, got %+v", res)
	}
	if res.Attempts != 1 || agent.calls.Load() != 1 {
		t.Fatalf("validation errors must not be retried, attempts=%d calls=%d", res.Attempts, agent.calls.Load())
	}
}

func TestRunOneExhaustsRetries(t *testing.T) {
	boom := core.ErrTimeout("slow")
	agent := &scriptedAgent{id: core.NewIdentity("ctx", "context:x"), errors: []error{boom, boom, boom, boom}}
	ex := newController([]*scriptedAgent{agent}, WithRetryPolicy(RetryPolicy{MaxRetries: 2}))
	res := ex.RunOne(context.Background(), task(agent.id, `{}`))
	if res.Success || res.Attempts != 3 {
		t.Fatalf("expected failure after 3 attempts, got success=%v attempts=%d", res.Success, res.Attempts)
	}
	if !errors.Is(res.Error, core.ErrKindTimeout) {
		t.Fatalf("expected timeout kind, got %v", res.Error)
	}
}

func TestRunOneCallTimeout(t *testing.T) {
	agent := &scriptedAgent{id: core.NewIdentity("ctx", "context:x"), fn: func(ctx context.Context, _ core.Task) (core.Output, error) {
		<-ctx.Done()
		return core.Output{}, ctx.Err()
	}}
	ex := newController([]*scriptedAgent{agent}, WithCallTimeout(10*time.Millisecond), WithRetryPolicy(RetryPolicy{MaxRetries: 0}))
	res := ex.RunOne(context.Background(), task(agent.id, `{}`))
	if res.ErrorKind() != core.KindTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
}

func TestRunOneServesFromCache(t *testing.T) {
	agent := &scriptedAgent{id: core.NewIdentity("ctx", "context:x")}
	var hits atomic.Int32
	ex := newController([]*scriptedAgent{agent},
		WithCache(cache.NewMemory(), time.Minute, 0),
		WithMetrics(Metrics{CacheHit: func(context.Context, core.Task) { hits.Add(1) }}),
	)
	first := ex.RunOne(context.Background(), task(agent.id, `{"a":1,"b":2}`))
	second := ex.RunOne(context.Background(), core.Task{ID: "other", Agent: agent.id, Payload: json.RawMessage(`{"b":2,"a":1}`)})
	if !first.Success || !second.Success {
		t.Fatalf("expected successes")
	}
	if agent.calls.Load() != 1 {
		t.Fatalf("expected one invocation, got %d", agent.calls.Load())
	}
	if second.TaskID != "other" {
		t.Fatalf("cached result must carry the caller's task id, got %s", second.TaskID)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one cache hit, got %d", hits.Load())
	}
}

func TestRunOneFailureCaching(t *testing.T) {
	bad := core.ErrValidation("bad")
	agent := &scriptedAgent{id: core.NewIdentity("ctx", "context:x"), errors: []error{bad, bad, bad}}

	ex := newController([]*scriptedAgent{agent}, WithCache(cache.NewMemory(), time.Minute, 0))
	ex.RunOne(context.Background(), task(agent.id, `{}`))
	ex.RunOne(context.Background(), task(agent.id, `{}`))
	if agent.calls.Load() != 2 {
		t.Fatalf("failures must not be cached without failure ttl, calls=%d", agent.calls.Load())
	}

	agent2 := &scriptedAgent{id: core.NewIdentity("ctx2", "context:y"), errors: []error{bad, bad}}
	ex = newController([]*scriptedAgent{agent2}, WithCache(cache.NewMemory(), time.Minute, time.Minute))
	ex.RunOne(context.Background(), task(agent2.id, `{}`))
	res := ex.RunOne(context.Background(), task(agent2.id, `{}`))
	if agent2.calls.Load() != 1 || res.Success {
		t.Fatalf("expected cached failure, calls=%d", agent2.calls.Load())
	}
}

func TestConcurrentIdenticalTasksCollapse(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	agent := &scriptedAgent{id: core.NewIdentity("greek", "context:greek"), fn: func(context.Context, core.Task) (core.Output, error) {
		started <- struct{}{}
		<-release
		return core.Output{Data: json.RawMessage(`{"facts":["x"]}`)}, nil
	}}
	ex := newController([]*scriptedAgent{agent}, WithCache(cache.NewMemory(), time.Minute, 0))

	payload := `{"entity":"Athens"}`
	var wg sync.WaitGroup
	results := make([]core.AgentResult, 2)
	for i, story := range []string{"story-a", "story-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk := task(agent.id, payload)
			tk.StoryID = story
			results[i] = ex.RunOne(context.Background(), tk)
		}()
		if i == 0 {
			<-started
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	if agent.calls.Load() != 1 {
		t.Fatalf("expected a single invocation across stories, got %d", agent.calls.Load())
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("expected both stories to receive the result: %+v", r)
		}
	}
}

func TestCancelledCallerStopsWaitingButInvocationCompletes(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	agent := &scriptedAgent{id: core.NewIdentity("ctx", "context:x"), fn: func(context.Context, core.Task) (core.Output, error) {
		<-release
		defer close(done)
		return core.Output{Data: json.RawMessage(`{"ok":true}`)}, nil
	}}
	mem := cache.NewMemory()
	ex := newController([]*scriptedAgent{agent}, WithCache(mem, time.Minute, 0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := ex.RunOne(ctx, task(agent.id, `{}`))
	if res.ErrorKind() != core.KindCancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	close(release)
	<-done
	deadline := time.Now().Add(time.Second)
	for mem.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	again := ex.RunOne(context.Background(), task(agent.id, `{}`))
	if !again.Success || agent.calls.Load() != 1 {
		t.Fatalf("expected detached invocation to populate cache, calls=%d", agent.calls.Load())
	}
}

func TestRunWithCancelledContext(t *testing.T) {
	agent := &scriptedAgent{id: core.NewIdentity("ctx", "context:x")}
	ex := newController([]*scriptedAgent{agent})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := ex.Run(ctx, []core.Task{task(agent.id, `{"a":1}`), task(agent.id, `{"a":2}`)}, 1)
	for _, r := range results {
		if r.ErrorKind() != core.KindCancelled {
			t.Fatalf("expected cancelled results, got %+v", r)
		}
	}
	if agent.calls.Load() != 0 {
		t.Fatalf("no invocation expected after cancellation")
	}
}

func TestUnknownAgent(t *testing.T) {
	ex := newController(nil)
	res := ex.RunOne(context.Background(), task(core.NewIdentity("ghost", "context:ghost"), `{}`))
	if res.Success || res.ErrorKind() != core.KindValidationError {
		t.Fatalf("expected validation failure for unknown agent, got %+v", res)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}.normalized()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: delay %s want %s", i+1, got, w)
		}
	}
	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %s outside bounds", d)
		}
	}
}
