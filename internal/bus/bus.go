// Package bus routes messages between agents: addressed requests with
// per-target FIFO delivery, topic broadcasts, and correlated responses.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/audit"
)

var (
	// ErrCorrelationInFlight is returned when a correlation id is already awaiting a response.
	ErrCorrelationInFlight = errors.New("bus: correlation id already in flight")
	// ErrUnknownTarget is returned when a request names an unregistered target.
	ErrUnknownTarget = errors.New("bus: unknown target")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
)

// Handler processes a message delivered to a registered target. Handlers for
// one target are invoked sequentially in send order.
type Handler func(ctx context.Context, msg core.Message)

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	Sent         func(kind core.MessageKind)
	Timeout      func(target string)
	LateResponse func(correlationID string)
}

// Option configures the bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithAudit sends every routed message to sink.
func WithAudit(sink audit.Sink) Option {
	return func(b *Bus) { b.audit = sink }
}

// WithHistorySize bounds the in-memory message history.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = newRing(n)
		}
	}
}

// WithMetrics sets bus metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus is the in-process message router.
type Bus struct {
	logger  *log.Logger
	audit   audit.Sink
	metrics Metrics
	history *ring

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	retired   map[string]*mailbox
	topics    map[string]map[string]struct{}
	closed    bool

	pmu     sync.Mutex
	pending map[string]chan core.AgentResult

	late int64
}

// New creates a bus. Close must be called to stop mailbox goroutines.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:    log.New(io.Discard, "", 0),
		history:   newRing(256),
		ctx:       ctx,
		cancel:    cancel,
		mailboxes: make(map[string]*mailbox),
		retired:   make(map[string]*mailbox),
		topics:    make(map[string]map[string]struct{}),
		pending:   make(map[string]chan core.AgentResult),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register installs the handler for target id, replacing any previous one.
// The new handler sees no message until the previous handler has returned.
func (b *Bus) Register(id string, h Handler) error {
	if id == "" || h == nil {
		return fmt.Errorf("bus: register requires id and handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	prev, ok := b.mailboxes[id]
	if ok {
		prev.stop()
	} else {
		prev = b.retired[id]
	}
	delete(b.retired, id)
	mb := newMailbox(id, h, b.logger)
	b.mailboxes[id] = mb
	go mb.run(b.ctx, prev)
	return nil
}

// Deregister removes a target and its topic subscriptions. Queued messages are discarded.
func (b *Bus) Deregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.mailboxes[id]; ok {
		mb.stop()
		delete(b.mailboxes, id)
		b.retired[id] = mb
	}
	for topic, subs := range b.topics {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Subscribe adds id to the subscriber set of each topic.
func (b *Bus) Subscribe(id string, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		if b.topics[t] == nil {
			b.topics[t] = make(map[string]struct{})
		}
		b.topics[t][id] = struct{}{}
	}
}

// Unsubscribe removes id from each topic.
func (b *Bus) Unsubscribe(id string, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		if subs, ok := b.topics[t]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.topics, t)
			}
		}
	}
}

// Send routes a message. Requests and broadcasts are queued on target
// mailboxes; responses resolve the pending request with the same correlation id.
func (b *Bus) Send(ctx context.Context, msg core.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var targets []*mailbox
	switch msg.Kind {
	case core.MessageRequest:
		mb, ok := b.mailboxes[msg.To]
		if !ok {
			b.mu.RUnlock()
			return fmt.Errorf("%w: %s", ErrUnknownTarget, msg.To)
		}
		targets = append(targets, mb)
	case core.MessageBroadcast:
		for id := range b.topics[msg.Topic] {
			if id == msg.From {
				continue
			}
			if mb, ok := b.mailboxes[id]; ok {
				targets = append(targets, mb)
			}
		}
	}
	b.mu.RUnlock()

	// recorded before delivery so a reply can never precede its request in the log
	b.record(ctx, msg)
	for _, mb := range targets {
		mb.enqueue(msg)
	}

	if msg.Kind == core.MessageResponse {
		b.resolve(msg)
	}
	return nil
}

// RequestResponse sends a request and waits for the correlated response.
// A timeout or cancellation yields a failed result rather than an error; the
// returned error is reserved for routing failures and correlation reuse.
func (b *Bus) RequestResponse(ctx context.Context, msg core.Message, timeout time.Duration) (core.AgentResult, error) {
	msg.Kind = core.MessageRequest
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	ch := make(chan core.AgentResult, 1)

	b.pmu.Lock()
	if _, busy := b.pending[msg.CorrelationID]; busy {
		b.pmu.Unlock()
		return core.AgentResult{}, fmt.Errorf("%w: %s", ErrCorrelationInFlight, msg.CorrelationID)
	}
	b.pending[msg.CorrelationID] = ch
	b.pmu.Unlock()

	started := time.Now()
	if err := b.Send(ctx, msg); err != nil {
		b.forget(msg.CorrelationID)
		return core.AgentResult{}, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	target := core.AgentIdentity{ID: msg.To}
	select {
	case res := <-ch:
		return res, nil
	case <-timer:
		if res, ok := b.abandon(msg.CorrelationID, ch); ok {
			return res, nil
		}
		if b.metrics.Timeout != nil {
			b.metrics.Timeout(msg.To)
		}
		b.logger.Printf("warn: request %s to %s timed out after %s", msg.CorrelationID, msg.To, timeout)
		res := core.FailedResult(core.Task{ID: msg.CorrelationID, Agent: target}, core.ErrTimeout(fmt.Sprintf("no response from %s within %s", msg.To, timeout)), 1, time.Since(started))
		return res, nil
	case <-ctx.Done():
		if res, ok := b.abandon(msg.CorrelationID, ch); ok {
			return res, nil
		}
		res := core.FailedResult(core.Task{ID: msg.CorrelationID, Agent: target}, ctx.Err(), 1, time.Since(started))
		return res, nil
	}
}

// Reply sends the response for request carrying result.
func (b *Bus) Reply(ctx context.Context, request core.Message, from string, result core.AgentResult) error {
	if result.TaskID == "" {
		result.TaskID = request.CorrelationID
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("bus: marshal reply: %w", err)
	}
	return b.Send(ctx, core.Message{
		From:          from,
		To:            request.From,
		Kind:          core.MessageResponse,
		CorrelationID: request.CorrelationID,
		StoryID:       request.StoryID,
		Payload:       payload,
		Priority:      request.Priority,
	})
}

// InFlight reports the number of requests awaiting a response.
func (b *Bus) InFlight() int {
	b.pmu.Lock()
	defer b.pmu.Unlock()
	return len(b.pending)
}

// LateResponses counts responses dropped because their request was already resolved.
func (b *Bus) LateResponses() int64 {
	b.pmu.Lock()
	defer b.pmu.Unlock()
	return b.late
}

// History returns the most recent messages, oldest first.
func (b *Bus) History() []core.Message {
	return b.history.snapshot()
}

// Close stops every mailbox. Pending requests resolve through their own timeouts.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, mb := range b.mailboxes {
		mb.stop()
	}
	b.cancel()
}

func (b *Bus) resolve(msg core.Message) {
	b.pmu.Lock()
	ch, ok := b.pending[msg.CorrelationID]
	if ok {
		delete(b.pending, msg.CorrelationID)
	} else {
		b.late++
	}
	b.pmu.Unlock()
	if !ok {
		if b.metrics.LateResponse != nil {
			b.metrics.LateResponse(msg.CorrelationID)
		}
		b.logger.Printf("dropping late response correlation=%s from=%s", msg.CorrelationID, msg.From)
		return
	}
	var res core.AgentResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		res = core.FailedResult(core.Task{ID: msg.CorrelationID, Agent: core.AgentIdentity{ID: msg.From}}, core.ErrValidation("malformed response payload").WithCause(err), 1, 0)
	}
	ch <- res
}

// abandon removes the pending entry. If a response won the race it is returned.
func (b *Bus) abandon(id string, ch chan core.AgentResult) (core.AgentResult, bool) {
	b.pmu.Lock()
	_, stillPending := b.pending[id]
	delete(b.pending, id)
	b.pmu.Unlock()
	if stillPending {
		return core.AgentResult{}, false
	}
	res := <-ch
	return res, true
}

func (b *Bus) forget(id string) {
	b.pmu.Lock()
	delete(b.pending, id)
	b.pmu.Unlock()
}

func (b *Bus) record(ctx context.Context, msg core.Message) {
	b.history.push(msg)
	if b.metrics.Sent != nil {
		b.metrics.Sent(msg.Kind)
	}
	if b.audit == nil {
		return
	}
	entry := audit.Entry{
		StoryID:   msg.StoryID,
		Timestamp: msg.CreatedAt,
		From:      msg.From,
		To:        msg.To,
		Kind:      string(msg.Kind),
		Summary:   msg.Summary(),
	}
	if err := b.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		b.logger.Printf("warn: audit append failed story=%s: %v", msg.StoryID, err)
	}
}
