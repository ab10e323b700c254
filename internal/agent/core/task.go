package core

import (
	"context"
	"encoding/json"
	"time"
)

// Phase names the pipeline stage a task belongs to.
type Phase string

const (
	PhaseDiscovery    Phase = "discovery"
	PhaseEnrichment   Phase = "enrichment"
	PhaseFactCheck    Phase = "factcheck"
	PhaseVerification Phase = "verification"
	PhaseSynthesis    Phase = "synthesis"
)

// Turn is one request/response exchange as seen by an agent's conversation history.
type Turn struct {
	Seq      uint64          `json:"seq"`
	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response,omitempty"`
	At       time.Time       `json:"at"`
}

// Task is a unit of work assigned to one agent.
type Task struct {
	ID          string          `json:"task_id"`
	Agent       AgentIdentity   `json:"agent"`
	Fingerprint string          `json:"input_fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	Phase       Phase           `json:"phase"`
	StoryID     string          `json:"story_id"`
	History     []Turn          `json:"history,omitempty"`
}

// Usage is provider accounting attached to an invocation.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Model        string  `json:"model,omitempty"`
}

// Tokens returns the total token count.
func (u Usage) Tokens() int64 { return u.InputTokens + u.OutputTokens }

// Add sums two usages.
func (u Usage) Add(o Usage) Usage {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.Cost += o.Cost
	if u.Model == "" {
		u.Model = o.Model
	}
	return u
}

// Output is what an agent returns on success.
type Output struct {
	Data  json.RawMessage
	Usage Usage
}

// AgentResult is the immutable outcome of running a task.
type AgentResult struct {
	TaskID      string          `json:"task_id"`
	Agent       AgentIdentity   `json:"agent"`
	Success     bool            `json:"success"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       *AgentError     `json:"error,omitempty"`
	Latency     time.Duration   `json:"latency"`
	Attempts    int             `json:"attempt_count"`
	Usage       Usage           `json:"usage"`
	CompletedAt time.Time       `json:"completed_at"`
}

// ErrorKind returns the failure kind, or "" for successful results.
func (r AgentResult) ErrorKind() ErrorKind {
	if r.Error == nil {
		return ""
	}
	return r.Error.Kind
}

// Decode unmarshals the result data into v.
func (r AgentResult) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return ErrValidation("empty result data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return ErrValidation("decode result data").WithCause(err)
	}
	return nil
}

// FailedResult builds a failed result for task.
func FailedResult(task Task, err error, attempts int, latency time.Duration) AgentResult {
	return AgentResult{
		TaskID:      task.ID,
		Agent:       task.Agent,
		Success:     false,
		Error:       Classify(err),
		Latency:     latency,
		Attempts:    attempts,
		CompletedAt: time.Now(),
	}
}

// CancelledResult marks a task that never completed because its batch was cancelled.
func CancelledResult(task Task) AgentResult {
	return FailedResult(task, ErrCancelled("task cancelled before completion"), 0, 0)
}

// Agent is a capability unit producing a result by invoking an external provider.
type Agent interface {
	Identity() AgentIdentity
	Invoke(ctx context.Context, task Task) (Output, error)
}

// AgentFunc adapts a function into an Agent.
type AgentFunc struct {
	ID AgentIdentity
	Fn func(ctx context.Context, task Task) (Output, error)
}

func (f AgentFunc) Identity() AgentIdentity { return f.ID }

func (f AgentFunc) Invoke(ctx context.Context, task Task) (Output, error) { return f.Fn(ctx, task) }
