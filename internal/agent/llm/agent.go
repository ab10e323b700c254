// Package llm implements agents that delegate their work to an LLM provider
// and return a validated JSON document.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/provider"
)

// Definition configures one LLM-backed agent.
type Definition struct {
	ID             string
	Role           string
	Instruction    string
	RequiredFields []string
}

// Agent renders a task into a provider request and validates the reply.
type Agent struct {
	id       core.AgentIdentity
	def      Definition
	invoker  provider.Invoker
	maxTurns int
}

// New creates an agent backed by inv.
func New(def Definition, inv provider.Invoker) *Agent {
	return &Agent{id: core.NewIdentity(def.ID, def.Role), def: def, invoker: inv, maxTurns: 8}
}

func (a *Agent) Identity() core.AgentIdentity { return a.id }

func (a *Agent) Invoke(ctx context.Context, task core.Task) (core.Output, error) {
	req := provider.Request{
		AgentID:  a.id.ID,
		Role:     a.id.Role,
		System:   a.systemPrompt(),
		Messages: a.messages(task),
		Payload:  task.Payload,
	}
	resp, err := a.invoker.Invoke(ctx, req)
	if err != nil {
		return core.Output{}, err
	}
	data, err := a.validate(resp.Text)
	if err != nil {
		return core.Output{Usage: resp.Usage}, err
	}
	return core.Output{Data: data, Usage: resp.Usage}, nil
}

func (a *Agent) systemPrompt() string {
	var b strings.Builder
	if a.def.Instruction != "" {
		b.WriteString(strings.TrimSpace(a.def.Instruction))
		b.WriteString("\n\n")
	}
	b.WriteString("Respond ONLY with a single valid JSON object.")
	if len(a.def.RequiredFields) > 0 {
		fmt.Fprintf(&b, " It must contain the fields: %s.", strings.Join(a.def.RequiredFields, ", "))
	}
	return b.String()
}

// messages replays the most recent conversation turns before the new payload.
func (a *Agent) messages(task core.Task) []provider.Message {
	history := task.History
	if len(history) > a.maxTurns {
		history = history[len(history)-a.maxTurns:]
	}
	out := make([]provider.Message, 0, 2*len(history)+1)
	for _, t := range history {
		out = append(out, provider.Message{Role: "user", Content: string(t.Request)})
		if len(t.Response) > 0 {
			out = append(out, provider.Message{Role: "assistant", Content: string(t.Response)})
		}
	}
	out = append(out, provider.Message{Role: "user", Content: string(task.Payload)})
	return out
}

func (a *Agent) validate(text string) (json.RawMessage, error) {
	raw, err := extractObject(text)
	if err != nil {
		return nil, core.ErrValidation(fmt.Sprintf("%s: reply is not a JSON object", a.id.ID)).WithCause(err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, core.ErrValidation(fmt.Sprintf("%s: malformed JSON reply", a.id.ID)).WithCause(err)
	}
	var missing []string
	for _, f := range a.def.RequiredFields {
		v, ok := obj[f]
		if !ok || string(v) == "null" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, core.ErrValidation(fmt.Sprintf("%s: reply missing required fields %s", a.id.ID, strings.Join(missing, ", ")))
	}
	if err := validateShape(a.id.Kind(), []byte(raw)); err != nil {
		return nil, core.ErrValidation(fmt.Sprintf("%s: malformed reply", a.id.ID)).WithCause(err)
	}
	return json.RawMessage(raw), nil
}
