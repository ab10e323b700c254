// Package provider is the invocation boundary between agents and the remote
// LLM services they call.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

// Client names a provider implementation.
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
	Scripted  Client = "scripted"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// Request is a provider-neutral completion request.
type Request struct {
	AgentID  string
	Role     string
	System   string
	Messages []Message
	// Payload is the raw task payload, used by offline invokers.
	Payload json.RawMessage
}

// Response is the text reply plus accounting.
type Response struct {
	Text  string
	Usage core.Usage
}

// Invoker performs one completion. Errors are *core.AgentError.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Config describes one named provider.
type Config struct {
	Type        Client
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
	Timeout     time.Duration
	// USD per 1K tokens, used to price usage.
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// New builds the invoker for cfg.
func New(cfg Config) (Invoker, error) {
	switch cfg.Type {
	case OpenAI:
		return NewOpenAI(cfg), nil
	case Anthropic:
		return NewAnthropic(cfg), nil
	case Scripted, "":
		return NewScripted(nil), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Type)
	}
}

func (c Config) price(in, out int64) float64 {
	return float64(in)/1000*c.InputCostPer1K + float64(out)/1000*c.OutputCostPer1K
}

// classifyStatus maps an HTTP status returned by a provider API to an agent error.
func classifyStatus(status int, message string, cause error) *core.AgentError {
	switch {
	case status == http.StatusTooManyRequests:
		return core.ErrRateLimited(message).WithCause(cause)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return core.ErrTimeout(message).WithCause(cause)
	case status >= 500:
		return core.ErrProvider(message, true).WithCause(cause)
	default:
		return core.ErrProvider(message, false).WithCause(cause)
	}
}

// classifyTransport handles errors that carry no HTTP status.
func classifyTransport(ctx context.Context, provider string, err error) *core.AgentError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if ctxErr == context.DeadlineExceeded {
			return core.ErrTimeout(provider + " call deadline exceeded").WithCause(err)
		}
		return core.ErrCancelled(provider + " call cancelled").WithCause(err)
	}
	return core.ErrProvider(provider+" transport error", true).WithCause(err)
}

const defaultTimeout = 60 * time.Second

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}
