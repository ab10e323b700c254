package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

// AnthropicInvoker calls the Messages API.
type AnthropicInvoker struct {
	client *anthropic.Client
	cfg    Config
}

// NewAnthropic builds an invoker with SDK retries disabled.
func NewAnthropic(cfg Config) *AnthropicInvoker {
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaude3_5Sonnet20241022)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.timeout()),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicInvoker{client: &client, cfg: cfg}
}

func (a *AnthropicInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(block))
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.cfg.Model),
		Messages:    messages,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: anthropic.Float(a.cfg.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Response{}, classifyStatus(apiErr.StatusCode, fmt.Sprintf("anthropic status %d", apiErr.StatusCode), err)
		}
		return Response{}, classifyTransport(ctx, "anthropic", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	return Response{
		Text: text.String(),
		Usage: core.Usage{
			InputTokens:  in,
			OutputTokens: out,
			Cost:         a.cfg.price(in, out),
			Model:        string(resp.Model),
		},
	}, nil
}
