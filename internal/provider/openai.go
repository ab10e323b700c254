package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

// OpenAIInvoker calls the Chat Completions API.
type OpenAIInvoker struct {
	client *openai.Client
	cfg    Config
}

// NewOpenAI builds an invoker. SDK retries are disabled; the executor owns retry policy.
func NewOpenAI(cfg Config) *OpenAIInvoker {
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
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
	client := openai.NewClient(opts...)
	return &OpenAIInvoker{client: &client, cfg: cfg}
}

func (o *OpenAIInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               o.cfg.Model,
		Temperature:         openai.Float(o.cfg.Temperature),
		MaxCompletionTokens: openai.Int(o.cfg.MaxTokens),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Response{}, classifyStatus(apiErr.StatusCode, fmt.Sprintf("openai status %d", apiErr.StatusCode), err)
		}
		return Response{}, classifyTransport(ctx, "openai", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, core.ErrValidation("openai returned no choices")
	}
	in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	return Response{
		Text: resp.Choices[0].Message.Content,
		Usage: core.Usage{
			InputTokens:  in,
			OutputTokens: out,
			Cost:         o.cfg.price(in, out),
			Model:        resp.Model,
		},
	}, nil
}
