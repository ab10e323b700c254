package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

// ScriptFunc produces the reply text for a request.
type ScriptFunc func(ctx context.Context, req Request) (string, error)

// ScriptedInvoker answers offline with deterministic JSON. It backs --dry-run
// and tests that exercise the whole pipeline without network access.
type ScriptedInvoker struct {
	fn ScriptFunc
}

// NewScripted wraps fn; nil selects the built-in responses keyed by role.
func NewScripted(fn ScriptFunc) *ScriptedInvoker {
	if fn == nil {
		fn = DefaultScript
	}
	return &ScriptedInvoker{fn: fn}
}

func (s *ScriptedInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, core.Classify(err)
	}
	text, err := s.fn(ctx, req)
	if err != nil {
		return Response{}, core.Classify(err)
	}
	in := int64(len(req.System)+promptLen(req.Messages)) / 4
	out := int64(len(text)) / 4
	return Response{Text: text, Usage: core.Usage{InputTokens: in, OutputTokens: out, Model: "scripted"}}, nil
}

func promptLen(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

// DefaultScript returns a plausible reply for each agent kind.
func DefaultScript(_ context.Context, req Request) (string, error) {
	var payload map[string]interface{}
	_ = json.Unmarshal(req.Payload, &payload)
	str := func(k string) string {
		if v, ok := payload[k].(string); ok {
			return v
		}
		return ""
	}
	id := core.NewIdentity(req.AgentID, req.Role)

	var reply interface{}
	switch id.Kind() {
	case core.KindDiscovery:
		topic := str("topic")
		category := str("category")
		if category == "" {
			category = id.Qualifier()
		}
		reply = map[string]interface{}{
			"headline":                strings.TrimSpace("Developing: " + topic),
			"summary":                 fmt.Sprintf("Scripted summary of %q in %s.", topic, category),
			"relevance":               7.0,
			"international_relevance": 6.0,
			"categories":              []string{category},
		}
	case core.KindContext:
		if str("mode") == "verify" {
			reply = map[string]interface{}{
				"verdict":  "verified",
				"evidence": fmt.Sprintf("%s found corroborating coverage", id.ID),
			}
			break
		}
		reply = map[string]interface{}{
			"perspective": id.Qualifier(),
			"findings":    []string{fmt.Sprintf("%s background on %s", id.Qualifier(), str("headline"))},
		}
	case core.KindFactCheck:
		round, _ := payload["round"].(float64)
		claims := []map[string]string{}
		if round <= 1 {
			claims = append(claims,
				map[string]string{"text": "The event took place on the reported date."},
				map[string]string{"text": "Officials quoted in the report hold the stated positions."},
			)
		}
		reply = map[string]interface{}{"claims": claims}
	case core.KindSynthesis:
		reply = map[string]interface{}{
			"sections": []map[string]string{
				{"title": "Overview", "body": str("headline")},
				{"title": "Verification", "body": "Claims were cross-checked with the available context agents."},
			},
		}
	default:
		return "", core.ErrValidation(fmt.Sprintf("no script for role %q", req.Role))
	}
	b, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
