package orchestrator

import "strings"

// ActivationRule decides whether a non-essential agent runs for a story.
// Every condition that is set must hold; an agent with several rules is
// activated when any of them matches. Agents without rules always run.
type ActivationRule struct {
	Agent                     string   `json:"agent" mapstructure:"agent"`
	Always                    bool     `json:"always" mapstructure:"always"`
	MinRelevance              *float64 `json:"min_relevance,omitempty" mapstructure:"min_relevance"`
	MinInternationalRelevance *float64 `json:"min_international_relevance,omitempty" mapstructure:"min_international_relevance"`
	Categories                []string `json:"categories,omitempty" mapstructure:"categories"`
}

// Matches evaluates the rule against a discovery profile.
func (r ActivationRule) Matches(p Profile) bool {
	if r.Always {
		return true
	}
	if r.MinRelevance != nil && p.Relevance < *r.MinRelevance {
		return false
	}
	if r.MinInternationalRelevance != nil && p.InternationalRelevance < *r.MinInternationalRelevance {
		return false
	}
	if len(r.Categories) > 0 && !overlaps(r.Categories, p.Categories) {
		return false
	}
	return true
}

// Activation indexes rules by agent ID.
type Activation map[string][]ActivationRule

// NewActivation groups rules by agent.
func NewActivation(rules []ActivationRule) Activation {
	a := make(Activation, len(rules))
	for _, r := range rules {
		id := strings.TrimSpace(r.Agent)
		if id == "" {
			continue
		}
		a[id] = append(a[id], r)
	}
	return a
}

// Active reports whether agentID should be scheduled for p.
func (a Activation) Active(agentID string, p Profile) bool {
	rules, ok := a[agentID]
	if !ok {
		return true
	}
	for _, r := range rules {
		if r.Matches(p) {
			return true
		}
	}
	return false
}

func overlaps(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(strings.TrimSpace(w), strings.TrimSpace(h)) {
				return true
			}
		}
	}
	return false
}
