package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

// PipelineConfig tunes story processing.
type PipelineConfig struct {
	MaxParallel       int              `mapstructure:"max_parallel"`
	MaxStories        int              `mapstructure:"max_stories"`
	CallTimeout       time.Duration    `mapstructure:"call_timeout"`
	RequestTimeout    time.Duration    `mapstructure:"request_timeout"`
	MaxRetries        int              `mapstructure:"max_retries"`
	BackoffBase       time.Duration    `mapstructure:"backoff_base"`
	BackoffMax        time.Duration    `mapstructure:"backoff_max"`
	BackoffMultiplier float64          `mapstructure:"backoff_multiplier"`
	Jitter            float64          `mapstructure:"jitter"`
	CacheTTL          time.Duration    `mapstructure:"cache_ttl"`
	FailureCacheTTL   time.Duration    `mapstructure:"failure_cache_ttl"`
	CompletenessFloor float64          `mapstructure:"completeness_floor"`
	FactCheck         FactCheckConfig  `mapstructure:"factcheck"`
	Activation        []ActivationRule `mapstructure:"activation"`
	StoryBudget       StoryBudget      `mapstructure:"story_budget"`
}

// FactCheckConfig bounds the interrogation loop.
type FactCheckConfig struct {
	MinRounds int `mapstructure:"min_rounds"`
	MaxRounds int `mapstructure:"max_rounds"`
}

// ActivationRule gates a non-essential agent on the discovery profile.
type ActivationRule struct {
	Agent                     string   `mapstructure:"agent"`
	Always                    bool     `mapstructure:"always"`
	MinRelevance              *float64 `mapstructure:"min_relevance"`
	MinInternationalRelevance *float64 `mapstructure:"min_international_relevance"`
	Categories                []string `mapstructure:"categories"`
}

// StoryBudget caps what one story may spend. Zero values mean unlimited.
type StoryBudget struct {
	MaxTokens int64         `mapstructure:"max_tokens"`
	MaxCost   float64       `mapstructure:"max_cost"`
	MaxTime   time.Duration `mapstructure:"max_time"`
}

// Normalize trims rule entries and clamps ratios into range.
func (p PipelineConfig) Normalize() PipelineConfig {
	norm := p
	norm.CompletenessFloor = clamp(norm.CompletenessFloor, 0, 1)
	norm.Jitter = clamp(norm.Jitter, 0, 1)
	if norm.FactCheck.MinRounds < 0 {
		norm.FactCheck.MinRounds = 0
	}
	rules := make([]ActivationRule, 0, len(p.Activation))
	for _, r := range p.Activation {
		r.Agent = strings.TrimSpace(r.Agent)
		if r.Agent == "" {
			continue
		}
		r.Categories = sanitizeList(r.Categories)
		rules = append(rules, r)
	}
	norm.Activation = rules
	return norm
}

// Validate ensures the pipeline can run with the configured limits.
func (p PipelineConfig) Validate() error {
	if p.MaxParallel < 1 {
		return fmt.Errorf("pipeline.max_parallel must be >= 1")
	}
	if p.MaxStories < 1 {
		return fmt.Errorf("pipeline.max_stories must be >= 1")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0")
	}
	if p.FactCheck.MaxRounds < 1 {
		return fmt.Errorf("pipeline.factcheck.max_rounds must be >= 1")
	}
	if p.FactCheck.MinRounds > p.FactCheck.MaxRounds {
		return fmt.Errorf("pipeline.factcheck.min_rounds (%d) exceeds max_rounds (%d)", p.FactCheck.MinRounds, p.FactCheck.MaxRounds)
	}
	if p.StoryBudget.MaxTokens < 0 || p.StoryBudget.MaxCost < 0 || p.StoryBudget.MaxTime < 0 {
		return fmt.Errorf("pipeline.story_budget limits must not be negative")
	}
	for _, r := range p.Activation {
		if r.MinRelevance != nil && *r.MinRelevance < 0 {
			return fmt.Errorf("pipeline.activation[%s]: min_relevance must be >= 0", r.Agent)
		}
		if r.MinInternationalRelevance != nil && *r.MinInternationalRelevance < 0 {
			return fmt.Errorf("pipeline.activation[%s]: min_international_relevance must be >= 0", r.Agent)
		}
	}
	return nil
}

// Normalize lowercases backend names and drops duplicates.
func (a AuditConfig) Normalize() AuditConfig {
	norm := a
	norm.Backends = sanitizeList(a.Backends)
	for i, b := range norm.Backends {
		norm.Backends[i] = strings.ToLower(b)
	}
	norm.Backends = sanitizeList(norm.Backends)
	return norm
}

// Validate checks every backend is known and its storage is configured.
func (a AuditConfig) Validate(storage StorageConfig) error {
	for _, b := range a.Backends {
		switch b {
		case "memory":
		case "redis":
			if !storage.Redis.Enabled() {
				return fmt.Errorf("audit backend redis requires storage.redis")
			}
		case "postgres":
			if !storage.Postgres.Enabled() {
				return fmt.Errorf("audit backend postgres requires storage.postgres")
			}
		default:
			return fmt.Errorf("audit backend %q not supported", b)
		}
	}
	return nil
}

// Validate parses every cron expression.
func (s SchedulerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	for i, t := range s.Topics {
		if strings.TrimSpace(t.Topic) == "" {
			return fmt.Errorf("scheduler.topics[%d]: topic required", i)
		}
		if _, err := cronexpr.Parse(t.Cron); err != nil {
			return fmt.Errorf("scheduler.topics[%d]: invalid cron %q: %w", i, t.Cron, err)
		}
	}
	return nil
}

func sanitizeList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
