package budget

import (
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

func TestConfigValidate(t *testing.T) {
	neg := float64(-1)
	cfg := Config{MaxCost: &neg}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
	tokens := int64(-5)
	if err := (Config{MaxTokens: &tokens}).Validate(); err == nil {
		t.Fatalf("expected token validation error")
	}
}

func TestFromLimits(t *testing.T) {
	cfg := FromLimits(0, 0, 0)
	if !cfg.IsZero() {
		t.Fatalf("expected zero config for unlimited values")
	}
	cfg = FromLimits(1000, 2.5, 90*time.Second)
	if cfg.MaxTokens == nil || *cfg.MaxTokens != 1000 {
		t.Fatalf("expected max tokens 1000")
	}
	if cfg.MaxCost == nil || *cfg.MaxCost != 2.5 {
		t.Fatalf("expected max cost 2.5")
	}
	if cfg.MaxTimeSeconds == nil || *cfg.MaxTimeSeconds != 90 {
		t.Fatalf("expected 90 seconds")
	}
	clone := cfg.Clone()
	*clone.MaxTokens = 1
	if *cfg.MaxTokens != 1000 {
		t.Fatalf("clone must not share pointers")
	}
}

func TestMonitorChargeBreachSticks(t *testing.T) {
	maxCost := 5.0
	maxTokens := int64(1000)
	mon := NewMonitor(Config{MaxCost: &maxCost, MaxTokens: &maxTokens})
	if err := mon.Charge(core.Usage{InputTokens: 300, OutputTokens: 100, Cost: 2.5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := mon.Charge(core.Usage{InputTokens: 500, OutputTokens: 200, Cost: 1})
	var exceeded ErrExceeded
	if !errors.As(err, &exceeded) || exceeded.Kind != "tokens" {
		t.Fatalf("expected token budget breach, got %v", err)
	}
	if err := mon.Charge(core.Usage{Cost: 5}); err != nil {
		t.Fatalf("only the crossing charge reports the breach, got %v", err)
	}
	if !errors.As(mon.Exceeded(), &exceeded) || exceeded.Kind != "tokens" {
		t.Fatalf("first breach must stick, got %v", mon.Exceeded())
	}
	spent := mon.Spent()
	if spent.Cost != 8.5 || spent.Tokens() != 1100 {
		t.Fatalf("unexpected spend %+v", spent)
	}
}

func TestMonitorTimeLimit(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := func() time.Time { return now }
	mon := NewMonitor(FromLimits(0, 0, 30*time.Second), WithClock(clock))
	if err := mon.Check(); err != nil {
		t.Fatalf("unexpected breach: %v", err)
	}
	now = now.Add(31 * time.Second)
	var exceeded ErrExceeded
	if err := mon.Check(); !errors.As(err, &exceeded) || exceeded.Kind != "time" {
		t.Fatalf("expected time breach, got %v", err)
	}
}

func TestMonitorUnlimited(t *testing.T) {
	mon := NewMonitor(Config{})
	if err := mon.Charge(core.Usage{InputTokens: 1e9, Cost: 1e6}); err != nil {
		t.Fatalf("unlimited monitor must never breach: %v", err)
	}
	if err := mon.Check(); err != nil {
		t.Fatalf("unexpected time breach: %v", err)
	}
}
