package runtime

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/newser-intel/config"
	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
	"github.com/mohammad-safakhou/newser-intel/internal/agent/llm"
	"github.com/mohammad-safakhou/newser-intel/internal/executor"
	"github.com/mohammad-safakhou/newser-intel/internal/provider"
)

// scriptedProvider is the provider name used when none is configured.
const scriptedProvider = "scripted"

// defaultRequiredFields are enforced when an agent definition lists none.
var defaultRequiredFields = map[string][]string{
	core.KindDiscovery: {"headline", "relevance"},
	core.KindFactCheck: {"claims"},
	core.KindSynthesis: {"sections"},
}

// BuildInvokers creates one invoker per configured provider. With dryRun
// every provider answers from the offline script.
func BuildInvokers(cfg *config.Config, dryRun bool) (map[string]provider.Invoker, error) {
	invokers := make(map[string]provider.Invoker, len(cfg.LLM.Providers)+1)
	for name, p := range cfg.LLM.Providers {
		pc := provider.Config{
			Type:            provider.Client(strings.ToLower(p.Type)),
			APIKey:          p.APIKey,
			BaseURL:         p.BaseURL,
			Model:           p.Model,
			MaxTokens:       p.MaxTokens,
			Temperature:     p.Temperature,
			Timeout:         p.Timeout,
			InputCostPer1K:  p.CostPer1K,
			OutputCostPer1K: p.CostPer1KOutput,
		}
		if dryRun {
			pc.Type = provider.Scripted
		}
		inv, err := provider.New(pc)
		if err != nil {
			return nil, fmt.Errorf("llm.providers.%s: %w", name, err)
		}
		invokers[name] = inv
	}
	if _, ok := invokers[scriptedProvider]; !ok {
		invokers[scriptedProvider] = provider.NewScripted(nil)
	}
	return invokers, nil
}

// ProviderLimits turns per-provider rate settings into controller options.
func ProviderLimits(cfg *config.Config) []executor.Option {
	names := make([]string, 0, len(cfg.LLM.Providers))
	for name := range cfg.LLM.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	var opts []executor.Option
	for _, name := range names {
		p := cfg.LLM.Providers[name]
		if p.RatePerSecond > 0 {
			opts = append(opts, executor.WithProviderLimit(name, p.RatePerSecond, p.Burst))
		}
	}
	return opts
}

// BuildAgents registers one LLM agent per definition.
func BuildAgents(cfg *config.Config, invokers map[string]provider.Invoker) (*core.Registry, error) {
	reg := core.NewRegistry()
	for i, def := range cfg.Agents.Definitions {
		name := resolveProvider(def.Provider, cfg)
		inv, ok := invokers[name]
		if !ok {
			return nil, fmt.Errorf("agents.definitions[%d]: provider %q has no invoker", i, name)
		}
		fields := def.RequiredFields
		id := core.NewIdentity(def.ID, def.Role)
		if len(fields) == 0 {
			fields = defaultRequiredFields[id.Kind()]
		}
		agent := llm.New(llm.Definition{
			ID:             id.ID,
			Role:           id.Role,
			Instruction:    def.Instruction,
			RequiredFields: fields,
		}, inv)
		if err := reg.Register(core.Registration{Agent: agent, Provider: name, Categories: def.Categories}); err != nil {
			return nil, fmt.Errorf("agents.definitions[%d]: %w", i, err)
		}
	}
	return reg, nil
}

// resolveProvider falls back to the only configured provider, then to the
// offline script.
func resolveProvider(name string, cfg *config.Config) string {
	if name != "" {
		return name
	}
	if len(cfg.LLM.Providers) == 1 {
		for only := range cfg.LLM.Providers {
			return only
		}
	}
	return scriptedProvider
}
