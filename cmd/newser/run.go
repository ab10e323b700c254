package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/newser-intel/config"
	"github.com/mohammad-safakhou/newser-intel/internal/runtime"
	"github.com/spf13/cobra"
)

func runCMD(cfgPath *string) *cobra.Command {
	var topic, category string
	var dryRun bool
	var timeout time.Duration

	var run = &cobra.Command{
		Use:   "run",
		Short: "Process one story and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				if !dryRun {
					return err
				}
				cfg = dryRunConfig()
			}

			ctx, cancel := runtime.SignalContext(context.Background(), "run")
			defer cancel()
			rt, err := runtime.Build(ctx, cfg, runtime.Options{DryRun: dryRun})
			if err != nil {
				return err
			}
			defer rt.Close()

			id, err := rt.Orchestrator.SubmitStory(ctx, topic, category)
			if err != nil {
				return err
			}
			waitCtx, stop := context.WithTimeout(ctx, timeout)
			defer stop()
			res, err := rt.Orchestrator.Wait(waitCtx, id)
			if err != nil {
				_ = rt.Orchestrator.CancelStory(id)
				return fmt.Errorf("story %s: %w", id, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	run.Flags().StringVar(&topic, "topic", "", "story topic")
	run.Flags().StringVar(&category, "category", "", "story category")
	run.Flags().BoolVar(&dryRun, "dry-run", false, "answer every agent offline with scripted replies")
	run.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "maximum time to wait for the story")
	_ = run.MarkFlagRequired("topic")

	return run
}

// dryRunConfig is the built-in lineup used by --dry-run without a config file.
func dryRunConfig() *config.Config {
	return &config.Config{
		Agents: config.AgentsConfig{Definitions: []config.AgentDefinition{
			{ID: "discovery", Role: "discovery:general"},
			{ID: "context-local", Role: "context:local"},
			{ID: "context-international", Role: "context:international"},
			{ID: "factcheck", Role: "factcheck"},
			{ID: "synthesis", Role: "synthesis"},
		}},
		Pipeline: config.PipelineConfig{
			MaxParallel:       4,
			MaxStories:        1,
			CallTimeout:       30 * time.Second,
			RequestTimeout:    10 * time.Second,
			MaxRetries:        1,
			BackoffBase:       100 * time.Millisecond,
			BackoffMax:        time.Second,
			BackoffMultiplier: 2,
			CacheTTL:          time.Minute,
			FactCheck:         config.FactCheckConfig{MaxRounds: 2},
		},
		Audit: config.AuditConfig{Backends: []string{"memory"}},
		Bus:   config.BusConfig{HistorySize: 128},
	}
}
