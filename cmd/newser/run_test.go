package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/orchestrator"
)

func TestRunDryRunPrintsResult(t *testing.T) {
	root := rootCMD()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{
		"run",
		"--config", filepath.Join(t.TempDir(), "absent.json"),
		"--topic", "harbour closure",
		"--category", "local",
		"--dry-run",
	})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var res orchestrator.StoryResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if res.Status != orchestrator.StatusDone {
		t.Fatalf("expected Done, got %s (%s)", res.Status, res.Error)
	}
	if res.Topic != "harbour closure" || len(res.Sections) == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunRequiresConfigWithoutDryRun(t *testing.T) {
	root := rootCMD()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--config", filepath.Join(t.TempDir(), "absent.json"), "--topic", "x"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected missing config error")
	}
}
