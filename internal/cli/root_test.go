package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/renderfactory/internal/config"
	"github.com/lucasnoah/renderfactory/internal/logging"
	"github.com/lucasnoah/renderfactory/internal/orchestrator"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

func executeCommand(args ...string) (string, error) {
	configFile, logLevel, jsonOutput = "", "", false
	resetHelpFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetHelpFlags clears --help left set on the shared command tree by an
// earlier Execute, so later runs execute the command instead of printing help.
func resetHelpFlags(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, sub := range cmd.Commands() {
		resetHelpFlags(sub)
	}
}

// writeConfig writes a file-store, spool-dispatch config under a temp dir
// and returns its path with the store directory.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "pipelines")
	yaml := "store:\n  backend: file\n  path: " + storeDir + "\n" +
		"dispatch:\n  backend: spool\n  spool_dir: " + filepath.Join(dir, "jobs") + "\n" +
		"logging:\n  level: error\n  file: " + filepath.Join(dir, "renderfactory.log") + "\n"
	path := filepath.Join(dir, "renderfactory.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, storeDir
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"pipeline", "stage", "space", "qa", "event",
		"status", "monitor", "serve", "config", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	cases := map[string][]string{
		"pipeline": {"create", "list", "status", "advance", "pause", "resume", "rollback", "settings", "delete"},
		"stage":    {"start", "approve", "reject", "skip", "restart", "recover"},
		"space":    {"register", "exclude", "restore", "start", "run-all", "approve", "reject", "gate"},
		"qa":       {"observe"},
		"event":    {"progress", "log"},
		"monitor":  {"check", "sweep", "run"},
		"config":   {"validate", "show", "paths"},
		"db":       {"migrate", "reset"},
	}
	for parent, subs := range cases {
		for _, sub := range subs {
			out, err := executeCommand(parent, sub, "--help")
			if err != nil {
				t.Errorf("%s %s --help failed: %v", parent, sub, err)
			}
			if out == "" {
				t.Errorf("%s %s --help produced no output", parent, sub)
			}
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestBadArguments(t *testing.T) {
	cfg, _ := writeConfig(t)
	if _, err := executeCommand("stage", "start", "p1", "zero", "--config", cfg); err == nil || !strings.Contains(err.Error(), "invalid stage key") {
		t.Errorf("expected invalid stage key error, got %v", err)
	}
	if _, err := executeCommand("space", "gate", "p1", "attic", "--config", cfg); err == nil || !strings.Contains(err.Error(), "unknown sub-stage") {
		t.Errorf("expected unknown sub-stage error, got %v", err)
	}
	if _, err := executeCommand("db", "reset", "--config", cfg); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("expected reset to demand --yes, got %v", err)
	}
}

func TestConfigShow(t *testing.T) {
	cfg, storeDir := writeConfig(t)
	out, err := executeCommand("config", "show", "--config", cfg)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "backend: file") || !strings.Contains(out, storeDir) {
		t.Errorf("config show missing store settings:\n%s", out)
	}

	out, err = executeCommand("config", "validate", "--config", cfg)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("unexpected validate output: %s", out)
	}
}

func TestPipelineLifecycle(t *testing.T) {
	cfg, storeDir := writeConfig(t)

	out, err := executeCommand("pipeline", "create", "--id", "p1", "--title", "Loft", "--aspect-ratio", "4:3", "--config", cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "Created pipeline p1") {
		t.Errorf("unexpected create output: %s", out)
	}

	out, err = executeCommand("pipeline", "advance", "p1", "--config", cfg)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !strings.Contains(out, "Stage 1 started") {
		t.Errorf("unexpected advance output: %s", out)
	}

	// A second advance is refused while the stage runs.
	if _, err := executeCommand("pipeline", "advance", "p1", "--config", cfg); err == nil {
		t.Error("expected advance of a running stage to fail")
	}

	p, err := pipeline.NewStore(storeDir).Read(context.Background(), "p1")
	if err != nil {
		t.Fatalf("read p1: %v", err)
	}
	attempt := p.RetryState[1].AttemptID
	if attempt == "" {
		t.Fatal("no attempt recorded")
	}

	out, err = executeCommand("qa", "observe", "p1", "1", "--attempt", "stale-attempt", "--config", cfg)
	if err != nil {
		t.Fatalf("observe stale: %v", err)
	}
	if !strings.Contains(out, "ignored") {
		t.Errorf("expected stale attempt to be ignored, got: %s", out)
	}

	out, err = executeCommand("qa", "observe", "p1", "1", "--attempt", attempt, "--artifact", "s3://renders/p1/1.png", "--decision", "pass", "--config", cfg)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !strings.Contains(out, string(pipeline.SubWaitingApproval)) {
		t.Errorf("expected waiting_approval, got: %s", out)
	}

	if _, err := executeCommand("stage", "approve", "p1", "1", "--config", cfg); err != nil {
		t.Fatalf("approve: %v", err)
	}

	out, err = executeCommand("pipeline", "status", "p1", "--json", "--config", cfg)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var info orchestrator.StatusInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if info.Stages[0].State != pipeline.SubApproved {
		t.Errorf("stage 1 state = %s, want approved", info.Stages[0].State)
	}
	if info.Stages[0].ArtifactRef != "s3://renders/p1/1.png" {
		t.Errorf("artifact = %q", info.Stages[0].ArtifactRef)
	}
	if info.Settings.AspectRatio != "4:3" {
		t.Errorf("aspect ratio = %q, want 4:3", info.Settings.AspectRatio)
	}

	// Stage 1 locks the aspect ratio once it has started.
	if _, err := executeCommand("pipeline", "settings", "p1", "--aspect-ratio", "1:1", "--config", cfg); err == nil {
		t.Error("expected locked aspect ratio to be refused")
	}

	out, err = executeCommand("status", "--config", cfg)
	if err != nil {
		t.Fatalf("status all: %v", err)
	}
	if !strings.Contains(out, "p1") {
		t.Errorf("status missing p1: %s", out)
	}

	out, err = executeCommand("event", "log", "p1", "--config", cfg)
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	if !strings.Contains(out, pipeline.EventStarted) {
		t.Errorf("event log missing start: %s", out)
	}

	if _, err := executeCommand("pipeline", "delete", "p1", "--config", cfg); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := executeCommand("pipeline", "status", "p1", "--config", cfg); err == nil {
		t.Error("expected status of deleted pipeline to fail")
	}
}

func TestParseSpaceSpecs(t *testing.T) {
	specs, err := parseSpaceSpecs([]string{"kitchen", "bed-1:Main bedroom"})
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 || specs[0].ID != "kitchen" || specs[1].ID != "bed-1" || specs[1].Name != "Main bedroom" {
		t.Errorf("unexpected specs: %+v", specs)
	}
	if _, err := parseSpaceSpecs([]string{":nameless"}); err == nil {
		t.Error("expected error for empty space id")
	}
}

func TestParseVariant(t *testing.T) {
	for in, want := range map[string]pipeline.Variant{
		"a": pipeline.VariantA, "B": pipeline.VariantB, "single": pipeline.VariantSingle, "": pipeline.VariantSingle,
	} {
		got, err := parseVariant(in)
		if err != nil || got != want {
			t.Errorf("parseVariant(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := parseVariant("C"); err == nil {
		t.Error("expected error for variant C")
	}
}

func TestUnknownBackends(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Store.Backend = "sqlite"
	if _, err := newStack(ctx, cfg, logging.Discard()); err == nil || !strings.Contains(err.Error(), "unknown store backend") {
		t.Errorf("expected unknown store backend error, got %v", err)
	}

	cfg = config.Default()
	cfg.Store.Path = t.TempDir()
	cfg.Dispatch.Backend = "carrier-pigeon"
	if _, err := newStack(ctx, cfg, logging.Discard()); err == nil || !strings.Contains(err.Error(), "unknown dispatch backend") {
		t.Errorf("expected unknown dispatch backend error, got %v", err)
	}

	t.Setenv("RENDERFACTORY_STORE_DSN", "")
	cfg = config.Default()
	cfg.Store.Backend = "postgres"
	cfg.Store.DSN = ""
	if _, err := newStack(ctx, cfg, logging.Discard()); err == nil || !strings.Contains(err.Error(), "store.dsn") {
		t.Errorf("expected missing dsn error, got %v", err)
	}
}
