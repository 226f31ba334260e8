package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

const validConfig = `
defaults:
  aspect_ratio: "4:3"
retry:
  budget: 4
  reject_budget: 2
qa:
  manual: false
stale:
  threshold: "20m"
  sweep_interval: "30s"
  jitter: "5s"
  auto_recover: true
store:
  backend: badger
  path: /var/lib/renderfactory
dispatch:
  backend: redis
  redis:
    addr: "localhost:6379"
    queue: "jobs"
  rate: 2.5
  burst: 4
  breaker:
    max_failures: 3
    timeout: "1m"
server:
  addr: ":9000"
logging:
  level: debug
pipelines:
  simple_four_step:
    stages:
      - key: 1
        id: top_down_3d
        name: Top-down 3D
        locks: [aspect_ratio]
      - key: 2
        id: camera_render
        name: Camera render
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "renderfactory.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Retry.Budget != 4 || cfg.Retry.RejectBudget != 2 {
		t.Errorf("Retry = %+v, want budget 4 reject 2", cfg.Retry)
	}
	if cfg.ManualQA() {
		t.Error("ManualQA() = true, want false")
	}
	if cfg.StaleThreshold() != 20*time.Minute {
		t.Errorf("StaleThreshold = %v, want 20m", cfg.StaleThreshold())
	}
	if cfg.SweepJitter() != 5*time.Second {
		t.Errorf("SweepJitter = %v, want 5s", cfg.SweepJitter())
	}
	if cfg.Store.Backend != "badger" || cfg.Store.Path != "/var/lib/renderfactory" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Dispatch.Redis.Queue != "jobs" || cfg.Dispatch.Burst != 4 {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.BreakerTimeout() != time.Minute {
		t.Errorf("BreakerTimeout = %v, want 1m", cfg.BreakerTimeout())
	}
	if cfg.Defaults.AspectRatio != "4:3" {
		t.Errorf("AspectRatio = %q, want %q", cfg.Defaults.AspectRatio, "4:3")
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := Default()

	if cfg.Retry.Budget != 3 {
		t.Errorf("Budget = %d, want 3", cfg.Retry.Budget)
	}
	if !cfg.ManualQA() {
		t.Error("ManualQA() should default to true")
	}
	if cfg.Store.Backend != "file" || !strings.HasSuffix(cfg.Store.Path, filepath.Join(".renderfactory", "pipelines")) {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Dispatch.Backend != "spool" {
		t.Errorf("Dispatch.Backend = %q, want spool", cfg.Dispatch.Backend)
	}
	if cfg.StaleThreshold() != 15*time.Minute {
		t.Errorf("StaleThreshold = %v, want 15m", cfg.StaleThreshold())
	}
	if cfg.Defaults.OutputQuality != "2k" {
		t.Errorf("OutputQuality = %q, want 2k", cfg.Defaults.OutputQuality)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RENDERFACTORY_REDIS_ADDR", "redis:6379")
	t.Setenv("RENDERFACTORY_RETRY_BUDGET", "7")
	cfg := Default()
	if cfg.Dispatch.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Dispatch.Redis.Addr)
	}
	if cfg.Dispatch.Backend != "redis" {
		t.Errorf("Dispatch.Backend = %q, want redis when an address is set", cfg.Dispatch.Backend)
	}
	if cfg.Retry.Budget != 7 {
		t.Errorf("Budget = %d, want 7", cfg.Retry.Budget)
	}
}

func TestLayoutOverride(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	l, err := cfg.Layout(pipeline.KindSimpleFourStep)
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if len(l) != 2 || l[1].ID != "camera_render" {
		t.Errorf("layout = %+v, want the configured two stages", l)
	}

	l, err = cfg.Layout(pipeline.KindWholeApartment)
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if l.FanOutStage(pipeline.SubStageFinal360) != 6 {
		t.Error("whole_apartment should fall back to the built-in layout")
	}

	if _, err := cfg.Layout("bogus"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestPolicy(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	pol := cfg.Policy()
	if pol.Budget != 4 || pol.RejectBudget != 2 || pol.ManualQA {
		t.Errorf("Policy = %+v", pol)
	}
}

func hasError(errs []ValidationError, field, substr string) bool {
	for _, e := range errs {
		if e.Field == field && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidateStages(t *testing.T) {
	content := `
pipelines:
  whole_apartment:
    stages:
      - key: 1
        id: a
      - key: 1
        id: a
        locks: [colour]
      - key: 3
        id: pano
        fan_out: panorama
      - key: 4
        id: odd
        fan_out: sketch
`
	cfg, err := Load(writeTestConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	errs := Validate(cfg)

	checks := []struct{ field, msg string }{
		{"pipelines.whole_apartment.stages[1].key", "duplicate stage key"},
		{"pipelines.whole_apartment.stages[1].id", "duplicate stage ID"},
		{"pipelines.whole_apartment.stages[1].locks", `unrecognized setting "colour"`},
		{"pipelines.whole_apartment.stages[3].fan_out", `unrecognized sub-stage "sketch"`},
		{"pipelines.whole_apartment.stages", "panorama fan-out requires a render fan-out stage"},
	}
	for _, c := range checks {
		if !hasError(errs, c.field, c.msg) {
			t.Errorf("missing error %s: %s (got %v)", c.field, c.msg, errs)
		}
	}
}

func TestValidateFanOutOrder(t *testing.T) {
	content := `
pipelines:
  whole_apartment:
    stages:
      - {key: 1, id: pano, fan_out: panorama}
      - {key: 2, id: render, fan_out: render}
`
	cfg, err := Load(writeTestConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !hasError(Validate(cfg), "pipelines.whole_apartment.stages", "must come after render") {
		t.Errorf("expected ordering error, got %v", Validate(cfg))
	}
}

func TestValidateBackends(t *testing.T) {
	content := `
retry:
  budget: -1
store:
  backend: postgres
dispatch:
  backend: kafka
stale:
  threshold: soon
`
	cfg, err := Load(writeTestConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	errs := Validate(cfg)
	for _, c := range []struct{ field, msg string }{
		{"retry.budget", "at least 1"},
		{"store.dsn", "required"},
		{"dispatch.backend", `unrecognized backend "kafka"`},
		{"stale.threshold", `invalid duration "soon"`},
	} {
		if !hasError(errs, c.field, c.msg) {
			t.Errorf("missing error %s: %s (got %v)", c.field, c.msg, errs)
		}
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTestConfig(t, "not: [valid: yaml: !!!")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadDefaultNotFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	orig, _ := os.Getwd()
	dir := t.TempDir()
	os.Chdir(dir)
	defer os.Chdir(orig)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if cfg.Retry.Budget != 3 {
		t.Errorf("Budget = %d, want the default 3", cfg.Retry.Budget)
	}
}

func TestLoadDefaultFromCurrentDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	orig, _ := os.Getwd()
	dir := t.TempDir()
	os.Chdir(dir)
	defer os.Chdir(orig)

	os.WriteFile(filepath.Join(dir, "renderfactory.yaml"), []byte("retry:\n  budget: 9\n"), 0644)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if cfg.Retry.Budget != 9 {
		t.Errorf("Budget = %d, want 9", cfg.Retry.Budget)
	}
}
