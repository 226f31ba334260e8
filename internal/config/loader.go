package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
	"github.com/lucasnoah/renderfactory/internal/stage"
)

// Load reads and parses a configuration from the given YAML file path and
// fills every unset value with its default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./renderfactory.yaml,
// ~/.renderfactory/config.yaml. With no file present the built-in
// defaults are used.
func LoadDefault() (*Config, error) {
	for _, path := range Candidates() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// Candidates lists the paths LoadDefault searches.
func Candidates() []string {
	candidates := []string{"renderfactory.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".renderfactory", "config.yaml"))
	}
	return candidates
}

// Default returns a config holding only defaults.
func Default() *Config {
	var cfg Config
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

// applyEnv lets deployment secrets stay out of the YAML file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RENDERFACTORY_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("RENDERFACTORY_REDIS_ADDR"); v != "" {
		cfg.Dispatch.Redis.Addr = v
	}
	if v := os.Getenv("RENDERFACTORY_REDIS_PASSWORD"); v != "" {
		cfg.Dispatch.Redis.Password = v
	}
	if v := os.Getenv("RENDERFACTORY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RENDERFACTORY_RETRY_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.Budget = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Retry.Budget == 0 {
		cfg.Retry.Budget = stage.DefaultPolicy.Budget
	}
	if cfg.Defaults.AspectRatio == "" {
		cfg.Defaults.AspectRatio = "16:9"
	}
	if cfg.Defaults.OutputQuality == "" {
		cfg.Defaults.OutputQuality = "2k"
	}
	if cfg.Defaults.PostStageQuality == "" {
		cfg.Defaults.PostStageQuality = "2k"
	}

	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".renderfactory")

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Path == "" {
		switch cfg.Store.Backend {
		case "badger":
			cfg.Store.Path = filepath.Join(base, "badger")
		default:
			cfg.Store.Path = filepath.Join(base, "pipelines")
		}
	}

	if cfg.Dispatch.Backend == "" {
		cfg.Dispatch.Backend = "spool"
		if cfg.Dispatch.Redis.Addr != "" {
			cfg.Dispatch.Backend = "redis"
		}
	}
	if cfg.Dispatch.SpoolDir == "" {
		cfg.Dispatch.SpoolDir = filepath.Join(base, "jobs")
	}
	if cfg.Dispatch.Redis.Queue == "" {
		cfg.Dispatch.Redis.Queue = "renderfactory:jobs"
	}
	if cfg.Dispatch.Rate == 0 {
		cfg.Dispatch.Rate = 5
	}
	if cfg.Dispatch.Burst == 0 {
		cfg.Dispatch.Burst = 10
	}
	if cfg.Dispatch.Breaker.MaxFailures == 0 {
		cfg.Dispatch.Breaker.MaxFailures = 5
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":17432"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Layout returns the stage layout for kind: the configured one when the
// config overrides it, the built-in one otherwise.
func (c *Config) Layout(kind pipeline.Kind) (pipeline.Layout, error) {
	kc, ok := c.Pipelines[kind]
	if !ok || len(kc.Stages) == 0 {
		l := pipeline.BuiltinLayout(kind)
		if l == nil {
			return nil, fmt.Errorf("unknown pipeline kind %q", kind)
		}
		return l, nil
	}
	defs := make([]pipeline.StageDef, 0, len(kc.Stages))
	for _, s := range kc.Stages {
		defs = append(defs, pipeline.StageDef{
			Key:      s.Key,
			ID:       s.ID,
			Name:     s.Name,
			Optional: s.Optional,
			FanOut:   pipeline.SubStage(s.FanOut),
			Locks:    s.Locks,
		})
	}
	return pipeline.NewLayout(defs), nil
}

// Kinds returns every pipeline kind with a layout.
func (c *Config) Kinds() []pipeline.Kind {
	kinds := pipeline.Kinds()
	for k := range c.Pipelines {
		if pipeline.BuiltinLayout(k) == nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Policy returns the retry policy.
func (c *Config) Policy() stage.Policy {
	return stage.Policy{
		Budget:       c.Retry.Budget,
		RejectBudget: c.Retry.RejectBudget,
		ManualQA:     c.ManualQA(),
	}
}
