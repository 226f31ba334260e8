package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedSettings = map[string]bool{
	pipeline.SettingAspectRatio:      true,
	pipeline.SettingOutputQuality:    true,
	pipeline.SettingPostStageQuality: true,
}

var subStageOrder = map[pipeline.SubStage]int{
	pipeline.SubStageRender:   1,
	pipeline.SubStagePanorama: 2,
	pipeline.SubStageFinal360: 3,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	kinds := make([]string, 0, len(cfg.Pipelines))
	for k := range cfg.Pipelines {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		validateKind(pipeline.Kind(k), cfg.Pipelines[pipeline.Kind(k)], add)
	}

	if cfg.Retry.Budget < 1 {
		add("retry.budget", "must be at least 1")
	}
	if cfg.Retry.RejectBudget < 0 {
		add("retry.reject_budget", "must not be negative")
	}

	for field, v := range map[string]string{
		"stale.threshold":          cfg.Stale.Threshold,
		"stale.sweep_interval":     cfg.Stale.SweepInterval,
		"stale.jitter":             cfg.Stale.Jitter,
		"dispatch.breaker.timeout": cfg.Dispatch.Breaker.Timeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			add(field, "invalid duration %q", v)
		}
	}

	switch cfg.Store.Backend {
	case "file", "badger":
		if cfg.Store.Path == "" {
			add("store.path", "is required for the %s backend", cfg.Store.Backend)
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			add("store.dsn", "is required for the postgres backend")
		}
	default:
		add("store.backend", "unrecognized backend %q", cfg.Store.Backend)
	}

	switch cfg.Dispatch.Backend {
	case "spool":
	case "redis":
		if cfg.Dispatch.Redis.Addr == "" {
			add("dispatch.redis.addr", "is required for the redis backend")
		}
	default:
		add("dispatch.backend", "unrecognized backend %q", cfg.Dispatch.Backend)
	}
	if cfg.Dispatch.Rate < 0 {
		add("dispatch.rate", "must not be negative")
	}

	return errs
}

func validateKind(kind pipeline.Kind, kc KindConfig, add func(field, format string, args ...any)) {
	prefix := fmt.Sprintf("pipelines.%s", kind)
	if len(kc.Stages) == 0 {
		add(prefix+".stages", "at least one stage is required")
		return
	}

	keys := make(map[int]bool)
	ids := make(map[string]bool)
	fanOuts := make(map[pipeline.SubStage]int)
	for i, s := range kc.Stages {
		field := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if s.Key <= 0 {
			add(field+".key", "must be positive")
		} else if keys[s.Key] {
			add(field+".key", "duplicate stage key %d", s.Key)
		}
		keys[s.Key] = true

		if s.ID == "" {
			add(field+".id", "is required")
		} else if ids[s.ID] {
			add(field+".id", "duplicate stage ID %q", s.ID)
		}
		ids[s.ID] = true

		if s.FanOut != "" {
			sub := pipeline.SubStage(s.FanOut)
			if !sub.Valid() {
				add(field+".fan_out", "unrecognized sub-stage %q", s.FanOut)
			} else if _, dup := fanOuts[sub]; dup {
				add(field+".fan_out", "sub-stage %q already used", s.FanOut)
			} else {
				fanOuts[sub] = s.Key
			}
		}
		for _, lock := range s.Locks {
			if !recognizedSettings[lock] {
				add(field+".locks", "unrecognized setting %q", lock)
			}
		}
	}

	// Sub-stages must appear in prerequisite order, each after the one it depends on.
	for sub, key := range fanOuts {
		pre := sub.Prerequisite()
		if pre == "" {
			continue
		}
		preKey, ok := fanOuts[pre]
		if !ok {
			add(prefix+".stages", "%s fan-out requires a %s fan-out stage", sub, pre)
			continue
		}
		if preKey >= key || subStageOrder[pre] >= subStageOrder[sub] {
			add(prefix+".stages", "%s fan-out must come after %s", sub, pre)
		}
	}
}
