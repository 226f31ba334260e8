package config

import (
	"time"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// Config is the top-level configuration parsed from renderfactory YAML.
type Config struct {
	// Pipelines overrides the built-in stage layout of a pipeline kind.
	Pipelines map[pipeline.Kind]KindConfig `yaml:"pipelines"`
	Defaults  pipeline.Settings            `yaml:"defaults"`
	Retry     Retry                        `yaml:"retry"`
	QA        QA                           `yaml:"qa"`
	Stale     Stale                        `yaml:"stale"`
	Store     Store                        `yaml:"store"`
	Dispatch  Dispatch                     `yaml:"dispatch"`
	Server    Server                       `yaml:"server"`
	Logging   Logging                      `yaml:"logging"`
}

// KindConfig is the ordered stage list of one pipeline kind.
type KindConfig struct {
	Stages []Stage `yaml:"stages"`
}

// Stage defines a single stage of a pipeline kind.
type Stage struct {
	Key      int      `yaml:"key"`
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Optional bool     `yaml:"optional"`
	FanOut   string   `yaml:"fan_out"`
	Locks    []string `yaml:"locks"`
}

// Retry holds the attempt budgets.
type Retry struct {
	Budget       int `yaml:"budget"`
	RejectBudget int `yaml:"reject_budget"`
}

// QA controls whether passing outputs wait for a human.
type QA struct {
	Manual *bool `yaml:"manual"`
}

// Stale configures the stale-stage monitor. Durations use time.ParseDuration syntax.
type Stale struct {
	Threshold     string `yaml:"threshold"`
	SweepInterval string `yaml:"sweep_interval"`
	Jitter        string `yaml:"jitter"`
	AutoRecover   bool   `yaml:"auto_recover"`
}

// Store selects the record store backend: "file", "badger" or "postgres".
type Store struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// Dispatch selects how jobs reach remote workers: "spool" or "redis".
type Dispatch struct {
	Backend  string  `yaml:"backend"`
	SpoolDir string  `yaml:"spool_dir"`
	Redis    Redis   `yaml:"redis"`
	Rate     float64 `yaml:"rate"`
	Burst    int     `yaml:"burst"`
	Breaker  Breaker `yaml:"breaker"`
}

// Redis configures the Redis job queue.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Queue    string `yaml:"queue"`
}

// Breaker configures the dispatch circuit breaker.
type Breaker struct {
	MaxFailures uint32 `yaml:"max_failures"`
	Timeout     string `yaml:"timeout"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `yaml:"addr"`
}

// Logging configures the structured logger.
type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ManualQA reports whether passing outputs wait for human approval.
// It defaults to true.
func (c *Config) ManualQA() bool {
	return c.QA.Manual == nil || *c.QA.Manual
}

// StaleThreshold returns how long a running stage may stay silent.
func (c *Config) StaleThreshold() time.Duration {
	return parseDuration(c.Stale.Threshold, 15*time.Minute)
}

// SweepInterval returns the monitor's base sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return parseDuration(c.Stale.SweepInterval, time.Minute)
}

// SweepJitter returns the maximum random delay added to each sweep.
func (c *Config) SweepJitter() time.Duration {
	return parseDuration(c.Stale.Jitter, 10*time.Second)
}

// BreakerTimeout returns how long the dispatch breaker stays open.
func (c *Config) BreakerTimeout() time.Duration {
	return parseDuration(c.Dispatch.Breaker.Timeout, 30*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
