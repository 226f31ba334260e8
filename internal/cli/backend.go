package cli

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"
	"github.com/ternarybob/arbor"

	"github.com/lucasnoah/renderfactory/internal/config"
	"github.com/lucasnoah/renderfactory/internal/db"
	"github.com/lucasnoah/renderfactory/internal/dispatch"
	"github.com/lucasnoah/renderfactory/internal/kv"
	"github.com/lucasnoah/renderfactory/internal/logging"
	"github.com/lucasnoah/renderfactory/internal/monitor"
	"github.com/lucasnoah/renderfactory/internal/orchestrator"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// stack is everything a command needs to act on pipelines.
type stack struct {
	cfg     *config.Config
	logger  arbor.ILogger
	events  pipeline.EventLog
	orch    *orchestrator.Orchestrator
	closers []func() error
}

func (s *stack) monitor() *monitor.Monitor {
	return monitor.New(s.orch, s.events, s.cfg, s.logger)
}

// Close releases the store and dispatcher connections.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn().Err(err).Msg("Close failed")
		}
	}
}

// openStack loads the config and opens the configured store and dispatcher.
func openStack(ctx context.Context) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newStack(ctx, cfg, logging.Get())
}

func newStack(ctx context.Context, cfg *config.Config, logger arbor.ILogger) (*stack, error) {
	s := &stack{cfg: cfg, logger: logger}
	store, events, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		s.closers = append(s.closers, closeStore)
	}
	d, closeDispatch, err := openDispatcher(ctx, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	if closeDispatch != nil {
		s.closers = append(s.closers, closeDispatch)
	}
	s.events = events
	s.orch, err = orchestrator.NewOrchestrator(store, events, d, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// openStore opens the record store and event log of the configured backend.
func openStore(ctx context.Context, cfg *config.Config, logger arbor.ILogger) (pipeline.RecordStore, pipeline.EventLog, func() error, error) {
	switch cfg.Store.Backend {
	case "file":
		st := pipeline.NewStore(cfg.Store.Path)
		return st, st, nil, nil
	case "badger":
		st, err := kv.Open(cfg.Store.Path, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open badger store: %w", err)
		}
		return st, st, st.Close, nil
	case "postgres":
		database, err := openDB(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return database, database, database.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func openDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	if cfg.Store.DSN == "" {
		return nil, fmt.Errorf("postgres store needs store.dsn or RENDERFACTORY_STORE_DSN")
	}
	database, err := db.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return database, nil
}

// openDispatcher opens the configured job queue behind a rate limiter and
// a circuit breaker.
func openDispatcher(ctx context.Context, cfg *config.Config, logger arbor.ILogger) (dispatch.Dispatcher, func() error, error) {
	var (
		d       dispatch.Dispatcher
		closeFn func() error
	)
	switch cfg.Dispatch.Backend {
	case "spool":
		sp, err := dispatch.NewSpool(cfg.Dispatch.SpoolDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open spool: %w", err)
		}
		d = sp
	case "redis":
		q, err := dispatch.NewRedisQueue(ctx, dispatch.RedisConfig{
			Addr:     cfg.Dispatch.Redis.Addr,
			Password: cfg.Dispatch.Redis.Password,
			DB:       cfg.Dispatch.Redis.DB,
			Queue:    cfg.Dispatch.Redis.Queue,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis queue: %w", err)
		}
		d, closeFn = q, q.Close
	default:
		return nil, nil, fmt.Errorf("unknown dispatch backend %q", cfg.Dispatch.Backend)
	}

	d = dispatch.NewLimited(d, cfg.Dispatch.Rate, cfg.Dispatch.Burst)
	d = dispatch.NewBreaker(d, dispatch.BreakerConfig{
		MaxFailures: cfg.Dispatch.Breaker.MaxFailures,
		Timeout:     cfg.BreakerTimeout(),
		OnChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Dispatch breaker changed state")
		},
	})
	return d, closeFn, nil
}
