// Package monitor flags running stages whose workers have gone quiet and,
// when configured to, restarts them.
package monitor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/lucasnoah/renderfactory/internal/config"
	"github.com/lucasnoah/renderfactory/internal/metrics"
	"github.com/lucasnoah/renderfactory/internal/orchestrator"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// Events the monitor and orchestrator write about a stage rather than
// on behalf of its worker. They never count as activity.
var bookkeeping = map[string]bool{
	pipeline.EventStale:    true,
	pipeline.EventIgnored:  true,
	pipeline.EventPaused:   true,
	pipeline.EventResumed:  true,
	pipeline.EventSettings: true,
}

// Check is the result of one stale check.
type Check struct {
	PipelineID   string    `json:"pipeline_id"`
	Stage        int       `json:"stage"`
	Running      bool      `json:"running"`
	LastActivity time.Time `json:"last_activity"`
	IdleSeconds  int64     `json:"idle_seconds"`
	Stale        bool      `json:"stale"`
	// Flagged is set when this check raised the stale flag.
	Flagged   bool `json:"flagged,omitempty"`
	Recovered bool `json:"recovered,omitempty"`
}

// Monitor watches running stages through the event log.
type Monitor struct {
	orch   *orchestrator.Orchestrator
	events pipeline.EventLog
	cfg    *config.Config
	logger arbor.ILogger
	now    func() time.Time

	mu       sync.Mutex
	cron     *cron.Cron
	sweeping sync.Mutex
}

// New creates a Monitor.
func New(orch *orchestrator.Orchestrator, events pipeline.EventLog, cfg *config.Config, logger arbor.ILogger) *Monitor {
	return &Monitor{
		orch:   orch,
		events: events,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the monitor's time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// CheckStale flags stage key of pipeline id stale when it is running and
// nothing has happened on it for longer than threshold. A zero threshold
// uses the configured one.
func (m *Monitor) CheckStale(ctx context.Context, id string, key int, threshold time.Duration) (*Check, error) {
	if threshold <= 0 {
		threshold = m.cfg.StaleThreshold()
	}
	p, err := m.orch.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c := &Check{PipelineID: id, Stage: key}
	if key != p.Phase.Stage {
		return c, nil
	}
	c.Running, err = m.orch.Running(p)
	if err != nil || !c.Running {
		return c, err
	}

	c.LastActivity, err = m.lastActivity(ctx, p, key)
	if err != nil {
		return nil, err
	}
	idle := m.now().Sub(c.LastActivity)
	c.IdleSeconds = int64(idle / time.Second)
	if idle <= threshold {
		return c, nil
	}
	c.Stale = true
	c.Flagged, err = m.orch.MarkStale(ctx, id, key, c.LastActivity)
	if err != nil {
		return nil, err
	}
	if c.Flagged {
		m.logger.Warn().Str("pipeline", id).Int("stage", key).Int("idle_seconds", int(c.IdleSeconds)).Msg("Stage flagged stale")
	}
	return c, nil
}

// lastActivity returns the newest sign of life for a stage: its latest
// worker event, or when the attempt or asset was dispatched.
func (m *Monitor) lastActivity(ctx context.Context, p *pipeline.Pipeline, key int) (time.Time, error) {
	var last time.Time
	if rec := p.RetryState[key]; rec != nil {
		last = rec.StartedAt
	}
	for _, sp := range p.Spaces {
		for _, a := range []*pipeline.Asset{&sp.RenderA, &sp.RenderB, &sp.PanoramaA, &sp.PanoramaB, &sp.Final360} {
			if a.Status == pipeline.AssetGenerating && a.DispatchedAt != nil && a.DispatchedAt.After(last) {
				last = *a.DispatchedAt
			}
		}
	}

	e, err := m.events.LatestEvent(ctx, p.ID, key)
	if err != nil {
		return last, fmt.Errorf("latest event: %w", err)
	}
	if e != nil && bookkeeping[e.Type] {
		// The newest entry is our own; look further back for real activity.
		e = nil
		history, err := m.events.History(ctx, p.ID)
		if err != nil {
			return last, fmt.Errorf("event history: %w", err)
		}
		for i := range history {
			if history[i].StageKey == key && !bookkeeping[history[i].Type] {
				e = &history[i]
				break
			}
		}
	}
	if e != nil && e.Timestamp.After(last) {
		last = e.Timestamp
	}
	if last.IsZero() {
		last = p.UpdatedAt
	}
	return last, nil
}

// Recover restarts a stale stage. It is a no-op on a stage with nothing
// to clear.
func (m *Monitor) Recover(ctx context.Context, id string, key int) (bool, error) {
	return m.orch.Recover(ctx, id, key)
}

// Sweep checks the current stage of every running pipeline. With
// auto_recover set, stale stages of pipelines that are not paused are
// restarted.
func (m *Monitor) Sweep(ctx context.Context) ([]Check, error) {
	started := time.Now()
	defer metrics.ObserveSweep(started)

	pipelines, err := m.orch.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	threshold := m.cfg.StaleThreshold()
	var checks []Check
	for _, p := range pipelines {
		if ctx.Err() != nil {
			return checks, ctx.Err()
		}
		if p.Complete() {
			continue
		}
		c, err := m.CheckStale(ctx, p.ID, p.Phase.Stage, threshold)
		if err != nil {
			m.logger.Warn().Str("pipeline", p.ID).Err(err).Msg("Stale check failed")
			continue
		}
		if !c.Running {
			continue
		}
		if c.Stale && m.cfg.Stale.AutoRecover && !p.RunState.Paused {
			err := orchestrator.RetryOnConflict(ctx, func(ctx context.Context) error {
				var err error
				c.Recovered, err = m.orch.Recover(ctx, p.ID, c.Stage)
				return err
			})
			if err != nil {
				m.logger.Warn().Str("pipeline", p.ID).Int("stage", c.Stage).Err(err).Msg("Auto-recover failed")
			} else if c.Recovered {
				metrics.StageRecovered()
				m.logger.Info().Str("pipeline", p.ID).Int("stage", c.Stage).Msg("Stale stage recovered")
			}
		}
		checks = append(checks, *c)
	}
	return checks, nil
}

// Start runs Sweep every sweep interval, each run delayed by a random
// jitter so that several monitors sharing a store do not fire together.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("monitor already running")
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.cfg.SweepInterval())
	if _, err := c.AddFunc(spec, func() { m.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	m.cron = c
	m.logger.Info().Str("interval", m.cfg.SweepInterval().String()).Str("threshold", m.cfg.StaleThreshold().String()).Msg("Stale monitor started")
	return nil
}

func (m *Monitor) tick(ctx context.Context) {
	if jitter := m.cfg.SweepJitter(); jitter > 0 {
		select {
		case <-time.After(time.Duration(rand.Int64N(int64(jitter)))):
		case <-ctx.Done():
			return
		}
	}
	// Skip this tick if the previous sweep is still going.
	if !m.sweeping.TryLock() {
		return
	}
	defer m.sweeping.Unlock()

	checks, err := m.Sweep(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Sweep failed")
		return
	}
	stale := 0
	for _, c := range checks {
		if c.Stale {
			stale++
		}
	}
	m.logger.Debug().Int("running", len(checks)).Int("stale", stale).Msg("Sweep complete")
}

// Stop halts scheduled sweeps and waits for a running one to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.logger.Info().Msg("Stale monitor stopped")
}
