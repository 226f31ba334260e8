package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/lucasnoah/renderfactory/internal/config"
	"github.com/lucasnoah/renderfactory/internal/dispatch"
	"github.com/lucasnoah/renderfactory/internal/fanout"
	"github.com/lucasnoah/renderfactory/internal/metrics"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
	"github.com/lucasnoah/renderfactory/internal/stage"
)

// Orchestrator composes pipeline lifecycle operations. Every mutating
// operation reads the stored record, computes the new state on a clone,
// submits any jobs the transition asks for, and writes the result back
// conditioned on the versions it read.
type Orchestrator struct {
	store      pipeline.RecordStore
	events     pipeline.EventLog
	dispatcher dispatch.Dispatcher
	cfg        *config.Config
	logger     arbor.ILogger
	kits       map[pipeline.Kind]*kit
	now        func() time.Time
}

// kit bundles the transition logic for one pipeline kind.
type kit struct {
	layout  pipeline.Layout
	machine *stage.Machine
	fan     *fanout.Coordinator
}

// NewOrchestrator creates an Orchestrator for every kind cfg knows.
func NewOrchestrator(
	store pipeline.RecordStore,
	events pipeline.EventLog,
	dispatcher dispatch.Dispatcher,
	cfg *config.Config,
	logger arbor.ILogger,
) (*Orchestrator, error) {
	o := &Orchestrator{
		store:      store,
		events:     events,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		kits:       make(map[pipeline.Kind]*kit),
		now:        func() time.Time { return time.Now().UTC() },
	}
	policy := cfg.Policy()
	for _, kind := range cfg.Kinds() {
		l, err := cfg.Layout(kind)
		if err != nil {
			return nil, fmt.Errorf("layout %s: %w", kind, err)
		}
		o.kits[kind] = &kit{
			layout:  l,
			machine: stage.NewMachine(l, policy),
			fan:     fanout.NewCoordinator(l, policy),
		}
	}
	return o, nil
}

// SetClock overrides the time source (for testing).
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
	for _, k := range o.kits {
		k.machine.SetClock(now)
		k.fan.SetClock(now)
	}
}

// SetIDSource overrides attempt id generation (for testing).
func (o *Orchestrator) SetIDSource(f func() string) {
	for _, k := range o.kits {
		k.machine.SetIDSource(f)
		k.fan.SetIDSource(f)
	}
}

// Layout returns the stage layout of kind.
func (o *Orchestrator) Layout(kind pipeline.Kind) (pipeline.Layout, error) {
	k, ok := o.kits[kind]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline kind %q", kind)
	}
	return k.layout, nil
}

func (o *Orchestrator) kit(p *pipeline.Pipeline) (*kit, error) {
	k, ok := o.kits[p.Kind]
	if !ok {
		return nil, fmt.Errorf("pipeline %s has unknown kind %q", p.ID, p.Kind)
	}
	return k, nil
}

// CreateOpts holds options for creating a pipeline.
type CreateOpts struct {
	ID       string
	Kind     pipeline.Kind
	Title    string
	Settings *pipeline.Settings
}

// Create initializes a new pipeline at the first stage of its kind.
func (o *Orchestrator) Create(ctx context.Context, opts CreateOpts) (p *pipeline.Pipeline, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("create", started, err) }()

	if opts.Kind == "" {
		opts.Kind = pipeline.KindSimpleFourStep
	}
	k, ok := o.kits[opts.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline kind %q", opts.Kind)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	settings := o.cfg.Defaults
	if opts.Settings != nil {
		settings = mergeSettings(settings, *opts.Settings)
	}

	p = pipeline.New(opts.ID, opts.Kind, opts.Title, settings, k.layout)
	now := o.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := o.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	o.appendEvents(ctx, []pipeline.Event{{PipelineID: p.ID, StageKey: p.Phase.Stage, Type: pipeline.EventCreated, Message: string(p.Kind)}})
	o.logger.Info().Str("pipeline", p.ID).Str("kind", string(p.Kind)).Msg("Pipeline created")
	return p, nil
}

func mergeSettings(base, patch pipeline.Settings) pipeline.Settings {
	if patch.AspectRatio != "" {
		base.AspectRatio = patch.AspectRatio
	}
	if patch.OutputQuality != "" {
		base.OutputQuality = patch.OutputQuality
	}
	if patch.PostStageQuality != "" {
		base.PostStageQuality = patch.PostStageQuality
	}
	return base
}

// Get returns the stored pipeline.
func (o *Orchestrator) Get(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	return o.store.Read(ctx, id)
}

// List returns all pipelines, or only those of kind when it is set.
func (o *Orchestrator) List(ctx context.Context, kind pipeline.Kind) ([]*pipeline.Pipeline, error) {
	all, err := o.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	if kind == "" {
		return all, nil
	}
	var out []*pipeline.Pipeline
	for _, p := range all {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out, nil
}

// Delete removes a pipeline and its history.
func (o *Orchestrator) Delete(ctx context.Context, id string) (err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("delete", started, err) }()

	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	o.logger.Info().Str("pipeline", id).Msg("Pipeline deleted")
	return nil
}

// History returns the event log of a pipeline, newest first.
func (o *Orchestrator) History(ctx context.Context, id string) ([]pipeline.Event, error) {
	return o.events.History(ctx, id)
}

// RecordProgress appends a worker progress event. A progress event on a
// stage flagged stale clears the flag.
func (o *Orchestrator) RecordProgress(ctx context.Context, id string, stageKey int, message string) error {
	if err := o.events.Append(ctx, pipeline.Event{
		PipelineID: id,
		StageKey:   stageKey,
		Type:       pipeline.EventProgress,
		Message:    message,
		Timestamp:  o.now(),
	}); err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	_, err := o.apply(ctx, id, "progress", func(t *txn) error {
		rec := t.p.RetryState[stageKey]
		if rec == nil || !rec.Stale {
			return nil
		}
		rec.Stale = false
		rec.StaleSince = nil
		t.writePipeline()
		return nil
	})
	return err
}

// RetryOnConflict runs fn and runs it once more if it failed with a
// concurrent modification. fn must re-read whatever it depends on.
func RetryOnConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if errors.Is(err, pipeline.ErrConcurrentModification) {
		err = fn(ctx)
	}
	return err
}
