package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/renderfactory/internal/fanout"
	"github.com/lucasnoah/renderfactory/internal/metrics"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
	"github.com/lucasnoah/renderfactory/internal/stage"
)

// StartResult identifies a submitted attempt.
type StartResult struct {
	PipelineID string `json:"pipeline_id"`
	Stage      int    `json:"stage"`
	AttemptID  string `json:"attempt_id"`
	JobID      string `json:"job_id,omitempty"`
}

func startResult(p *pipeline.Pipeline, key int) *StartResult {
	res := &StartResult{PipelineID: p.ID, Stage: key}
	if rec := p.RetryState[key]; rec != nil {
		res.AttemptID = rec.AttemptID
		res.JobID = rec.JobID
	}
	return res
}

// StartStage submits a new attempt for stage key.
func (o *Orchestrator) StartStage(ctx context.Context, id string, key int, opts stage.StartOpts) (*StartResult, error) {
	p, err := o.apply(ctx, id, "start", func(t *txn) error {
		intent, err := t.k.machine.StartStage(t.p, key, opts)
		if err != nil {
			return err
		}
		if opts.Override && t.p.Recovery && !t.orig.Recovery {
			t.event(key, pipeline.EventStarted, "started past unapproved stage %d (recovery)", t.orig.Phase.Stage)
		}
		t.dispatch(intent)
		t.writePipeline()
		return nil
	})
	if p == nil {
		return nil, err
	}
	return startResult(p, key), err
}

// ObserveAutomaticQa records a finished attempt with its QA verdict.
// Completions for superseded attempts are reported as ignored and change
// nothing. Results are recorded even while the pipeline is paused.
func (o *Orchestrator) ObserveAutomaticQa(ctx context.Context, id string, key int, c stage.Completion) (stage.Outcome, error) {
	var out stage.Outcome
	_, err := o.apply(ctx, id, "observe-qa", func(t *txn) error {
		var err error
		out, err = t.k.machine.ObserveAutomaticQa(t.p, key, c)
		if err != nil {
			return err
		}
		if out.Ignored {
			metrics.CompletionIgnored()
			o.logger.Info().Str("pipeline", id).Int("stage", key).Str("attempt", c.AttemptID).Msg("Ignoring completion of superseded attempt")
			return nil
		}
		t.event(key, pipeline.EventQaObserved, "%s: %s", c.Decision, c.ArtifactRef)
		switch out.State {
		case pipeline.SubApproved:
			t.event(key, pipeline.EventApproved, "automatic")
		case pipeline.SubBlockedForHuman:
			t.event(key, pipeline.EventBlocked, "retry budget exhausted")
		}
		t.writePipeline()
		return nil
	})
	if out.Ignored && err == nil {
		o.appendEvents(ctx, []pipeline.Event{{PipelineID: id, StageKey: key, Type: pipeline.EventIgnored, Message: c.AttemptID}})
	}
	return out, err
}

// ManualApprove locks the live output of key and advances. It reports
// changed=false, writing nothing, when the stage was already approved.
func (o *Orchestrator) ManualApprove(ctx context.Context, id string, key int, notes string) (bool, error) {
	var changed bool
	_, err := o.apply(ctx, id, "approve", func(t *txn) error {
		var err error
		changed, err = t.k.machine.ManualApprove(t.p, key, notes)
		if err != nil || !changed {
			return err
		}
		t.event(key, pipeline.EventApproved, "%s", notes)
		t.writePipeline()
		return nil
	})
	return changed, err
}

// Reject archives the output awaiting approval and, budget permitting,
// resubmits the stage with the rejection reason.
func (o *Orchestrator) Reject(ctx context.Context, id string, key int, reason string) (stage.Outcome, error) {
	var out stage.Outcome
	_, err := o.apply(ctx, id, "reject", func(t *txn) error {
		var err error
		out, err = t.k.machine.Reject(t.p, key, reason)
		if err != nil {
			return err
		}
		t.event(key, pipeline.EventRejected, "%s", reason)
		if out.State == pipeline.SubBlockedForHuman {
			t.event(key, pipeline.EventBlocked, "rejection budget exhausted")
		}
		t.dispatch(out.Resubmitted)
		t.writePipeline()
		return nil
	})
	return out, err
}

// Skip approves from and carries its artifact into the following stage.
func (o *Orchestrator) Skip(ctx context.Context, id string, from int) error {
	_, err := o.apply(ctx, id, "skip", func(t *txn) error {
		if err := t.k.machine.SkipToNextStage(t.p, from); err != nil {
			return err
		}
		t.event(t.k.layout.Next(from), pipeline.EventSkipped, "carried forward from stage %d", from)
		t.writePipeline()
		return nil
	})
	return err
}

// Restart clears the current stage and returns it to pending. For a
// fan-out stage every asset that is not locked is reset as well. It
// reports changed=false when there was nothing to clear.
func (o *Orchestrator) Restart(ctx context.Context, id string, key int) (bool, error) {
	return o.restart(ctx, id, key, "restart", "")
}

// Recover is Restart for a stage abandoned by its worker. It records the
// recovery in last_error and is a no-op on a stage with nothing to clear.
func (o *Orchestrator) Recover(ctx context.Context, id string, key int) (bool, error) {
	return o.restart(ctx, id, key, "recover", "recovered from stale state")
}

func (o *Orchestrator) restart(ctx context.Context, id string, key int, op, lastError string) (bool, error) {
	var changed bool
	_, err := o.apply(ctx, id, op, func(t *txn) error {
		var err error
		changed, err = t.k.machine.RestartStage(t.p, key)
		if err != nil {
			return err
		}
		if d, _ := t.k.layout.Def(key); d.FanOut != "" {
			for _, sp := range t.p.Spaces {
				if fanout.ResetSubStage(sp, d.FanOut, true) {
					changed = true
				}
			}
			t.writeAllSpaces()
		}
		if !changed {
			return nil
		}
		t.p.UpdatedAt = o.now()
		if lastError != "" {
			t.p.LastError = lastError
			t.event(key, pipeline.EventRecovered, "%s", lastError)
		} else {
			t.event(key, pipeline.EventRestarted, "")
		}
		t.writePipeline()
		return nil
	})
	return changed, err
}

// Rollback discards every output from target onward. Rolling back before
// the render stage also discards the registered spaces; rolling back to
// or into the fan-out stages resets their per-space assets.
func (o *Orchestrator) Rollback(ctx context.Context, id string, target int, confirm bool) error {
	_, err := o.apply(ctx, id, "rollback", func(t *txn) error {
		if err := t.k.machine.RollbackToStage(t.p, target, confirm); err != nil {
			return err
		}
		if renders := t.k.layout.FanOutStage(pipeline.SubStageRender); renders != 0 && len(t.p.Spaces) > 0 {
			if target < renders {
				t.p.Spaces = nil
				t.replaceSpaces = true
			} else {
				for _, d := range t.k.layout {
					if d.FanOut == "" || d.Key < target {
						continue
					}
					for _, sp := range t.p.Spaces {
						fanout.ResetSubStage(sp, d.FanOut, false)
					}
				}
				t.writeAllSpaces()
			}
		}
		t.event(target, pipeline.EventRolledBack, "from stage %d", t.orig.Phase.Stage)
		t.writePipeline()
		return nil
	})
	return err
}

// Pause stops the pipeline from accepting user actions. Pausing a paused
// pipeline updates the reason.
func (o *Orchestrator) Pause(ctx context.Context, id, reason string) error {
	_, err := o.apply(ctx, id, "pause", func(t *txn) error {
		if t.p.RunState.Paused && t.p.RunState.Reason == reason {
			return nil
		}
		t.p.RunState = pipeline.RunState{Paused: true, Reason: reason}
		t.p.UpdatedAt = o.now()
		t.event(t.p.Phase.Stage, pipeline.EventPaused, "%s", reason)
		t.writePipeline()
		return nil
	})
	return err
}

// Resume clears the paused state.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	_, err := o.apply(ctx, id, "resume", func(t *txn) error {
		if !t.p.RunState.Paused {
			return nil
		}
		t.p.RunState = pipeline.RunState{}
		t.p.UpdatedAt = o.now()
		t.event(t.p.Phase.Stage, pipeline.EventResumed, "")
		t.writePipeline()
		return nil
	})
	return err
}

// SettingsPatch names the settings to change; nil fields are left alone.
type SettingsPatch struct {
	AspectRatio      *string `json:"aspect_ratio,omitempty"`
	OutputQuality    *string `json:"output_quality,omitempty"`
	PostStageQuality *string `json:"post_stage_quality,omitempty"`
}

// UpdateSettings changes generation settings. A setting is frozen once
// the stage that locks it has started.
func (o *Orchestrator) UpdateSettings(ctx context.Context, id string, patch SettingsPatch) (*pipeline.Settings, error) {
	p, err := o.apply(ctx, id, "settings", func(t *txn) error {
		if t.p.RunState.Paused {
			return pipeline.Invalid(t.p, 0, "settings", "pipeline is paused")
		}
		fields := []struct {
			name string
			val  *string
			dst  *string
		}{
			{pipeline.SettingAspectRatio, patch.AspectRatio, &t.p.Settings.AspectRatio},
			{pipeline.SettingOutputQuality, patch.OutputQuality, &t.p.Settings.OutputQuality},
			{pipeline.SettingPostStageQuality, patch.PostStageQuality, &t.p.Settings.PostStageQuality},
		}
		changed := false
		for _, f := range fields {
			if f.val == nil || *f.val == *f.dst {
				continue
			}
			if key := t.k.layout.LockingStage(f.name); key != 0 && stageStarted(t.p, t.k.layout, key) {
				return pipeline.Invalid(t.p, key, "settings", "%s is locked once stage %d has started", f.name, key)
			}
			*f.dst = *f.val
			changed = true
		}
		if !changed {
			return nil
		}
		t.p.UpdatedAt = o.now()
		t.event(t.p.Phase.Stage, pipeline.EventSettings, "%s/%s/%s",
			t.p.Settings.AspectRatio, t.p.Settings.OutputQuality, t.p.Settings.PostStageQuality)
		t.writePipeline()
		return nil
	})
	if p == nil {
		return nil, err
	}
	s := p.Settings
	return &s, err
}

// stageStarted reports whether stage key has had an attempt dispatched.
func stageStarted(p *pipeline.Pipeline, l pipeline.Layout, key int) bool {
	if p.Complete() || key < p.Phase.Stage {
		return true
	}
	if key > p.Phase.Stage {
		return false
	}
	if p.RetryState[key] != nil || p.StageOutputs[key] != nil {
		return true
	}
	if d, _ := l.Def(key); d.FanOut != "" {
		for _, sp := range p.Spaces {
			for _, v := range d.FanOut.Variants() {
				if sp.Asset(d.FanOut, v).AttemptCount > 0 {
					return true
				}
			}
		}
	}
	return false
}

// MarkStale raises the stale flag on the running stage key. It reports
// changed=false when the flag was already set or the stage is no longer
// running.
func (o *Orchestrator) MarkStale(ctx context.Context, id string, key int, lastActivity time.Time) (bool, error) {
	var changed bool
	_, err := o.apply(ctx, id, "mark-stale", func(t *txn) error {
		if key != t.p.Phase.Stage || !running(t.p, t.k.layout) {
			return nil
		}
		changed = t.k.machine.MarkStale(t.p, key, o.now())
		if !changed {
			return nil
		}
		metrics.StageStale()
		t.event(key, pipeline.EventStale, "no progress since %s", lastActivity.Format(time.RFC3339))
		t.writePipeline()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark stale: %w", err)
	}
	return changed, nil
}

// running reports whether the current stage has work in flight.
func running(p *pipeline.Pipeline, l pipeline.Layout) bool {
	if p.Complete() {
		return false
	}
	if d, ok := l.Def(p.Phase.Stage); ok && d.FanOut != "" {
		return fanout.Generating(p, d.FanOut)
	}
	return p.Phase.Sub == pipeline.SubRunning
}

// Running reports whether the current stage of p has work in flight.
func (o *Orchestrator) Running(p *pipeline.Pipeline) (bool, error) {
	k, err := o.kit(p)
	if err != nil {
		return false, err
	}
	return running(p, k.layout), nil
}
