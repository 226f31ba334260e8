package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucasnoah/renderfactory/internal/fanout"
	"github.com/lucasnoah/renderfactory/internal/metrics"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
	"github.com/lucasnoah/renderfactory/internal/stage"
)

// RegisterSpaces replaces the detected spaces of a whole-apartment pipeline.
func (o *Orchestrator) RegisterSpaces(ctx context.Context, id string, specs []fanout.SpaceSpec) error {
	_, err := o.apply(ctx, id, "register-spaces", func(t *txn) error {
		if err := t.k.fan.RegisterSpaces(t.p, specs); err != nil {
			return err
		}
		t.replaceSpaces = true
		t.event(t.p.Phase.Stage, pipeline.EventSpacesSet, "%d spaces", len(specs))
		t.writePipeline()
		return nil
	})
	return err
}

// AssetJob identifies one submitted per-space job.
type AssetJob struct {
	SpaceID   string            `json:"space_id"`
	SubStage  pipeline.SubStage `json:"sub_stage"`
	Variant   pipeline.Variant  `json:"variant"`
	AttemptID string            `json:"attempt_id"`
	JobID     string            `json:"job_id,omitempty"`
}

func assetJobs(p *pipeline.Pipeline, intents []*pipeline.DispatchIntent) []AssetJob {
	jobs := make([]AssetJob, 0, len(intents))
	for _, in := range intents {
		j := AssetJob{SpaceID: in.SpaceID, SubStage: in.SubStage, Variant: in.Variant, AttemptID: in.AttemptID}
		if sp := p.Space(in.SpaceID); sp != nil {
			if a := sp.Asset(in.SubStage, in.Variant); a != nil && a.AttemptID == in.AttemptID {
				j.JobID = a.JobID
			}
		}
		jobs = append(jobs, j)
	}
	return jobs
}

// StartSubStageForSpace dispatches one job per startable variant of sub
// for a space. source overrides the input artifact.
func (o *Orchestrator) StartSubStageForSpace(ctx context.Context, id, spaceID string, sub pipeline.SubStage, source string) ([]AssetJob, error) {
	var intents []*pipeline.DispatchIntent
	p, err := o.apply(ctx, id, "start-sub-stage", func(t *txn) error {
		var err error
		intents, err = t.k.fan.StartSubStage(t.p, spaceID, sub, source, nil)
		if err != nil {
			return err
		}
		t.dispatch(intents...)
		t.writeSpace(spaceID)
		return nil
	})
	if p == nil || len(intents) == 0 {
		return nil, err
	}
	return assetJobs(p, intents), err
}

// ObserveAssetResult records a finished per-space job. Completions for
// superseded attempts are reported as ignored and change nothing.
func (o *Orchestrator) ObserveAssetResult(ctx context.Context, id, spaceID string, sub pipeline.SubStage, v pipeline.Variant, c stage.Completion) (fanout.AssetOutcome, error) {
	var out fanout.AssetOutcome
	_, err := o.apply(ctx, id, "observe-asset", func(t *txn) error {
		var err error
		out, err = t.k.fan.ObserveAssetResult(t.p, spaceID, sub, v, c)
		if err != nil {
			return err
		}
		if out.Ignored {
			metrics.CompletionIgnored()
			o.logger.Info().Str("pipeline", id).Str("space", spaceID).Str("attempt", c.AttemptID).Msg("Ignoring completion of superseded asset attempt")
			return nil
		}
		t.event(t.k.layout.FanOutStage(sub), pipeline.EventAssetObserved, "%s %s%s %s: %s", spaceID, sub, v, c.Decision, c.ArtifactRef)
		t.writeSpace(spaceID)
		return nil
	})
	if out.Ignored && err == nil {
		o.appendEvents(ctx, []pipeline.Event{{
			PipelineID: id,
			Type:       pipeline.EventIgnored,
			Message:    fmt.Sprintf("%s %s%s %s", spaceID, sub, v, c.AttemptID),
		}})
	}
	return out, err
}

// ApproveAsset locks one asset. It reports changed=false when the asset
// was already locked.
func (o *Orchestrator) ApproveAsset(ctx context.Context, id, spaceID string, sub pipeline.SubStage, v pipeline.Variant) (bool, error) {
	var changed bool
	_, err := o.apply(ctx, id, "approve-asset", func(t *txn) error {
		var err error
		changed, err = t.k.fan.ApproveAsset(t.p, spaceID, sub, v)
		if err != nil || !changed {
			return err
		}
		t.event(t.k.layout.FanOutStage(sub), pipeline.EventAssetApproved, "%s %s%s", spaceID, sub, v)
		t.writeSpace(spaceID)
		return nil
	})
	return changed, err
}

// RejectAsset archives one asset awaiting review and resubmits it when
// the budget allows.
func (o *Orchestrator) RejectAsset(ctx context.Context, id, spaceID string, sub pipeline.SubStage, v pipeline.Variant, reason string) (fanout.AssetOutcome, error) {
	var out fanout.AssetOutcome
	_, err := o.apply(ctx, id, "reject-asset", func(t *txn) error {
		var err error
		out, err = t.k.fan.RejectAsset(t.p, spaceID, sub, v, reason)
		if err != nil {
			return err
		}
		t.event(t.k.layout.FanOutStage(sub), pipeline.EventAssetRejected, "%s %s%s: %s", spaceID, sub, v, reason)
		t.dispatch(out.Resubmitted)
		t.writeSpace(spaceID)
		return nil
	})
	return out, err
}

// ExcludeSpace removes a space from every gate. It reports changed=false
// when the space was already excluded.
func (o *Orchestrator) ExcludeSpace(ctx context.Context, id, spaceID string) (bool, error) {
	return o.setExcluded(ctx, id, spaceID, true)
}

// RestoreSpace returns an excluded space to gate computation.
func (o *Orchestrator) RestoreSpace(ctx context.Context, id, spaceID string) (bool, error) {
	return o.setExcluded(ctx, id, spaceID, false)
}

func (o *Orchestrator) setExcluded(ctx context.Context, id, spaceID string, excluded bool) (bool, error) {
	op, typ := "restore-space", pipeline.EventSpaceRestored
	if excluded {
		op, typ = "exclude-space", pipeline.EventSpaceExcluded
	}
	var changed bool
	_, err := o.apply(ctx, id, op, func(t *txn) error {
		var err error
		if excluded {
			changed, err = t.k.fan.ExcludeSpace(t.p, spaceID)
		} else {
			changed, err = t.k.fan.RestoreSpace(t.p, spaceID)
		}
		if err != nil || !changed {
			return err
		}
		t.event(t.p.Phase.Stage, typ, "%s", spaceID)
		t.writeSpace(spaceID)
		return nil
	})
	return changed, err
}

// BatchResult reports a RunAllPending pass space by space.
type BatchResult struct {
	SubStage pipeline.SubStage `json:"sub_stage"`
	Started  []AssetJob        `json:"started"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// RunAllPending starts sub for every active space that has a startable
// variant. Each space is its own transition; one space failing does not
// stop the others.
func (o *Orchestrator) RunAllPending(ctx context.Context, id string, sub pipeline.SubStage) (*BatchResult, error) {
	p, err := o.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	k, err := o.kit(p)
	if err != nil {
		return nil, err
	}
	const op = "run-all-pending"
	if p.RunState.Paused {
		return nil, pipeline.Invalid(p, 0, op, "pipeline is paused")
	}
	key := k.layout.FanOutStage(sub)
	switch {
	case key == 0:
		return nil, pipeline.Invalid(p, 0, op, "%s pipelines have no %s sub-stage", p.Kind, sub)
	case p.Phase.Stage < key:
		return nil, pipeline.GateLocked(p, key, op, fmt.Sprintf("pipeline is at stage %d", p.Phase.Stage))
	case (p.Phase.Stage > key || p.Complete()) && !k.fan.CatchingUp(p, sub):
		return nil, pipeline.Invalid(p, key, op, "%s stage is already approved", sub)
	}

	res := &BatchResult{SubStage: sub, Failed: make(map[string]string)}
	for _, spaceID := range k.fan.PendingSpaces(p, sub) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var jobs []AssetJob
		err := RetryOnConflict(ctx, func(ctx context.Context) error {
			var err error
			jobs, err = o.StartSubStageForSpace(ctx, id, spaceID, sub, "")
			return err
		})
		res.Started = append(res.Started, jobs...)
		if err != nil {
			res.Failed[spaceID] = err.Error()
			if !errors.Is(err, pipeline.ErrDispatchFailure) {
				o.logger.Warn().Str("pipeline", id).Str("space", spaceID).Err(err).Msg("Batch start failed for space")
			}
		}
	}
	return res, nil
}

// ComputeGate evaluates the fan-in gate of sub for a pipeline.
func (o *Orchestrator) ComputeGate(ctx context.Context, id string, sub pipeline.SubStage) (*fanout.GateResult, error) {
	if !sub.Valid() {
		return nil, fmt.Errorf("unknown sub-stage %q", sub)
	}
	p, err := o.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	g := fanout.ComputeGate(p.Spaces, sub)
	metrics.ObserveGate(sub, g.Unlocked)
	return g, nil
}
