package orchestrator

import (
	"context"
	"fmt"

	"github.com/lucasnoah/renderfactory/internal/fanout"
	"github.com/lucasnoah/renderfactory/internal/metrics"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
	"github.com/lucasnoah/renderfactory/internal/stage"
)

// AdvanceResult describes what happened during an advance.
type AdvanceResult struct {
	PipelineID string       `json:"pipeline_id"`
	Action     string       `json:"action"` // "started", "retried", "gate_opened", "completed"
	Stage      int          `json:"stage"`
	NextStage  int          `json:"next_stage,omitempty"`
	Message    string       `json:"message,omitempty"`
	Batch      *BatchResult `json:"batch,omitempty"`
}

// Advance performs the next gated transition of a pipeline: it starts or
// retries the current stage, or, at a fan-out stage whose gate is open,
// approves the stage and begins the next sub-stage for every space.
// A running or unapproved stage and a closed gate refuse with
// ErrGateLocked; a stage blocked for a human refuses with
// ErrRetryBudgetExhausted.
func (o *Orchestrator) Advance(ctx context.Context, id string) (*AdvanceResult, error) {
	res := &AdvanceResult{PipelineID: id}
	p, err := o.apply(ctx, id, "advance", func(t *txn) error {
		p := t.p
		res.Stage = p.Phase.Stage
		if p.Complete() {
			res.Action = "completed"
			res.Message = "pipeline already completed"
			return nil
		}
		if p.RunState.Paused {
			return pipeline.Invalid(p, p.Phase.Stage, "advance", "pipeline is paused")
		}
		d, ok := t.k.layout.Def(p.Phase.Stage)
		if !ok {
			return pipeline.Invalid(p, p.Phase.Stage, "advance", "unknown stage")
		}
		if d.FanOut != "" {
			return o.openGate(t, d, res)
		}

		switch p.Phase.Sub {
		case pipeline.SubPending:
			res.Action = "started"
		case pipeline.SubQaFail, pipeline.SubRejected:
			res.Action = "retried"
		case pipeline.SubRunning:
			return pipeline.GateLocked(p, d.Key, "advance", "stage is running")
		case pipeline.SubWaitingApproval:
			return pipeline.GateLocked(p, d.Key, "advance", "stage output is waiting for approval")
		case pipeline.SubBlockedForHuman:
			policy := t.k.machine.Policy()
			return pipeline.Exhausted(p, d.Key, "advance", policy.QaUsed(p.RetryState[d.Key]), policy.Budget)
		default:
			return pipeline.Invalid(p, d.Key, "advance", "stage is %s", p.Phase.Sub)
		}
		intent, err := t.k.machine.StartStage(p, d.Key, stage.StartOpts{})
		if err != nil {
			return err
		}
		t.dispatch(intent)
		t.writePipeline()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Action == "gate_opened" && res.NextStage != 0 {
		k, _ := o.kit(p)
		if nd, ok := k.layout.Def(res.NextStage); ok && nd.FanOut != "" {
			batch, err := o.RunAllPending(ctx, id, nd.FanOut)
			if err != nil {
				o.logger.Warn().Str("pipeline", id).Str("sub_stage", string(nd.FanOut)).Err(err).Msg("Could not start next sub-stage")
			}
			res.Batch = batch
		}
	}
	o.logger.Info().Str("pipeline", id).Str("action", res.Action).Int("stage", res.Stage).Msg("Advanced")
	return res, nil
}

// openGate approves a fan-out stage when every active space has locked
// its assets.
func (o *Orchestrator) openGate(t *txn, d pipeline.StageDef, res *AdvanceResult) error {
	p := t.p
	if len(p.Spaces) == 0 {
		return pipeline.GateLocked(p, d.Key, "advance", "no spaces registered")
	}
	g := fanout.ComputeGate(p.Spaces, d.FanOut)
	metrics.ObserveGate(d.FanOut, g.Unlocked)
	if !g.Unlocked {
		return pipeline.GateLocked(p, d.Key, "advance", g.Reason())
	}
	ref := fmt.Sprintf("spaces:%s:%d", d.FanOut, g.Locked)
	if err := t.k.machine.CompleteFanOut(p, d.Key, ref); err != nil {
		return err
	}
	if p.Complete() {
		res.Action = "completed"
	} else {
		res.Action = "gate_opened"
		res.NextStage = p.Phase.Stage
	}
	res.Message = fmt.Sprintf("%d of %d spaces locked for %s", g.Locked, g.Active, d.FanOut)
	t.event(d.Key, pipeline.EventAdvanced, "%s", res.Message)
	// Every space the gate read must be unchanged at write time.
	t.guardSpaces = true
	t.writePipeline()
	return nil
}
