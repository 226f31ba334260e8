package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lucasnoah/renderfactory/internal/dispatch"
	"github.com/lucasnoah/renderfactory/internal/metrics"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// txn is one read-modify-write of a pipeline. Operations mutate p (a
// clone of orig) and declare which records they touched.
type txn struct {
	op   string
	orig *pipeline.Pipeline
	p    *pipeline.Pipeline
	k    *kit

	pipelineWrite bool
	spaces        map[string]bool
	allSpaces     bool
	replaceSpaces bool
	guardSpaces   bool

	intents []*pipeline.DispatchIntent
	events  []pipeline.Event
}

// writePipeline marks the pipeline record as written.
func (t *txn) writePipeline() {
	t.pipelineWrite = true
}

// writeSpace marks one space record as written.
func (t *txn) writeSpace(id string) {
	if t.spaces == nil {
		t.spaces = make(map[string]bool)
	}
	t.spaces[id] = true
}

// writeAllSpaces marks every space that differs from the stored one as written.
func (t *txn) writeAllSpaces() {
	t.allSpaces = true
}

// dispatch queues intents for submission before the write.
func (t *txn) dispatch(intents ...*pipeline.DispatchIntent) {
	for _, in := range intents {
		if in != nil {
			t.intents = append(t.intents, in)
		}
	}
}

// event queues an event to append after a successful write.
func (t *txn) event(stageKey int, typ, format string, args ...any) {
	t.events = append(t.events, pipeline.Event{
		PipelineID: t.p.ID,
		StageKey:   stageKey,
		Type:       typ,
		Message:    fmt.Sprintf(format, args...),
	})
}

func (t *txn) empty() bool {
	return !t.pipelineWrite && len(t.spaces) == 0 && !t.allSpaces && !t.replaceSpaces
}

// apply runs fn against a fresh read of pipeline id and persists the
// result. Nothing is written when fn fails or declares no writes. When a
// job submission fails the attempt is consumed, the resulting state is
// written, and the returned error wraps ErrDispatchFailure.
func (o *Orchestrator) apply(ctx context.Context, id, op string, fn func(t *txn) error) (_ *pipeline.Pipeline, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation(op, started, err) }()

	cur, err := o.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	k, err := o.kit(cur)
	if err != nil {
		return nil, err
	}
	t := &txn{op: op, orig: cur, p: cur.Clone(), k: k}
	if err := fn(t); err != nil {
		o.logger.Debug().Str("pipeline", id).Str("op", op).Err(err).Msg("Operation refused")
		return cur, err
	}
	if t.empty() {
		return cur, nil
	}
	if err := pipeline.Validate(t.p, k.layout); err != nil {
		o.logger.Error().Str("pipeline", id).Str("op", op).Err(err).Msg("Computed state violates pipeline invariants")
		return cur, pipeline.Invalid(cur, cur.Phase.Stage, op, "computed state is inconsistent: %v", err)
	}

	dispatchErr := o.submit(ctx, t)

	cs := t.changeset()
	if err := o.store.ConditionalWrite(ctx, id, cs); err != nil {
		if len(t.intents) > 0 {
			o.logger.Warn().Str("pipeline", id).Str("op", op).Int("jobs", len(t.intents)).
				Msg("Write failed after submission; late completions of these attempts will be ignored")
		}
		o.logger.Debug().Str("pipeline", id).Str("op", op).Err(err).Msg("Conditional write failed")
		return cur, err
	}

	o.appendEvents(ctx, t.events)
	o.logger.Info().Str("pipeline", id).Str("op", op).Str("phase", t.p.Label(k.layout)).Msg("Pipeline updated")

	if dispatchErr != nil {
		return t.p, pipeline.DispatchFailed(t.p, dispatchErr.stage, op, dispatchErr.err)
	}
	return t.p, nil
}

type submitError struct {
	stage int
	err   error
}

// submit sends every queued intent to the dispatcher. A failed submission
// is recorded on the state as a consumed attempt.
func (o *Orchestrator) submit(ctx context.Context, t *txn) *submitError {
	var first *submitError
	for _, in := range t.intents {
		kind := "stage"
		if in.ForSpace() {
			kind = "asset"
		}
		jobID, err := o.dispatcher.Submit(ctx, dispatch.FromIntent(t.p.ID, in))
		metrics.ObserveDispatch(kind, err)

		if err != nil {
			o.logger.Warn().Str("pipeline", t.p.ID).Int("stage", in.Stage).Str("space", in.SpaceID).Err(err).Msg("Job submission failed")
			if in.ForSpace() {
				t.k.fan.DispatchFailed(t.p, in.SpaceID, in.SubStage, in.Variant)
				t.event(in.Stage, pipeline.EventDispatchFailed, "%s %s%s: %v", in.SpaceID, in.SubStage, in.Variant, err)
			} else {
				t.k.machine.DispatchFailed(t.p, in.Stage, err)
				t.event(in.Stage, pipeline.EventDispatchFailed, "%v", err)
			}
			if first == nil {
				first = &submitError{stage: in.Stage, err: err}
			}
			continue
		}

		if in.ForSpace() {
			if sp := t.p.Space(in.SpaceID); sp != nil {
				if a := sp.Asset(in.SubStage, in.Variant); a != nil && a.AttemptID == in.AttemptID {
					a.JobID = jobID
				}
			}
			t.event(in.Stage, pipeline.EventAssetDispatched, "%s %s%s job %s", in.SpaceID, in.SubStage, in.Variant, jobID)
		} else {
			if rec := t.p.RetryState[in.Stage]; rec != nil && rec.AttemptID == in.AttemptID {
				rec.JobID = jobID
			}
			t.event(in.Stage, pipeline.EventStarted, "attempt %s job %s", in.AttemptID, jobID)
		}
	}
	return first
}

// changeset builds the conditional write for t. Writes that touch only
// spaces are conditioned on the pipeline version and their own versions,
// so concurrent writes to different spaces never conflict.
func (t *txn) changeset() pipeline.Changeset {
	cs := pipeline.Changeset{Expected: t.orig.Version}
	if t.pipelineWrite {
		cs.Pipeline = t.p
	} else {
		cs.GuardPipeline = true
	}

	stored := make(map[string]*pipeline.Space, len(t.orig.Spaces))
	for _, sp := range t.orig.Spaces {
		stored[sp.ID] = sp
	}
	expected := func(id string) int64 {
		if sp := stored[id]; sp != nil {
			return sp.Version
		}
		return 0
	}

	if t.replaceSpaces {
		cs.ReplaceSpaces = true
		for _, sp := range t.p.Spaces {
			cs.Spaces = append(cs.Spaces, pipeline.SpaceWrite{Space: sp, Expected: expected(sp.ID)})
		}
		return cs
	}

	written := make(map[string]bool)
	for _, sp := range t.p.Spaces {
		if t.spaces[sp.ID] || (t.allSpaces && spaceChanged(stored[sp.ID], sp)) {
			written[sp.ID] = true
			cs.Spaces = append(cs.Spaces, pipeline.SpaceWrite{Space: sp, Expected: expected(sp.ID)})
		}
	}
	if t.guardSpaces {
		cs.Guards = make(map[string]int64)
		for _, sp := range t.orig.Spaces {
			if !written[sp.ID] {
				cs.Guards[sp.ID] = sp.Version
			}
		}
	}
	sort.Slice(cs.Spaces, func(i, j int) bool { return cs.Spaces[i].Space.ID < cs.Spaces[j].Space.ID })
	return cs
}

func spaceChanged(before, after *pipeline.Space) bool {
	if before == nil {
		return true
	}
	if before.Excluded != after.Excluded || before.Name != after.Name {
		return true
	}
	for _, sub := range []pipeline.SubStage{pipeline.SubStageRender, pipeline.SubStagePanorama, pipeline.SubStageFinal360} {
		for _, v := range sub.Variants() {
			a, b := before.Asset(sub, v), after.Asset(sub, v)
			if a.Status != b.Status || a.AttemptID != b.AttemptID || a.ArtifactRef != b.ArtifactRef ||
				a.AttemptCount != b.AttemptCount || a.LockedApproved != b.LockedApproved ||
				a.Blocked != b.Blocked || len(a.RejectionHistory) != len(b.RejectionHistory) {
				return true
			}
		}
	}
	return false
}

// appendEvents writes events best-effort; the record is already committed.
func (o *Orchestrator) appendEvents(ctx context.Context, events []pipeline.Event) {
	now := o.now()
	for _, e := range events {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		if err := o.events.Append(ctx, e); err != nil {
			o.logger.Warn().Str("pipeline", e.PipelineID).Str("event", e.Type).Err(err).Msg("Failed to append event")
		}
	}
}
