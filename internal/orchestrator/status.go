package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/lucasnoah/renderfactory/internal/fanout"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// Action is a user-facing operation that is currently legal.
type Action string

const (
	ActionStart          Action = "start"
	ActionRetry          Action = "retry"
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionSkip           Action = "skip"
	ActionRestart        Action = "restart"
	ActionRecover        Action = "recover"
	ActionRollback       Action = "rollback"
	ActionAdvance        Action = "advance"
	ActionPause          Action = "pause"
	ActionResume         Action = "resume"
	ActionUpdateSettings Action = "update_settings"
	ActionRegisterSpaces Action = "register_spaces"
	ActionStartSubStage  Action = "start_sub_stage"
	ActionRunAllPending  Action = "run_all_pending"
	ActionApproveAsset   Action = "approve_asset"
	ActionRejectAsset    Action = "reject_asset"
	ActionExcludeSpace   Action = "exclude_space"
	ActionRestoreSpace   Action = "restore_space"
)

// LegalActions returns the actions a client may offer for p, sorted.
// A paused pipeline offers only resume.
func (o *Orchestrator) LegalActions(p *pipeline.Pipeline) ([]Action, error) {
	k, err := o.kit(p)
	if err != nil {
		return nil, err
	}
	if p.RunState.Paused {
		return []Action{ActionResume}, nil
	}

	set := map[Action]bool{ActionPause: true}
	if p.Phase.Stage != k.layout.First() || p.StageOutputs[p.Phase.Stage] != nil || p.Complete() {
		set[ActionRollback] = true
	}
	if p.Complete() {
		return sortActions(set), nil
	}
	for _, name := range []string{pipeline.SettingAspectRatio, pipeline.SettingOutputQuality, pipeline.SettingPostStageQuality} {
		if key := k.layout.LockingStage(name); key == 0 || !stageStarted(p, k.layout, key) {
			set[ActionUpdateSettings] = true
		}
	}

	d, _ := k.layout.Def(p.Phase.Stage)
	if d.FanOut != "" {
		o.fanOutActions(p, k, d, set)
		return sortActions(set), nil
	}

	key := d.Key
	out := p.StageOutputs[key]
	policy := k.machine.Policy()
	budgetLeft := policy.QaUsed(p.RetryState[key]) < policy.Budget
	switch p.Phase.Sub {
	case pipeline.SubPending:
		set[ActionStart] = true
		set[ActionAdvance] = true
	case pipeline.SubRunning:
		set[ActionRestart] = true
		if rec := p.RetryState[key]; rec != nil && rec.Stale {
			set[ActionRecover] = true
		}
	case pipeline.SubWaitingApproval:
		set[ActionApprove] = true
		set[ActionReject] = true
		set[ActionRestart] = true
	case pipeline.SubQaFail, pipeline.SubRejected:
		if budgetLeft {
			set[ActionRetry] = true
			set[ActionAdvance] = true
		}
		if p.Phase.Sub == pipeline.SubQaFail && out.Live() {
			set[ActionApprove] = true
		}
		set[ActionRestart] = true
	case pipeline.SubBlockedForHuman:
		if out.Live() {
			set[ActionApprove] = true
		}
		set[ActionRestart] = true
	}
	if o.canSkip(p, k, key) {
		set[ActionSkip] = true
	}
	return sortActions(set), nil
}

// canSkip reports whether a skip lands on or leaves the current stage.
func (o *Orchestrator) canSkip(p *pipeline.Pipeline, k *kit, key int) bool {
	if p.Phase.Sub == pipeline.SubRunning {
		return false
	}
	skippable := func(from int) bool {
		next := k.layout.Next(from)
		nd, ok := k.layout.Def(next)
		return ok && nd.FanOut == "" && p.StageOutputs[from].Live()
	}
	switch p.Phase.Sub {
	case pipeline.SubWaitingApproval, pipeline.SubQaFail, pipeline.SubBlockedForHuman:
		if skippable(key) {
			return true
		}
	}
	if d, _ := k.layout.Def(key); d.Optional {
		if prev := k.layout.Prev(key); prev != 0 && skippable(prev) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) fanOutActions(p *pipeline.Pipeline, k *kit, d pipeline.StageDef, set map[Action]bool) {
	if d.FanOut == pipeline.SubStageRender && !stageStarted(p, k.layout, d.Key) {
		set[ActionRegisterSpaces] = true
	}
	if len(p.Spaces) == 0 {
		return
	}
	// Restored spaces may still owe earlier sub-stages.
	subs := []pipeline.SubStage{d.FanOut}
	for pre := d.FanOut.Prerequisite(); pre != ""; pre = pre.Prerequisite() {
		if k.fan.CatchingUp(p, pre) {
			subs = append(subs, pre)
		}
	}
	for _, sub := range subs {
		if len(k.fan.PendingSpaces(p, sub)) > 0 {
			set[ActionStartSubStage] = true
			set[ActionRunAllPending] = true
		}
	}
	for _, sp := range p.Spaces {
		if sp.Excluded {
			set[ActionRestoreSpace] = true
			continue
		}
		set[ActionExcludeSpace] = true
		for _, sub := range subs {
			for _, v := range sub.Variants() {
				a := sp.Asset(sub, v)
				if a.Status == pipeline.AssetNeedsReview {
					set[ActionApproveAsset] = true
					set[ActionRejectAsset] = true
				}
				if a.Status == pipeline.AssetRejected && a.ArtifactRef != "" && !a.LockedApproved {
					set[ActionApproveAsset] = true
				}
			}
		}
	}
	if stageStarted(p, k.layout, d.Key) {
		set[ActionRestart] = true
	}
	if rec := p.RetryState[d.Key]; rec != nil && rec.Stale {
		set[ActionRecover] = true
	}
	if fanout.ComputeGate(p.Spaces, d.FanOut).Unlocked {
		set[ActionAdvance] = true
	}
}

func sortActions(set map[Action]bool) []Action {
	out := make([]Action, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StageStatus is the derived view of one stage.
type StageStatus struct {
	Key         int               `json:"key"`
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	State       pipeline.SubState `json:"state"`
	Optional    bool              `json:"optional,omitempty"`
	FanOut      pipeline.SubStage `json:"fan_out,omitempty"`
	Attempts    int               `json:"attempts"`
	Rejects     int               `json:"rejects,omitempty"`
	Stale       bool              `json:"stale,omitempty"`
	ArtifactRef string            `json:"artifact_ref,omitempty"`
	Skipped     bool              `json:"skipped,omitempty"`
	Rejections  int               `json:"rejections,omitempty"`
}

// StatusInfo is the combined view of a pipeline served to clients.
type StatusInfo struct {
	ID        string               `json:"id"`
	Kind      pipeline.Kind        `json:"kind"`
	Title     string               `json:"title,omitempty"`
	Phase     string               `json:"phase"`
	Stage     int                  `json:"stage"`
	Sub       pipeline.SubState    `json:"sub"`
	Progress  float64              `json:"progress"`
	Paused    bool                 `json:"paused"`
	Reason    string               `json:"pause_reason,omitempty"`
	LastError string               `json:"last_error,omitempty"`
	Recovery  bool                 `json:"recovery,omitempty"`
	Version   int64                `json:"version"`
	Settings  pipeline.Settings    `json:"settings"`
	Stages    []StageStatus        `json:"stages"`
	Spaces    []*pipeline.Space    `json:"spaces,omitempty"`
	Gates     []*fanout.GateResult `json:"gates,omitempty"`
	Actions   []Action             `json:"actions"`
}

// Status returns the combined status of a pipeline.
func (o *Orchestrator) Status(ctx context.Context, id string) (*StatusInfo, error) {
	p, err := o.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.describe(p)
}

// StatusAll returns the status of every pipeline.
func (o *Orchestrator) StatusAll(ctx context.Context) ([]StatusInfo, error) {
	pipelines, err := o.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	var result []StatusInfo
	for _, p := range pipelines {
		info, err := o.describe(p)
		if err != nil {
			o.logger.Warn().Str("pipeline", p.ID).Err(err).Msg("Skipping pipeline in status listing")
			continue
		}
		result = append(result, *info)
	}
	return result, nil
}

func (o *Orchestrator) describe(p *pipeline.Pipeline) (*StatusInfo, error) {
	k, err := o.kit(p)
	if err != nil {
		return nil, err
	}
	actions, err := o.LegalActions(p)
	if err != nil {
		return nil, err
	}
	info := &StatusInfo{
		ID:        p.ID,
		Kind:      p.Kind,
		Title:     p.Title,
		Phase:     p.Label(k.layout),
		Stage:     p.Phase.Stage,
		Sub:       p.Phase.Sub,
		Progress:  p.Progress(k.layout),
		Paused:    p.RunState.Paused,
		Reason:    p.RunState.Reason,
		LastError: p.LastError,
		Recovery:  p.Recovery,
		Version:   p.Version,
		Settings:  p.Settings,
		Spaces:    p.Spaces,
		Actions:   actions,
	}
	for _, d := range k.layout {
		st := StageStatus{
			Key:      d.Key,
			ID:       d.ID,
			Name:     d.Name,
			State:    p.StageState(d.Key),
			Optional: d.Optional,
			FanOut:   d.FanOut,
		}
		if d.Key == p.Phase.Stage && d.FanOut != "" && st.State == pipeline.SubPending && fanout.Generating(p, d.FanOut) {
			st.State = pipeline.SubRunning
		}
		if rec := p.RetryState[d.Key]; rec != nil {
			st.Attempts = rec.AttemptCount
			st.Rejects = rec.RejectCount
			st.Stale = rec.Stale
		}
		if out := p.StageOutputs[d.Key]; out != nil {
			st.ArtifactRef = out.ArtifactRef
			st.Skipped = out.Skipped
			st.Rejections = len(out.RejectionHistory)
		}
		info.Stages = append(info.Stages, st)
		if d.FanOut != "" && len(p.Spaces) > 0 {
			info.Gates = append(info.Gates, fanout.ComputeGate(p.Spaces, d.FanOut))
		}
	}
	return info, nil
}
