package fanout

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
	"github.com/lucasnoah/renderfactory/internal/stage"
)

// Coordinator applies per-space transitions to a pipeline in memory.
// Like stage.Machine it performs no I/O.
type Coordinator struct {
	layout pipeline.Layout
	policy stage.Policy
	now    func() time.Time
	newID  func() string
}

// NewCoordinator creates a coordinator for one layout.
func NewCoordinator(layout pipeline.Layout, policy stage.Policy) *Coordinator {
	if policy.Budget <= 0 {
		policy.Budget = stage.DefaultPolicy.Budget
	}
	return &Coordinator{
		layout: layout,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// SetClock overrides the time source (for testing).
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// SetIDSource overrides attempt id generation (for testing).
func (c *Coordinator) SetIDSource(f func() string) {
	c.newID = f
}

// AssetOutcome describes how an observation or decision changed an asset.
type AssetOutcome struct {
	Ignored     bool                     `json:"ignored,omitempty"`
	Status      pipeline.AssetStatus     `json:"status"`
	Locked      bool                     `json:"locked"`
	Blocked     bool                     `json:"blocked,omitempty"`
	Resubmitted *pipeline.DispatchIntent `json:"-"`
}

func outcomeOf(a *pipeline.Asset) AssetOutcome {
	return AssetOutcome{Status: a.Status, Locked: a.LockedApproved, Blocked: a.Blocked}
}

// SpaceSpec names a detected space to register.
type SpaceSpec struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name"`
	Excluded bool   `json:"is_excluded,omitempty" yaml:"is_excluded"`
}

func (c *Coordinator) space(p *pipeline.Pipeline, spaceID, op string) (*pipeline.Space, error) {
	sp := p.Space(spaceID)
	if sp == nil {
		return nil, pipeline.Invalid(p, 0, op, "unknown space %q", spaceID)
	}
	return sp, nil
}

func (c *Coordinator) asset(p *pipeline.Pipeline, sp *pipeline.Space, sub pipeline.SubStage, v pipeline.Variant, op string) (*pipeline.Asset, error) {
	if !sub.Valid() {
		return nil, pipeline.Invalid(p, 0, op, "unknown sub-stage %q", sub)
	}
	a := sp.Asset(sub, v)
	if a == nil {
		return nil, pipeline.Invalid(p, c.layout.FanOutStage(sub), op, "%s has no variant %q", sub, v)
	}
	return a, nil
}

func refusePaused(p *pipeline.Pipeline, op string) error {
	if p.RunState.Paused {
		return pipeline.Invalid(p, 0, op, "pipeline is paused")
	}
	return nil
}

// RegisterSpaces replaces the space list of a pipeline. It is refused once
// any asset has been dispatched.
func (c *Coordinator) RegisterSpaces(p *pipeline.Pipeline, specs []SpaceSpec) error {
	const op = "register-spaces"
	if err := refusePaused(p, op); err != nil {
		return err
	}
	if !c.layout.HasFanOut() {
		return pipeline.Invalid(p, 0, op, "%s pipelines have no spaces", p.Kind)
	}
	if p.Phase.Stage > c.layout.FanOutStage(pipeline.SubStageRender) {
		return pipeline.Invalid(p, 0, op, "renders are already approved")
	}
	for _, sp := range p.Spaces {
		for _, sub := range []pipeline.SubStage{pipeline.SubStageRender, pipeline.SubStagePanorama, pipeline.SubStageFinal360} {
			for _, v := range sub.Variants() {
				if sp.Asset(sub, v).AttemptCount > 0 {
					return pipeline.Invalid(p, 0, op, "space %q already has dispatched work; roll back first", sp.ID)
				}
			}
		}
	}

	seen := make(map[string]bool, len(specs))
	spaces := make([]*pipeline.Space, 0, len(specs))
	for _, s := range specs {
		if s.ID == "" || strings.ContainsAny(s.ID, `/\ `) {
			return pipeline.Invalid(p, 0, op, "invalid space id %q", s.ID)
		}
		if seen[s.ID] {
			return pipeline.Invalid(p, 0, op, "duplicate space id %q", s.ID)
		}
		seen[s.ID] = true
		sp := pipeline.NewSpace(s.ID, s.Name)
		sp.Excluded = s.Excluded
		spaces = append(spaces, sp)
	}
	p.Spaces = spaces
	p.Touch(c.now())
	return nil
}

// StartSubStage dispatches every startable variant of sub for one space.
// Each variant is an independent job; a variant already generating,
// awaiting review, approved or blocked is left alone.
func (c *Coordinator) StartSubStage(p *pipeline.Pipeline, spaceID string, sub pipeline.SubStage, source string, params map[string]string) ([]*pipeline.DispatchIntent, error) {
	const op = "start-sub-stage"
	if err := refusePaused(p, op); err != nil {
		return nil, err
	}
	if !sub.Valid() {
		return nil, pipeline.Invalid(p, 0, op, "unknown sub-stage %q", sub)
	}
	key := c.layout.FanOutStage(sub)
	if key == 0 {
		return nil, pipeline.Invalid(p, 0, op, "%s pipelines have no %s sub-stage", p.Kind, sub)
	}
	sp, err := c.space(p, spaceID, op)
	if err != nil {
		return nil, err
	}
	switch {
	case p.Phase.Stage < key:
		return nil, pipeline.GateLocked(p, key, op, fmt.Sprintf("pipeline is at stage %d", p.Phase.Stage))
	case (p.Phase.Stage > key || p.Complete()) && !c.catchUp(p, sp, sub):
		return nil, pipeline.Invalid(p, key, op, "%s stage is already approved", sub)
	}
	if sp.Excluded {
		return nil, pipeline.Invalid(p, key, op, "space %q is excluded", sp.ID)
	}
	if pre := sub.Prerequisite(); pre != "" && !sp.SubStageLocked(pre) {
		return nil, pipeline.GateLocked(p, key, op, fmt.Sprintf("space %q has not locked its %s", sp.ID, pre))
	}

	var intents []*pipeline.DispatchIntent
	var busy []string
	used := -1
	for _, v := range sub.Variants() {
		a := sp.Asset(sub, v)
		if a.Blocked || (a.Status != pipeline.AssetPending && a.Status != pipeline.AssetRejected) {
			busy = append(busy, fmt.Sprintf("%s%s is %s", sub, v, a.Status))
			continue
		}
		if n := c.policy.Used(a.AttemptCount, a.RejectCount); n >= c.policy.Budget {
			used = max(used, n)
			continue
		}
		intents = append(intents, c.dispatch(p, sp, sub, v, source, params, "superseded by retry"))
	}
	if len(intents) == 0 {
		if used >= 0 {
			return nil, pipeline.Exhausted(p, key, op, used, c.policy.Budget)
		}
		return nil, pipeline.Invalid(p, key, op, "nothing to start for space %q: %s", sp.ID, strings.Join(busy, ", "))
	}
	return intents, nil
}

// CatchingUp reports whether sub has already passed pipeline-wide while a
// later fan-out stage is current. Spaces restored at that point still run
// sub before they can take part in the current gate.
func (c *Coordinator) CatchingUp(p *pipeline.Pipeline, sub pipeline.SubStage) bool {
	key := c.layout.FanOutStage(sub)
	if key == 0 || p.Complete() || p.Phase.Stage <= key {
		return false
	}
	d, ok := c.layout.Def(p.Phase.Stage)
	return ok && d.FanOut != ""
}

func (c *Coordinator) catchUp(p *pipeline.Pipeline, sp *pipeline.Space, sub pipeline.SubStage) bool {
	return !sp.Excluded && !sp.SubStageLocked(sub) && c.CatchingUp(p, sub)
}

func (c *Coordinator) dispatch(p *pipeline.Pipeline, sp *pipeline.Space, sub pipeline.SubStage, v pipeline.Variant, source string, extra map[string]string, reason string) *pipeline.DispatchIntent {
	now := c.now()
	a := sp.Asset(sub, v)
	archive(a, reason, now)
	a.AttemptCount++
	a.Status = pipeline.AssetGenerating
	a.AttemptID = c.newID()
	a.JobID = ""
	a.DispatchedAt = &now

	params := map[string]string{
		"space_id":                       sp.ID,
		"space_name":                     sp.Name,
		"sub_stage":                      string(sub),
		"variant":                        string(v),
		pipeline.SettingAspectRatio:      p.Settings.AspectRatio,
		pipeline.SettingOutputQuality:    p.Settings.OutputQuality,
		pipeline.SettingPostStageQuality: p.Settings.PostStageQuality,
	}
	if source == "" {
		source = c.defaultSource(p, sp, sub, v)
	}
	if source != "" {
		params["source"] = source
	}
	if sub == pipeline.SubStageFinal360 {
		params["source_b"] = sp.PanoramaB.ArtifactRef
	}
	for k, val := range extra {
		params[k] = val
	}
	return &pipeline.DispatchIntent{
		Stage:     c.layout.FanOutStage(sub),
		SpaceID:   sp.ID,
		SubStage:  sub,
		Variant:   v,
		AttemptID: a.AttemptID,
		Params:    params,
	}
}

// defaultSource picks the input artifact for a sub-stage: the latest
// approved whole-plan output for renders, and the same variant of the
// prerequisite sub-stage otherwise.
func (c *Coordinator) defaultSource(p *pipeline.Pipeline, sp *pipeline.Space, sub pipeline.SubStage, v pipeline.Variant) string {
	switch sub {
	case pipeline.SubStageRender:
		for prev := c.layout.Prev(c.layout.FanOutStage(sub)); prev != 0; prev = c.layout.Prev(prev) {
			if o := p.StageOutputs[prev]; o.Live() {
				return o.ArtifactRef
			}
		}
	case pipeline.SubStagePanorama:
		return sp.Asset(pipeline.SubStageRender, v).ArtifactRef
	case pipeline.SubStageFinal360:
		return sp.PanoramaA.ArtifactRef
	}
	return ""
}

func archive(a *pipeline.Asset, reason string, at time.Time) {
	if a.ArtifactRef != "" {
		a.RejectionHistory = append(a.RejectionHistory, pipeline.Rejection{
			ArtifactRef: a.ArtifactRef,
			Reason:      reason,
			AttemptID:   a.AttemptID,
			Timestamp:   at,
		})
	}
	a.ArtifactRef = ""
	a.QaDecision = ""
	a.LockedApproved = false
}

// ObserveAssetResult records a finished asset job. Completions for any
// attempt other than the one in flight are ignored. Results are recorded
// for paused pipelines and excluded spaces alike.
func (c *Coordinator) ObserveAssetResult(p *pipeline.Pipeline, spaceID string, sub pipeline.SubStage, v pipeline.Variant, done stage.Completion) (AssetOutcome, error) {
	const op = "observe-asset"
	sp, err := c.space(p, spaceID, op)
	if err != nil {
		return AssetOutcome{}, err
	}
	a, err := c.asset(p, sp, sub, v, op)
	if err != nil {
		return AssetOutcome{}, err
	}
	if a.Status != pipeline.AssetGenerating || done.AttemptID == "" || done.AttemptID != a.AttemptID {
		out := outcomeOf(a)
		out.Ignored = true
		return out, nil
	}
	if done.ArtifactRef == "" {
		return AssetOutcome{}, pipeline.Invalid(p, c.layout.FanOutStage(sub), op, "completion carries no artifact")
	}

	a.ArtifactRef = done.ArtifactRef
	a.QaDecision = done.Decision
	switch {
	case done.Decision == pipeline.QaRejected:
		a.Status = pipeline.AssetRejected
		if c.policy.Used(a.AttemptCount, a.RejectCount) >= c.policy.Budget {
			a.Blocked = true
		}
	case done.Decision.Passing() && !c.policy.ManualQA:
		a.Status = pipeline.AssetApproved
		a.LockedApproved = true
	default:
		a.Status = pipeline.AssetNeedsReview
	}
	return outcomeOf(a), nil
}

// DispatchFailed records a synchronous submission failure for an asset
// just started. It consumes the attempt like a QA rejection.
func (c *Coordinator) DispatchFailed(p *pipeline.Pipeline, spaceID string, sub pipeline.SubStage, v pipeline.Variant) {
	sp := p.Space(spaceID)
	if sp == nil {
		return
	}
	a := sp.Asset(sub, v)
	if a == nil {
		return
	}
	a.Status = pipeline.AssetRejected
	if c.policy.Used(a.AttemptCount, a.RejectCount) >= c.policy.Budget {
		a.Blocked = true
	}
}

// ApproveAsset locks an asset awaiting review. Approving a locked asset is
// a no-op and reports changed=false. A QA-rejected asset may be approved
// by a human as long as it still holds its artifact.
func (c *Coordinator) ApproveAsset(p *pipeline.Pipeline, spaceID string, sub pipeline.SubStage, v pipeline.Variant) (bool, error) {
	const op = "approve-asset"
	sp, err := c.space(p, spaceID, op)
	if err != nil {
		return false, err
	}
	a, err := c.asset(p, sp, sub, v, op)
	if err != nil {
		return false, err
	}
	if a.LockedApproved {
		return false, nil
	}
	if err := refusePaused(p, op); err != nil {
		return false, err
	}
	ok := a.Status == pipeline.AssetNeedsReview ||
		(a.Status == pipeline.AssetRejected && a.ArtifactRef != "")
	if !ok {
		return false, pipeline.Invalid(p, c.layout.FanOutStage(sub), op, "%s%s of space %q is %s", sub, v, sp.ID, a.Status)
	}
	a.Status = pipeline.AssetApproved
	a.LockedApproved = true
	a.Blocked = false
	return true, nil
}

// RejectAsset archives an asset awaiting review and, when the space is
// active and the budget allows, dispatches a replacement. Once the budget
// is spent the asset is blocked instead and keeps its artifact.
func (c *Coordinator) RejectAsset(p *pipeline.Pipeline, spaceID string, sub pipeline.SubStage, v pipeline.Variant, reason string) (AssetOutcome, error) {
	const op = "reject-asset"
	if err := refusePaused(p, op); err != nil {
		return AssetOutcome{}, err
	}
	sp, err := c.space(p, spaceID, op)
	if err != nil {
		return AssetOutcome{}, err
	}
	a, err := c.asset(p, sp, sub, v, op)
	if err != nil {
		return AssetOutcome{}, err
	}
	key := c.layout.FanOutStage(sub)
	if a.LockedApproved {
		return AssetOutcome{}, pipeline.Invalid(p, key, op, "%s%s of space %q is locked; roll back to redo it", sub, v, sp.ID)
	}
	if a.Status != pipeline.AssetNeedsReview {
		return AssetOutcome{}, pipeline.Invalid(p, key, op, "%s%s of space %q is %s, not awaiting review", sub, v, sp.ID, a.Status)
	}
	if reason == "" {
		reason = "rejected"
	}

	a.Status = pipeline.AssetRejected
	if !c.policy.CanResubmit(a.AttemptCount, a.RejectCount) {
		// The artifact stays so a human can still approve it.
		a.Blocked = true
		return outcomeOf(a), nil
	}
	archive(a, reason, c.now())
	if sp.Excluded || (p.Phase.Stage != key && !c.catchUp(p, sp, sub)) {
		return outcomeOf(a), nil
	}
	a.RejectCount++
	intent := c.dispatch(p, sp, sub, v, "", map[string]string{"rejection_reason": reason}, reason)
	out := outcomeOf(a)
	out.Resubmitted = intent
	return out, nil
}

// ExcludeSpace removes a space from gate computation. It reports
// changed=false when the space was already excluded.
func (c *Coordinator) ExcludeSpace(p *pipeline.Pipeline, spaceID string) (bool, error) {
	return c.setExcluded(p, spaceID, true, "exclude-space")
}

// RestoreSpace returns an excluded space to gate computation.
func (c *Coordinator) RestoreSpace(p *pipeline.Pipeline, spaceID string) (bool, error) {
	return c.setExcluded(p, spaceID, false, "restore-space")
}

func (c *Coordinator) setExcluded(p *pipeline.Pipeline, spaceID string, excluded bool, op string) (bool, error) {
	if err := refusePaused(p, op); err != nil {
		return false, err
	}
	sp, err := c.space(p, spaceID, op)
	if err != nil {
		return false, err
	}
	if sp.Excluded == excluded {
		return false, nil
	}
	sp.Excluded = excluded
	return true, nil
}

// PendingSpaces lists active spaces with at least one variant of sub that
// StartSubStage would dispatch.
func (c *Coordinator) PendingSpaces(p *pipeline.Pipeline, sub pipeline.SubStage) []string {
	var ids []string
	pre := sub.Prerequisite()
	for _, sp := range p.ActiveSpaces() {
		if pre != "" && !sp.SubStageLocked(pre) {
			continue
		}
		for _, v := range sub.Variants() {
			a := sp.Asset(sub, v)
			if a.Blocked || (a.Status != pipeline.AssetPending && a.Status != pipeline.AssetRejected) {
				continue
			}
			if c.policy.Used(a.AttemptCount, a.RejectCount) >= c.policy.Budget {
				continue
			}
			ids = append(ids, sp.ID)
			break
		}
	}
	return ids
}

// Generating reports whether any active space has a job in flight for sub.
func Generating(p *pipeline.Pipeline, sub pipeline.SubStage) bool {
	for _, sp := range p.ActiveSpaces() {
		for _, v := range sub.Variants() {
			if sp.Asset(sub, v).Status == pipeline.AssetGenerating {
				return true
			}
		}
	}
	return false
}

// ResetSubStage returns the assets of sub to pending. With keepLocked,
// approved assets are left alone and the rejection history of the others
// is kept; otherwise every asset is discarded.
func ResetSubStage(sp *pipeline.Space, sub pipeline.SubStage, keepLocked bool) bool {
	changed := false
	for _, v := range sub.Variants() {
		a := sp.Asset(sub, v)
		if keepLocked && a.LockedApproved {
			continue
		}
		fresh := pipeline.Asset{Status: pipeline.AssetPending}
		if keepLocked {
			fresh.RejectionHistory = a.RejectionHistory
		}
		if a.Status != fresh.Status || a.AttemptCount != 0 || a.ArtifactRef != "" || a.Blocked || len(a.RejectionHistory) != len(fresh.RejectionHistory) {
			changed = true
		}
		*a = fresh
	}
	return changed
}
