package stage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// Policy holds the retry and approval rules shared by every stage.
type Policy struct {
	// Budget is the number of attempts a stage gets before it is
	// blocked for a human decision.
	Budget int
	// RejectBudget, when positive, gives human rejections their own
	// resubmission budget. Zero means rejections draw from Budget.
	RejectBudget int
	// ManualQA holds passing outputs for human approval instead of
	// advancing automatically.
	ManualQA bool
}

// DefaultPolicy is used when no configuration is supplied.
var DefaultPolicy = Policy{Budget: 3, ManualQA: true}

// QaUsed returns the attempts of rec that count against Budget.
func (pol Policy) QaUsed(rec *pipeline.RetryRecord) int {
	if rec == nil {
		return 0
	}
	return pol.Used(rec.AttemptCount, rec.RejectCount)
}

// Used returns how many of attempts count against Budget when rejects of
// them were resubmissions after a human rejection.
func (pol Policy) Used(attempts, rejects int) int {
	if pol.RejectBudget > 0 {
		return attempts - rejects
	}
	return attempts
}

// CanResubmit reports whether a human rejection may trigger another attempt.
func (pol Policy) CanResubmit(attempts, rejects int) bool {
	if pol.RejectBudget > 0 {
		return rejects < pol.RejectBudget
	}
	return attempts < pol.Budget
}

// Machine applies stage transitions to a pipeline in memory. Every method
// mutates the pipeline it is given and performs no I/O; callers pass a
// clone and persist it with a conditional write.
type Machine struct {
	layout pipeline.Layout
	policy Policy
	now    func() time.Time
	newID  func() string
}

// NewMachine creates a machine for one layout.
func NewMachine(layout pipeline.Layout, policy Policy) *Machine {
	if policy.Budget <= 0 {
		policy.Budget = DefaultPolicy.Budget
	}
	return &Machine{
		layout: layout,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// SetClock overrides the time source (for testing).
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// SetIDSource overrides attempt id generation (for testing).
func (m *Machine) SetIDSource(f func() string) {
	m.newID = f
}

// Layout returns the layout the machine runs.
func (m *Machine) Layout() pipeline.Layout {
	return m.layout
}

// Policy returns the machine's retry policy.
func (m *Machine) Policy() Policy {
	return m.policy
}

// StartOpts configures StartStage.
type StartOpts struct {
	Params map[string]string
	// Override starts a stage past an unapproved predecessor and puts the
	// pipeline into recovery mode.
	Override bool
}

// Outcome describes how an observed completion or decision changed a stage.
type Outcome struct {
	Ignored  bool              `json:"ignored,omitempty"`
	State    pipeline.SubState `json:"state"`
	Advanced bool              `json:"advanced,omitempty"`
	// Resubmitted is set when a rejection started a new attempt.
	Resubmitted *pipeline.DispatchIntent `json:"-"`
}

// Completion is a finished remote attempt with its automatic QA verdict.
type Completion struct {
	AttemptID   string
	ArtifactRef string
	Decision    pipeline.QaDecision
	Notes       string
}

func (m *Machine) def(p *pipeline.Pipeline, key int, op string) (pipeline.StageDef, error) {
	d, ok := m.layout.Def(key)
	if !ok {
		return d, pipeline.Invalid(p, key, op, "unknown stage")
	}
	return d, nil
}

func refusePaused(p *pipeline.Pipeline, key int, op string) error {
	if p.RunState.Paused {
		return pipeline.Invalid(p, key, op, "pipeline is paused")
	}
	return nil
}

// StartStage submits a new attempt for stage key. It is legal on the
// current stage from pending, qa_fail or rejected, and on a later stage
// only with Override.
func (m *Machine) StartStage(p *pipeline.Pipeline, key int, opts StartOpts) (*pipeline.DispatchIntent, error) {
	const op = "start"
	if err := refusePaused(p, key, op); err != nil {
		return nil, err
	}
	d, err := m.def(p, key, op)
	if err != nil {
		return nil, err
	}
	if d.FanOut != "" {
		return nil, pipeline.Invalid(p, key, op, "stage %q fans out per space; start its sub-stages instead", d.ID)
	}
	if p.Complete() || key < p.Phase.Stage {
		return nil, pipeline.Invalid(p, key, op, "stage is already approved; roll back to redo it")
	}
	if key > p.Phase.Stage {
		if !opts.Override {
			return nil, pipeline.Invalid(p, key, op, "stage %d is not approved yet", p.Phase.Stage)
		}
		p.Recovery = true
		p.Phase = pipeline.Phase{Stage: key, Sub: pipeline.SubPending}
	}

	switch p.Phase.Sub {
	case pipeline.SubPending, pipeline.SubQaFail, pipeline.SubRejected:
	case pipeline.SubBlockedForHuman:
		return nil, pipeline.Invalid(p, key, op, "stage is blocked for a human decision; approve or restart it")
	default:
		return nil, pipeline.Invalid(p, key, op, "stage is %s", p.Phase.Sub)
	}

	rec := p.RetryState[key]
	if used := m.policy.QaUsed(rec); used >= m.policy.Budget {
		return nil, pipeline.Exhausted(p, key, op, used, m.policy.Budget)
	}
	return m.dispatch(p, key, opts.Params, "superseded by retry"), nil
}

// dispatch starts a new attempt without checking legality.
func (m *Machine) dispatch(p *pipeline.Pipeline, key int, params map[string]string, reason string) *pipeline.DispatchIntent {
	now := m.now()
	if out := p.StageOutputs[key]; out.Live() && !out.Locked() {
		out.Archive(reason, now)
	}
	rec := p.RetryState[key]
	if rec == nil {
		rec = &pipeline.RetryRecord{}
		p.RetryState[key] = rec
	}
	rec.AttemptCount++
	rec.Status = pipeline.RetryRunning
	rec.AttemptID = m.newID()
	rec.JobID = ""
	rec.StartedAt = now
	rec.Stale = false
	rec.StaleSince = nil

	p.Phase = pipeline.Phase{Stage: key, Sub: pipeline.SubRunning}
	p.Touch(now)
	return &pipeline.DispatchIntent{Stage: key, AttemptID: rec.AttemptID, Params: m.params(p, key, params)}
}

// params fills the job parameters a worker needs: the input artifact from
// the previous approved stage and the generation settings.
func (m *Machine) params(p *pipeline.Pipeline, key int, extra map[string]string) map[string]string {
	out := map[string]string{
		pipeline.SettingAspectRatio:      p.Settings.AspectRatio,
		pipeline.SettingOutputQuality:    p.Settings.OutputQuality,
		pipeline.SettingPostStageQuality: p.Settings.PostStageQuality,
	}
	if d, ok := m.layout.Def(key); ok {
		out["stage_id"] = d.ID
	}
	for prev := m.layout.Prev(key); prev != 0; prev = m.layout.Prev(prev) {
		if o := p.StageOutputs[prev]; o.Live() {
			out["source"] = o.ArtifactRef
			break
		}
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// ObserveAutomaticQa records a finished attempt. Completions for any
// attempt other than the one in flight are ignored and change nothing.
func (m *Machine) ObserveAutomaticQa(p *pipeline.Pipeline, key int, c Completion) (Outcome, error) {
	rec := p.RetryState[key]
	if key != p.Phase.Stage || p.Phase.Sub != pipeline.SubRunning || rec == nil ||
		c.AttemptID == "" || c.AttemptID != rec.AttemptID {
		return Outcome{Ignored: true, State: p.StageState(key)}, nil
	}
	if c.ArtifactRef == "" {
		return Outcome{}, pipeline.Invalid(p, key, "observe", "completion carries no artifact")
	}

	now := m.now()
	out := p.StageOutputs[key]
	if out == nil {
		out = &pipeline.StageOutput{}
		p.StageOutputs[key] = out
	}
	out.ArtifactRef = c.ArtifactRef
	out.QaDecision = c.Decision
	out.ManualApproved = false
	out.ManualRejected = false
	out.Skipped = false
	out.AttemptID = rec.AttemptID
	out.CreatedAt = now
	if c.Notes != "" {
		out.Notes = c.Notes
	}
	rec.Stale = false
	rec.StaleSince = nil
	p.Touch(now)

	switch {
	case c.Decision == pipeline.QaRejected:
		m.fail(p, key, rec)
	case c.Decision.Passing() && !m.policy.ManualQA:
		m.approve(p, key, false, now)
		return Outcome{State: pipeline.SubApproved, Advanced: true}, nil
	default:
		p.Phase.Sub = pipeline.SubWaitingApproval
	}
	return Outcome{State: p.Phase.Sub}, nil
}

// fail marks the current attempt failed, blocking the stage when the
// budget is spent.
func (m *Machine) fail(p *pipeline.Pipeline, key int, rec *pipeline.RetryRecord) {
	if m.policy.QaUsed(rec) >= m.policy.Budget {
		rec.Status = pipeline.RetryBlockedForHuman
		p.Phase.Sub = pipeline.SubBlockedForHuman
		return
	}
	rec.Status = pipeline.RetryQaFail
	p.Phase.Sub = pipeline.SubQaFail
}

// DispatchFailed records a synchronous submission failure for the attempt
// just started. It consumes the attempt like a failed QA verdict.
func (m *Machine) DispatchFailed(p *pipeline.Pipeline, key int, cause error) {
	rec := p.RetryState[key]
	if rec == nil {
		return
	}
	m.fail(p, key, rec)
	p.LastError = fmt.Sprintf("dispatch failed: %v", cause)
}

// approve marks key approved and moves the phase to the next stage.
func (m *Machine) approve(p *pipeline.Pipeline, key int, manual bool, now time.Time) {
	out := p.StageOutputs[key]
	if out == nil {
		out = &pipeline.StageOutput{CreatedAt: now}
		p.StageOutputs[key] = out
	}
	out.ApprovedAt = &now
	if manual {
		out.ManualApproved = true
		out.ManualRejected = false
	}
	if next := m.layout.Next(key); next != 0 {
		p.Phase = pipeline.Phase{Stage: next, Sub: pipeline.SubPending}
	} else {
		p.Phase = pipeline.Phase{Stage: key, Sub: pipeline.SubApproved}
	}
	p.Touch(now)
}

// ManualApprove locks the live output of key and advances. Approving an
// already approved stage is a no-op and reports changed=false.
func (m *Machine) ManualApprove(p *pipeline.Pipeline, key int, notes string) (bool, error) {
	const op = "approve"
	if _, err := m.def(p, key, op); err != nil {
		return false, err
	}
	state := p.StageState(key)
	if state == pipeline.SubApproved {
		return false, nil
	}
	if err := refusePaused(p, key, op); err != nil {
		return false, err
	}
	switch state {
	case pipeline.SubWaitingApproval, pipeline.SubQaFail, pipeline.SubBlockedForHuman:
	default:
		return false, pipeline.Invalid(p, key, op, "stage is %s", state)
	}
	out := p.StageOutputs[key]
	if !out.Live() {
		return false, pipeline.Invalid(p, key, op, "no output to approve")
	}
	if notes != "" {
		out.Notes = notes
	}
	m.approve(p, key, true, m.now())
	return true, nil
}

// Reject archives the output awaiting approval and, budget permitting,
// starts a new attempt in the same transition.
func (m *Machine) Reject(p *pipeline.Pipeline, key int, reason string) (Outcome, error) {
	const op = "reject"
	if err := refusePaused(p, key, op); err != nil {
		return Outcome{}, err
	}
	if _, err := m.def(p, key, op); err != nil {
		return Outcome{}, err
	}
	if state := p.StageState(key); state != pipeline.SubWaitingApproval {
		return Outcome{}, pipeline.Invalid(p, key, op, "stage is %s, not waiting for approval", state)
	}
	if reason == "" {
		reason = "rejected"
	}

	now := m.now()
	out := p.StageOutputs[key]
	out.ManualRejected = true
	p.Touch(now)

	rec := p.RetryState[key]
	if rec == nil {
		rec = &pipeline.RetryRecord{}
		p.RetryState[key] = rec
	}
	if !m.policy.CanResubmit(rec.AttemptCount, rec.RejectCount) {
		// Nothing supersedes the output, so it stays live for a human to
		// approve or roll back.
		rec.Status = pipeline.RetryBlockedForHuman
		p.Phase.Sub = pipeline.SubBlockedForHuman
		p.LastError = fmt.Sprintf("rejected (%s) with the retry budget spent", reason)
		return Outcome{State: p.Phase.Sub}, nil
	}
	out.Archive(reason, now)
	p.Phase.Sub = pipeline.SubRejected
	rec.RejectCount++
	intent := m.dispatch(p, key, map[string]string{"rejection_reason": reason}, reason)
	return Outcome{State: p.Phase.Sub, Resubmitted: intent}, nil
}

// SkipToNextStage approves from and carries its artifact forward as the
// output of the following stage, which is marked skipped.
func (m *Machine) SkipToNextStage(p *pipeline.Pipeline, from int) error {
	const op = "skip"
	if err := refusePaused(p, from, op); err != nil {
		return err
	}
	if _, err := m.def(p, from, op); err != nil {
		return err
	}
	next := m.layout.Next(from)
	if next == 0 {
		return pipeline.Invalid(p, from, op, "no stage follows")
	}
	nd, _ := m.layout.Def(next)
	if nd.FanOut != "" {
		return pipeline.Invalid(p, from, op, "stage %q fans out per space and cannot be skipped", nd.ID)
	}
	src := p.StageOutputs[from]
	if !src.Live() {
		return pipeline.Invalid(p, from, op, "stage has no artifact to carry forward")
	}
	cur := p.Phase.Stage
	if p.Complete() || (cur != from && cur != next) {
		return pipeline.Invalid(p, from, op, "pipeline is at stage %d", cur)
	}
	if cur == next && p.Phase.Sub == pipeline.SubRunning {
		return pipeline.Invalid(p, next, op, "stage is running; restart it first")
	}
	if cur == from {
		switch p.Phase.Sub {
		case pipeline.SubWaitingApproval, pipeline.SubQaFail, pipeline.SubBlockedForHuman:
		default:
			return pipeline.Invalid(p, from, op, "stage is %s", p.Phase.Sub)
		}
	}

	now := m.now()
	if cur == from {
		src.ApprovedAt = &now
		src.ManualApproved = true
	}
	dst := p.StageOutputs[next]
	if dst == nil {
		dst = &pipeline.StageOutput{}
		p.StageOutputs[next] = dst
	}
	if dst.Live() {
		dst.Archive("superseded by skip", now)
	}
	dst.ArtifactRef = src.ArtifactRef
	dst.QaDecision = pipeline.QaNone
	dst.Skipped = true
	dst.AttemptID = ""
	dst.CreatedAt = now
	m.approve(p, next, true, now)
	return nil
}

// CompleteFanOut approves the fan-out stage key once its gate is open.
// ref summarizes the per-space assets the stage produced.
func (m *Machine) CompleteFanOut(p *pipeline.Pipeline, key int, ref string) error {
	const op = "advance"
	if err := refusePaused(p, key, op); err != nil {
		return err
	}
	d, err := m.def(p, key, op)
	if err != nil {
		return err
	}
	if d.FanOut == "" {
		return pipeline.Invalid(p, key, op, "stage %q does not fan out", d.ID)
	}
	if key != p.Phase.Stage || p.Complete() {
		return pipeline.Invalid(p, key, op, "pipeline is at stage %d", p.Phase.Stage)
	}
	now := m.now()
	p.StageOutputs[key] = &pipeline.StageOutput{
		ArtifactRef: ref,
		QaDecision:  pipeline.QaApproved,
		CreatedAt:   now,
	}
	delete(p.RetryState, key)
	m.approve(p, key, true, now)
	return nil
}

// RestartStage clears the output and retry record of the current stage
// and returns it to pending. It reports changed=false when there was
// nothing to clear.
func (m *Machine) RestartStage(p *pipeline.Pipeline, key int) (bool, error) {
	const op = "restart"
	if err := refusePaused(p, key, op); err != nil {
		return false, err
	}
	if _, err := m.def(p, key, op); err != nil {
		return false, err
	}
	if key != p.Phase.Stage || p.Complete() {
		return false, pipeline.Invalid(p, key, op, "only the current stage can be restarted; roll back to redo an approved stage")
	}
	_, hasOut := p.StageOutputs[key]
	_, hasRec := p.RetryState[key]
	if !hasOut && !hasRec && p.Phase.Sub == pipeline.SubPending {
		return false, nil
	}
	delete(p.StageOutputs, key)
	delete(p.RetryState, key)
	p.Phase.Sub = pipeline.SubPending
	p.Touch(m.now())
	return true, nil
}

// RollbackToStage discards every output and retry record from target
// onward and positions the pipeline at target. It requires confirm.
func (m *Machine) RollbackToStage(p *pipeline.Pipeline, target int, confirm bool) error {
	const op = "rollback"
	if !confirm {
		return pipeline.Invalid(p, target, op, "rollback discards work and must be confirmed")
	}
	if err := refusePaused(p, target, op); err != nil {
		return err
	}
	if _, err := m.def(p, target, op); err != nil {
		return err
	}
	if target > p.Phase.Stage {
		return pipeline.Invalid(p, target, op, "pipeline has not reached this stage")
	}
	for _, d := range m.layout {
		if d.Key >= target {
			delete(p.StageOutputs, d.Key)
			delete(p.RetryState, d.Key)
		}
	}
	p.Phase = pipeline.Phase{Stage: target, Sub: pipeline.SubPending}
	p.Recovery = false
	p.Touch(m.now())
	return nil
}

// MarkStale raises the stale flag on a running stage. It reports
// changed=false when the flag was already set.
func (m *Machine) MarkStale(p *pipeline.Pipeline, key int, since time.Time) bool {
	rec := p.RetryState[key]
	if rec == nil {
		rec = &pipeline.RetryRecord{Status: pipeline.RetryRunning, StartedAt: since}
		p.RetryState[key] = rec
	}
	if rec.Stale {
		return false
	}
	rec.Stale = true
	rec.StaleSince = &since
	return true
}
