package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/renderfactory/internal/config"
	"github.com/lucasnoah/renderfactory/internal/dispatch"
	"github.com/lucasnoah/renderfactory/internal/fanout"
	"github.com/lucasnoah/renderfactory/internal/logging"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
	"github.com/lucasnoah/renderfactory/internal/stage"
)

// --- Fakes ---

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	fail error
}

func (f *fakeDispatcher) Submit(ctx context.Context, job dispatch.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.jobs = append(f.jobs, job)
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

func (f *fakeDispatcher) last(t *testing.T) dispatch.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		t.Fatal("no jobs submitted")
	}
	return f.jobs[len(f.jobs)-1]
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// racingStore runs race once, just before the first conditional write,
// to simulate another writer committing between our read and our write.
type racingStore struct {
	*pipeline.Store
	once sync.Once
	race func(s *pipeline.Store)
}

func (r *racingStore) ConditionalWrite(ctx context.Context, id string, cs pipeline.Changeset) error {
	if r.race != nil {
		r.once.Do(func() { r.race(r.Store) })
	}
	return r.Store.ConditionalWrite(ctx, id, cs)
}

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	o     *Orchestrator
	d     *fakeDispatcher
	store *racingStore
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Retry.Budget = 3
	cfg.Retry.RejectBudget = 0
	cfg.QA.Manual = nil
	if mutate != nil {
		mutate(cfg)
	}
	store := &racingStore{Store: pipeline.NewStore(t.TempDir())}
	d := &fakeDispatcher{}
	o, err := NewOrchestrator(store, store, d, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	o.SetClock(func() time.Time { return testNow })
	n := 0
	var mu sync.Mutex
	o.SetIDSource(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("att-%d", n)
	})
	return &testEnv{o: o, d: d, store: store}
}

func (e *testEnv) create(t *testing.T, kind pipeline.Kind) *pipeline.Pipeline {
	t.Helper()
	p, err := e.o.Create(context.Background(), CreateOpts{Kind: kind, Title: "flat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func (e *testEnv) get(t *testing.T, id string) *pipeline.Pipeline {
	t.Helper()
	p, err := e.o.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return p
}

// completeStage starts the current stage, passes QA and approves it.
func (e *testEnv) completeStage(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	res, err := e.o.Advance(ctx, id)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	job := e.d.last(t)
	if _, err := e.o.ObserveAutomaticQa(ctx, id, res.Stage, stage.Completion{
		AttemptID: job.AttemptID, ArtifactRef: "art-" + job.AttemptID, Decision: pipeline.QaApproved,
	}); err != nil {
		t.Fatalf("ObserveAutomaticQa: %v", err)
	}
	if _, err := e.o.ManualApprove(ctx, id, res.Stage, ""); err != nil {
		t.Fatalf("ManualApprove: %v", err)
	}
}

func wantKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("err = %v, want %v", err, kind)
	}
}

func hasAction(actions []Action, a Action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// --- Tests ---

func TestCreateAndStatus(t *testing.T) {
	e := newTestEnv(t, nil)
	p := e.create(t, pipeline.KindSimpleFourStep)

	info, err := e.o.Status(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Phase != "step_1_pending" {
		t.Errorf("Phase = %q, want step_1_pending", info.Phase)
	}
	if info.Settings.AspectRatio != "16:9" {
		t.Errorf("AspectRatio = %q, want default 16:9", info.Settings.AspectRatio)
	}
	if len(info.Stages) != 4 {
		t.Fatalf("stages = %d, want 4", len(info.Stages))
	}
	for _, a := range []Action{ActionStart, ActionAdvance, ActionPause, ActionUpdateSettings} {
		if !hasAction(info.Actions, a) {
			t.Errorf("actions %v missing %s", info.Actions, a)
		}
	}
	if hasAction(info.Actions, ActionResume) || hasAction(info.Actions, ActionRollback) {
		t.Errorf("unexpected actions %v", info.Actions)
	}

	history, err := e.o.History(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Type != pipeline.EventCreated {
		t.Errorf("history = %+v", history)
	}

	if _, err := e.o.Create(context.Background(), CreateOpts{Kind: "villa"}); err == nil {
		t.Error("expected unknown kind to fail")
	}
}

func TestAdvanceStartsAndWaitsForApproval(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindSimpleFourStep)

	res, err := e.o.Advance(ctx, p.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Action != "started" || res.Stage != 1 {
		t.Errorf("result = %+v", res)
	}
	job := e.d.last(t)
	if job.StageKey != 1 || job.Params["aspect_ratio"] != "16:9" || job.Params["stage_id"] != "top_down_3d" {
		t.Errorf("job = %+v", job)
	}
	stored := e.get(t, p.ID)
	if stored.RetryState[1].JobID != "job-1" {
		t.Errorf("JobID = %q, want job-1", stored.RetryState[1].JobID)
	}

	_, err = e.o.Advance(ctx, p.ID)
	wantKind(t, err, pipeline.ErrGateLocked)

	out, err := e.o.ObserveAutomaticQa(ctx, p.ID, 1, stage.Completion{AttemptID: job.AttemptID, ArtifactRef: "plan-3d", Decision: pipeline.QaApproved})
	if err != nil {
		t.Fatalf("ObserveAutomaticQa: %v", err)
	}
	if out.State != pipeline.SubWaitingApproval {
		t.Errorf("state = %s, want waiting_approval", out.State)
	}
	_, err = e.o.Advance(ctx, p.ID)
	wantKind(t, err, pipeline.ErrGateLocked)

	changed, err := e.o.ManualApprove(ctx, p.ID, 1, "looks right")
	if err != nil || !changed {
		t.Fatalf("ManualApprove = %v, %v", changed, err)
	}
	after := e.get(t, p.ID)

	changed, err = e.o.ManualApprove(ctx, p.ID, 1, "again")
	if err != nil || changed {
		t.Fatalf("second ManualApprove = %v, %v; want no-op", changed, err)
	}
	again := e.get(t, p.ID)
	if again.Version != after.Version || again.StageOutputs[1].Notes != "looks right" {
		t.Errorf("second approve wrote: version %d -> %d", after.Version, again.Version)
	}
	if again.Phase.Stage != 2 || again.Phase.Sub != pipeline.SubPending {
		t.Errorf("phase = %+v", again.Phase)
	}

	res, err = e.o.Advance(ctx, p.ID)
	if err != nil {
		t.Fatalf("Advance stage 2: %v", err)
	}
	if e.d.last(t).Params["source"] != "plan-3d" {
		t.Errorf("source = %q, want plan-3d", e.d.last(t).Params["source"])
	}
}

func TestLateCompletionIgnored(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindSimpleFourStep)

	if _, err := e.o.StartStage(ctx, p.ID, 1, stage.StartOpts{}); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	old := e.d.last(t)
	if changed, err := e.o.Restart(ctx, p.ID, 1); err != nil || !changed {
		t.Fatalf("Restart = %v, %v", changed, err)
	}
	before := e.get(t, p.ID)

	out, err := e.o.ObserveAutomaticQa(ctx, p.ID, 1, stage.Completion{AttemptID: old.AttemptID, ArtifactRef: "late", Decision: pipeline.QaApproved})
	if err != nil {
		t.Fatalf("ObserveAutomaticQa: %v", err)
	}
	if !out.Ignored {
		t.Error("expected completion to be ignored")
	}
	after := e.get(t, p.ID)
	if after.Version != before.Version || after.StageOutputs[1] != nil {
		t.Errorf("ignored completion changed state: %+v", after)
	}
}

func TestDispatchFailureConsumesAttempt(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) { cfg.Retry.Budget = 2 })
	ctx := context.Background()
	p := e.create(t, pipeline.KindSimpleFourStep)
	e.d.fail = errors.New("queue full")

	_, err := e.o.StartStage(ctx, p.ID, 1, stage.StartOpts{})
	wantKind(t, err, pipeline.ErrDispatchFailure)

	stored := e.get(t, p.ID)
	if stored.Phase.Sub != pipeline.SubQaFail {
		t.Errorf("sub = %s, want qa_fail", stored.Phase.Sub)
	}
	if stored.RetryState[1].AttemptCount != 1 || stored.LastError == "" {
		t.Errorf("retry = %+v, last_error = %q", stored.RetryState[1], stored.LastError)
	}

	_, err = e.o.Advance(ctx, p.ID)
	wantKind(t, err, pipeline.ErrDispatchFailure)
	stored = e.get(t, p.ID)
	if stored.Phase.Sub != pipeline.SubBlockedForHuman {
		t.Errorf("sub = %s, want blocked_for_human", stored.Phase.Sub)
	}
	_, err = e.o.Advance(ctx, p.ID)
	wantKind(t, err, pipeline.ErrRetryBudgetExhausted)
}

func TestRejectResubmits(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindSimpleFourStep)

	if _, err := e.o.Advance(ctx, p.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	job := e.d.last(t)
	if _, err := e.o.ObserveAutomaticQa(ctx, p.ID, 1, stage.Completion{AttemptID: job.AttemptID, ArtifactRef: "first", Decision: pipeline.QaApproved}); err != nil {
		t.Fatalf("ObserveAutomaticQa: %v", err)
	}

	out, err := e.o.Reject(ctx, p.ID, 1, "walls are crooked")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if out.State != pipeline.SubRunning {
		t.Errorf("state = %s, want running after resubmission", out.State)
	}
	if e.d.count() != 2 || e.d.last(t).Params["rejection_reason"] != "walls are crooked" {
		t.Errorf("resubmission = %+v", e.d.last(t))
	}
	stored := e.get(t, p.ID)
	hist := stored.StageOutputs[1].RejectionHistory
	if len(hist) != 1 || hist[0].ArtifactRef != "first" {
		t.Errorf("rejection history = %+v", hist)
	}
}

func TestConcurrentModification(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindSimpleFourStep)

	e.store.race = func(s *pipeline.Store) {
		cur, _ := s.Read(ctx, p.ID)
		next := cur.Clone()
		next.Title = "renamed elsewhere"
		if err := s.ConditionalWrite(ctx, p.ID, pipeline.Changeset{Pipeline: next, Expected: cur.Version}); err != nil {
			t.Errorf("racing write: %v", err)
		}
	}

	err := e.o.Pause(ctx, p.ID, "lunch")
	wantKind(t, err, pipeline.ErrConcurrentModification)

	stored := e.get(t, p.ID)
	if stored.RunState.Paused || stored.Title != "renamed elsewhere" {
		t.Errorf("stored = %+v", stored)
	}

	// The racer only fires once, so a retry goes through.
	err = RetryOnConflict(ctx, func(ctx context.Context) error { return e.o.Pause(ctx, p.ID, "lunch") })
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !e.get(t, p.ID).RunState.Paused {
		t.Error("expected paused after retry")
	}
}

func TestRetryOnConflict(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := RetryOnConflict(ctx, func(context.Context) error {
		calls++
		return pipeline.Conflict("p1", "pipeline")
	})
	wantKind(t, err, pipeline.ErrConcurrentModification)
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}

	calls = 0
	_ = RetryOnConflict(ctx, func(context.Context) error {
		calls++
		return pipeline.ErrInvalidTransition
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for non-conflict errors", calls)
	}
}

func TestUpdateSettingsLocks(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindSimpleFourStep)

	square := "1:1"
	s, err := e.o.UpdateSettings(ctx, p.ID, SettingsPatch{AspectRatio: &square})
	if err != nil || s.AspectRatio != "1:1" {
		t.Fatalf("UpdateSettings = %+v, %v", s, err)
	}

	if _, err := e.o.Advance(ctx, p.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	wide := "21:9"
	_, err = e.o.UpdateSettings(ctx, p.ID, SettingsPatch{AspectRatio: &wide})
	wantKind(t, err, pipeline.ErrInvalidTransition)

	fourK := "4k"
	s, err = e.o.UpdateSettings(ctx, p.ID, SettingsPatch{OutputQuality: &fourK})
	if err != nil || s.OutputQuality != "4k" {
		t.Fatalf("UpdateSettings output quality = %+v, %v", s, err)
	}
}

func TestPauseResume(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindSimpleFourStep)

	if _, err := e.o.Advance(ctx, p.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	job := e.d.last(t)
	if err := e.o.Pause(ctx, p.ID, "client review"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	actions, err := e.o.LegalActions(e.get(t, p.ID))
	if err != nil {
		t.Fatalf("LegalActions: %v", err)
	}
	if len(actions) != 1 || actions[0] != ActionResume {
		t.Errorf("actions = %v, want [resume]", actions)
	}
	_, err = e.o.Restart(ctx, p.ID, 1)
	wantKind(t, err, pipeline.ErrInvalidTransition)

	// Remote results still land while paused.
	out, err := e.o.ObserveAutomaticQa(ctx, p.ID, 1, stage.Completion{AttemptID: job.AttemptID, ArtifactRef: "x", Decision: pipeline.QaApproved})
	if err != nil || out.Ignored {
		t.Fatalf("ObserveAutomaticQa while paused = %+v, %v", out, err)
	}

	if err := e.o.Resume(ctx, p.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if changed, err := e.o.ManualApprove(ctx, p.ID, 1, ""); err != nil || !changed {
		t.Fatalf("ManualApprove after resume = %v, %v", changed, err)
	}
}

func TestSkipOptionalStage(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindSimpleFourStep)
	e.completeStage(t, p.ID)

	actions, _ := e.o.LegalActions(e.get(t, p.ID))
	if !hasAction(actions, ActionSkip) {
		t.Fatalf("actions %v missing skip", actions)
	}
	if err := e.o.Skip(ctx, p.ID, 1); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	stored := e.get(t, p.ID)
	if stored.Phase.Stage != 3 || !stored.StageOutputs[2].Skipped {
		t.Errorf("after skip: phase %+v, output %+v", stored.Phase, stored.StageOutputs[2])
	}
	if stored.StageOutputs[2].ArtifactRef != stored.StageOutputs[1].ArtifactRef {
		t.Error("skipped stage should carry the previous artifact")
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindSimpleFourStep)

	if _, err := e.o.Advance(ctx, p.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	changed, err := e.o.MarkStale(ctx, p.ID, 1, testNow.Add(-time.Hour))
	if err != nil || !changed {
		t.Fatalf("MarkStale = %v, %v", changed, err)
	}
	actions, _ := e.o.LegalActions(e.get(t, p.ID))
	if !hasAction(actions, ActionRecover) {
		t.Errorf("actions %v missing recover", actions)
	}
	if changed, _ := e.o.MarkStale(ctx, p.ID, 1, testNow); changed {
		t.Error("second MarkStale should be a no-op")
	}

	changed, err = e.o.Recover(ctx, p.ID, 1)
	if err != nil || !changed {
		t.Fatalf("Recover = %v, %v", changed, err)
	}
	stored := e.get(t, p.ID)
	if stored.Phase.Sub != pipeline.SubPending || stored.LastError != "recovered from stale state" {
		t.Errorf("after recover: %+v, %q", stored.Phase, stored.LastError)
	}

	changed, err = e.o.Recover(ctx, p.ID, 1)
	if err != nil || changed {
		t.Fatalf("second Recover = %v, %v; want no-op", changed, err)
	}
	if e.get(t, p.ID).Version != stored.Version {
		t.Error("second recover wrote")
	}
}

func TestRecordProgressClearsStale(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindSimpleFourStep)

	if _, err := e.o.Advance(ctx, p.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if _, err := e.o.MarkStale(ctx, p.ID, 1, testNow); err != nil {
		t.Fatalf("MarkStale: %v", err)
	}
	if err := e.o.RecordProgress(ctx, p.ID, 1, "40%"); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}
	if e.get(t, p.ID).RetryState[1].Stale {
		t.Error("progress should clear the stale flag")
	}
}

func TestWholeApartmentFanOut(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindWholeApartment)
	for i := 0; i < 3; i++ {
		e.completeStage(t, p.ID)
	}
	if got := e.get(t, p.ID).Phase.Stage; got != 4 {
		t.Fatalf("phase stage = %d, want 4", got)
	}

	_, err := e.o.Advance(ctx, p.ID)
	wantKind(t, err, pipeline.ErrGateLocked)

	err = e.o.RegisterSpaces(ctx, p.ID, []fanout.SpaceSpec{{ID: "kitchen", Name: "Kitchen"}, {ID: "bath", Name: "Bathroom"}})
	if err != nil {
		t.Fatalf("RegisterSpaces: %v", err)
	}

	_, err = e.o.StartSubStageForSpace(ctx, p.ID, "kitchen", pipeline.SubStagePanorama, "")
	wantKind(t, err, pipeline.ErrGateLocked)

	batch, err := e.o.RunAllPending(ctx, p.ID, pipeline.SubStageRender)
	if err != nil {
		t.Fatalf("RunAllPending: %v", err)
	}
	if len(batch.Started) != 4 || len(batch.Failed) != 0 {
		t.Fatalf("batch = %+v", batch)
	}

	status, _ := e.o.Status(ctx, p.ID)
	if status.Stages[3].State != pipeline.SubRunning {
		t.Errorf("render stage state = %s, want running while generating", status.Stages[3].State)
	}

	for _, j := range batch.Started {
		out, err := e.o.ObserveAssetResult(ctx, p.ID, j.SpaceID, j.SubStage, j.Variant, stage.Completion{
			AttemptID: j.AttemptID, ArtifactRef: "r-" + j.AttemptID, Decision: pipeline.QaApproved,
		})
		if err != nil || out.Status != pipeline.AssetNeedsReview {
			t.Fatalf("ObserveAssetResult %s%s = %+v, %v", j.SpaceID, j.Variant, out, err)
		}
	}
	for _, v := range []pipeline.Variant{pipeline.VariantA, pipeline.VariantB} {
		if _, err := e.o.ApproveAsset(ctx, p.ID, "kitchen", pipeline.SubStageRender, v); err != nil {
			t.Fatalf("ApproveAsset kitchen %s: %v", v, err)
		}
	}
	if _, err := e.o.ApproveAsset(ctx, p.ID, "bath", pipeline.SubStageRender, pipeline.VariantA); err != nil {
		t.Fatalf("ApproveAsset bath A: %v", err)
	}

	gate, err := e.o.ComputeGate(ctx, p.ID, pipeline.SubStageRender)
	if err != nil {
		t.Fatalf("ComputeGate: %v", err)
	}
	if gate.Unlocked || gate.Blocking["bath"] == "" {
		t.Errorf("gate = %+v, want locked by bath", gate)
	}
	_, err = e.o.Advance(ctx, p.ID)
	wantKind(t, err, pipeline.ErrGateLocked)

	if changed, err := e.o.ExcludeSpace(ctx, p.ID, "bath"); err != nil || !changed {
		t.Fatalf("ExcludeSpace = %v, %v", changed, err)
	}
	gate, _ = e.o.ComputeGate(ctx, p.ID, pipeline.SubStageRender)
	if !gate.Unlocked {
		t.Fatalf("gate should open once bath is excluded: %+v", gate)
	}

	res, err := e.o.Advance(ctx, p.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Action != "gate_opened" || res.NextStage != 5 {
		t.Errorf("result = %+v", res)
	}
	if res.Batch == nil || len(res.Batch.Started) != 2 {
		t.Fatalf("panorama batch = %+v", res.Batch)
	}
	for _, j := range res.Batch.Started {
		if j.SpaceID != "kitchen" || j.SubStage != pipeline.SubStagePanorama {
			t.Errorf("unexpected panorama job %+v", j)
		}
	}
	if src := e.d.last(t).Params["source"]; src == "" {
		t.Error("panorama job should carry its render as source")
	}

	if changed, err := e.o.RestoreSpace(ctx, p.ID, "bath"); err != nil || !changed {
		t.Fatalf("RestoreSpace = %v, %v", changed, err)
	}
	gate, _ = e.o.ComputeGate(ctx, p.ID, pipeline.SubStageRender)
	if gate.Unlocked {
		t.Error("restoring an unapproved space should re-lock its gate")
	}
}

// lockJobs completes and approves every job in jobs.
func (e *testEnv) lockJobs(t *testing.T, id string, jobs []AssetJob) {
	t.Helper()
	ctx := context.Background()
	for _, j := range jobs {
		if _, err := e.o.ObserveAssetResult(ctx, id, j.SpaceID, j.SubStage, j.Variant, stage.Completion{
			AttemptID: j.AttemptID, ArtifactRef: "r-" + j.AttemptID, Decision: pipeline.QaApproved,
		}); err != nil {
			t.Fatalf("ObserveAssetResult %s %s%s: %v", j.SpaceID, j.SubStage, j.Variant, err)
		}
		if _, err := e.o.ApproveAsset(ctx, id, j.SpaceID, j.SubStage, j.Variant); err != nil {
			t.Fatalf("ApproveAsset %s %s%s: %v", j.SpaceID, j.SubStage, j.Variant, err)
		}
	}
}

func TestRestoredSpaceCatchesUp(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindWholeApartment)
	for i := 0; i < 3; i++ {
		e.completeStage(t, p.ID)
	}
	if err := e.o.RegisterSpaces(ctx, p.ID, []fanout.SpaceSpec{{ID: "kitchen"}, {ID: "bath", Excluded: true}}); err != nil {
		t.Fatalf("RegisterSpaces: %v", err)
	}

	batch, err := e.o.RunAllPending(ctx, p.ID, pipeline.SubStageRender)
	if err != nil || len(batch.Started) != 2 {
		t.Fatalf("RunAllPending = %+v, %v", batch, err)
	}
	e.lockJobs(t, p.ID, batch.Started)
	res, err := e.o.Advance(ctx, p.ID)
	if err != nil || res.NextStage != 5 {
		t.Fatalf("Advance = %+v, %v", res, err)
	}
	kitchenPanoramas := res.Batch.Started

	if _, err := e.o.RestoreSpace(ctx, p.ID, "bath"); err != nil {
		t.Fatalf("RestoreSpace: %v", err)
	}
	info, _ := e.o.Status(ctx, p.ID)
	if !hasAction(info.Actions, ActionStartSubStage) {
		t.Errorf("actions %v should offer the restored space's renders", info.Actions)
	}
	_, err = e.o.StartSubStageForSpace(ctx, p.ID, "kitchen", pipeline.SubStageRender, "")
	wantKind(t, err, pipeline.ErrInvalidTransition)

	batch, err = e.o.RunAllPending(ctx, p.ID, pipeline.SubStageRender)
	if err != nil || len(batch.Started) != 2 {
		t.Fatalf("catch-up renders = %+v, %v", batch, err)
	}
	for _, j := range batch.Started {
		if j.SpaceID != "bath" {
			t.Errorf("unexpected catch-up job %+v", j)
		}
	}
	e.lockJobs(t, p.ID, batch.Started)
	e.lockJobs(t, p.ID, kitchenPanoramas)

	_, err = e.o.Advance(ctx, p.ID)
	wantKind(t, err, pipeline.ErrGateLocked)

	jobs, err := e.o.StartSubStageForSpace(ctx, p.ID, "bath", pipeline.SubStagePanorama, "")
	if err != nil || len(jobs) != 2 {
		t.Fatalf("bath panoramas = %+v, %v", jobs, err)
	}
	e.lockJobs(t, p.ID, jobs)

	gate, _ := e.o.ComputeGate(ctx, p.ID, pipeline.SubStagePanorama)
	if !gate.Unlocked || gate.Active != 2 {
		t.Fatalf("panorama gate = %+v, want open with both spaces", gate)
	}
	res, err = e.o.Advance(ctx, p.ID)
	if err != nil || res.NextStage != 6 {
		t.Errorf("Advance = %+v, %v", res, err)
	}
}

func TestGateNeedsAnActiveSpace(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindWholeApartment)
	for i := 0; i < 3; i++ {
		e.completeStage(t, p.ID)
	}
	if err := e.o.RegisterSpaces(ctx, p.ID, []fanout.SpaceSpec{{ID: "kitchen"}, {ID: "bath"}}); err != nil {
		t.Fatalf("RegisterSpaces: %v", err)
	}
	for _, id := range []string{"kitchen", "bath"} {
		if _, err := e.o.ExcludeSpace(ctx, p.ID, id); err != nil {
			t.Fatalf("ExcludeSpace %s: %v", id, err)
		}
	}

	info, _ := e.o.Status(ctx, p.ID)
	if hasAction(info.Actions, ActionAdvance) {
		t.Errorf("actions %v should not offer advance with every space excluded", info.Actions)
	}
	_, err := e.o.Advance(ctx, p.ID)
	wantKind(t, err, pipeline.ErrGateLocked)
	if got := e.get(t, p.ID); got.Phase.Stage != 4 || got.Complete() {
		t.Errorf("phase = %+v, want stage 4 still open", got.Phase)
	}
}

func TestSpaceWritesDoNotConflict(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindWholeApartment)
	for i := 0; i < 3; i++ {
		e.completeStage(t, p.ID)
	}
	if err := e.o.RegisterSpaces(ctx, p.ID, []fanout.SpaceSpec{{ID: "kitchen"}, {ID: "bath"}}); err != nil {
		t.Fatalf("RegisterSpaces: %v", err)
	}

	// Another writer starts the bath renders between our read and write.
	e.store.race = func(s *pipeline.Store) {
		cur, _ := s.Read(ctx, p.ID)
		sp := cur.Space("bath").Clone()
		sp.RenderA.Status = pipeline.AssetGenerating
		sp.RenderA.AttemptCount = 1
		cs := pipeline.Changeset{Expected: cur.Version, GuardPipeline: true, Spaces: []pipeline.SpaceWrite{{Space: sp, Expected: cur.Space("bath").Version}}}
		if err := s.ConditionalWrite(ctx, p.ID, cs); err != nil {
			t.Errorf("racing write: %v", err)
		}
	}

	if _, err := e.o.StartSubStageForSpace(ctx, p.ID, "kitchen", pipeline.SubStageRender, ""); err != nil {
		t.Fatalf("StartSubStageForSpace: %v", err)
	}
	stored := e.get(t, p.ID)
	if stored.Space("kitchen").RenderA.Status != pipeline.AssetGenerating || stored.Space("bath").RenderA.Status != pipeline.AssetGenerating {
		t.Errorf("both writes should land: kitchen %s, bath %s", stored.Space("kitchen").RenderA.Status, stored.Space("bath").RenderA.Status)
	}
}

func TestRollbackDropsSpaces(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	p := e.create(t, pipeline.KindWholeApartment)
	for i := 0; i < 3; i++ {
		e.completeStage(t, p.ID)
	}
	if err := e.o.RegisterSpaces(ctx, p.ID, []fanout.SpaceSpec{{ID: "kitchen"}}); err != nil {
		t.Fatalf("RegisterSpaces: %v", err)
	}

	err := e.o.Rollback(ctx, p.ID, 3, false)
	wantKind(t, err, pipeline.ErrInvalidTransition)

	if err := e.o.Rollback(ctx, p.ID, 3, true); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	stored := e.get(t, p.ID)
	if len(stored.Spaces) != 0 {
		t.Errorf("spaces = %d, want 0 after rolling back space detection", len(stored.Spaces))
	}
	if stored.Phase.Stage != 3 || stored.StageOutputs[3] != nil || stored.StageOutputs[2] == nil {
		t.Errorf("after rollback: phase %+v outputs %v", stored.Phase, stored.StageOutputs)
	}
}
