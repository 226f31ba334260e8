package pipeline

import "time"

// Kind selects the stage layout a pipeline runs through.
type Kind string

const (
	KindSimpleFourStep Kind = "simple_four_step"
	KindWholeApartment Kind = "whole_apartment"
)

// SubState is the state of a single stage.
type SubState string

const (
	SubPending         SubState = "pending"
	SubRunning         SubState = "running"
	SubWaitingApproval SubState = "waiting_approval"
	SubQaFail          SubState = "qa_fail"
	SubRejected        SubState = "rejected"
	SubApproved        SubState = "approved"
	SubBlockedForHuman SubState = "blocked_for_human"
)

// QaDecision is the automatic quality judgment on a generated artifact.
type QaDecision string

const (
	QaNone           QaDecision = "none"
	QaApproved       QaDecision = "approved"
	QaPartialSuccess QaDecision = "partial_success"
	QaRejected       QaDecision = "rejected"
)

// Passing reports whether the decision lets a stage move forward.
func (d QaDecision) Passing() bool {
	return d == QaApproved || d == QaPartialSuccess
}

// RetryStatus is the retry bookkeeping status of a stage.
type RetryStatus string

const (
	RetryRunning         RetryStatus = "running"
	RetryQaFail          RetryStatus = "qa_fail"
	RetryBlockedForHuman RetryStatus = "blocked_for_human"
)

// Phase is the explicit (stage, sub-state) pair the pipeline is in.
// Stage is the lowest stage key that is not approved, or the last stage
// once everything is approved.
type Phase struct {
	Stage int      `json:"stage"`
	Sub   SubState `json:"sub"`
}

// Settings are generation parameters; each field freezes once the stage
// that consumes it has started.
type Settings struct {
	AspectRatio      string `json:"aspect_ratio" yaml:"aspect_ratio"`
	OutputQuality    string `json:"output_quality" yaml:"output_quality"`
	PostStageQuality string `json:"post_stage_quality" yaml:"post_stage_quality"`
}

// Setting names used by stage definitions to declare which settings they freeze.
const (
	SettingAspectRatio      = "aspect_ratio"
	SettingOutputQuality    = "output_quality"
	SettingPostStageQuality = "post_stage_quality"
)

// RunState is the manual kill switch, independent of phase.
type RunState struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

// Pipeline is one generation job for one floor plan.
type Pipeline struct {
	ID           string               `json:"id"`
	Kind         Kind                 `json:"kind"`
	Title        string               `json:"title,omitempty"`
	Phase        Phase                `json:"phase"`
	Settings     Settings             `json:"settings"`
	RunState     RunState             `json:"run_state"`
	StageOutputs map[int]*StageOutput `json:"stage_outputs"`
	RetryState   map[int]*RetryRecord `json:"retry_state"`
	LastError    string               `json:"last_error,omitempty"`
	// Recovery is set when a stage was started past an unapproved
	// predecessor with an explicit override. Cleared by rollback.
	Recovery  bool      `json:"recovery,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Spaces are persisted as independent records so that writes to
	// different spaces never conflict with each other.
	Spaces []*Space `json:"-"`
}

// Complete reports whether every stage has been approved.
func (p *Pipeline) Complete() bool {
	return p.Phase.Sub == SubApproved
}

// Space returns the space with the given id, or nil.
func (p *Pipeline) Space(id string) *Space {
	for _, s := range p.Spaces {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ActiveSpaces returns the spaces that are not excluded, in order.
func (p *Pipeline) ActiveSpaces() []*Space {
	var out []*Space
	for _, s := range p.Spaces {
		if !s.Excluded {
			out = append(out, s)
		}
	}
	return out
}

// StageOutput is the result of one attempt at one stage.
type StageOutput struct {
	ArtifactRef      string      `json:"artifact_ref,omitempty"`
	QaDecision       QaDecision  `json:"qa_decision"`
	ManualApproved   bool        `json:"manual_approved"`
	ManualRejected   bool        `json:"manual_rejected"`
	Skipped          bool        `json:"skipped,omitempty"`
	Notes            string      `json:"notes,omitempty"`
	AttemptID        string      `json:"attempt_id,omitempty"`
	RejectionHistory []Rejection `json:"rejection_history,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	ApprovedAt       *time.Time  `json:"approved_at,omitempty"`
}

// Live reports whether the output currently holds an artifact.
func (o *StageOutput) Live() bool {
	return o != nil && o.ArtifactRef != ""
}

// Locked reports whether the output was approved by a human and may no
// longer change until a rollback.
func (o *StageOutput) Locked() bool {
	return o != nil && o.ManualApproved
}

// Archive moves the live artifact into the rejection history and clears
// the live fields. History entries are only ever appended.
func (o *StageOutput) Archive(reason string, at time.Time) {
	if o.ArtifactRef != "" {
		o.RejectionHistory = append(o.RejectionHistory, Rejection{
			ArtifactRef: o.ArtifactRef,
			Reason:      reason,
			AttemptID:   o.AttemptID,
			Timestamp:   at,
		})
	}
	o.ArtifactRef = ""
	o.QaDecision = QaNone
	o.ManualApproved = false
	o.ApprovedAt = nil
}

// Rejection is one archived, superseded artifact.
type Rejection struct {
	ArtifactRef string    `json:"artifact_ref"`
	Reason      string    `json:"reason"`
	AttemptID   string    `json:"attempt_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RetryRecord is the per-stage retry bookkeeping.
type RetryRecord struct {
	AttemptCount int         `json:"attempt_count"`
	RejectCount  int         `json:"reject_count,omitempty"`
	Status       RetryStatus `json:"status"`
	AttemptID    string      `json:"attempt_id,omitempty"`
	JobID        string      `json:"job_id,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	// Stale is an orthogonal flag raised by the stale monitor while the
	// stage is running; it is not a state of its own.
	Stale      bool       `json:"stale,omitempty"`
	StaleSince *time.Time `json:"stale_since,omitempty"`
}

// SubStage is one of the per-space steps in the fan-out model.
type SubStage string

const (
	SubStageRender   SubStage = "render"
	SubStagePanorama SubStage = "panorama"
	SubStageFinal360 SubStage = "final360"
)

// Variant identifies one of the independent candidate outputs of a sub-stage.
type Variant string

const (
	VariantA      Variant = "A"
	VariantB      Variant = "B"
	VariantSingle Variant = ""
)

// Variants returns the variants a sub-stage produces.
func (s SubStage) Variants() []Variant {
	if s == SubStageFinal360 {
		return []Variant{VariantSingle}
	}
	return []Variant{VariantA, VariantB}
}

// Prerequisite returns the sub-stage whose assets must all be locked
// before this one may start, or "" for the first sub-stage.
func (s SubStage) Prerequisite() SubStage {
	switch s {
	case SubStagePanorama:
		return SubStageRender
	case SubStageFinal360:
		return SubStagePanorama
	}
	return ""
}

// Valid reports whether s names a known sub-stage.
func (s SubStage) Valid() bool {
	return s == SubStageRender || s == SubStagePanorama || s == SubStageFinal360
}

// AssetStatus is the state of one (space, sub-stage, variant) asset.
type AssetStatus string

const (
	AssetPending     AssetStatus = "pending"
	AssetGenerating  AssetStatus = "generating"
	AssetNeedsReview AssetStatus = "needs_review"
	AssetApproved    AssetStatus = "approved"
	AssetRejected    AssetStatus = "rejected"
)

// Asset is the lightweight record for one generated per-space asset.
type Asset struct {
	Status           AssetStatus `json:"status"`
	LockedApproved   bool        `json:"locked_approved"`
	ArtifactRef      string      `json:"artifact_ref,omitempty"`
	QaDecision       QaDecision  `json:"qa_decision,omitempty"`
	AttemptID        string      `json:"attempt_id,omitempty"`
	JobID            string      `json:"job_id,omitempty"`
	AttemptCount     int         `json:"attempt_count"`
	RejectCount      int         `json:"reject_count,omitempty"`
	Blocked          bool        `json:"blocked,omitempty"`
	DispatchedAt     *time.Time  `json:"dispatched_at,omitempty"`
	RejectionHistory []Rejection `json:"rejection_history,omitempty"`
}

// Space is one detected room or zone of a whole-apartment pipeline.
type Space struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Excluded  bool   `json:"is_excluded"`
	Version   int64  `json:"version"`
	RenderA   Asset  `json:"render_a"`
	RenderB   Asset  `json:"render_b"`
	PanoramaA Asset  `json:"panorama_a"`
	PanoramaB Asset  `json:"panorama_b"`
	Final360  Asset  `json:"final360"`
}

// NewSpace returns a space with every asset pending.
func NewSpace(id, name string) *Space {
	s := &Space{ID: id, Name: name}
	for _, sub := range []SubStage{SubStageRender, SubStagePanorama, SubStageFinal360} {
		for _, v := range sub.Variants() {
			s.Asset(sub, v).Status = AssetPending
		}
	}
	return s
}

// Asset returns a pointer to the asset for a sub-stage and variant, or nil
// when the combination does not exist.
func (s *Space) Asset(sub SubStage, v Variant) *Asset {
	switch {
	case sub == SubStageRender && v == VariantA:
		return &s.RenderA
	case sub == SubStageRender && v == VariantB:
		return &s.RenderB
	case sub == SubStagePanorama && v == VariantA:
		return &s.PanoramaA
	case sub == SubStagePanorama && v == VariantB:
		return &s.PanoramaB
	case sub == SubStageFinal360 && v == VariantSingle:
		return &s.Final360
	}
	return nil
}

// SubStageLocked reports whether every variant of sub is locked_approved.
func (s *Space) SubStageLocked(sub SubStage) bool {
	for _, v := range sub.Variants() {
		if a := s.Asset(sub, v); a == nil || !a.LockedApproved {
			return false
		}
	}
	return true
}

// Event is one entry of the append-only progress log.
type Event struct {
	PipelineID string    `json:"pipeline_id"`
	StageKey   int       `json:"stage_key"`
	Type       string    `json:"type"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event types written by the orchestrator. Remote workers may append
// their own progress types.
const (
	EventCreated         = "created"
	EventStarted         = "started"
	EventProgress        = "progress"
	EventQaObserved      = "qa_observed"
	EventApproved        = "approved"
	EventRejected        = "rejected"
	EventSkipped         = "skipped"
	EventRestarted       = "restarted"
	EventRolledBack      = "rolled_back"
	EventAdvanced        = "advanced"
	EventBlocked         = "blocked_for_human"
	EventDispatchFailed  = "dispatch_failed"
	EventStale           = "stale"
	EventRecovered       = "recovered"
	EventPaused          = "paused"
	EventResumed         = "resumed"
	EventSettings        = "settings_updated"
	EventSpacesSet       = "spaces_registered"
	EventSpaceExcluded   = "space_excluded"
	EventSpaceRestored   = "space_restored"
	EventAssetDispatched = "asset_dispatched"
	EventAssetObserved   = "asset_observed"
	EventAssetApproved   = "asset_approved"
	EventAssetRejected   = "asset_rejected"
	EventIgnored         = "ignored_late_completion"
)
