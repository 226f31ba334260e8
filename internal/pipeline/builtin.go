package pipeline

// Built-in stage layouts. Configuration may override either of them.
var (
	simpleFourStep = []StageDef{
		{Key: 1, ID: "top_down_3d", Name: "Top-down 3D", Locks: []string{SettingAspectRatio}},
		{Key: 2, ID: "style", Name: "Style", Optional: true, Locks: []string{SettingOutputQuality}},
		{Key: 3, ID: "camera_render", Name: "Camera render"},
		{Key: 4, ID: "panorama", Name: "Panorama", Locks: []string{SettingPostStageQuality}},
	}

	wholeApartment = []StageDef{
		{Key: 1, ID: "top_down_3d", Name: "Top-down 3D", Locks: []string{SettingAspectRatio}},
		{Key: 2, ID: "style", Name: "Style", Optional: true, Locks: []string{SettingOutputQuality}},
		{Key: 3, ID: "space_detection", Name: "Space detection"},
		{Key: 4, ID: "renders", Name: "Renders", FanOut: SubStageRender},
		{Key: 5, ID: "panoramas", Name: "Panoramas", FanOut: SubStagePanorama, Locks: []string{SettingPostStageQuality}},
		{Key: 6, ID: "final_360", Name: "Final 360", FanOut: SubStageFinal360},
	}
)

// BuiltinLayout returns the default layout for kind, or nil for an unknown kind.
func BuiltinLayout(kind Kind) Layout {
	switch kind {
	case KindSimpleFourStep:
		return NewLayout(simpleFourStep)
	case KindWholeApartment:
		return NewLayout(wholeApartment)
	}
	return nil
}

// Kinds lists the pipeline kinds that ship with a built-in layout.
func Kinds() []Kind {
	return []Kind{KindSimpleFourStep, KindWholeApartment}
}

// New returns a fresh pipeline positioned at the first stage of l.
func New(id string, kind Kind, title string, settings Settings, l Layout) *Pipeline {
	return &Pipeline{
		ID:           id,
		Kind:         kind,
		Title:        title,
		Phase:        Phase{Stage: l.First(), Sub: SubPending},
		Settings:     settings,
		StageOutputs: make(map[int]*StageOutput),
		RetryState:   make(map[int]*RetryRecord),
	}
}
