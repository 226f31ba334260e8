package pipeline

// DispatchIntent is a remote job a transition wants submitted. Transitions
// stay pure; the caller submits intents before committing the new state.
type DispatchIntent struct {
	Stage     int
	SpaceID   string
	SubStage  SubStage
	Variant   Variant
	AttemptID string
	Params    map[string]string
}

// ForSpace reports whether the intent targets a per-space asset.
func (d *DispatchIntent) ForSpace() bool {
	return d.SpaceID != ""
}
