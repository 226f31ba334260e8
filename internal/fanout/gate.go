package fanout

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// SpaceGate holds the gate contribution of a single space.
type SpaceGate struct {
	Space    string `json:"space"`
	Excluded bool   `json:"excluded,omitempty"`
	Locked   bool   `json:"locked"`
	Summary  string `json:"summary,omitempty"`
}

// GateResult is the structured outcome of a gate computation for one
// sub-stage.
type GateResult struct {
	SubStage pipeline.SubStage `json:"sub_stage"`
	Unlocked bool              `json:"unlocked"`
	Active   int               `json:"active"`
	Locked   int               `json:"locked"`
	Spaces   []SpaceGate       `json:"spaces"`
	// Blocking maps each active space that holds the gate closed to a
	// short reason.
	Blocking map[string]string `json:"blocking,omitempty"`
}

// JSON returns the gate result as indented JSON.
func (g *GateResult) JSON() (string, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Reason summarizes why the gate is closed.
func (g *GateResult) Reason() string {
	if g.Unlocked {
		return ""
	}
	ids := make([]string, 0, len(g.Blocking))
	for id := range g.Blocking {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if g.Active == 0 {
		return fmt.Sprintf("no active spaces for %s", g.SubStage)
	}
	msg := fmt.Sprintf("%d of %d spaces locked for %s", g.Locked, g.Active, g.SubStage)
	for _, id := range ids {
		msg += fmt.Sprintf("; %s: %s", id, g.Blocking[id])
	}
	return msg
}

// ComputeGate reports whether every non-excluded space has every variant
// of sub locked. Excluded spaces are listed but never block; with no
// active space at all the gate stays closed. The gate is
// a pure function of the space records.
func ComputeGate(spaces []*pipeline.Space, sub pipeline.SubStage) *GateResult {
	g := &GateResult{
		SubStage: sub,
		Unlocked: true,
		Blocking: make(map[string]string),
	}
	for _, sp := range spaces {
		sg := SpaceGate{Space: sp.ID, Excluded: sp.Excluded, Locked: sp.SubStageLocked(sub)}
		if sp.Excluded {
			sg.Summary = "excluded"
			g.Spaces = append(g.Spaces, sg)
			continue
		}
		g.Active++
		if sg.Locked {
			g.Locked++
		} else {
			sg.Summary = blockingReason(sp, sub)
			g.Unlocked = false
			g.Blocking[sp.ID] = sg.Summary
		}
		g.Spaces = append(g.Spaces, sg)
	}
	if g.Active == 0 {
		g.Unlocked = false
	}
	return g
}

func blockingReason(sp *pipeline.Space, sub pipeline.SubStage) string {
	var parts []string
	for _, v := range sub.Variants() {
		a := sp.Asset(sub, v)
		if a.LockedApproved {
			continue
		}
		status := string(a.Status)
		if a.Blocked {
			status = "blocked"
		}
		if v == pipeline.VariantSingle {
			parts = append(parts, status)
		} else {
			parts = append(parts, string(v)+"="+status)
		}
	}
	return strings.Join(parts, ", ")
}
