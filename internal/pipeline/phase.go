package pipeline

import (
	"fmt"
	"time"
)

// Within-stage progress offsets, as fractions of one stage's weight.
// Ordered so progress never moves backwards while a stage is worked on.
var subStateOffset = map[SubState]float64{
	SubPending:         0,
	SubQaFail:          0.1,
	SubRejected:        0.1,
	SubBlockedForHuman: 0.1,
	SubRunning:         0.3,
	SubWaitingApproval: 0.6,
}

// StageState returns the derived state of stage key. Stages before the
// current phase are approved, stages after it are pending.
func (p *Pipeline) StageState(key int) SubState {
	switch {
	case key < p.Phase.Stage:
		return SubApproved
	case key == p.Phase.Stage:
		return p.Phase.Sub
	default:
		return SubPending
	}
}

// Label renders the phase as a string for external consumers. Phase
// strings are generated from the pair and never parsed back.
func (p *Pipeline) Label(l Layout) string {
	if p.Kind == KindSimpleFourStep {
		return fmt.Sprintf("step_%d_%s", l.Index(p.Phase.Stage)+1, p.Phase.Sub)
	}
	if d, ok := l.Def(p.Phase.Stage); ok {
		return d.ID + "_" + string(p.Phase.Sub)
	}
	return fmt.Sprintf("stage_%d_%s", p.Phase.Stage, p.Phase.Sub)
}

// Progress returns overall completion in percent:
// (stageIndex-1)*stageWeight + withinStageOffset.
func (p *Pipeline) Progress(l Layout) float64 {
	if len(l) == 0 {
		return 0
	}
	if p.Complete() {
		return 100
	}
	weight := 100 / float64(len(l))
	idx := l.Index(p.Phase.Stage) + 1
	if idx <= 0 {
		return 0
	}
	return float64(idx-1)*weight + subStateOffset[p.Phase.Sub]*weight
}

// Validate checks the structural invariants of a pipeline against its layout:
// the phase names a known stage, every stage before the phase holds an
// approved output, no later stage holds an output or retry record, and
// approval is monotonic. Recovery relaxes the ordering checks.
func Validate(p *Pipeline, l Layout) error {
	if l.Index(p.Phase.Stage) < 0 {
		return fmt.Errorf("phase stage %d not in layout", p.Phase.Stage)
	}
	if p.Phase.Sub == SubApproved && p.Phase.Stage != l.Last() {
		return fmt.Errorf("phase approved on non-final stage %d", p.Phase.Stage)
	}
	for key := range p.StageOutputs {
		if l.Index(key) < 0 {
			return fmt.Errorf("output for unknown stage %d", key)
		}
	}
	if p.Recovery {
		return nil
	}

	approvedSeen := true
	for _, d := range l {
		out := p.StageOutputs[d.Key]
		approved := out != nil && out.ApprovedAt != nil
		if d.Key < p.Phase.Stage && !approved {
			return fmt.Errorf("stage %d is behind the phase but not approved", d.Key)
		}
		if d.Key > p.Phase.Stage {
			if out != nil {
				return fmt.Errorf("stage %d holds an output ahead of the phase", d.Key)
			}
			if p.RetryState[d.Key] != nil {
				return fmt.Errorf("stage %d holds a retry record ahead of the phase", d.Key)
			}
		}
		if approved && !approvedSeen {
			return fmt.Errorf("stage %d approved while an earlier stage is not", d.Key)
		}
		if !approved {
			approvedSeen = false
		}
	}
	return nil
}

// Touch records a successful transition.
func (p *Pipeline) Touch(now time.Time) {
	p.UpdatedAt = now
	p.LastError = ""
}
