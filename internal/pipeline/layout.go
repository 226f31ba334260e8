package pipeline

import "sort"

// StageDef describes one ordered stage of a pipeline kind.
type StageDef struct {
	Key      int      `json:"key"`
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Optional bool     `json:"optional,omitempty"`
	FanOut   SubStage `json:"fan_out,omitempty"`
	Locks    []string `json:"locks,omitempty"`
}

// Layout is the ordered stage list of a pipeline kind. Keys are unique and
// strictly increasing.
type Layout []StageDef

// NewLayout returns a copy of defs sorted by key.
func NewLayout(defs []StageDef) Layout {
	l := make(Layout, len(defs))
	copy(l, defs)
	sort.Slice(l, func(i, j int) bool { return l[i].Key < l[j].Key })
	return l
}

// First returns the first stage key, or 0 for an empty layout.
func (l Layout) First() int {
	if len(l) == 0 {
		return 0
	}
	return l[0].Key
}

// Last returns the final stage key, or 0 for an empty layout.
func (l Layout) Last() int {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1].Key
}

// Index returns the zero-based position of key, or -1.
func (l Layout) Index(key int) int {
	for i, d := range l {
		if d.Key == key {
			return i
		}
	}
	return -1
}

// Def returns the definition for key.
func (l Layout) Def(key int) (StageDef, bool) {
	if i := l.Index(key); i >= 0 {
		return l[i], true
	}
	return StageDef{}, false
}

// Next returns the stage key after key, or 0 if key is last.
func (l Layout) Next(key int) int {
	i := l.Index(key)
	if i < 0 || i+1 >= len(l) {
		return 0
	}
	return l[i+1].Key
}

// Prev returns the stage key before key, or 0 if key is first.
func (l Layout) Prev(key int) int {
	i := l.Index(key)
	if i <= 0 {
		return 0
	}
	return l[i-1].Key
}

// FanOutStage returns the stage key whose fan-out sub-stage is sub, or 0.
func (l Layout) FanOutStage(sub SubStage) int {
	for _, d := range l {
		if d.FanOut == sub {
			return d.Key
		}
	}
	return 0
}

// HasFanOut reports whether any stage fans out into spaces.
func (l Layout) HasFanOut() bool {
	for _, d := range l {
		if d.FanOut != "" {
			return true
		}
	}
	return false
}

// LockingStage returns the first stage that freezes the named setting, or 0.
func (l Layout) LockingStage(setting string) int {
	for _, d := range l {
		for _, s := range d.Locks {
			if s == setting {
				return d.Key
			}
		}
	}
	return 0
}
