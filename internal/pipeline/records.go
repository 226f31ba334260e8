package pipeline

import "context"

// SpaceWrite is one space record to write, conditioned on the version it
// was read at. Expected is 0 for a space that does not exist yet.
type SpaceWrite struct {
	Space    *Space
	Expected int64
}

// Changeset is one atomic conditional write. Every entry is conditioned on
// its own version, so writes to unrelated spaces never conflict.
type Changeset struct {
	// Pipeline, when set, replaces the pipeline record.
	Pipeline *Pipeline
	// Expected is the pipeline version the change was computed from. It is
	// checked when Pipeline is set or GuardPipeline is true.
	Expected      int64
	GuardPipeline bool
	Spaces        []SpaceWrite
	// Guards are spaces that were read to compute the change but are not
	// written; their versions must still match.
	Guards map[string]int64
	// ReplaceSpaces drops every stored space not present in Spaces.
	ReplaceSpaces bool
}

// Empty reports whether the changeset writes nothing.
func (cs Changeset) Empty() bool {
	return cs.Pipeline == nil && len(cs.Spaces) == 0 && !cs.ReplaceSpaces
}

// RecordStore is the durable per-pipeline record store. ConditionalWrite
// either applies the whole changeset and bumps the version of every written
// record, or returns an error wrapping ErrConcurrentModification and leaves
// storage untouched.
type RecordStore interface {
	Create(ctx context.Context, p *Pipeline) error
	Read(ctx context.Context, id string) (*Pipeline, error)
	ConditionalWrite(ctx context.Context, id string, cs Changeset) error
	List(ctx context.Context) ([]*Pipeline, error)
	Delete(ctx context.Context, id string) error
}

// EventLog is the append-only, time-ordered progress record.
type EventLog interface {
	Append(ctx context.Context, e Event) error
	LatestEvent(ctx context.Context, pipelineID string, stageKey int) (*Event, error)
	History(ctx context.Context, pipelineID string) ([]Event, error)
}
