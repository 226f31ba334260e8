package pipeline

import (
	"errors"
	"fmt"
)

// Error kinds. Every failed operation wraps exactly one of these.
var (
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrGateLocked             = errors.New("gate locked")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrRetryBudgetExhausted   = errors.New("retry budget exhausted")
	ErrDispatchFailure        = errors.New("dispatch failure")
	ErrNotFound               = errors.New("not found")
)

// TransitionError describes why an operation on a pipeline was refused.
type TransitionError struct {
	Kind       error
	PipelineID string
	Stage      int
	Op         string
	Reason     string
}

func (e *TransitionError) Error() string {
	where := e.PipelineID
	if e.Stage > 0 {
		where = fmt.Sprintf("%s stage %d", e.PipelineID, e.Stage)
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, where, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %s", e.Op, where, e.Kind, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return e.Kind
}

// Invalid builds an ErrInvalidTransition error.
func Invalid(p *Pipeline, stage int, op, format string, args ...any) error {
	return &TransitionError{Kind: ErrInvalidTransition, PipelineID: p.ID, Stage: stage, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// GateLocked builds an ErrGateLocked error.
func GateLocked(p *Pipeline, stage int, op, reason string) error {
	return &TransitionError{Kind: ErrGateLocked, PipelineID: p.ID, Stage: stage, Op: op, Reason: reason}
}

// Exhausted builds an ErrRetryBudgetExhausted error.
func Exhausted(p *Pipeline, stage int, op string, attempts, budget int) error {
	return &TransitionError{
		Kind: ErrRetryBudgetExhausted, PipelineID: p.ID, Stage: stage, Op: op,
		Reason: fmt.Sprintf("%d of %d attempts used, human decision required", attempts, budget),
	}
}

// Conflict builds an ErrConcurrentModification error.
func Conflict(pipelineID, what string) error {
	return &TransitionError{Kind: ErrConcurrentModification, PipelineID: pipelineID, Op: "write", Reason: what + " changed since it was read"}
}

// NotFound builds an ErrNotFound error.
func NotFound(pipelineID string) error {
	return &TransitionError{Kind: ErrNotFound, PipelineID: pipelineID, Op: "read", Reason: "pipeline does not exist"}
}

// DispatchFailed wraps a synchronous submission failure.
func DispatchFailed(p *Pipeline, stage int, op string, err error) error {
	return &TransitionError{Kind: ErrDispatchFailure, PipelineID: p.ID, Stage: stage, Op: op, Reason: err.Error()}
}
