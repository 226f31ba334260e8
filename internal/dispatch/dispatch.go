// Package dispatch submits generation jobs to remote workers. Submission
// only enqueues; results come back asynchronously through the QA and
// progress callbacks.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// ErrUnavailable is returned when the dispatcher refuses work outright.
var ErrUnavailable = errors.New("dispatcher unavailable")

// Job is one unit of remote work.
type Job struct {
	ID          string            `json:"id"`
	PipelineID  string            `json:"pipeline_id"`
	StageKey    int               `json:"stage_key"`
	AttemptID   string            `json:"attempt_id"`
	SpaceID     string            `json:"space_id,omitempty"`
	SubStage    string            `json:"sub_stage,omitempty"`
	Variant     string            `json:"variant,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// FromIntent builds a job for a dispatch intent of pipeline id.
func FromIntent(pipelineID string, in *pipeline.DispatchIntent) Job {
	return Job{
		PipelineID: pipelineID,
		StageKey:   in.Stage,
		AttemptID:  in.AttemptID,
		SpaceID:    in.SpaceID,
		SubStage:   string(in.SubStage),
		Variant:    string(in.Variant),
		Params:     in.Params,
	}
}

// Dispatcher submits jobs and returns the job id.
type Dispatcher interface {
	Submit(ctx context.Context, job Job) (string, error)
}

// prepare assigns the id and submission time and encodes the job.
func prepare(job *Job) ([]byte, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}
	return json.Marshal(job)
}
