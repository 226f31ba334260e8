package web

import (
	"context"
	"net/http"

	"github.com/lucasnoah/renderfactory/internal/orchestrator"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
	"github.com/lucasnoah/renderfactory/internal/stage"
)

// CompletionCallback is what a worker posts when an attempt finishes.
// Space, sub-stage and variant are set for per-space assets only.
type CompletionCallback struct {
	PipelineID  string `json:"pipeline_id"`
	StageKey    int    `json:"stage_key"`
	AttemptID   string `json:"attempt_id"`
	ArtifactRef string `json:"artifact_ref"`
	Decision    string `json:"decision"`
	Notes       string `json:"notes,omitempty"`
	SpaceID     string `json:"space_id,omitempty"`
	SubStage    string `json:"sub_stage,omitempty"`
	Variant     string `json:"variant,omitempty"`
}

// Completions race with operator actions, so each is retried once on a
// version conflict before the worker sees a 409.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var cb CompletionCallback
	if err := decode(r, &cb); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if cb.PipelineID == "" {
		badRequest(w, "pipeline_id is required")
		return
	}
	if cb.AttemptID == "" {
		badRequest(w, "attempt_id is required")
		return
	}
	c := stage.Completion{
		AttemptID:   cb.AttemptID,
		ArtifactRef: cb.ArtifactRef,
		Decision:    pipeline.NormalizeQaDecision(cb.Decision),
		Notes:       cb.Notes,
	}

	if cb.SpaceID == "" {
		var out stage.Outcome
		err := orchestrator.RetryOnConflict(r.Context(), func(ctx context.Context) error {
			var err error
			out, err = s.orch.ObserveAutomaticQa(ctx, cb.PipelineID, cb.StageKey, c)
			return err
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	sub := pipeline.SubStage(cb.SubStage)
	if !sub.Valid() {
		badRequest(w, "unknown sub-stage %q", cb.SubStage)
		return
	}
	v, ok := parseVariant(cb.Variant)
	if !ok {
		badRequest(w, "unknown variant %q", cb.Variant)
		return
	}
	var out any
	err := orchestrator.RetryOnConflict(r.Context(), func(ctx context.Context) error {
		res, err := s.orch.ObserveAssetResult(ctx, cb.PipelineID, cb.SpaceID, sub, v, c)
		out = res
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ProgressCallback is a worker heartbeat.
type ProgressCallback struct {
	PipelineID string `json:"pipeline_id"`
	StageKey   int    `json:"stage_key"`
	Message    string `json:"message"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var cb ProgressCallback
	if err := decode(r, &cb); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if cb.PipelineID == "" {
		badRequest(w, "pipeline_id is required")
		return
	}
	err := orchestrator.RetryOnConflict(r.Context(), func(ctx context.Context) error {
		return s.orch.RecordProgress(ctx, cb.PipelineID, cb.StageKey, cb.Message)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
