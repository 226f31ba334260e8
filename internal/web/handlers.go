package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/lucasnoah/renderfactory/internal/fanout"
	"github.com/lucasnoah/renderfactory/internal/orchestrator"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
	"github.com/lucasnoah/renderfactory/internal/stage"
)

// ---- view models ----

// PipelineRow is one entry of the pipeline list.
type PipelineRow struct {
	ID         string        `json:"id"`
	Kind       pipeline.Kind `json:"kind"`
	Title      string        `json:"title,omitempty"`
	Phase      string        `json:"phase"`
	Progress   float64       `json:"progress"`
	Paused     bool          `json:"paused"`
	LastError  string        `json:"last_error,omitempty"`
	UpdatedAgo string        `json:"updated_ago"`
}

// relTime renders t relative to now ("5m ago").
func relTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func stageKey(r *http.Request) int {
	key, _ := strconv.Atoi(mux.Vars(r)["key"])
	return key
}

func subStage(w http.ResponseWriter, r *http.Request) (pipeline.SubStage, bool) {
	sub := pipeline.SubStage(mux.Vars(r)["sub"])
	if !sub.Valid() {
		badRequest(w, "unknown sub-stage %q", sub)
		return "", false
	}
	return sub, true
}

// parseVariant accepts "A", "B" and "single" (the one final 360 asset).
func parseVariant(s string) (pipeline.Variant, bool) {
	switch strings.ToUpper(s) {
	case "A":
		return pipeline.VariantA, true
	case "B":
		return pipeline.VariantB, true
	case "SINGLE", "":
		return pipeline.VariantSingle, true
	}
	return "", false
}

// ---- pipelines ----

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	all, err := s.orch.List(r.Context(), pipeline.Kind(r.URL.Query().Get("kind")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	now := time.Now()
	rows := make([]PipelineRow, 0, len(all))
	for _, p := range all {
		l, err := s.orch.Layout(p.Kind)
		if err != nil {
			continue
		}
		rows = append(rows, PipelineRow{
			ID:         p.ID,
			Kind:       p.Kind,
			Title:      p.Title,
			Phase:      p.Label(l),
			Progress:   p.Progress(l),
			Paused:     p.RunState.Paused,
			LastError:  p.LastError,
			UpdatedAgo: relTime(p.UpdatedAt, now),
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

type createRequest struct {
	ID       string             `json:"id"`
	Kind     pipeline.Kind      `json:"kind"`
	Title    string             `json:"title"`
	Settings *pipeline.Settings `json:"settings"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	p, err := s.orch.Create(r.Context(), orchestrator.CreateOpts{ID: req.ID, Kind: req.Kind, Title: req.Title, Settings: req.Settings})
	if err != nil {
		if strings.Contains(err.Error(), "unknown pipeline kind") {
			badRequest(w, "%v", err)
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, r, http.StatusCreated, p.ID)
}

// writeStatus answers with the current status of pipeline id.
func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, code int, id string) {
	info, err := s.orch.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, code, info)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, http.StatusOK, mux.Vars(r)["id"])
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.orch.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.orch.History(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []pipeline.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Advance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.orch.Pause(r.Context(), id, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, r, http.StatusOK, id)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.Resume(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, r, http.StatusOK, id)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var patch orchestrator.SettingsPatch
	if err := decode(r, &patch); err != nil {
		badRequest(w, "%v", err)
		return
	}
	settings, err := s.orch.UpdateSettings(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type rollbackRequest struct {
	Stage   int  `json:"stage"`
	Confirm bool `json:"confirm"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.orch.Rollback(r.Context(), id, req.Stage, req.Confirm); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, r, http.StatusOK, id)
}

// ---- stages ----

type startRequest struct {
	Override bool              `json:"override"`
	Params   map[string]string `json:"params"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	res, err := s.orch.StartStage(r.Context(), mux.Vars(r)["id"], stageKey(r), stage.StartOpts{Override: req.Override, Params: req.Params})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type changedResponse struct {
	Changed bool `json:"changed"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes string `json:"notes"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	changed, err := s.orch.ManualApprove(r.Context(), mux.Vars(r)["id"], stageKey(r), req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	out, err := s.orch.Reject(r.Context(), mux.Vars(r)["id"], stageKey(r), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.Skip(r.Context(), id, stageKey(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, r, http.StatusOK, id)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	changed, err := s.orch.Restart(r.Context(), mux.Vars(r)["id"], stageKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	changed, err := s.orch.Recover(r.Context(), mux.Vars(r)["id"], stageKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

func (s *Server) handleStaleCheck(w http.ResponseWriter, r *http.Request) {
	if s.mon == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "stale monitor not configured", Kind: "unavailable"})
		return
	}
	var req struct {
		Threshold string `json:"threshold"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	var threshold time.Duration
	if req.Threshold != "" {
		d, err := time.ParseDuration(req.Threshold)
		if err != nil {
			badRequest(w, "invalid threshold: %v", err)
			return
		}
		threshold = d
	}
	c, err := s.mon.CheckStale(r.Context(), mux.Vars(r)["id"], stageKey(r), threshold)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ---- spaces ----

func (s *Server) handleRegisterSpaces(w http.ResponseWriter, r *http.Request) {
	var specs []fanout.SpaceSpec
	if err := decode(r, &specs); err != nil {
		badRequest(w, "%v", err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.orch.RegisterSpaces(r.Context(), id, specs); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, r, http.StatusOK, id)
}

func (s *Server) handleExclude(w http.ResponseWriter, r *http.Request) {
	changed, err := s.orch.ExcludeSpace(r.Context(), mux.Vars(r)["id"], mux.Vars(r)["space"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	changed, err := s.orch.RestoreSpace(r.Context(), mux.Vars(r)["id"], mux.Vars(r)["space"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

func (s *Server) handleStartSubStage(w http.ResponseWriter, r *http.Request) {
	sub, ok := subStage(w, r)
	if !ok {
		return
	}
	var req struct {
		Source string `json:"source"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	vars := mux.Vars(r)
	jobs, err := s.orch.StartSubStageForSpace(r.Context(), vars["id"], vars["space"], sub, req.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobs)
}

func (s *Server) assetTarget(w http.ResponseWriter, r *http.Request) (pipeline.SubStage, pipeline.Variant, bool) {
	sub, ok := subStage(w, r)
	if !ok {
		return "", "", false
	}
	v, ok := parseVariant(mux.Vars(r)["variant"])
	if !ok {
		badRequest(w, "unknown variant %q", mux.Vars(r)["variant"])
		return "", "", false
	}
	return sub, v, true
}

func (s *Server) handleApproveAsset(w http.ResponseWriter, r *http.Request) {
	sub, v, ok := s.assetTarget(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	changed, err := s.orch.ApproveAsset(r.Context(), vars["id"], vars["space"], sub, v)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

func (s *Server) handleRejectAsset(w http.ResponseWriter, r *http.Request) {
	sub, v, ok := s.assetTarget(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	vars := mux.Vars(r)
	out, err := s.orch.RejectAsset(r.Context(), vars["id"], vars["space"], sub, v, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	sub, ok := subStage(w, r)
	if !ok {
		return
	}
	res, err := s.orch.RunAllPending(r.Context(), mux.Vars(r)["id"], sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	sub, ok := subStage(w, r)
	if !ok {
		return
	}
	g, err := s.orch.ComputeGate(r.Context(), mux.Vars(r)["id"], sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}
