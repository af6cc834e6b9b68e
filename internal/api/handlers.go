package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antigravity-dev/pulz/internal/config"
	"github.com/antigravity-dev/pulz/internal/executor"
	"github.com/antigravity-dev/pulz/internal/mission"
	"github.com/antigravity-dev/pulz/internal/runner"
	"github.com/antigravity-dev/pulz/internal/store"
	"github.com/antigravity-dev/pulz/internal/telemetry"
)

// GET /api/pulz/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.state.Snapshot())
}

type missionStartRequest struct {
	DurationMinutes        *int     `json:"duration_minutes"`
	DurationHours          *int     `json:"duration_hours"`
	Sources                []string `json:"sources"`
	RatePerSourcePerMinute *float64 `json:"rate_per_source_per_minute"`
	MaxItems               *int     `json:"max_items"`
	AuthorityMode          string   `json:"authority_mode"`
}

// POST /api/pulz/mission/start
func (s *Server) handleMissionStart(w http.ResponseWriter, r *http.Request) {
	var req missionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	defaults := s.cfg.Mission
	params := mission.StartParams{
		DurationMinutes:        defaults.DurationMinutes,
		Sources:                defaults.Sources,
		RatePerSourcePerMinute: defaults.RatePerSourcePerMinute,
		MaxItems:               defaults.MaxItems,
		AuthorityMode:          s.state.AuthorityMode(),
	}
	if req.DurationHours != nil {
		params.DurationMinutes = *req.DurationHours * 60
	} else if req.DurationMinutes != nil {
		params.DurationMinutes = *req.DurationMinutes
	}
	if len(req.Sources) > 0 {
		params.Sources = req.Sources
	}
	if req.RatePerSourcePerMinute != nil {
		params.RatePerSourcePerMinute = *req.RatePerSourcePerMinute
	}
	if req.MaxItems != nil {
		params.MaxItems = *req.MaxItems
	}
	if req.AuthorityMode != "" {
		params.AuthorityMode = req.AuthorityMode
	}
	if !config.ValidAuthorityMode(params.AuthorityMode) {
		writeError(w, http.StatusBadRequest, "Invalid authority mode")
		return
	}

	if err := s.engine.Start(params); err != nil {
		if errors.Is(err, mission.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "Mission already running")
			return
		}
		s.logger.Error("mission start failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start mission")
		return
	}
	writeJSON(w, s.state.Snapshot())
}

// POST /api/pulz/mission/stop
func (s *Server) handleMissionStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	writeJSON(w, s.state.Snapshot())
}

// GET /api/pulz/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	listings, err := s.store.ListQueue()
	if err != nil {
		s.logger.Error("list queue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list queue")
		return
	}
	items := make([]map[string]any, 0, len(listings))
	for _, l := range listings {
		items = append(items, map[string]any{
			"id":         l.ID,
			"created_at": l.CreatedAt,
			"proposal":   decodeJSON(l.DataJSON),
			"source":     l.Source,
			"title":      l.Title,
			"url":        l.URL,
		})
	}
	writeJSON(w, map[string]any{"items": items})
}

// GET /api/pulz/proposals?status=a,b
func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = strings.Split(raw, ",")
	}
	listings, err := s.store.ListProposals(statuses)
	if err != nil {
		s.logger.Error("list proposals failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list proposals")
		return
	}
	items := make([]map[string]any, 0, len(listings))
	for _, l := range listings {
		items = append(items, map[string]any{
			"id":                      l.ID,
			"status":                  l.Status,
			"created_at":              l.CreatedAt,
			"updated_at":              l.UpdatedAt,
			"approved_at":             nullableString(l.ApprovedAt),
			"executing_at":            nullableString(l.ExecutingAt),
			"executed_at":             nullableString(l.ExecutedAt),
			"execution_mode":          nullableString(l.ExecutionMode),
			"estimated_revenue_cents": nullableInt(l.EstimatedRevenueCents),
			"realized_revenue_cents":  nullableInt(l.RealizedRevenueCents),
			"mission_id":              nullableString(l.MissionID),
			"proposal":                decodeJSON(l.DataJSON),
			"source":                  l.Source,
			"title":                   l.Title,
			"url":                     l.URL,
		})
	}
	writeJSON(w, map[string]any{"items": items})
}

// POST /api/pulz/queue/{id}/approve
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "id")
	proposal, err := s.store.GetProposal(proposalID)
	if err != nil {
		s.logger.Error("get proposal failed", "id", proposalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load proposal")
		return
	}
	if proposal == nil {
		writeError(w, http.StatusNotFound, "Proposal not found")
		return
	}
	if proposal.Status != "queued" && proposal.Status != "draft" {
		writeError(w, http.StatusConflict, "Proposal not awaiting approval")
		return
	}
	data, err := proposal.Data()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to decode proposal")
		return
	}

	if err := s.store.UpdateProposalStatus(proposalID, "approved"); err != nil {
		s.logger.Error("approve proposal failed", "id", proposalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to approve proposal")
		return
	}
	artifactID, err := s.store.InsertArtifact(proposalID, "", "json", "", "", proposal.DataJSON, data.MessageTemplate)
	if err != nil {
		s.logger.Error("insert approval artifact failed", "id", proposalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record artifact")
		return
	}
	missionID := proposal.MissionID.String
	s.recorder.Record("proposal_approved", map[string]any{"proposal_id": proposalID}, missionID, proposalID, "")

	var executionID any
	if proposal.ExecutionMode.String == "auto_after_approval" {
		id, err := s.runner.Enqueue(proposalID, data, "html", missionID, "operator")
		if err == nil {
			executionID = id
		} else if !errors.Is(err, runner.ErrBlocked) && !errors.Is(err, runner.ErrActiveExecution) {
			s.logger.Warn("auto enqueue failed", "id", proposalID, "error", err)
		}
	}
	writeJSON(w, map[string]any{"status": "approved", "artifact_id": artifactID, "execution_id": executionID})
}

// POST /api/pulz/queue/{id}/reject
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "id")
	proposal, err := s.store.GetProposal(proposalID)
	if err != nil {
		s.logger.Error("get proposal failed", "id", proposalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load proposal")
		return
	}
	if proposal == nil {
		writeError(w, http.StatusNotFound, "Proposal not found")
		return
	}
	if err := s.store.UpdateProposalStatus(proposalID, "cancelled"); err != nil {
		s.logger.Error("reject proposal failed", "id", proposalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reject proposal")
		return
	}
	writeJSON(w, map[string]any{"status": "cancelled"})
}

type executeRequest struct {
	Lane       string `json:"lane"`
	AllowRerun bool   `json:"allow_rerun"`
}

// POST /api/pulz/proposals/{id}/execute
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "id")
	req := executeRequest{Lane: "html"}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Lane == "" {
		req.Lane = "html"
	}
	if !executor.ValidLane(req.Lane) {
		writeError(w, http.StatusBadRequest, "Invalid execution lane")
		return
	}

	proposal, err := s.store.GetProposal(proposalID)
	if err != nil {
		s.logger.Error("get proposal failed", "id", proposalID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load proposal")
		return
	}
	if proposal == nil {
		writeError(w, http.StatusNotFound, "Proposal not found")
		return
	}
	rerunnable := proposal.Status == "executed" || proposal.Status == "failed" || proposal.Status == "cancelled"
	if proposal.Status != "approved" && !(rerunnable && req.AllowRerun) {
		writeError(w, http.StatusConflict, "Proposal not approved for execution")
		return
	}
	data, err := proposal.Data()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to decode proposal")
		return
	}

	executionID, err := s.runner.Enqueue(proposalID, data, req.Lane, proposal.MissionID.String, "operator")
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrBlocked):
			writeError(w, http.StatusConflict, "Execution blocked by mission kill switch")
		case errors.Is(err, runner.ErrActiveExecution):
			writeError(w, http.StatusConflict, "Proposal already has an active execution")
		default:
			s.logger.Error("enqueue execution failed", "id", proposalID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to enqueue execution")
		}
		return
	}
	writeJSON(w, map[string]any{"status": "queued", "execution_id": executionID})
}

// POST /api/pulz/executions/{id}/cancel
func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "id")
	execution, err := s.store.GetExecution(executionID)
	if err != nil {
		s.logger.Error("get execution failed", "id", executionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}
	if execution == nil {
		writeError(w, http.StatusNotFound, "Execution not found")
		return
	}
	if execution.Terminal() {
		writeJSON(w, map[string]any{"status": execution.Status})
		return
	}

	s.runner.Cancel(executionID)
	if err := s.store.UpdateExecutionStatus(executionID, "cancelled", ""); err != nil {
		s.logger.Error("cancel execution failed", "id", executionID, "error", err)
	}
	if err := s.store.UpdateProposalStatus(execution.ProposalID, "cancelled"); err != nil {
		s.logger.Error("cancel proposal failed", "id", execution.ProposalID, "error", err)
	}
	s.runner.PublishCancelled(execution.ProposalID, executionID, execution.Lane, execution.MissionID.String)
	writeJSON(w, map[string]any{"status": "cancelled"})
}

// GET /api/pulz/executions?status=&lane=&mission_id=
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = strings.Split(raw, ",")
	}
	executions, err := s.store.ListExecutions(statuses, r.URL.Query().Get("lane"), r.URL.Query().Get("mission_id"))
	if err != nil {
		s.logger.Error("list executions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	items := make([]map[string]any, 0, len(executions))
	for i := range executions {
		items = append(items, executionPayload(&executions[i]))
	}
	writeJSON(w, map[string]any{"items": items})
}

// GET /api/pulz/executions/{id}
func (s *Server) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "id")
	execution, err := s.store.GetExecution(executionID)
	if err != nil {
		s.logger.Error("get execution failed", "id", executionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}
	if execution == nil {
		writeError(w, http.StatusNotFound, "Execution not found")
		return
	}
	artifacts, err := s.store.ListExecutionArtifacts(executionID)
	if err != nil {
		s.logger.Error("list execution artifacts failed", "id", executionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	artifactItems := make([]map[string]any, 0, len(artifacts))
	for i := range artifacts {
		artifactItems = append(artifactItems, artifactPayload(&artifacts[i], false))
	}
	writeJSON(w, map[string]any{"execution": executionPayload(execution), "artifacts": artifactItems})
}

// GET /api/pulz/telemetry/summary
func (s *Server) handleTelemetrySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := telemetry.Summarize(s.store, s.cfg.CostPer1MTokensUSD)
	if err != nil {
		s.logger.Error("telemetry summary failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute summary")
		return
	}
	writeJSON(w, summary)
}

// GET /api/pulz/missions/{id}/authority
func (s *Server) handleGetAuthority(w http.ResponseWriter, r *http.Request) {
	missionID := chi.URLParam(r, "id")
	m, err := s.store.GetMission(missionID)
	if err != nil {
		s.logger.Error("get mission failed", "id", missionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load mission")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "Mission not found")
		return
	}
	writeJSON(w, map[string]any{"mission_id": missionID, "authority_mode": nullableString(m.AuthorityMode)})
}

// POST /api/pulz/missions/{id}/authority
func (s *Server) handleSetAuthority(w http.ResponseWriter, r *http.Request) {
	missionID := chi.URLParam(r, "id")
	var req struct {
		AuthorityMode string `json:"authority_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !config.ValidAuthorityMode(req.AuthorityMode) {
		writeError(w, http.StatusBadRequest, "Invalid authority mode")
		return
	}
	updated, err := s.store.SetMissionAuthority(missionID, req.AuthorityMode)
	if err != nil {
		s.logger.Error("set mission authority failed", "id", missionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update mission")
		return
	}
	if !updated {
		writeError(w, http.StatusNotFound, "Mission not found")
		return
	}
	if s.state.MissionID() == missionID {
		s.state.SetAuthorityMode(req.AuthorityMode)
	}
	writeJSON(w, map[string]any{"mission_id": missionID, "authority_mode": req.AuthorityMode})
}

// GET /api/pulz/artifacts
func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.store.ListArtifacts(50)
	if err != nil {
		s.logger.Error("list artifacts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	items := make([]map[string]any, 0, len(artifacts))
	for i := range artifacts {
		items = append(items, artifactPayload(&artifacts[i], false))
	}
	writeJSON(w, map[string]any{"items": items})
}

// GET /api/pulz/artifacts/{id}?format={text|download}
func (s *Server) handleArtifactDetail(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "id")
	artifact, err := s.store.GetArtifact(artifactID)
	if err != nil {
		s.logger.Error("get artifact failed", "id", artifactID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load artifact")
		return
	}
	if artifact == nil {
		writeError(w, http.StatusNotFound, "Artifact not found")
		return
	}
	switch r.URL.Query().Get("format") {
	case "download":
		if !artifact.Path.Valid || artifact.Path.String == "" {
			writeError(w, http.StatusNotFound, "Artifact file not found")
			return
		}
		if _, err := os.Stat(artifact.Path.String); err != nil {
			writeError(w, http.StatusNotFound, "Artifact file missing on disk")
			return
		}
		http.ServeFile(w, r, artifact.Path.String)
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(artifact.Text))
	default:
		writeJSON(w, artifactPayload(artifact, true))
	}
}

func executionPayload(e *store.Execution) map[string]any {
	return map[string]any{
		"id":          e.ID,
		"proposal_id": e.ProposalID,
		"mission_id":  nullableString(e.MissionID),
		"lane":        e.Lane,
		"status":      e.Status,
		"started_at":  e.StartedAt,
		"finished_at": nullableString(e.FinishedAt),
		"approved_by": nullableString(e.ApprovedBy),
		"inputs":      decodeJSON(e.InputsJSON),
		"outputs":     decodeJSON(e.OutputsJSON),
		"logs_text":   e.LogsText,
		"error":       nullableString(e.Error),
		"metrics":     decodeJSON(e.MetricsJSON),
	}
}

func artifactPayload(a *store.Artifact, withText bool) map[string]any {
	payload := map[string]any{
		"id":           a.ID,
		"proposal_id":  a.ProposalID,
		"execution_id": nullableString(a.ExecutionID),
		"created_at":   a.CreatedAt,
		"proposal":     decodeJSON(a.DataJSON),
		"kind":         nullableString(a.Kind),
		"path":         nullableString(a.Path),
		"sha256":       nullableString(a.SHA256),
	}
	if withText {
		payload["text"] = a.Text
	}
	return payload
}

func nullableString(v sql.NullString) any {
	if v.Valid {
		return v.String
	}
	return nil
}

func nullableInt(v sql.NullInt64) any {
	if v.Valid {
		return v.Int64
	}
	return nil
}

func decodeJSON(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}
