package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/quality"
)

// scoreRequest is the QA intake payload: one invoice's extraction,
// validation, and calculation outcome.
type scoreRequest struct {
	TenantID string             `json:"tenant_id"`
	TraceID  string             `json:"trace_id"`
	Input    quality.ScoreInput `json:"input"`
}

// handleScore runs the scorer and folds the result into the incident
// store. The raw input is persisted on the incident so recompute can
// re-derive the flag set later.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, "malformed JSON body")
		return
	}
	if req.TenantID == "" {
		writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, "tenant_id is required")
		return
	}

	score := s.scorer.Score(req.Input)

	payload, err := json.Marshal(req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.incidents.Process(r.Context(), incident.InvoiceRef{
		TenantID:       req.TenantID,
		TraceID:        req.TraceID,
		Supplier:       req.Input.Extraction.Supplier,
		InvoiceNo:      req.Input.Extraction.InvoiceNo,
		Period:         req.Input.Extraction.Period,
		ConsumptionKWh: req.Input.Extraction.ConsumptionKWh,
		TotalAmount:    req.Input.Extraction.InvoiceTotal,
	}, score, payload)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"score":        score.Score,
		"grade":        score.Grade,
		"flags":        score.Flags,
		"flag_details": score.FlagDetails,
		"incident": map[string]interface{}{
			"id":      res.IncidentID,
			"created": res.Created,
			"deduped": res.Deduped,
		},
	})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	items, err := s.incidentStore.List(r.Context(), incident.ListFilter{
		Status:   incident.Status(q.Get("status")),
		Severity: quality.Severity(q.Get("severity")),
		Category: q.Get("category"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*incident.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.incidentStore.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// patchIncidentRequest supports the two manual transitions (ACK,
// RESOLVED) and attaching an external issue id. Manual resolution is the
// only path to RESOLVED outside recompute.
type patchIncidentRequest struct {
	Status          string `json:"status,omitempty"`
	ExternalIssueID string `json:"external_issue_id,omitempty"`
	Note            string `json:"note,omitempty"`
}

func (s *Server) handlePatchIncident(w http.ResponseWriter, r *http.Request) {
	var req patchIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, "malformed JSON body")
		return
	}

	inc, err := s.incidentStore.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	now := s.now()
	switch req.Status {
	case "":
		// external_issue_id-only update
	case string(incident.StatusAck):
		if inc.Status == incident.StatusResolved {
			writeErrorCode(w, http.StatusConflict, CodeBadRequest, "resolved incidents cannot be acknowledged")
			return
		}
		inc.Status = incident.StatusAck
	case string(incident.StatusResolved):
		if inc.Status != incident.StatusResolved {
			inc.Status = incident.StatusResolved
			inc.ResolutionReason = incident.ReasonManualResolved
			inc.ResolvedAt = &now
		}
	default:
		writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, "status must be ACK or RESOLVED")
		return
	}

	if req.ExternalIssueID != "" {
		inc.ExternalIssueID = req.ExternalIssueID
	}
	inc.UpdatedAt = now

	if err := s.incidentStore.Update(r.Context(), inc); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Printf("incident %s patched by %s status=%s", inc.ID, actor(r), inc.Status)
	writeJSON(w, http.StatusOK, inc)
}

type feedbackRequest struct {
	HintAccurate *bool  `json:"hint_accurate"`
	ActionClass  string `json:"action_class,omitempty"`
	Note         string `json:"note,omitempty"`
}

// handleFeedback upserts the calibration blob. Re-submitting replaces
// the previous feedback; there is one blob per incident.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, "malformed JSON body")
		return
	}
	if req.HintAccurate == nil {
		writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, "hint_accurate is required")
		return
	}

	inc, err := s.incidentStore.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if inc.Status != incident.StatusResolved {
		writeErrorCode(w, http.StatusConflict, CodeBadRequest, "feedback requires a resolved incident")
		return
	}

	now := s.now()
	inc.Feedback = &incident.Feedback{
		HintAccurate: req.HintAccurate,
		ActionClass:  req.ActionClass,
		Note:         req.Note,
		SubmittedBy:  actor(r),
		SubmittedAt:  now,
	}
	inc.UpdatedAt = now
	if err := s.incidentStore.Update(r.Context(), inc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc.Feedback)
}
