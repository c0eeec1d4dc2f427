package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/faturaops/backend/internal/config"
	"github.com/faturaops/backend/internal/health"
	"github.com/faturaops/backend/internal/incident"
)

// handleFeedbackStats serves the hint-calibration report over recently
// resolved incidents.
func (s *Server) handleFeedbackStats(w http.ResponseWriter, r *http.Request) {
	resolved, err := s.incidentStore.List(r.Context(), incident.ListFilter{
		Status: incident.StatusResolved,
		Limit:  200,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	stats := health.ComputeFeedbackStats(resolved)
	if stats.ResolvedWithFeedback < s.cfg.Feedback.MinSampleSize {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"stats":       stats,
			"calibrated":  false,
			"sample_note": "below minimum sample size; accuracy rates are directional only",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats, "calibrated": true})
}

// handleSystemHealth is the operator dashboard snapshot: breakers,
// switches, retry backlog, MTTR and the funnel.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	queued, stuck, err := s.incidentStore.CountRetryQueue(r.Context(), now, now.Add(-s.cfg.Recovery.StuckAfter))
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.QueueDepth.Set(float64(queued))
	s.metrics.StuckIncidents.Set(float64(stuck))

	recent, err := s.incidentStore.List(r.Context(), incident.ListFilter{Limit: 200})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"build_id":      s.env.BuildID,
		"config_hash":   s.cfg.Hash(),
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
		"breakers":      s.breakers.Snapshots(),
		"kill_switches": s.switches.List(),
		"retry_queue":   map[string]int{"queued": queued, "stuck": stuck},
		"retry_funnel":  health.ComputeRetryFunnel(recent),
		"mttr_hours":    health.MTTR(recent).Hours(),
	})
}

func (s *Server) handleListKillSwitches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"switches": s.switches.List()})
}

type setSwitchRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

func (s *Server) handleSetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req setSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, "malformed JSON body")
		return
	}
	sw, ok := s.switches.Set(mux.Vars(r)["name"], req.Enabled, actor(r), req.Reason)
	if !ok {
		writeErrorCode(w, http.StatusNotFound, CodeNotFound, "unknown kill switch")
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

// handleAdminOpsStatus is the operator status line: the running config
// identity plus the kill-switch summary.
func (s *Server) handleAdminOpsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                "ok",
		"environment":           s.env.Environment,
		"build_id":              s.env.BuildID,
		"config_hash":           s.cfg.Hash(),
		"config_schema_version": config.SchemaVersion,
		"kill_switches":         s.switches.List(),
		"tripped_switches":      s.switches.TrippedCount(),
	})
}

// handleOpsStatus is the lightweight unauthenticated status line.
func (s *Server) handleOpsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":          "invoiceqa",
		"environment":      s.env.Environment,
		"build_id":         s.env.BuildID,
		"uptime":           time.Since(s.startedAt).Round(time.Second).String(),
		"tripped_switches": s.switches.TrippedCount(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz runs the full readiness probe; any critical check answers
// 503 so the orchestrator keeps traffic away.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	report := s.readiness.Evaluate(r.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
