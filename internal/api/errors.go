// Package api is the HTTP surface: admin market-price plane, incident
// lifecycle endpoints, scoring intake, kill switches, and the ops/health
// routes. Routing is gorilla/mux; every error leaves through the uniform
// envelope.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/faturaops/backend/internal/faults"
	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/marketprice"
)

// API-level error codes not owned by a domain package.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeKillSwitchActive = "KILL_SWITCH_ACTIVE"
	CodeInternal         = "INTERNAL_ERROR"
)

// errorBody is the uniform error envelope. Clients key on error_code;
// message is for humans.
type errorBody struct {
	Status    string      `json:"status"`
	ErrorCode string      `json:"error_code"`
	Message   string      `json:"message"`
	Field     string      `json:"field,omitempty"`
	RowIndex  int         `json:"row_index,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] WARN response encode failed: %v", err)
	}
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Status: "error", ErrorCode: code, Message: message})
}

// writeError maps domain errors onto status codes:
//
//	validation      -> 400
//	not found       -> 404
//	business rule   -> 409
//	circuit open    -> 503, timeout -> 504, other dependency -> 502
func writeError(w http.ResponseWriter, err error) {
	var ve *faults.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Status: "error", ErrorCode: ve.Code, Message: ve.Message, Field: ve.Field,
		})
		return
	}
	var rule *marketprice.RuleError
	if errors.As(err, &rule) {
		status := http.StatusConflict
		switch rule.Code {
		case marketprice.CodePeriodNotFound:
			status = http.StatusNotFound
		case marketprice.CodeInvalidSortField, marketprice.CodeInvalidSortOrder:
			status = http.StatusBadRequest
		}
		writeErrorCode(w, status, rule.Code, rule.Message)
		return
	}
	var imp *marketprice.ImportError
	if errors.As(err, &imp) {
		writeErrorCode(w, http.StatusBadRequest, imp.Code, imp.Message)
		return
	}
	if errors.Is(err, marketprice.ErrNotFound) || errors.Is(err, incident.ErrNotFound) {
		writeErrorCode(w, http.StatusNotFound, CodeNotFound, err.Error())
		return
	}
	if errors.Is(err, faults.ErrCircuitOpen) {
		writeErrorCode(w, faults.HTTPStatus(err), faults.ErrorCode(err), err.Error())
		return
	}
	cls := faults.Classify(err)
	if cls.CountsForBreaker || cls.Timeout {
		writeErrorCode(w, faults.HTTPStatus(err), faults.ErrorCode(err), err.Error())
		return
	}

	log.Printf("[API] ERROR unhandled: %v", err)
	writeErrorCode(w, http.StatusInternalServerError, CodeInternal, "internal error")
}
