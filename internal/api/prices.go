package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/faturaops/backend/internal/guard"
	"github.com/faturaops/backend/internal/marketprice"
)

// upsertPriceRequest is the admin upsert payload. Values arrive as
// strings so the validator owns every parsing rule.
type upsertPriceRequest struct {
	Period       string `json:"period"`
	Value        string `json:"value"`
	Status       string `json:"status"`
	PriceType    string `json:"price_type"`
	ChangeReason string `json:"change_reason"`
	ForceUpdate  bool   `json:"force_update"`
}

func (s *Server) handleUpsertPrice(w http.ResponseWriter, r *http.Request) {
	if s.switches.Tripped(guard.SwitchPriceWrites) {
		writeErrorCode(w, http.StatusServiceUnavailable, CodeKillSwitchActive, "price writes are disabled by operator")
		return
	}

	var req upsertPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, "malformed JSON body")
		return
	}

	n, err := marketprice.Validate(marketprice.Input{
		Period: req.Period, Value: req.Value, Status: req.Status, PriceType: req.PriceType,
	}, s.now())
	if err != nil {
		s.metrics.PriceUpserts.WithLabelValues("rejected").Inc()
		writeError(w, err)
		return
	}

	res, err := s.prices.Upsert(r.Context(), n, actor(r), marketprice.SourceEpiasManual, req.ChangeReason, req.ForceUpdate)
	if err != nil {
		s.metrics.PriceUpserts.WithLabelValues("rejected").Inc()
		writeError(w, err)
		return
	}
	s.metrics.PriceUpserts.WithLabelValues(string(res.Action)).Inc()

	status := http.StatusOK
	if res.Action == marketprice.ActionCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"status":   "ok",
		"action":   res.Action,
		"period":   n.Period,
		"changed":  res.Changed,
		"warnings": res.Warnings,
	})
}

func (s *Server) handleListPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	f := marketprice.ListFilter{
		PriceType:  q.Get("price_type"),
		Status:     marketprice.Status(q.Get("status")),
		FromPeriod: q.Get("from_period"),
		ToPeriod:   q.Get("to_period"),
		SortBy:     q.Get("sort_by"),
		SortOrder:  q.Get("sort_order"),
		Page:       page,
		PageSize:   pageSize,
	}
	items, total, err := s.prices.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []marketprice.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": total,
	})
}

// handleLegacyListPrices serves the deprecated non-paginated listing.
// It pages through the store internally and answers with a bare array,
// announcing the sunset via standard headers.
func (s *Server) handleLegacyListPrices(w http.ResponseWriter, r *http.Request) {
	s.metrics.LegacyListHits.Inc()
	w.Header().Set("Deprecation", "true")
	w.Header().Set("Sunset", "Wed, 30 Jun 2027 00:00:00 GMT")
	w.Header().Set("Link", `</api/v1/admin/market-prices>; rel="successor-version"`)

	var all []marketprice.Record
	for page := 1; ; page++ {
		items, total, err := s.prices.List(r.Context(), marketprice.ListFilter{
			PriceType: r.URL.Query().Get("price_type"),
			Page:      page,
			PageSize:  100,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		all = append(all, items...)
		if len(all) >= total || len(items) == 0 {
			break
		}
	}
	if all == nil {
		all = []marketprice.Record{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	priceType := r.URL.Query().Get("price_type")
	if priceType == "" {
		priceType = marketprice.PriceTypePTF
	}
	rec, err := s.prices.Get(r.Context(), priceType, mux.Vars(r)["period"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period := q.Get("period")
	priceType := q.Get("price_type")
	if priceType == "" {
		priceType = marketprice.PriceTypePTF
	}
	entries, err := s.prices.History(r.Context(), priceType, period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"period":     period,
		"price_type": priceType,
		"history":    entries,
	})
}

// handleSetPriceLock serves both the lock and unlock routes; the route
// registration picks the direction.
func (s *Server) handleSetPriceLock(locked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.switches.Tripped(guard.SwitchPriceWrites) {
			writeErrorCode(w, http.StatusServiceUnavailable, CodeKillSwitchActive, "price writes are disabled by operator")
			return
		}
		priceType := r.URL.Query().Get("price_type")
		if priceType == "" {
			priceType = marketprice.PriceTypePTF
		}
		period := mux.Vars(r)["period"]
		if err := s.prices.SetLocked(r.Context(), priceType, period, locked); err != nil {
			writeError(w, err)
			return
		}
		msg := "period " + period + " locked"
		if !locked {
			msg = "period " + period + " unlocked"
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "message": msg})
	}
}

// handleCalculationPrice is the internal lookup used by the tariff
// calculator: the price plus the provisional marker.
func (s *Server) handleCalculationPrice(w http.ResponseWriter, r *http.Request) {
	cp, err := s.prices.GetForCalculation(r.Context(), mux.Vars(r)["period"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"record":              cp.Record,
		"is_provisional_used": cp.IsProvisionalUsed,
	})
}

const maxImportBody = 10 << 20 // 10 MiB

func (s *Server) readImportRows(w http.ResponseWriter, r *http.Request) ([]marketprice.Row, []marketprice.RowError, bool) {
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxImportBody+1))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeBadRequest, "unreadable request body")
		return nil, nil, false
	}
	if len(blob) > maxImportBody {
		writeErrorCode(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "import body exceeds 10 MiB")
		return nil, nil, false
	}
	rows, rowErrs, err := marketprice.ParseRows(blob)
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	return rows, rowErrs, true
}

func (s *Server) handleImportPreview(w http.ResponseWriter, r *http.Request) {
	rows, rowErrs, ok := s.readImportRows(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	res, err := s.importer.Preview(r.Context(), rows, rowErrs, importPriceType(r), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleImportApply(w http.ResponseWriter, r *http.Request) {
	if s.switches.Tripped(guard.SwitchBulkImport) {
		writeErrorCode(w, http.StatusServiceUnavailable, CodeKillSwitchActive, "bulk import is disabled by operator")
		return
	}
	rows, rowErrs, ok := s.readImportRows(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	force := q.Get("force") == "true"
	strict := q.Get("strict") != "false" // strict unless explicitly relaxed

	res, err := s.importer.Apply(r.Context(), rows, rowErrs, importPriceType(r), actor(r), force, strict)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.ImportRows.WithLabelValues("accepted").Add(float64(res.ImportedCount))
	s.metrics.ImportRows.WithLabelValues("rejected").Add(float64(res.ErrorCount))

	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func importPriceType(r *http.Request) string {
	if pt := r.URL.Query().Get("price_type"); pt != "" {
		return pt
	}
	return marketprice.PriceTypePTF
}
