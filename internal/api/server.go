package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/faturaops/backend/internal/circuitbreaker"
	"github.com/faturaops/backend/internal/config"
	"github.com/faturaops/backend/internal/guard"
	"github.com/faturaops/backend/internal/health"
	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/marketprice"
	"github.com/faturaops/backend/internal/metrics"
	"github.com/faturaops/backend/internal/quality"
)

// Server wires the domain services to the HTTP surface.
type Server struct {
	cfg           *config.Config
	env           *config.Env
	prices        *marketprice.Service
	importer      *marketprice.Importer
	scorer        *quality.Scorer
	incidents     *incident.Service
	incidentStore incident.Store
	switches      *guard.KillSwitches
	breakers      *circuitbreaker.Registry
	metrics       *metrics.Metrics
	readiness     *health.Readiness
	logger        *log.Logger
	startedAt     time.Time
	now           func() time.Time
}

// Deps carries everything the server needs; main assembles it once.
type Deps struct {
	Config        *config.Config
	Env           *config.Env
	Prices        *marketprice.Service
	Importer      *marketprice.Importer
	Scorer        *quality.Scorer
	Incidents     *incident.Service
	IncidentStore incident.Store
	Switches      *guard.KillSwitches
	Breakers      *circuitbreaker.Registry
	Metrics       *metrics.Metrics
	Readiness     *health.Readiness
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:           d.Config,
		env:           d.Env,
		prices:        d.Prices,
		importer:      d.Importer,
		scorer:        d.Scorer,
		incidents:     d.Incidents,
		incidentStore: d.IncidentStore,
		switches:      d.Switches,
		breakers:      d.Breakers,
		metrics:       d.Metrics,
		readiness:     d.Readiness,
		logger:        log.New(log.Writer(), "[API] ", log.LstdFlags),
		startedAt:     time.Now(),
		now:           time.Now,
	}
}

// Router builds the full route table. The admin subrouter sits behind
// bearer auth; scoring, the legacy listing, and the ops routes do not.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestLog(s.logger))

	// Unauthenticated plane.
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/ops/status", s.handleOpsStatus).Methods(http.MethodGet)

	// Scoring intake (service-to-service).
	r.HandleFunc("/api/v1/qa/score", s.handleScore).Methods(http.MethodPost)

	// Calculation lookup and the deprecated listing.
	r.HandleFunc("/api/v1/market-prices", s.handleLegacyListPrices).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/market-prices/{period}/calculation", s.handleCalculationPrice).Methods(http.MethodGet)

	// Admin plane.
	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(adminAuth(s.env))

	admin.HandleFunc("/market-prices", s.handleUpsertPrice).Methods(http.MethodPost)
	admin.HandleFunc("/market-prices", s.handleListPrices).Methods(http.MethodGet)
	admin.HandleFunc("/market-prices/import/preview", s.handleImportPreview).Methods(http.MethodPost)
	admin.HandleFunc("/market-prices/import/apply", s.handleImportApply).Methods(http.MethodPost)
	// The fixed history route must register before the {period} wildcard.
	admin.HandleFunc("/market-prices/history", s.handlePriceHistory).Methods(http.MethodGet)
	admin.HandleFunc("/market-prices/{period}/lock", s.handleSetPriceLock(true)).Methods(http.MethodPost)
	admin.HandleFunc("/market-prices/{period}/unlock", s.handleSetPriceLock(false)).Methods(http.MethodPost)
	admin.HandleFunc("/market-prices/{period}", s.handleGetPrice).Methods(http.MethodGet)

	admin.HandleFunc("/incidents", s.handleListIncidents).Methods(http.MethodGet)
	admin.HandleFunc("/incidents/{id}", s.handleGetIncident).Methods(http.MethodGet)
	admin.HandleFunc("/incidents/{id}", s.handlePatchIncident).Methods(http.MethodPatch)
	admin.HandleFunc("/incidents/{id}/feedback", s.handleFeedback).Methods(http.MethodPatch)

	admin.HandleFunc("/feedback-stats", s.handleFeedbackStats).Methods(http.MethodGet)
	admin.HandleFunc("/system-health", s.handleSystemHealth).Methods(http.MethodGet)
	admin.HandleFunc("/ops/status", s.handleAdminOpsStatus).Methods(http.MethodGet)
	admin.HandleFunc("/ops/kill-switches", s.handleListKillSwitches).Methods(http.MethodGet)
	admin.HandleFunc("/ops/kill-switches/{name}", s.handleSetKillSwitch).Methods(http.MethodPut)

	return r
}
