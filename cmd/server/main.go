// Command server boots the invoice QA engine: the HTTP plane, the retry
// worker loop, and the stuck-recompute sweep.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/faturaops/backend/internal/api"
	"github.com/faturaops/backend/internal/circuitbreaker"
	"github.com/faturaops/backend/internal/config"
	"github.com/faturaops/backend/internal/database"
	"github.com/faturaops/backend/internal/guard"
	"github.com/faturaops/backend/internal/health"
	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/marketprice"
	"github.com/faturaops/backend/internal/metrics"
	"github.com/faturaops/backend/internal/quality"
	"github.com/faturaops/backend/internal/retrywork"
)

const (
	workerInterval = time.Minute
	workerBatch    = 20
	sweepBatch     = 50
)

// noopPinger stands in for Postgres when the in-memory stores are active.
type noopPinger struct{}

func (noopPinger) PingContext(context.Context) error { return nil }

func main() {
	// .env is optional; real deployments inject the environment.
	_ = godotenv.Load()

	env, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("environment: %v", err)
	}
	cfg, err := config.Load(env.ThresholdsPath)
	if err != nil {
		log.Fatalf("thresholds: %v", err)
	}
	// The invariant gate is a boot gate: a contradictory threshold tree
	// never serves traffic.
	if err := cfg.Validate(); err != nil {
		log.Fatalf("threshold invariants: %v", err)
	}
	log.Printf("starting invoiceqa env=%s build=%s config=%s", env.Environment, env.BuildID, cfg.Hash())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	switches := guard.NewKillSwitches()
	breakers := circuitbreaker.NewRegistry(cfg.Dependencies.FailureThreshold, cfg.Dependencies.OpenDuration())

	var (
		priceStore    marketprice.Store
		incidentStore incident.Store
		db            health.DBPinger
	)
	if env.DatabaseURL != "" {
		pg, err := database.Open(ctx, env.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		priceStore = database.NewMarketPriceStore(pg)
		incidentStore = database.NewIncidentStore(pg)
		db = pg
	} else {
		if env.Environment == config.EnvProduction {
			log.Fatal("DATABASE_URL is required in production")
		}
		log.Print("WARN no DATABASE_URL; using in-memory stores")
		priceStore = database.NewMemoryMarketPriceStore()
		incidentStore = database.NewMemoryIncidentStore()
		db = noopPinger{}
	}

	rdb := redis.NewClient(&redis.Options{Addr: env.RedisAddr})
	defer rdb.Close()
	queue := retrywork.NewQueue(rdb)

	prices := marketprice.NewService(priceStore)
	importer := marketprice.NewImporter(prices)
	scorer := quality.NewScorer(cfg)
	incidents := incident.NewService(incidentStore, m)

	executor := retrywork.NewExecutor(incidentStore, retrywork.PriceLookup(prices, breakers, cfg, m), m)
	recomputer := retrywork.NewRecomputer(scorer, incidentStore, m)
	orchestrator := retrywork.NewOrchestrator(executor, recomputer, incidentStore, switches, m,
		cfg.Recovery.MaxRecomputeCount, cfg.Recovery.StuckAfter)

	readiness := health.NewReadiness(cfg, env, db, queue, incidentStore, cfg.Recovery.StuckAfter)

	server := api.NewServer(api.Deps{
		Config:        cfg,
		Env:           env,
		Prices:        prices,
		Importer:      importer,
		Scorer:        scorer,
		Incidents:     incidents,
		IncidentStore: incidentStore,
		Switches:      switches,
		Breakers:      breakers,
		Metrics:       m,
		Readiness:     readiness,
	})

	go runWorker(ctx, orchestrator, incidentStore, cfg, m)

	httpServer := &http.Server{
		Addr:         env.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		log.Printf("listening on %s", env.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR shutdown: %v", err)
		os.Exit(1)
	}
}

// runWorker drives the retry batch and the stuck sweep on a fixed tick,
// refreshing the backlog gauges after every pass.
func runWorker(ctx context.Context, o *retrywork.Orchestrator, store incident.Store, cfg *config.Config, m *metrics.Metrics) {
	ticker := time.NewTicker(workerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		summary, err := o.RunBatch(ctx, workerBatch)
		if err != nil {
			log.Printf("[WORKER] ERROR batch: %v", err)
		} else if summary.Claimed > 0 {
			log.Printf("[WORKER] batch claimed=%d success=%d fail=%d resolved=%d reclassified=%d exhausted=%d limited=%d errors=%d",
				summary.Claimed, summary.RetrySuccess, summary.RetryFail, summary.Resolved,
				summary.Reclassified, summary.Exhausted, summary.RecomputeLimited, summary.Errors)
		}

		if n, err := o.SweepStuck(ctx, sweepBatch); err != nil {
			log.Printf("[WORKER] ERROR stuck sweep: %v", err)
		} else if n > 0 {
			log.Printf("[WORKER] stuck sweep recovered %d incidents", n)
		}

		now := time.Now()
		if queued, stuck, err := store.CountRetryQueue(ctx, now, now.Add(-cfg.Recovery.StuckAfter)); err == nil {
			m.QueueDepth.Set(float64(queued))
			m.StuckIncidents.Set(float64(stuck))
		}
	}
}
