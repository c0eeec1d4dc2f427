package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/faturaops/backend/internal/config"
)

// Check statuses.
const (
	CheckOK    = "ok"
	CheckWarn  = "warn"
	CheckError = "error"
)

// Check is one readiness probe component.
type Check struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// ReadinessReport is the full probe response.
type ReadinessReport struct {
	Ready      bool    `json:"ready"`
	BuildID    string  `json:"build_id"`
	ConfigHash string  `json:"config_hash"`
	Checks     []Check `json:"checks"`
}

// DBPinger is satisfied by *sql.DB.
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// QueueProbe is satisfied by the retry queue.
type QueueProbe interface {
	Ping(ctx context.Context) error
	Depth(ctx context.Context) (int64, error)
}

// StuckCounter reports retry backlog and stuck recomputes.
type StuckCounter interface {
	CountRetryQueue(ctx context.Context, now time.Time, stuckOlderThan time.Time) (queued int, stuck int, err error)
}

// Readiness aggregates the probe components. Any error-level check flips
// Ready to false; warnings surface but do not fail the probe.
type Readiness struct {
	cfg        *config.Config
	env        *config.Env
	db         DBPinger
	queue      QueueProbe
	stuck      StuckCounter
	stuckAfter time.Duration
	now        func() time.Time
}

func NewReadiness(cfg *config.Config, env *config.Env, db DBPinger, queue QueueProbe, stuck StuckCounter, stuckAfter time.Duration) *Readiness {
	if stuckAfter <= 0 {
		stuckAfter = 10 * time.Minute
	}
	return &Readiness{
		cfg:        cfg,
		env:        env,
		db:         db,
		queue:      queue,
		stuck:      stuck,
		stuckAfter: stuckAfter,
		now:        time.Now,
	}
}

// Evaluate runs every check. Failures never panic the probe; a broken
// component reports as an error check.
func (r *Readiness) Evaluate(ctx context.Context) ReadinessReport {
	report := ReadinessReport{
		Ready:      true,
		BuildID:    r.env.BuildID,
		ConfigHash: r.cfg.Hash(),
	}
	add := func(c Check) {
		if c.Status == CheckError {
			report.Ready = false
		}
		report.Checks = append(report.Checks, c)
	}

	add(r.checkConfig())
	add(r.checkDatabase(ctx))
	add(r.checkCredentials())
	add(r.checkQueue(ctx))
	add(r.checkBacklog(ctx))
	return report
}

func (r *Readiness) checkConfig() Check {
	if err := r.cfg.Validate(); err != nil {
		return Check{Name: "config_invariants", Status: CheckError, Detail: err.Error()}
	}
	return Check{Name: "config_invariants", Status: CheckOK}
}

// checkDatabase pings with latency thresholds: over 500ms is an error,
// over 100ms a warning.
func (r *Readiness) checkDatabase(ctx context.Context) Check {
	c := Check{Name: "database", Status: CheckOK}
	if r.db == nil {
		c.Status = CheckError
		c.Detail = "no database configured"
		return c
	}
	start := r.now()
	err := r.db.PingContext(ctx)
	c.LatencyMS = time.Since(start).Milliseconds()
	switch {
	case err != nil:
		c.Status = CheckError
		c.Detail = err.Error()
	case c.LatencyMS > 500:
		c.Status = CheckError
		c.Detail = "ping exceeded 500ms"
	case c.LatencyMS > 100:
		c.Status = CheckWarn
		c.Detail = "ping exceeded 100ms"
	}
	return c
}

// checkCredentials verifies deployment wiring is present without ever
// echoing secret material.
func (r *Readiness) checkCredentials() Check {
	var missing []string
	if r.env.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if r.env.Environment == config.EnvProduction && r.env.AdminEnabled &&
		r.env.AdminKey == "" && r.env.AdminKeyHash == "" {
		missing = append(missing, "ADMIN_KEY")
	}
	if len(missing) > 0 {
		return Check{Name: "credentials", Status: CheckError, Detail: "missing: " + strings.Join(missing, ", ")}
	}
	return Check{Name: "credentials", Status: CheckOK}
}

func (r *Readiness) checkQueue(ctx context.Context) Check {
	c := Check{Name: "queue", Status: CheckOK}
	if r.queue == nil {
		c.Status = CheckWarn
		c.Detail = "no queue configured"
		return c
	}
	if err := r.queue.Ping(ctx); err != nil {
		c.Status = CheckError
		c.Detail = err.Error()
		return c
	}
	if depth, err := r.queue.Depth(ctx); err == nil && depth > 0 {
		c.Detail = fmt.Sprintf("depth %d", depth)
	}
	return c
}

// checkBacklog surfaces stuck PENDING_RECOMPUTE rows as a warning; the
// sweep owns recovery, the probe only reports.
func (r *Readiness) checkBacklog(ctx context.Context) Check {
	c := Check{Name: "retry_backlog", Status: CheckOK}
	if r.stuck == nil {
		return c
	}
	now := r.now()
	queued, stuck, err := r.stuck.CountRetryQueue(ctx, now, now.Add(-r.stuckAfter))
	if err != nil {
		c.Status = CheckError
		c.Detail = err.Error()
		return c
	}
	if stuck > 0 {
		c.Status = CheckWarn
		c.Detail = fmt.Sprintf("%d stuck recomputes, %d queued", stuck, queued)
	}
	return c
}
