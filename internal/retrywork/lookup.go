package retrywork

import (
	"context"
	"errors"

	"github.com/faturaops/backend/internal/circuitbreaker"
	"github.com/faturaops/backend/internal/config"
	"github.com/faturaops/backend/internal/faults"
	"github.com/faturaops/backend/internal/guard"
	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/marketprice"
	"github.com/faturaops/backend/internal/metrics"
	"github.com/faturaops/backend/internal/quality"
)

// PriceLookup builds the production LookupFunc: it re-runs the reference
// lookup that originally flagged the invoice, under the guard stack of
// the dependency that owns it. A successful lookup means the missing
// data has landed and recompute can re-derive the flag set.
func PriceLookup(prices *marketprice.Service, breakers *circuitbreaker.Registry, cfg *config.Config, m *metrics.Metrics) LookupFunc {
	epias := guard.NewWrapper("epias_api", false, breakers, cfg.Dependencies, m)
	tariff := guard.NewWrapper("tariff_api", false, breakers, cfg.Dependencies, m)

	return func(ctx context.Context, inc *incident.Incident) error {
		period := periodOf(inc)
		switch inc.PrimaryFlag {
		case quality.FlagMarketPriceMissing:
			return lookupPeriod(ctx, epias, prices, period)
		case quality.FlagTariffLookupFailed, quality.FlagDistributionMissing:
			// The distribution tariff lives in the same reference store
			// today; a dedicated tariff client slots in here.
			return lookupPeriod(ctx, tariff, prices, period)
		default:
			return &faults.ValidationError{
				Code:    "NOT_RETRYABLE",
				Message: "incident primary flag has no retry lookup",
			}
		}
	}
}

// lookupPeriod runs one reference lookup under the wrapper. A business
// miss (period still absent) fails the attempt without counting against
// the breaker; only provider faults do that.
func lookupPeriod(ctx context.Context, w *guard.Wrapper, prices *marketprice.Service, period string) error {
	return w.Do(ctx, func(ctx context.Context) error {
		_, err := prices.GetForCalculation(ctx, period)
		var rule *marketprice.RuleError
		if errors.As(err, &rule) {
			return &faults.ValidationError{Code: rule.Code, Message: rule.Message}
		}
		return err
	})
}

// periodOf extracts the billing period from the routed payload; a blank
// period fails the lookup as a validation error, not a provider fault.
func periodOf(inc *incident.Incident) string {
	rc, err := PayloadContextProvider(inc)
	if err != nil {
		return ""
	}
	return rc.Input.Extraction.Period
}
