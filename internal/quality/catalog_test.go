package quality

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

var allFlags = []Flag{
	FlagCalcBug, FlagMarketPriceMissing, FlagConsumptionMissing,
	FlagTariffMetaMissing, FlagTariffLookupFailed, FlagDistributionMissing,
	FlagInvoiceTotalMismatch, FlagDistributionMismatch, FlagMissingFields,
	FlagJSONRepairApplied, FlagLowConfidence,
}

func TestCatalogCoversAllFlags(t *testing.T) {
	for _, f := range allFlags {
		e, ok := Catalog[f]
		assert.True(t, ok, string(f))
		assert.Positive(t, e.Deduction, string(f))
		assert.Positive(t, e.Priority, string(f))
	}
	assert.Len(t, Catalog, len(allFlags))
}

func TestPriorityRanksAreUnique(t *testing.T) {
	seen := map[int]Flag{}
	for f, e := range Catalog {
		prev, dup := seen[e.Priority]
		assert.False(t, dup, "priority %d shared by %s and %s", e.Priority, prev, f)
		seen[e.Priority] = f
	}
}

func TestPrimaryFlagOrdering(t *testing.T) {
	assert.Equal(t, FlagCalcBug,
		PrimaryFlag([]Flag{FlagLowConfidence, FlagCalcBug, FlagInvoiceTotalMismatch}))
	assert.Equal(t, FlagMarketPriceMissing,
		PrimaryFlag([]Flag{FlagInvoiceTotalMismatch, FlagMarketPriceMissing}))
	assert.Equal(t, FlagJSONRepairApplied,
		PrimaryFlag([]Flag{FlagLowConfidence, FlagJSONRepairApplied}))
	assert.Equal(t, Flag(""), PrimaryFlag(nil))
}

func TestSeverityOfUnknownFlag(t *testing.T) {
	assert.Equal(t, S4, SeverityOf(Flag("NOT_IN_CATALOG")))
}

func genFlagSlice() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, len(allFlags)-1).Map(func(i int) Flag {
		return allFlags[i]
	}))
}

func TestNormalizeProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("normalize is idempotent", prop.ForAll(
		func(flags []Flag) bool {
			once := NormalizeFlags(flags)
			twice := NormalizeFlags(once)
			if len(once) != len(twice) {
				return false
			}
			for i := range once {
				if once[i] != twice[i] {
					return false
				}
			}
			return true
		},
		genFlagSlice(),
	))

	properties.Property("primary ignores input order", prop.ForAll(
		func(flags []Flag) bool {
			if len(flags) == 0 {
				return PrimaryFlag(flags) == ""
			}
			reversed := make([]Flag, len(flags))
			for i, f := range flags {
				reversed[len(flags)-1-i] = f
			}
			return PrimaryFlag(flags) == PrimaryFlag(reversed)
		},
		genFlagSlice(),
	))

	properties.Property("output is sorted by priority rank", prop.ForAll(
		func(flags []Flag) bool {
			n := NormalizeFlags(flags)
			for i := 1; i < len(n); i++ {
				if priorityOf(n[i-1]) > priorityOf(n[i]) {
					return false
				}
			}
			return true
		},
		genFlagSlice(),
	))

	properties.TestingRun(t)
}
