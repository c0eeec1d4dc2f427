package quality

import "math"

// Calculator is the plain arithmetic pipeline behind the comparative
// offer: energy + distribution + BTV (1% of energy) + VAT (20% of the
// matrah). It carries no tariff intelligence of its own; prices come in
// from the market-price store and the tariff table.
type Calculator struct {
	BTVRate float64 // municipal consumption tax, fraction of energy
	VATRate float64
}

func NewCalculator() *Calculator {
	return &Calculator{BTVRate: 0.01, VATRate: 0.20}
}

// CalcInput is the per-invoice pricing input.
type CalcInput struct {
	ConsumptionKWh    float64
	UnitPrice         float64 // TL/kWh energy price
	DistributionPrice float64 // TL/kWh distribution price
	PricingSource     string  // db, not_found, default
	DistSource        string
}

// Compute runs the pipeline and rounds the total to two decimals.
func (c *Calculator) Compute(in CalcInput) Calculation {
	energy := in.ConsumptionKWh * in.UnitPrice
	dist := in.ConsumptionKWh * in.DistributionPrice
	btv := energy * c.BTVRate
	matrah := energy + dist + btv
	vat := matrah * c.VATRate
	total := round2(matrah + vat)

	return Calculation{
		EnergyTotal:            round2(energy),
		DistributionTotal:      round2(dist),
		ComputedTotal:          total,
		MetaPricingSource:      in.PricingSource,
		MetaDistributionSource: in.DistSource,
	}
}

// Compare fills the mismatch meta against the invoice total.
func (c *Calculator) Compare(calc Calculation, invoiceTotal, minConfidence float64, scorer *Scorer) Calculation {
	info := ClassifyMismatch(invoiceTotal, calc.ComputedTotal, minConfidence,
		scorer.mismatch, scorer.lowConfidence)
	calc.MetaTotalMismatch = info != nil
	calc.MismatchInfo = info
	return calc
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
