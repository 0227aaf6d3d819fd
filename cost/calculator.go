package cost

import (
	"github.com/scttfrdmn/budgetguard/guard"
	"github.com/scttfrdmn/budgetguard/pricing"
)

// Calculator computes the actual cost of a completed call from the exact
// token counts the provider reported. Unlike the Estimator it has no
// safety margins: Usage is the billing truth.
type Calculator struct {
	table *pricing.Table
}

// NewCalculator creates a Calculator backed by the given pricing table.
func NewCalculator(table *pricing.Table) *Calculator {
	return &Calculator{table: table}
}

// FromUsage returns the actual USD cost for the reported usage.
func (c *Calculator) FromUsage(model string, usage guard.Usage, tier pricing.Tier) (float64, error) {
	inputPrice, err := c.table.InputPrice(model, tier, false)
	if err != nil {
		return 0, err
	}
	outputPrice, err := c.table.OutputPrice(model, tier)
	if err != nil {
		return 0, err
	}

	return float64(usage.InputTokens)/1000.0*inputPrice +
		float64(usage.OutputTokens)/1000.0*outputPrice, nil
}
