package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/advisoros/pulse/internal/stream"
	"github.com/advisoros/pulse/pkg/models"
)

// Metric names the reference calculator implements.
const (
	MetricRevenue   = "revenue"
	MetricExpenses  = "expenses"
	MetricNetIncome = "net_income"
	MetricBurnRate  = "burn_rate"
)

// DefaultMetricNames is the metric set computed when a subscriber does not
// name specific metrics.
func DefaultMetricNames() []string {
	return []string{MetricRevenue, MetricExpenses, MetricNetIncome, MetricBurnRate}
}

// LedgerCalculator is the reference stream.Calculator over the in-process
// ledger. Real metric formulas are external business logic; deployments
// plug their own Calculator in.
type LedgerCalculator struct {
	ledger *Ledger
}

func NewLedgerCalculator(ledger *Ledger) *LedgerCalculator {
	return &LedgerCalculator{ledger: ledger}
}

func (c *LedgerCalculator) Calculate(ctx context.Context, scope models.TenantScope, name string) (decimal.Decimal, error) {
	income, expense := c.ledger.Totals(scope)
	switch name {
	case MetricRevenue:
		return income, nil
	case MetricExpenses:
		return expense, nil
	case MetricNetIncome:
		return income.Sub(expense), nil
	case MetricBurnRate:
		return expense.Sub(income), nil
	}
	return decimal.Zero, stream.ErrUnknownMetric
}
