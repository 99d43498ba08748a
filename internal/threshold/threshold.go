// Package threshold classifies metric values against threshold configs.
package threshold

import (
	"github.com/shopspring/decimal"

	"github.com/advisoros/pulse/pkg/models"
)

// Evaluate maps a metric value and threshold to a violation severity.
//
// gt: value > critical is Critical, value > warning is Warning.
// lt: mirrored with <.
// eq: exact match only; matching critical wins over matching warning.
//
// Bound ordering is not validated here; that is a configuration-time
// concern. If a value satisfies both bounds, Critical wins.
func Evaluate(value decimal.Decimal, t models.ThresholdConfig) models.Severity {
	switch t.Operator {
	case models.OperatorGT:
		if value.GreaterThan(t.Critical) {
			return models.SeverityCritical
		}
		if value.GreaterThan(t.Warning) {
			return models.SeverityWarning
		}
	case models.OperatorLT:
		if value.LessThan(t.Critical) {
			return models.SeverityCritical
		}
		if value.LessThan(t.Warning) {
			return models.SeverityWarning
		}
	case models.OperatorEQ:
		if value.Equal(t.Critical) {
			return models.SeverityCritical
		}
		if value.Equal(t.Warning) {
			return models.SeverityWarning
		}
	}
	return models.SeverityNone
}
