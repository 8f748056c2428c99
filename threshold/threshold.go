// Package threshold decides whether a balance total qualifies.
package threshold

import (
	"strings"

	"auditor-zk/shared"

	"github.com/shopspring/decimal"
)

// Qualifies reports whether total is strictly greater than threshold.
func Qualifies(total, threshold decimal.Decimal) bool {
	return total.GreaterThan(threshold)
}

// ParseThreshold parses a non-negative decimal threshold.
func ParseThreshold(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, shared.NewConfigurationError("threshold", "not a decimal number")
	}
	if d.IsNegative() {
		return decimal.Zero, shared.NewConfigurationError("threshold", "must not be negative")
	}
	return d, nil
}

// Decision is the outcome surfaced to the caller. The total stays with the
// prover and is never part of what gets revealed.
type Decision struct {
	Total     decimal.Decimal `json:"-"`
	Threshold decimal.Decimal `json:"threshold"`
	Qualifies bool            `json:"qualifies"`
}

// Decide evaluates total against threshold.
func Decide(total, threshold decimal.Decimal) Decision {
	return Decision{Total: total, Threshold: threshold, Qualifies: Qualifies(total, threshold)}
}
