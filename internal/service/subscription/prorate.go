// internal/service/subscription/prorate.go
package subscription

import (
	"time"

	"github.com/shopspring/decimal"
)

// Prorate returns the price difference owed for the remainder of the current
// period when switching plans, in minor units. Positive means the tenant owes
// money now (upgrade); negative is a credit for the next renewal (downgrade).
// Rounding is banker's rounding so repeated plan flips do not drift.
func Prorate(oldPrice, newPrice int64, periodStart, periodEnd, now time.Time) int64 {
	total := periodEnd.Sub(periodStart)
	if total <= 0 {
		return 0
	}

	remaining := periodEnd.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > total {
		remaining = total
	}

	fraction := decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(total)))
	delta := decimal.NewFromInt(newPrice - oldPrice).Mul(fraction)
	return delta.RoundBank(0).IntPart()
}
