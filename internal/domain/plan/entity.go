// internal/domain/plan/entity.go
package plan

import (
	"time"
)

type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Plan is a priced subscription tier. Rows are immutable once referenced by a
// live subscription; price changes create a new Plan row that supersedes the
// old one.
type Plan struct {
	ID   int64  `json:"id" db:"id"`
	Code string `json:"code" db:"code"`
	Name string `json:"name" db:"name"`

	// Price is in the currency's minor unit (e.g. cents).
	Price    int64  `json:"price" db:"price"`
	Currency string `json:"currency" db:"currency"`

	Interval      Interval `json:"interval" db:"interval"`
	InstanceQuota int      `json:"instance_quota" db:"instance_quota"`

	Features map[string]interface{} `json:"features,omitempty" db:"features"`

	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PeriodEnd returns the end of a billing period starting at start.
func (p *Plan) PeriodEnd(start time.Time) time.Time {
	if p.Interval == IntervalYear {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
