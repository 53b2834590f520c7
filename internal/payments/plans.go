package payments

import (
	"strconv"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/apperr"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/models"
)

// Plan is a billable plan: its price and the length of one billing period.
type Plan struct {
	Name        string
	AmountCents int64
	Currency    string
	Months      int
}

// Catalog resolves plan names to prices.
type Catalog struct {
	plans map[string]Plan
}

func NewCatalog(currency string, monthlyCents, annualCents int64) *Catalog {
	return &Catalog{plans: map[string]Plan{
		models.PlanMonthly: {Name: models.PlanMonthly, AmountCents: monthlyCents, Currency: currency, Months: 1},
		models.PlanAnnual:  {Name: models.PlanAnnual, AmountCents: annualCents, Currency: currency, Months: 12},
	}}
}

// Lookup returns the plan or a ValidationError for an unknown name.
func (c *Catalog) Lookup(name string) (Plan, error) {
	plan, ok := c.plans[name]
	if !ok {
		return Plan{}, apperr.Validation("plan", "unknown plan "+strconv.Quote(name))
	}
	return plan, nil
}

// NextPeriodEnd advances end by one billing interval, keeping end's day of
// month. The day is clamped so Jan 31 + 1 month lands on Feb 28.
func (p Plan) NextPeriodEnd(end time.Time) time.Time {
	return p.NextPeriodEndAnchored(end, end.Day())
}

// NextPeriodEndAnchored advances end by one billing interval onto anchorDay,
// clamped to the length of the target month. A monthly subscription anchored
// on the 31st goes Jan 31, Feb 28, Mar 31. anchorDay <= 0 means end's day.
func (p Plan) NextPeriodEndAnchored(end time.Time, anchorDay int) time.Time {
	if anchorDay <= 0 {
		anchorDay = end.Day()
	}
	return addMonthsClamped(end, p.Months, anchorDay)
}

func addMonthsClamped(t time.Time, months, day int) time.Time {
	year, month, _ := t.Date()
	first := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return first.AddDate(0, 0, day-1)
}
