package billing

import (
	"errors"
	"fmt"
	"time"

	"subscription-service/internal/models"
)

const day = 24 * time.Hour

var (
	// ErrInvalidPeriod is returned when a billing period has no whole days
	ErrInvalidPeriod = errors.New("billing period must span at least one whole day")
	// ErrNegativePrice is returned for a negative period price
	ErrNegativePrice = errors.New("price per period must not be negative")
)

// Prorate returns the unused share of oldPricePerPeriod at changeInstant, in minor units.
//
// The amount is remainingWholeDays * price / daysInPeriod, where remainingWholeDays is
// floor((periodEnd - changeInstant) / 24h) clamped to [0, daysInPeriod]. The product is
// computed on integers and rounded half up once, at the end.
func Prorate(oldPricePerPeriod int64, periodStart, periodEnd, changeInstant time.Time) (int64, error) {
	if oldPricePerPeriod < 0 {
		return 0, ErrNegativePrice
	}
	days := wholeDays(periodStart, periodEnd)
	if days <= 0 {
		return 0, fmt.Errorf("%w: %s to %s", ErrInvalidPeriod, periodStart.Format(time.RFC3339), periodEnd.Format(time.RFC3339))
	}
	if oldPricePerPeriod == 0 || !changeInstant.Before(periodEnd) {
		return 0, nil
	}

	remaining := wholeDays(changeInstant, periodEnd)
	if remaining > days {
		remaining = days
	}
	if remaining <= 0 {
		return 0, nil
	}

	return (remaining*oldPricePerPeriod*2 + days) / (2 * days), nil
}

func wholeDays(from, to time.Time) int64 {
	if !to.After(from) {
		return 0
	}
	return int64(to.Sub(from) / day)
}

// AddCycles advances t by n billing cycles. Month arithmetic clamps to the last day
// of the target month, so Jan 31 + 1 month is Feb 28 (or 29).
func AddCycles(t time.Time, cycle models.BillingCycle, n int) time.Time {
	months := n
	if cycle == models.BillingCycleYearly {
		months = n * 12
	}
	return addMonths(t, months)
}

func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	targetMonth := time.Month(int(m) + months)
	first := time.Date(y, targetMonth, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// PeriodContaining returns the billing period [start, end) that contains at, for periods
// anchored at anchor. Instants before the anchor map to the first period.
func PeriodContaining(anchor time.Time, cycle models.BillingCycle, at time.Time) (time.Time, time.Time) {
	step := 1
	if cycle == models.BillingCycleYearly {
		step = 12
	}
	if at.Before(anchor) {
		return anchor, addMonths(anchor, step)
	}

	months := (at.Year()-anchor.Year())*12 + int(at.Month()) - int(anchor.Month())
	k := months / step
	for k > 0 && addMonths(anchor, k*step).After(at) {
		k--
	}
	for !addMonths(anchor, (k+1)*step).After(at) {
		k++
	}
	return addMonths(anchor, k*step), addMonths(anchor, (k+1)*step)
}

// CurrentPeriod returns the billing period of an assignment at now. Periods are anchored
// at starts_at while the trial runs and at trial_ends_at after it.
func CurrentPeriod(a *models.PlanAssignment, now time.Time) (time.Time, time.Time) {
	anchor := a.StartsAt
	if a.TrialEndsAt != nil && a.TrialEndsAt.After(anchor) && !now.Before(*a.TrialEndsAt) {
		anchor = *a.TrialEndsAt
	}
	return PeriodContaining(anchor, a.BillingCycle, now)
}

// ProrationWindow returns the span whose unused days are credited when a changes plan at
// now. During a trial the credited days are the rest of the trial, valued at the daily rate
// of the cycle that ends with the trial.
func ProrationWindow(a *models.PlanAssignment, now time.Time) (time.Time, time.Time) {
	if a.OnTrial(now) {
		return AddCycles(*a.TrialEndsAt, a.BillingCycle, -1), *a.TrialEndsAt
	}
	return CurrentPeriod(a, now)
}

// ChangeCredit is the prorated credit owed for leaving a at now, given its per-cycle price
func ChangeCredit(a *models.PlanAssignment, pricePerCycle int64, now time.Time) (int64, error) {
	start, end := ProrationWindow(a, now)
	return Prorate(pricePerCycle, start, end, now)
}
