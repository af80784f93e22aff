package services

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"subscription-service/internal/billing"
	"subscription-service/internal/clock"
	"subscription-service/internal/config"
	"subscription-service/internal/models"
	"subscription-service/internal/repository"
)

// Health score weights
const (
	churnWeight          = 2.0
	churnDeductionCap    = 30.0
	failureWeight        = 2.0
	failureDeductionCap  = 20.0
	expiringWeight       = 1.0
	expiringDeductionCap = 10.0
	conversionBonusRate  = 0.2
)

const (
	defaultChurnTrendDays     = 90
	defaultRenewalHorizonDays = 30
	unspecifiedReason         = "unspecified"
)

// MetricsService derives business metrics from stored assignments. It never writes.
type MetricsService struct {
	store  *repository.Store
	clock  clock.Clock
	cfg    config.AlertConfig
	logger *logrus.Logger
}

// NewMetricsService creates a new metrics service
func NewMetricsService(store *repository.Store, clk clock.Clock, cfg config.AlertConfig, logger *logrus.Logger) *MetricsService {
	return &MetricsService{store: store, clock: clk, cfg: cfg, logger: logger}
}

// TrendPoint is the MRR as of the end of one UTC day
type TrendPoint struct {
	Date string `json:"date"`
	MRR  int64  `json:"mrr"`
}

// DailyCount is the number of events on one UTC day
type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// Renewal is an active assignment whose current period ends within the horizon
type Renewal struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	PlanCode     string    `json:"plan_code"`
	RenewsAt     time.Time `json:"renews_at"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
}

// Snapshot is a point-in-time view of subscription health. Counts and rates cover
// WindowDays; the trend series cover the configured trend window.
type Snapshot struct {
	GeneratedAt         time.Time              `json:"generated_at"`
	WindowDays          int                    `json:"window_days"`
	ActiveCount         int64                  `json:"active_count"`
	TrialCount          int64                  `json:"trial_count"`
	PastDueCount        int64                  `json:"past_due_count"`
	CanceledCount       int64                  `json:"canceled_count"`
	PayingCount         int64                  `json:"paying_count"`
	MRR                 int64                  `json:"mrr"`
	ARR                 int64                  `json:"arr"`
	ARPU                int64                  `json:"arpu"`
	NewSubscriptions    int64                  `json:"new_subscriptions"`
	Cancellations       int64                  `json:"cancellations"`
	ChurnRate           float64                `json:"churn_rate"`
	TrialsEnded         int64                  `json:"trials_ended"`
	TrialConversionRate float64                `json:"trial_conversion_rate"`
	PaymentFailures     int64                  `json:"payment_failures"`
	ExpiringCards       int64                  `json:"expiring_cards"`
	TrialsEndingSoon    int64                  `json:"trials_ending_soon"`
	MRRChangePercent    float64                `json:"mrr_change_percent"`
	HealthScore         int                    `json:"health_score"`
	MRRTrend            []TrendPoint           `json:"mrr_trend,omitempty"`
	PlanDistribution    []repository.PlanCount `json:"plan_distribution"`
	CancellationReasons map[string]int64       `json:"cancellation_reasons"`
	ChurnTrend          []DailyCount           `json:"churn_trend"`
	SubscriptionGrowth  []DailyCount           `json:"subscription_growth"`
	UpcomingRenewals    []Renewal              `json:"upcoming_renewals"`
}

// ActiveCount counts assignments in status active
func (m *MetricsService) ActiveCount(ctx context.Context) (int64, error) {
	return m.store.Assignments.CountByStatus(ctx, models.StatusActive)
}

// TrialCount counts trialing assignments whose trial is still open
func (m *MetricsService) TrialCount(ctx context.Context) (int64, error) {
	return m.store.Assignments.CountTrialing(ctx, m.clock.Now())
}

// MRR sums the monthly price of active assignments outside their trial
func (m *MetricsService) MRR(ctx context.Context) (int64, error) {
	list, err := m.store.Assignments.ListRevenueActive(ctx, m.clock.Now())
	if err != nil {
		return 0, err
	}
	return monthlyTotal(list), nil
}

func monthlyTotal(list []models.PlanAssignment) int64 {
	var total int64
	for i := range list {
		if list[i].Plan != nil {
			total += list[i].Plan.MonthlyAmount()
		}
	}
	return total
}

// ARPU is the MRR per paying assignment, rounded half up to a minor unit
func ARPU(mrr, paying int64) int64 {
	if paying <= 0 {
		return 0
	}
	return (mrr + paying/2) / paying
}

// ChurnRate is the percentage of assignments paying at the window start that ended
// within the window. Plan changes are not churn. The result is within [0, 100].
func (m *MetricsService) ChurnRate(ctx context.Context, days int) (float64, error) {
	now := m.clock.Now()
	from := now.AddDate(0, 0, -days)

	churned, err := m.store.Assignments.CountChurned(ctx, from, now)
	if err != nil {
		return 0, err
	}
	base, err := m.store.Assignments.CountPayingAt(ctx, from)
	if err != nil {
		return 0, err
	}
	return percent(churned, base), nil
}

// TrialConversionRate is the percentage of trials ending within the window that went on to pay
func (m *MetricsService) TrialConversionRate(ctx context.Context, days int) (float64, error) {
	now := m.clock.Now()
	ended, converted, err := m.trialOutcomes(ctx, now.AddDate(0, 0, -days), now)
	if err != nil {
		return 0, err
	}
	return percent(converted, ended), nil
}

func (m *MetricsService) trialOutcomes(ctx context.Context, from, to time.Time) (ended, converted int64, err error) {
	if ended, err = m.store.Assignments.CountTrialsEnded(ctx, from, to); err != nil {
		return 0, 0, err
	}
	if converted, err = m.store.Assignments.CountTrialsConverted(ctx, from, to); err != nil {
		return 0, 0, err
	}
	return ended, converted, nil
}

// MRRTrend returns one point per day for the last days days, ending today
func (m *MetricsService) MRRTrend(ctx context.Context, days int) ([]TrendPoint, error) {
	return m.MRRTrendAt(ctx, days, m.clock.Now())
}

// MRRTrendAt rebuilds daily MRR from stored dates alone, so the same stored state and
// asOf always give the same series. Each day is evaluated at its last instant.
func (m *MetricsService) MRRTrendAt(ctx context.Context, days int, asOf time.Time) ([]TrendPoint, error) {
	if days < 1 {
		return nil, NewValidationError("days", "must be at least 1")
	}
	today := utcDay(asOf)
	first := today.AddDate(0, 0, -(days - 1))

	list, err := m.store.Assignments.ListOverlapping(ctx, first, today.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	points := make([]TrendPoint, 0, days)
	for i := 0; i < days; i++ {
		dayStart := first.AddDate(0, 0, i)
		instant := dayStart.Add(24*time.Hour - time.Nanosecond)
		var total int64
		for j := range list {
			if revenueAt(&list[j], instant) {
				total += list[j].Plan.MonthlyAmount()
			}
		}
		points = append(points, TrendPoint{Date: dayStart.Format("2006-01-02"), MRR: total})
	}
	return points, nil
}

// revenueAt reports whether a contributes to MRR at the instant t
func revenueAt(a *models.PlanAssignment, t time.Time) bool {
	if a.Plan == nil || a.Status == models.StatusPending {
		return false
	}
	if a.StartsAt.After(t) {
		return false
	}
	if a.EndsAt != nil && !a.EndsAt.After(t) {
		return false
	}
	return !a.OnTrial(t)
}

// PlanDistribution counts current assignments per plan, busiest first
func (m *MetricsService) PlanDistribution(ctx context.Context) ([]repository.PlanCount, error) {
	return m.store.Assignments.CountCurrentByPlan(ctx)
}

// CancellationReasons counts churned assignments of the last days days by reason.
// Terms ended without a recorded reason count as "unspecified".
func (m *MetricsService) CancellationReasons(ctx context.Context, days int) (map[string]int64, error) {
	now := m.clock.Now()
	churned, err := m.churnedBetween(ctx, now.AddDate(0, 0, -days), now)
	if err != nil {
		return nil, err
	}
	reasons := make(map[string]int64)
	for i := range churned {
		reason := unspecifiedReason
		if r := churned[i].CancellationReason; r != nil && *r != "" {
			reason = *r
		}
		reasons[reason]++
	}
	return reasons, nil
}

// ChurnTrend counts churned assignments per UTC day for the last days days, ending today
func (m *MetricsService) ChurnTrend(ctx context.Context, days int) ([]DailyCount, error) {
	if days < 1 {
		return nil, NewValidationError("days", "must be at least 1")
	}
	now := m.clock.Now()
	first := utcDay(now).AddDate(0, 0, -(days - 1))
	churned, err := m.churnedBetween(ctx, first.Add(-time.Second), now)
	if err != nil {
		return nil, err
	}
	at := make([]time.Time, 0, len(churned))
	for i := range churned {
		at = append(at, *churned[i].EndsAt)
	}
	return dailyCounts(at, first, days), nil
}

// SubscriptionGrowth counts new subscriptions per UTC day for the last days days, ending today
func (m *MetricsService) SubscriptionGrowth(ctx context.Context, days int) ([]DailyCount, error) {
	if days < 1 {
		return nil, NewValidationError("days", "must be at least 1")
	}
	now := m.clock.Now()
	first := utcDay(now).AddDate(0, 0, -(days - 1))
	started, err := m.newSubscriptions(ctx, first.Add(-time.Second), now)
	if err != nil {
		return nil, err
	}
	at := make([]time.Time, 0, len(started))
	for i := range started {
		at = append(at, started[i].StartsAt)
	}
	return dailyCounts(at, first, days), nil
}

// UpcomingRenewals lists active assignments renewing within the next days days, soonest first
func (m *MetricsService) UpcomingRenewals(ctx context.Context, days int) ([]Renewal, error) {
	now := m.clock.Now()
	paying, err := m.store.Assignments.ListRevenueActive(ctx, now)
	if err != nil {
		return nil, err
	}
	return upcomingRenewals(paying, now, now.AddDate(0, 0, days)), nil
}

func upcomingRenewals(paying []models.PlanAssignment, now, until time.Time) []Renewal {
	renewals := make([]Renewal, 0)
	for i := range paying {
		a := &paying[i]
		if a.Plan == nil {
			continue
		}
		_, end := billing.CurrentPeriod(a, now)
		if end.After(until) {
			continue
		}
		renewals = append(renewals, Renewal{
			AssignmentID: a.ID,
			TenantID:     a.TenantID,
			PlanCode:     a.Plan.Code,
			RenewsAt:     end,
			Amount:       a.Plan.CyclePrice(a.BillingCycle),
			Currency:     a.Plan.Currency,
		})
	}
	sort.Slice(renewals, func(i, j int) bool {
		if !renewals[i].RenewsAt.Equal(renewals[j].RenewsAt) {
			return renewals[i].RenewsAt.Before(renewals[j].RenewsAt)
		}
		return renewals[i].AssignmentID.String() < renewals[j].AssignmentID.String()
	})
	return renewals
}

// churnedBetween returns terms that ended in (from, to] other than by a plan change
func (m *MetricsService) churnedBetween(ctx context.Context, from, to time.Time) ([]models.PlanAssignment, error) {
	ended, err := m.store.Assignments.ListEndedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	churned := ended[:0]
	for i := range ended {
		if !endedByPlanChange(&ended[i]) {
			churned = append(churned, ended[i])
		}
	}
	return churned, nil
}

// planChange identifies the instant a tenant moved from one term to the next
type planChange struct {
	tenantID uuid.UUID
	at       int64
}

// newSubscriptions returns terms that started in (from, to], leaving out the
// replacement terms a plan change opens at the instant it ends the old one
func (m *MetricsService) newSubscriptions(ctx context.Context, from, to time.Time) ([]models.PlanAssignment, error) {
	started, err := m.store.Assignments.ListStartedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	ended, err := m.store.Assignments.ListEndedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	changes := make(map[planChange]struct{})
	for i := range ended {
		if endedByPlanChange(&ended[i]) {
			changes[planChange{ended[i].TenantID, ended[i].EndsAt.UnixMicro()}] = struct{}{}
		}
	}
	fresh := started[:0]
	for i := range started {
		if _, ok := changes[planChange{started[i].TenantID, started[i].StartsAt.UnixMicro()}]; !ok {
			fresh = append(fresh, started[i])
		}
	}
	return fresh, nil
}

func endedByPlanChange(a *models.PlanAssignment) bool {
	return a.CancellationReason != nil && *a.CancellationReason == models.ReasonChangedPlan
}

// dailyCounts buckets instants into days consecutive UTC days starting at first.
// Instants outside the range are ignored.
func dailyCounts(at []time.Time, first time.Time, days int) []DailyCount {
	points := make([]DailyCount, days)
	for i := range points {
		points[i].Date = first.AddDate(0, 0, i).Format("2006-01-02")
	}
	for _, t := range at {
		t = t.UTC()
		if t.Before(first) {
			continue
		}
		if i := int(t.Sub(first) / (24 * time.Hour)); i < days {
			points[i].Count++
		}
	}
	return points
}

func utcDay(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func (m *MetricsService) trendDays() int {
	if m.cfg.ChurnTrendDays > 0 {
		return m.cfg.ChurnTrendDays
	}
	return defaultChurnTrendDays
}

func (m *MetricsService) renewalHorizonDays() int {
	if m.cfg.RenewalHorizonDays > 0 {
		return m.cfg.RenewalHorizonDays
	}
	return defaultRenewalHorizonDays
}

// HealthScore computes the composite score over the configured lookback window
func (m *MetricsService) HealthScore(ctx context.Context) (int, error) {
	snap, err := m.Snapshot(ctx, m.cfg.LookbackDays)
	if err != nil {
		return 0, err
	}
	return snap.HealthScore, nil
}

// ComputeHealthScore is 100 minus capped deductions for churn, payment failures and
// expiring cards, plus a bonus for trial conversion, clamped to [0, 100].
func ComputeHealthScore(churnRate float64, paymentFailures, expiringCards int64, trialConversion float64) int {
	score := 100.0
	score -= math.Min(churnDeductionCap, churnRate*churnWeight)
	score -= math.Min(failureDeductionCap, float64(paymentFailures)*failureWeight)
	score -= math.Min(expiringDeductionCap, float64(expiringCards)*expiringWeight)
	score += trialConversion * conversionBonusRate

	rounded := int(math.Round(score))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

// Snapshot collects every metric the alert rules and reports need
func (m *MetricsService) Snapshot(ctx context.Context, days int) (snap *Snapshot, err error) {
	ctx, span := tracer.Start(ctx, "MetricsSnapshot")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("window_days", days))

	if days < 1 {
		return nil, NewValidationError("days", "must be at least 1")
	}
	now := m.clock.Now()
	snap = &Snapshot{GeneratedAt: now, WindowDays: days}

	if snap.ActiveCount, err = m.ActiveCount(ctx); err != nil {
		return nil, err
	}
	if snap.TrialCount, err = m.TrialCount(ctx); err != nil {
		return nil, err
	}
	if snap.PastDueCount, err = m.store.Assignments.CountByStatus(ctx, models.StatusPastDue); err != nil {
		return nil, err
	}
	if snap.CanceledCount, err = m.store.Assignments.CountByStatus(ctx, models.StatusCanceled); err != nil {
		return nil, err
	}
	paying, err := m.store.Assignments.ListRevenueActive(ctx, now)
	if err != nil {
		return nil, err
	}
	snap.PayingCount = int64(len(paying))
	snap.MRR = monthlyTotal(paying)
	snap.ARR = snap.MRR * 12
	snap.ARPU = ARPU(snap.MRR, snap.PayingCount)
	snap.UpcomingRenewals = upcomingRenewals(paying, now, now.AddDate(0, 0, m.renewalHorizonDays()))

	from := now.AddDate(0, 0, -days)
	if snap.Cancellations, err = m.store.Assignments.CountChurned(ctx, from, now); err != nil {
		return nil, err
	}
	if snap.ChurnRate, err = m.ChurnRate(ctx, days); err != nil {
		return nil, err
	}
	fresh, err := m.newSubscriptions(ctx, from, now)
	if err != nil {
		return nil, err
	}
	snap.NewSubscriptions = int64(len(fresh))

	ended, converted, err := m.trialOutcomes(ctx, from, now)
	if err != nil {
		return nil, err
	}
	snap.TrialsEnded = ended
	snap.TrialConversionRate = percent(converted, ended)

	if snap.PaymentFailures, err = m.store.PaymentEvents.CountFailedBetween(ctx, from, now); err != nil {
		return nil, err
	}
	if snap.ExpiringCards, err = m.store.PaymentMethods.CountExpiringBetween(ctx, now, now.AddDate(0, 0, m.cfg.ExpiringCardHorizonDays)); err != nil {
		return nil, err
	}
	ending, err := m.store.Assignments.ListTrialsEndingBetween(ctx, now, now.AddDate(0, 0, m.cfg.TrialEndingSoonDays))
	if err != nil {
		return nil, err
	}
	snap.TrialsEndingSoon = int64(len(ending))

	if snap.MRRTrend, err = m.MRRTrendAt(ctx, days, now); err != nil {
		return nil, err
	}
	snap.MRRChangePercent = trendChange(snap.MRRTrend)

	trendDays := m.trendDays()
	if snap.PlanDistribution, err = m.PlanDistribution(ctx); err != nil {
		return nil, err
	}
	if snap.CancellationReasons, err = m.CancellationReasons(ctx, trendDays); err != nil {
		return nil, err
	}
	if snap.ChurnTrend, err = m.ChurnTrend(ctx, trendDays); err != nil {
		return nil, err
	}
	if snap.SubscriptionGrowth, err = m.SubscriptionGrowth(ctx, trendDays); err != nil {
		return nil, err
	}
	snap.HealthScore = ComputeHealthScore(snap.ChurnRate, snap.PaymentFailures, snap.ExpiringCards, snap.TrialConversionRate)

	m.logger.WithFields(logrus.Fields{
		"mrr":          snap.MRR,
		"arpu":         snap.ARPU,
		"churn_rate":   snap.ChurnRate,
		"conversion":   snap.TrialConversionRate,
		"health_score": snap.HealthScore,
	}).Debug("Computed metrics snapshot")
	return snap, nil
}

// StatusCounts returns the snapshot's per-status counts keyed by status name
func (s *Snapshot) StatusCounts() map[string]int64 {
	return map[string]int64{
		string(models.StatusActive):   s.ActiveCount,
		string(models.StatusTrialing): s.TrialCount,
		string(models.StatusPastDue):  s.PastDueCount,
		string(models.StatusCanceled): s.CanceledCount,
	}
}

// percent returns part/whole*100 within [0, 100], and 0 for an empty whole
func percent(part, whole int64) float64 {
	if whole <= 0 || part <= 0 {
		return 0
	}
	p := float64(part) / float64(whole) * 100
	if p > 100 {
		return 100
	}
	return math.Round(p*100) / 100
}

// trendChange is the percentage change between the first and last point
func trendChange(points []TrendPoint) float64 {
	if len(points) < 2 || points[0].MRR == 0 {
		return 0
	}
	first, last := points[0].MRR, points[len(points)-1].MRR
	change := float64(last-first) / float64(first) * 100
	return math.Round(change*100) / 100
}
