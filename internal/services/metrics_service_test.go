package services_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-service/internal/models"
	"subscription-service/internal/repository"
	"subscription-service/internal/services"
	"subscription-service/internal/testutil"
)

func seedAssignment(t *testing.T, env *testEnv, code string, plan *models.Plan, a models.PlanAssignment) *models.PlanAssignment {
	t.Helper()
	tenant := testutil.CreateTenant(t, env.db, code)
	return testutil.CreateAssignment(t, env.db, tenant, plan, &a)
}

// 100 paying assignments, 5 of them canceled inside a 30-day window
func TestChurnRate_FivePercent(t *testing.T) {
	env := newTestEnv(t)
	plan := testutil.CreatePlan(t, env.db, "starter", 2900, 0)
	reason := models.ReasonUserCancelled

	for i := 0; i < 100; i++ {
		a := models.PlanAssignment{Status: models.StatusActive, StartsAt: day0.AddDate(0, 0, -60)}
		if i < 5 {
			a.Status = models.StatusCanceled
			a.EndsAt = testutil.TimePtr(day0.AddDate(0, 0, -10))
			a.CancellationReason = &reason
		}
		seedAssignment(t, env, fmt.Sprintf("tenant-%03d", i), plan, a)
	}

	rate, err := env.metrics.ChurnRate(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 5.0, rate)
}

func TestChurnRate_PlanChangesAreNotChurn(t *testing.T) {
	env := newTestEnv(t)
	plan := testutil.CreatePlan(t, env.db, "starter", 2900, 0)
	changed := models.ReasonChangedPlan
	canceled := models.ReasonUserCancelled

	seedAssignment(t, env, "a", plan, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0.AddDate(0, -2, 0)})
	seedAssignment(t, env, "b", plan, models.PlanAssignment{
		Status: models.StatusCanceled, StartsAt: day0.AddDate(0, -2, 0),
		EndsAt: testutil.TimePtr(day0.AddDate(0, 0, -3)), CancellationReason: &changed,
	})
	seedAssignment(t, env, "c", plan, models.PlanAssignment{
		Status: models.StatusExpired, StartsAt: day0.AddDate(0, -2, 0),
		EndsAt: testutil.TimePtr(day0.AddDate(0, 0, -3)), CancellationReason: &canceled,
	})
	seedAssignment(t, env, "d", plan, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0.AddDate(0, -2, 0)})

	rate, err := env.metrics.ChurnRate(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 25.0, rate)
}

func TestChurnRate_Bounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rate, err := env.metrics.ChurnRate(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, rate, "empty denominator")

	plan := testutil.CreatePlan(t, env.db, "starter", 2900, 0)
	reason := models.ReasonUserCancelled
	seedAssignment(t, env, "old", plan, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0.AddDate(0, -3, 0)})
	// started and churned inside the window, so never part of the denominator
	for i := 0; i < 3; i++ {
		seedAssignment(t, env, fmt.Sprintf("new-%d", i), plan, models.PlanAssignment{
			Status: models.StatusCanceled, StartsAt: day0.AddDate(0, 0, -20),
			EndsAt: testutil.TimePtr(day0.AddDate(0, 0, -2)), CancellationReason: &reason,
		})
	}

	rate, err = env.metrics.ChurnRate(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rate)
}

func TestTrialConversionRate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := testutil.CreatePlan(t, env.db, "starter", 2900, 14)
	trialEnd := day0.AddDate(0, 0, -5)
	start := trialEnd.AddDate(0, 0, -14)

	seedAssignment(t, env, "paid", plan, models.PlanAssignment{Status: models.StatusActive, StartsAt: start, TrialEndsAt: &trialEnd})
	seedAssignment(t, env, "late", plan, models.PlanAssignment{Status: models.StatusPastDue, StartsAt: start, TrialEndsAt: &trialEnd})
	seedAssignment(t, env, "left", plan, models.PlanAssignment{Status: models.StatusCanceled, StartsAt: start, TrialEndsAt: &trialEnd, EndsAt: &trialEnd})
	seedAssignment(t, env, "gone", plan, models.PlanAssignment{Status: models.StatusExpired, StartsAt: start, TrialEndsAt: &trialEnd, EndsAt: testutil.TimePtr(trialEnd.AddDate(0, 0, -2))})
	outside := day0.AddDate(0, 0, -45)
	seedAssignment(t, env, "older", plan, models.PlanAssignment{Status: models.StatusActive, StartsAt: outside.AddDate(0, 0, -14), TrialEndsAt: &outside})

	rate, err := env.metrics.TrialConversionRate(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 50.0, rate)

	rate, err = env.metrics.TrialConversionRate(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, rate, "no trials ended in the last day")
}

func TestMRR_ExcludesTrialsAndNormalizesYearly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	monthly := testutil.CreatePlan(t, env.db, "starter", 2900, 14)
	yearly := &models.Plan{Code: "annual", Name: "annual", Price: 120000, Interval: models.BillingCycleYearly, IsActive: true}
	require.NoError(t, repository.NewPlanRepository(env.db).Create(ctx, yearly))

	seedAssignment(t, env, "a", monthly, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0.AddDate(0, -1, 0)})
	seedAssignment(t, env, "b", yearly, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0.AddDate(0, -1, 0), BillingCycle: models.BillingCycleYearly})
	seedAssignment(t, env, "c", monthly, models.PlanAssignment{Status: models.StatusTrialing, StartsAt: day0, TrialEndsAt: testutil.TimePtr(day0.AddDate(0, 0, 14))})
	seedAssignment(t, env, "d", monthly, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0, TrialEndsAt: testutil.TimePtr(day0.AddDate(0, 0, 3))})
	seedAssignment(t, env, "e", monthly, models.PlanAssignment{Status: models.StatusPastDue, StartsAt: day0.AddDate(0, -2, 0)})

	mrr, err := env.metrics.MRR(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2900+10000), mrr)

	active, err := env.metrics.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), active)

	trials, err := env.metrics.TrialCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), trials)
}

func TestMRRTrend_IsReproducible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	basic := testutil.CreatePlan(t, env.db, "basic", 2900, 0)
	pro := testutil.CreatePlan(t, env.db, "pro", 7900, 0)
	small := testutil.CreatePlan(t, env.db, "small", 1000, 0)
	tiny := testutil.CreatePlan(t, env.db, "tiny", 500, 7)
	reason := models.ReasonUserCancelled

	seedAssignment(t, env, "a", basic, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0.AddDate(0, 0, -10)})
	seedAssignment(t, env, "b", pro, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0.AddDate(0, 0, -3)})
	seedAssignment(t, env, "c", small, models.PlanAssignment{
		Status: models.StatusCanceled, StartsAt: day0.AddDate(0, 0, -20),
		EndsAt: testutil.TimePtr(day0.AddDate(0, 0, -5)), CancellationReason: &reason,
	})
	seedAssignment(t, env, "d", tiny, models.PlanAssignment{
		Status: models.StatusActive, StartsAt: day0.AddDate(0, 0, -9),
		TrialEndsAt: testutil.TimePtr(day0.AddDate(0, 0, -2)),
	})

	trend, err := env.metrics.MRRTrend(ctx, 7)
	require.NoError(t, err)

	want := []services.TrendPoint{
		{Date: "2026-04-25", MRR: 3900},
		{Date: "2026-04-26", MRR: 2900},
		{Date: "2026-04-27", MRR: 2900},
		{Date: "2026-04-28", MRR: 10800},
		{Date: "2026-04-29", MRR: 11300},
		{Date: "2026-04-30", MRR: 11300},
		{Date: "2026-05-01", MRR: 11300},
	}
	assert.Equal(t, want, trend)

	env.clock.Advance(5 * 24 * time.Hour)
	again, err := env.metrics.MRRTrendAt(ctx, 7, day0)
	require.NoError(t, err)
	assert.Equal(t, trend, again)

	_, err = env.metrics.MRRTrend(ctx, 0)
	_, ok := services.IsValidationError(err)
	assert.True(t, ok)
}

func nonZeroDays(points []services.DailyCount) map[string]int64 {
	days := make(map[string]int64)
	for _, p := range points {
		if p.Count > 0 {
			days[p.Date] = p.Count
		}
	}
	return days
}

func TestSnapshot_ReportBreakdowns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	starter := testutil.CreatePlan(t, env.db, "starter", 2900, 0)
	pro := testutil.CreatePlan(t, env.db, "pro", 7900, 0)
	testutil.CreatePlan(t, env.db, "legacy", 1000, 0)
	userCancel := models.ReasonUserCancelled
	changed := models.ReasonChangedPlan

	a := seedAssignment(t, env, "a", starter, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0.AddDate(0, -2, 5)})
	b := seedAssignment(t, env, "b", pro, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0.AddDate(0, 0, -10)})
	seedAssignment(t, env, "c", pro, models.PlanAssignment{
		Status: models.StatusActive, StartsAt: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), BillingCycle: models.BillingCycleYearly,
	})
	seedAssignment(t, env, "d", starter, models.PlanAssignment{
		Status: models.StatusTrialing, StartsAt: day0.AddDate(0, 0, -7), TrialEndsAt: testutil.TimePtr(day0.AddDate(0, 0, 7)),
	})
	seedAssignment(t, env, "e", starter, models.PlanAssignment{
		Status: models.StatusCanceled, StartsAt: day0.AddDate(0, -2, 0),
		EndsAt: testutil.TimePtr(day0.AddDate(0, 0, -3)), CancellationReason: &userCancel,
	})
	seedAssignment(t, env, "f", starter, models.PlanAssignment{
		Status: models.StatusExpired, StartsAt: day0.AddDate(0, -4, 0), EndsAt: testutil.TimePtr(day0.AddDate(0, 0, -40)),
	})
	// g moved from starter to pro: neither churn nor a new subscription
	switchedAt := day0.AddDate(0, 0, -5)
	g := testutil.CreateTenant(t, env.db, "g")
	testutil.CreateAssignment(t, env.db, g, starter, &models.PlanAssignment{
		Status: models.StatusCanceled, StartsAt: day0.AddDate(0, -4, 0), EndsAt: &switchedAt, CancellationReason: &changed,
	})
	g2 := testutil.CreateAssignment(t, env.db, g, pro, &models.PlanAssignment{Status: models.StatusActive, StartsAt: switchedAt})
	h := seedAssignment(t, env, "h", starter, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0.AddDate(0, 0, -1)})

	snap, err := env.metrics.Snapshot(ctx, 30)
	require.NoError(t, err)

	assert.Equal(t, int64(5), snap.PayingCount)
	assert.Equal(t, int64(2*2900+3*7900), snap.MRR)
	assert.Equal(t, snap.MRR*12, snap.ARR)
	assert.Equal(t, int64(5900), snap.ARPU)
	assert.Equal(t, int64(1), snap.Cancellations)
	assert.Equal(t, int64(3), snap.NewSubscriptions, "b, d and h; g's second term is a plan change")
	assert.Zero(t, snap.TrialsEnded)

	assert.Equal(t, []repository.PlanCount{
		{PlanID: pro.ID, Code: "pro", Name: "pro", Subscriptions: 3},
		{PlanID: starter.ID, Code: "starter", Name: "starter", Subscriptions: 3},
	}, snap.PlanDistribution[:2])
	require.Len(t, snap.PlanDistribution, 3)
	assert.Equal(t, "legacy", snap.PlanDistribution[2].Code)
	assert.Zero(t, snap.PlanDistribution[2].Subscriptions)

	assert.Equal(t, map[string]int64{models.ReasonUserCancelled: 1, "unspecified": 1}, snap.CancellationReasons)

	require.Len(t, snap.ChurnTrend, 90)
	assert.Equal(t, "2026-02-01", snap.ChurnTrend[0].Date)
	assert.Equal(t, "2026-05-01", snap.ChurnTrend[89].Date)
	assert.Equal(t, map[string]int64{"2026-03-22": 1, "2026-04-28": 1}, nonZeroDays(snap.ChurnTrend))

	require.Len(t, snap.SubscriptionGrowth, 90)
	assert.Equal(t, map[string]int64{
		"2026-03-01": 1, "2026-03-06": 1, "2026-04-21": 1, "2026-04-24": 1, "2026-04-30": 1,
	}, nonZeroDays(snap.SubscriptionGrowth))

	require.Len(t, snap.UpcomingRenewals, 4, "the yearly term renews in January")
	want := []struct {
		id       uuid.UUID
		code     string
		renewsAt time.Time
		amount   int64
	}{
		{a.ID, "starter", time.Date(2026, 5, 6, 12, 0, 0, 0, time.UTC), 2900},
		{b.ID, "pro", time.Date(2026, 5, 21, 12, 0, 0, 0, time.UTC), 7900},
		{g2.ID, "pro", time.Date(2026, 5, 26, 12, 0, 0, 0, time.UTC), 7900},
		{h.ID, "starter", time.Date(2026, 5, 30, 12, 0, 0, 0, time.UTC), 2900},
	}
	for i, w := range want {
		got := snap.UpcomingRenewals[i]
		assert.Equal(t, w.id, got.AssignmentID)
		assert.Equal(t, w.code, got.PlanCode)
		assert.True(t, w.renewsAt.Equal(got.RenewsAt), "renewal %d at %s", i, got.RenewsAt)
		assert.Equal(t, w.amount, got.Amount)
		assert.Equal(t, "usd", got.Currency)
	}

	soon, err := env.metrics.UpcomingRenewals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, soon, 1)
	assert.Equal(t, a.ID, soon[0].AssignmentID)
}

func TestSnapshot_EmptyStore(t *testing.T) {
	env := newTestEnv(t)

	snap, err := env.metrics.Snapshot(context.Background(), 30)
	require.NoError(t, err)
	assert.Zero(t, snap.ARPU, "no paying assignments")
	assert.Empty(t, snap.PlanDistribution)
	assert.Empty(t, snap.CancellationReasons)
	assert.NotNil(t, snap.UpcomingRenewals)
	assert.Empty(t, snap.UpcomingRenewals)
	assert.Len(t, snap.ChurnTrend, 90)
	assert.Empty(t, nonZeroDays(snap.ChurnTrend))

	_, err = env.metrics.ChurnTrend(context.Background(), 0)
	_, ok := services.IsValidationError(err)
	assert.True(t, ok)
}

func TestARPU(t *testing.T) {
	assert.Zero(t, services.ARPU(5000, 0))
	assert.Equal(t, int64(2500), services.ARPU(5000, 2))
	assert.Equal(t, int64(3334), services.ARPU(10001, 3), "rounds half up")
	assert.Equal(t, int64(3333), services.ARPU(10000, 3))
}

func TestComputeHealthScore(t *testing.T) {
	tests := []struct {
		name       string
		churn      float64
		failures   int64
		expiring   int64
		conversion float64
		want       int
	}{
		{"perfect baseline", 0, 0, 0, 0, 100},
		{"each deduction below its cap", 5, 3, 4, 50, 90},
		{"all deductions capped", 20, 15, 12, 0, 40},
		{"caps with full conversion bonus", 100, 100, 100, 100, 60},
		{"bonus cannot exceed 100", 0, 0, 0, 100, 100},
		{"rounds down", 2.4, 0, 0, 0, 95},
		{"rounds half up", 2.25, 0, 0, 0, 96},
		{"churn weight is two", 10, 0, 0, 0, 80},
		{"failure weight is two", 0, 7, 0, 0, 86},
		{"expiring weight is one", 0, 0, 7, 0, 93},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, services.ComputeHealthScore(tt.churn, tt.failures, tt.expiring, tt.conversion))
		})
	}
}

func TestSnapshot_CombinesMetrics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := testutil.CreatePlan(t, env.db, "starter", 2900, 0)
	a := seedAssignment(t, env, "a", plan, models.PlanAssignment{Status: models.StatusPastDue, StartsAt: day0.AddDate(0, -2, 0)})
	seedAssignment(t, env, "b", plan, models.PlanAssignment{Status: models.StatusTrialing, StartsAt: day0, TrialEndsAt: testutil.TimePtr(day0.AddDate(0, 0, 2))})

	for i := 0; i < 2; i++ {
		inserted, err := env.store.PaymentEvents.Record(ctx, &models.PaymentEvent{
			TenantID: a.TenantID, AssignmentID: a.ID, ExternalEventID: fmt.Sprintf("evt_%d", i),
			Kind: models.PaymentFailed, Amount: 2900, OccurredAt: day0.AddDate(0, 0, -i-1),
		})
		require.NoError(t, err)
		require.True(t, inserted)
	}
	require.NoError(t, env.store.PaymentMethods.Upsert(ctx, &models.PaymentMethod{
		TenantID: a.TenantID, ExternalID: "pm_1", Brand: "visa", Last4: "4242",
		CardExpiresAt: testutil.TimePtr(day0.AddDate(0, 0, 10)), IsDefault: true,
	}))

	snap, err := env.metrics.Snapshot(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.ActiveCount)
	assert.Equal(t, int64(1), snap.TrialCount)
	assert.Equal(t, int64(1), snap.PastDueCount)
	assert.Equal(t, int64(2), snap.PaymentFailures)
	assert.Equal(t, int64(1), snap.ExpiringCards)
	assert.Equal(t, int64(1), snap.TrialsEndingSoon)
	assert.Len(t, snap.MRRTrend, 30)
	assert.Equal(t, services.ComputeHealthScore(snap.ChurnRate, 2, 1, snap.TrialConversionRate), snap.HealthScore)
	assert.Equal(t, 95, snap.HealthScore)
}
