package services_test

import (
	"context"
	"errors"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-service/internal/gateway"
	"subscription-service/internal/metrics"
	"subscription-service/internal/models"
	"subscription-service/internal/services"
	"subscription-service/internal/testutil"
)

func newDriftService(env *testEnv) *services.DriftService {
	return services.NewDriftService(env.store, env.gateway, env.locker, env.alerts, env.clock, env.logger)
}

func seedLinked(t *testing.T, env *testEnv, code, externalID string) *models.PlanAssignment {
	t.Helper()
	plan := testutil.CreatePlan(t, env.db, "plan-"+code, 2900, 0)
	return seedAssignment(t, env, code, plan, models.PlanAssignment{
		Status:                 models.StatusActive,
		StartsAt:               day0.AddDate(0, -1, 0),
		ExternalSubscriptionID: testutil.StringPtr(externalID),
		ExternalStatus:         "active",
	})
}

func TestDriftCheck_FlagsWithoutChangingStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := seedLinked(t, env, "acme", "sub_1")
	env.gateway.Put(&gateway.Subscription{ID: "sub_1", Status: "canceled"})
	drifted := prom.ToFloat64(metrics.DriftDetectedTotal)

	report, err := newDriftService(env).Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, &services.DriftReport{Checked: 1, Drifted: 1}, report)

	fresh := env.reload(t, a)
	assert.Equal(t, models.StatusActive, fresh.Status)
	require.NotNil(t, fresh.DriftDetectedAt)
	assert.True(t, fresh.DriftDetectedAt.Equal(day0))
	assert.Contains(t, fresh.DriftNote, "gateway reports canceled")
	assert.Equal(t, drifted+1, prom.ToFloat64(metrics.DriftDetectedTotal))

	alerts := env.dispatcher.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "drift_detected|warning|"+a.ID.String(), alerts[0].Key)

	// unchanged drift is not reported again
	report, err = newDriftService(env).Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, &services.DriftReport{Checked: 1}, report)
	assert.Len(t, env.dispatcher.Alerts(), 1)
	assert.Equal(t, drifted+1, prom.ToFloat64(metrics.DriftDetectedTotal))

	env.gateway.Put(&gateway.Subscription{ID: "sub_1", Status: "active"})
	report, err = newDriftService(env).Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, &services.DriftReport{Checked: 1, Cleared: 1}, report)
	fresh = env.reload(t, a)
	assert.Nil(t, fresh.DriftDetectedAt)
	assert.Empty(t, fresh.DriftNote)
	assert.Equal(t, models.StatusActive, fresh.Status)
}

func TestDriftCheck_PendingCancellationIsCanceled(t *testing.T) {
	env := newTestEnv(t)
	a := seedLinked(t, env, "acme", "sub_1")
	env.gateway.Put(&gateway.Subscription{ID: "sub_1", Status: "active", CancelAtPeriodEnd: true})

	report, err := newDriftService(env).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifted)
	assert.Contains(t, env.reload(t, a).DriftNote, "gateway reports canceled")
}

func TestDriftCheck_MissingUpstreamIsDrift(t *testing.T) {
	env := newTestEnv(t)
	a := seedLinked(t, env, "acme", "sub_gone")

	report, err := newDriftService(env).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifted)
	assert.Contains(t, env.reload(t, a).DriftNote, "resource_missing")
}

func TestDriftCheck_RetryableFailureSkips(t *testing.T) {
	env := newTestEnv(t)
	a := seedLinked(t, env, "acme", "sub_1")
	env.gateway.Put(&gateway.Subscription{ID: "sub_1", Status: "canceled"})
	env.gateway.SetFailure("get_subscription", &gateway.Error{
		Op: "get_subscription", Retryable: true, Code: "rate_limit", Err: errors.New("too many requests"),
	})

	report, err := newDriftService(env).Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, &services.DriftReport{Skipped: 1}, report)
	assert.Nil(t, env.reload(t, a).DriftDetectedAt)
	assert.Empty(t, env.dispatcher.Alerts())
}

func TestDriftCheck_AgreementIsQuiet(t *testing.T) {
	env := newTestEnv(t)
	seedLinked(t, env, "acme", "sub_1")
	env.gateway.Put(&gateway.Subscription{ID: "sub_1", Status: "active"})
	plan := testutil.CreatePlan(t, env.db, "unlinked", 2900, 0)
	seedAssignment(t, env, "local", plan, models.PlanAssignment{Status: models.StatusActive, StartsAt: day0})

	report, err := newDriftService(env).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &services.DriftReport{Checked: 1}, report)
	assert.Empty(t, env.dispatcher.Alerts())
}

func TestDriftCheck_PriceMismatch(t *testing.T) {
	env := newTestEnv(t)
	a := seedLinked(t, env, "acme", "sub_1")
	testutil.CreatePlan(t, env.db, "scale", 9900, 0)

	env.gateway.Put(&gateway.Subscription{ID: "sub_1", Status: "active", PriceID: "price_plan-acme"})
	report, err := newDriftService(env).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &services.DriftReport{Checked: 1}, report)

	env.gateway.Put(&gateway.Subscription{ID: "sub_1", Status: "active", PriceID: "price_scale"})
	report, err = newDriftService(env).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drifted)
	assert.Contains(t, env.reload(t, a).DriftNote, "gateway bills plan scale")

	env.gateway.Put(&gateway.Subscription{ID: "sub_1", Status: "active", PriceID: "price_legacy"})
	_, err = newDriftService(env).Check(context.Background())
	require.NoError(t, err)
	fresh := env.reload(t, a)
	assert.Contains(t, fresh.DriftNote, "price_legacy matches no plan")
	assert.Equal(t, models.StatusActive, fresh.Status)
}
