package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"subscription-service/internal/clock"
	"subscription-service/internal/config"
	"subscription-service/internal/gateway"
	"subscription-service/internal/lock"
	"subscription-service/internal/models"
	"subscription-service/internal/redis"
	"subscription-service/internal/repository"
	"subscription-service/internal/services"
	"subscription-service/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type apiEnv struct {
	db      *gorm.DB
	clock   *clock.Fixed
	gateway *gateway.MockGateway
	router  *gin.Engine
}

type stubParser struct {
	event *models.WebhookEvent
	err   error
}

func (p stubParser) ParseWebhook([]byte, string) (*models.WebhookEvent, error) {
	return p.event, p.err
}

func newAPIEnv(t *testing.T, parser gateway.WebhookParser) *apiEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db := testutil.NewTestDB(t)
	store := repository.NewStore(db)
	clk := clock.NewFixed(now)
	gw := gateway.NewMockGateway()
	gw.Now = clk.Now
	locker := lock.NewKeyedMutex(5 * time.Second)
	dispatcher := services.NewLogDispatcher(logger)
	alertCfg := config.AlertConfig{ThrottleMinutes: 60, LookbackDays: 30, ExpiringCardHorizonDays: 30, TrialEndingSoonDays: 3}

	subs := services.NewSubscriptionService(store, gw, locker, dispatcher, clk,
		config.SubscriptionConfig{GracePeriodDays: 14, LockWait: 5 * time.Second}, logger)
	webhooks := services.NewWebhookService(store, locker, redis.NewMemoryLedger(time.Hour), dispatcher, clk, logger)
	if parser == nil {
		parser = gw
	}

	router := gin.New()
	router.POST("/webhooks/stripe", NewWebhookHandler(parser, webhooks, logger).HandleStripe)
	api := router.Group("/api/v1")
	NewSubscriptionHandler(subs,
		services.NewEntitlementService(store, clk, logger),
		services.NewMetricsService(store, clk, alertCfg, logger),
		logger,
	).RegisterRoutes(api)

	return &apiEnv{db: db, clock: clk, gateway: gw, router: router}
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded), w.Body.String())
	}
	return w, decoded
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"not found", services.NewNotFoundError("plan", "p1"), CodeNotFound, http.StatusNotFound},
		{"no subscription", fmt.Errorf("%w: %w", services.ErrNoActiveSubscription, services.NewNotFoundError("subscription", "t1")), CodeNoActiveSubscription, http.StatusNotFound},
		{"invalid state", services.NewInvalidStateError("cancel", "expired", ""), CodeInvalidState, http.StatusConflict},
		{"validation", services.NewValidationError("days", "must be at least 1"), CodeValidation, http.StatusBadRequest},
		{"conflict", services.NewConcurrencyConflictError("assignment", "a1", repository.ErrVersionConflict), CodeConcurrencyConflict, http.StatusConflict},
		{"gateway retryable", &gateway.Error{Op: "create_subscription", Retryable: true, Code: "timeout", Err: errors.New("deadline")}, CodeGatewayRetryable, http.StatusServiceUnavailable},
		{"gateway rejected", &gateway.Error{Op: "create_subscription", Code: "card_declined", Err: errors.New("declined")}, CodeGatewayRejected, http.StatusPaymentRequired},
		{"wrapped gateway", fmt.Errorf("subscribe: %w", &gateway.Error{Op: "x", Code: "card_declined", Err: errors.New("declined")}), CodeGatewayRejected, http.StatusPaymentRequired},
		{"anything else", errors.New("connection reset"), CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, status := ErrorCode(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestSubscriptionLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t, nil)
	tenant := testutil.CreateTenant(t, env.db, "acme")
	starter := testutil.CreatePlan(t, env.db, "starter", 2900, 0)
	pro := testutil.CreatePlan(t, env.db, "pro", 7900, 0)
	base := "/api/v1/tenants/" + tenant.ID.String() + "/subscription"

	w, body := env.do(t, http.MethodPost, base, map[string]string{"plan_id": starter.ID.String()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "active", data["status"])

	w, body = env.do(t, http.MethodPost, base, map[string]string{"plan_id": starter.ID.String()})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeInvalidState, body["error"])

	env.clock.Advance(72 * time.Hour)
	w, body = env.do(t, http.MethodPost, base+"/change-plan", map[string]interface{}{"plan_id": pro.ID.String(), "prorate": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data = body["data"].(map[string]interface{})
	assert.Equal(t, pro.ID.String(), data["plan_id"])
	assert.Equal(t, float64(0), data["prorated_credit"])

	w, _ = env.do(t, http.MethodPost, base+"/cancel", map[string]string{"reason": "too_expensive"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, body = env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, true, data["in_grace_period"])
	assert.Len(t, data["history"], 2)

	w, body = env.do(t, http.MethodPost, base+"/reactivate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data = body["data"].(map[string]interface{})
	assert.Equal(t, "active", data["current"].(map[string]interface{})["status"])

	w, body = env.do(t, http.MethodPost, base+"/reactivate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeNotReactivatable, body["error"])
}

func TestSubscriptionHandler_RejectsBadInput(t *testing.T) {
	env := newAPIEnv(t, nil)
	tenant := testutil.CreateTenant(t, env.db, "acme")
	base := "/api/v1/tenants/" + tenant.ID.String() + "/subscription"

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"tenant id", http.MethodGet, "/api/v1/tenants/not-a-uuid/subscription", nil, http.StatusBadRequest, CodeValidation},
		{"missing plan", http.MethodPost, base, map[string]string{}, http.StatusBadRequest, CodeValidation},
		{"malformed plan", http.MethodPost, base, map[string]string{"plan_id": "pro"}, http.StatusBadRequest, CodeValidation},
		{"unknown plan", http.MethodPost, base, map[string]string{"plan_id": uuid.NewString()}, http.StatusNotFound, CodeNotFound},
		{"nothing to cancel", http.MethodPost, base + "/cancel", nil, http.StatusNotFound, CodeNoActiveSubscription},
		{"nothing to show", http.MethodGet, base, nil, http.StatusNotFound, CodeNotFound},
		{"report days", http.MethodGet, "/api/v1/reports/subscriptions?days=week", nil, http.StatusBadRequest, CodeValidation},
		{"report range", http.MethodGet, "/api/v1/reports/subscriptions?days=0", nil, http.StatusBadRequest, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, body["error"])
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestSubscriptionHandler_GatewayRejection(t *testing.T) {
	env := newAPIEnv(t, nil)
	tenant := testutil.CreateTenant(t, env.db, "acme")
	plan := testutil.CreatePlan(t, env.db, "starter", 2900, 0)
	env.gateway.SetFailure("create_subscription", &gateway.Error{Op: "create_subscription", Code: "card_declined", Err: errors.New("declined")})

	w, body := env.do(t, http.MethodPost, "/api/v1/tenants/"+tenant.ID.String()+"/subscription",
		map[string]string{"plan_id": plan.ID.String()})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, CodeGatewayRejected, body["error"])
}

func TestEntitlementsAndReport(t *testing.T) {
	env := newAPIEnv(t, nil)
	tenant := testutil.CreateTenant(t, env.db, "acme")
	plan := testutil.CreatePlan(t, env.db, "pro", 7900, 0)
	require.NoError(t, repository.NewPlanRepository(env.db).CreateFeature(context.Background(), &models.Feature{
		Code: "max_users", Name: "Users", Type: models.FeatureTypeInteger, DefaultValue: []byte(`3`),
	}))

	w, body := env.do(t, http.MethodGet, "/api/v1/plans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	plans := body["data"].([]interface{})
	require.Len(t, plans, 1)
	assert.Equal(t, "pro", plans[0].(map[string]interface{})["code"])

	w, _ = env.do(t, http.MethodPut, "/api/v1/plans/"+plan.ID.String()+"/features/max_users", map[string]interface{}{"value": 25})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w, body = env.do(t, http.MethodPut, "/api/v1/plans/"+plan.ID.String()+"/features/max_users", map[string]interface{}{"value": "many"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeValidation, body["error"])

	w, _ = env.do(t, http.MethodPost, "/api/v1/tenants/"+tenant.ID.String()+"/subscription", map[string]string{"plan_id": plan.ID.String()})
	require.Equal(t, http.StatusCreated, w.Code)

	w, body = env.do(t, http.MethodGet, "/api/v1/tenants/"+tenant.ID.String()+"/entitlements", nil)
	require.Equal(t, http.StatusOK, w.Code)
	features := body["data"].(map[string]interface{})["features"].(map[string]interface{})
	maxUsers := features["max_users"].(map[string]interface{})
	assert.Equal(t, float64(25), maxUsers["value"])
	assert.Equal(t, "plan", maxUsers["source"])

	// inside the default 30-day horizon of the June 1 renewal
	env.clock.Advance(48 * time.Hour)
	w, body = env.do(t, http.MethodGet, "/api/v1/reports/subscriptions?days=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := body["data"].(map[string]interface{})
	assert.Equal(t, float64(7900), report["mrr"])
	assert.Equal(t, float64(7900*12), report["arr"])
	assert.Equal(t, float64(7900), report["arpu"])
	assert.Equal(t, float64(1), report["new_subscriptions"])
	assert.Len(t, report["mrr_trend"], 7)
	assert.Len(t, report["churn_trend"], 90)
	assert.Len(t, report["subscription_growth"], 90)
	assert.Empty(t, report["cancellation_reasons"])

	distribution := report["plan_distribution"].([]interface{})
	require.Len(t, distribution, 1)
	assert.Equal(t, "pro", distribution[0].(map[string]interface{})["code"])
	assert.Equal(t, float64(1), distribution[0].(map[string]interface{})["subscriptions"])

	renewals := report["upcoming_renewals"].([]interface{})
	require.Len(t, renewals, 1)
	renewal := renewals[0].(map[string]interface{})
	assert.Equal(t, tenant.ID.String(), renewal["tenant_id"])
	assert.Equal(t, float64(7900), renewal["amount"])
	renewsAt, err := time.Parse(time.RFC3339, renewal["renews_at"].(string))
	require.NoError(t, err)
	assert.True(t, now.AddDate(0, 1, 0).Equal(renewsAt), renewsAt.String())
}

func TestWebhookHandler_Responses(t *testing.T) {
	post := func(env *apiEnv) *httptest.ResponseRecorder {
		w, _ := env.do(t, http.MethodPost, "/webhooks/stripe", map[string]string{"id": "evt_1"})
		return w
	}

	t.Run("bad signature", func(t *testing.T) {
		env := newAPIEnv(t, stubParser{err: fmt.Errorf("%w: no signatures found", gateway.ErrInvalidSignature)})
		assert.Equal(t, http.StatusBadRequest, post(env).Code)
	})

	t.Run("unparseable is acknowledged", func(t *testing.T) {
		env := newAPIEnv(t, stubParser{err: fmt.Errorf("%w: evt_1 has no object", gateway.ErrUnparseable)})
		w := post(env)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"unparseable"`)
	})

	t.Run("handled", func(t *testing.T) {
		env := newAPIEnv(t, stubParser{event: &models.WebhookEvent{
			ID: "evt_1", Type: models.EventSubscriptionUpdated, OccurredAt: now,
			Subscription: &models.SubscriptionObject{ID: "sub_unknown", Status: "active"},
		}})
		w := post(env)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"untracked"`)
	})

	t.Run("processing failure asks for redelivery", func(t *testing.T) {
		env := newAPIEnv(t, stubParser{event: &models.WebhookEvent{
			ID: "evt_1", Type: models.EventSubscriptionUpdated, OccurredAt: now,
			Subscription: &models.SubscriptionObject{ID: "sub_1", Status: "active"},
		}})
		sqlDB, err := env.db.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())

		assert.Equal(t, http.StatusInternalServerError, post(env).Code)
	})
}

func TestWebhookHandler_MockGatewayPayload(t *testing.T) {
	env := newAPIEnv(t, nil)
	tenant := testutil.CreateTenant(t, env.db, "acme")
	plan := testutil.CreatePlan(t, env.db, "starter", 2900, 0)
	a := testutil.CreateAssignment(t, env.db, tenant, plan, &models.PlanAssignment{
		Status: models.StatusActive, StartsAt: now.AddDate(0, -1, 0), ExternalSubscriptionID: testutil.StringPtr("sub_1"),
	})

	payload := map[string]interface{}{
		"id":      "evt_del",
		"type":    "customer.subscription.deleted",
		"created": now.Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{"id": "sub_1", "object": "subscription", "status": "canceled"},
		},
	}
	w, body := env.do(t, http.MethodPost, "/webhooks/stripe", payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "applied", body["outcome"])

	fresh, err := repository.NewAssignmentRepository(env.db).GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, fresh.Status)

	w, body = env.do(t, http.MethodPost, "/webhooks/stripe", payload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", body["outcome"])
}
