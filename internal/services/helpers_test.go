package services_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
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

var day0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// recordingDispatcher keeps every notification; Fail makes it return an error
type recordingDispatcher struct {
	mu        sync.Mutex
	alerts    []models.AlertEvent
	lifecycle []models.LifecycleEvent
	Fail      error
}

func (d *recordingDispatcher) DispatchAlert(_ context.Context, alert models.AlertEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.alerts = append(d.alerts, alert)
	return nil
}

func (d *recordingDispatcher) DispatchLifecycle(_ context.Context, event models.LifecycleEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.lifecycle = append(d.lifecycle, event)
	return nil
}

func (d *recordingDispatcher) setFail(err error) {
	d.mu.Lock()
	d.Fail = err
	d.mu.Unlock()
}

func (d *recordingDispatcher) Alerts() []models.AlertEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.AlertEvent(nil), d.alerts...)
}

func (d *recordingDispatcher) Events(kind models.LifecycleEventType) []models.LifecycleEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.LifecycleEvent
	for _, e := range d.lifecycle {
		if e.Event == kind {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	db         *gorm.DB
	store      *repository.Store
	clock      *clock.Fixed
	gateway    *gateway.MockGateway
	locker     *lock.KeyedMutex
	ledger     *redis.MemoryLedger
	throttle   *redis.MemoryThrottle
	dispatcher *recordingDispatcher
	logger     *logrus.Logger
	cfg        *config.Config

	subscriptions *services.SubscriptionService
	webhooks      *services.WebhookService
	metrics       *services.MetricsService
	alerts        *services.AlertService
}

func testConfig() *config.Config {
	return &config.Config{
		Subscription: config.SubscriptionConfig{
			GracePeriodDays: 14,
			DedupeWindow:    72 * time.Hour,
			LockTTL:         30 * time.Second,
			LockWait:        10 * time.Second,
		},
		Alerts: config.AlertConfig{
			ThrottleMinutes:         60,
			ChurnThreshold:          5,
			TrialConversionFloor:    20,
			PaymentFailureCritical:  5,
			HealthScoreFloor:        50,
			MRRDropPercent:          -5,
			MRRGrowthPercent:        10,
			LookbackDays:            30,
			ExpiringCardHorizonDays: 30,
			TrialEndingSoonDays:     3,
			ChurnTrendDays:          90,
			RenewalHorizonDays:      30,
		},
		Reminders: config.ReminderConfig{TrialDaysAhead: 3, EndingDaysAhead: 7},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db := testutil.NewTestDB(t)
	clk := clock.NewFixed(day0)
	gw := gateway.NewMockGateway()
	gw.Now = clk.Now
	cfg := testConfig()

	env := &testEnv{
		db:         db,
		store:      repository.NewStore(db),
		clock:      clk,
		gateway:    gw,
		locker:     lock.NewKeyedMutex(10 * time.Second),
		ledger:     redis.NewMemoryLedger(cfg.Subscription.DedupeWindow),
		throttle:   redis.NewMemoryThrottle(cfg.Alerts.ThrottleTTL()),
		dispatcher: &recordingDispatcher{},
		logger:     logger,
		cfg:        cfg,
	}
	env.subscriptions = services.NewSubscriptionService(env.store, gw, env.locker, env.dispatcher, clk, cfg.Subscription, logger)
	env.webhooks = services.NewWebhookService(env.store, env.locker, env.ledger, env.dispatcher, clk, logger)
	env.metrics = services.NewMetricsService(env.store, clk, cfg.Alerts, logger)
	env.alerts = services.NewAlertService(env.throttle, env.dispatcher, cfg.Alerts, logger)
	return env
}

func (e *testEnv) reload(t *testing.T, a *models.PlanAssignment) *models.PlanAssignment {
	t.Helper()
	fresh, err := e.store.Assignments.GetByID(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("failed to reload assignment: %v", err)
	}
	if fresh == nil {
		t.Fatalf("assignment %s disappeared", a.ID)
	}
	return fresh
}
