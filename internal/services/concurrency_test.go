package services_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-service/internal/models"
	"subscription-service/internal/services"
	"subscription-service/internal/testutil"
)

// Commands and webhooks racing on one tenant must never leave two current terms.
func TestConcurrentCommandsAndWebhooksKeepOneCurrentTerm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := testutil.CreateTenant(t, env.db, "acme")
	plans := []*models.Plan{
		testutil.CreatePlan(t, env.db, "starter", 2900, 0),
		testutil.CreatePlan(t, env.db, "pro", 7900, 0),
		testutil.CreatePlan(t, env.db, "business", 19900, 0),
	}

	_, err := env.subscriptions.Subscribe(ctx, services.SubscribeRequest{TenantID: tenant.ID, PlanID: plans[0].ID})
	require.NoError(t, err)

	const workers, rounds = 6, 5
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for r := 0; r < rounds; r++ {
				var err error
				if rng.Intn(2) == 0 {
					plan := plans[rng.Intn(len(plans))]
					_, err = env.subscriptions.ApplyPlanChange(ctx, tenant.ID, plan.ID, models.BillingCycleMonthly, rng.Intn(2) == 0)
				} else {
					err = deliverRandomEvent(ctx, env, rng, tenant.ID, fmt.Sprintf("evt_%d_%d", w, r))
				}
				if err == nil || expectedRaceError(err) {
					continue
				}
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Empty(t, failed)
	current, err := env.store.Assignments.CountCurrent(ctx, tenant.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)

	history, err := env.store.Assignments.ListByTenant(ctx, tenant.ID)
	require.NoError(t, err)
	linked := 0
	for _, a := range history {
		if a.ExternalSubscriptionID != nil {
			linked++
		}
	}
	assert.Equal(t, 1, linked, "the gateway subscription follows the current term")
}

func deliverRandomEvent(ctx context.Context, env *testEnv, rng *rand.Rand, tenantID uuid.UUID, id string) error {
	current, err := env.store.Assignments.GetCurrent(ctx, tenantID)
	if err != nil || current == nil {
		return err
	}
	subID := current.ExternalID()

	var ev *models.WebhookEvent
	switch rng.Intn(3) {
	case 0:
		ev = subscriptionEvent(id, models.EventSubscriptionUpdated, day0, subID, "active")
	case 1:
		ev = invoiceEvent(id, models.EventPaymentFailed, day0, subID, 2900)
	default:
		ev = invoiceEvent(id, models.EventPaymentSucceeded, day0, subID, 2900)
	}
	_, err = env.webhooks.HandleWebhookEvent(ctx, ev)
	return err
}

// expectedRaceError reports rejections a caller sees when another request won the race
func expectedRaceError(err error) bool {
	if _, ok := services.IsInvalidStateError(err); ok {
		return true
	}
	_, ok := services.IsConcurrencyConflictError(err)
	return ok
}
