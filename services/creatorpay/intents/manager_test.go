package intents

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"creatorpay/services/creatorpay/idempotency"
	"creatorpay/services/creatorpay/models"
	"creatorpay/services/creatorpay/payerr"
	"creatorpay/services/creatorpay/processor"
	"creatorpay/services/creatorpay/store"
)

func setupManager(t *testing.T) (*Manager, *processor.Fake) {
	t.Helper()
	db, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	fake := processor.NewFake()
	mgr, err := NewManager(store.New(db), idempotency.NewGormStore(db), fake, Config{MinimumChargeMinor: 50})
	require.NoError(t, err)
	return mgr, fake
}

func tipRequest(key string) Request {
	return Request{
		AmountMinor:    500,
		Currency:       "USD",
		Kind:           models.KindTip,
		PayerRef:       "fan-1",
		PayeeRef:       "creator-1",
		IdempotencyKey: key,
	}
}

func TestCreateIntentRejectsSmallAmounts(t *testing.T) {
	mgr, fake := setupManager(t)
	req := tipRequest("k-small")
	req.AmountMinor = 40
	_, err := mgr.CreateIntent(context.Background(), req)
	require.ErrorIs(t, err, payerr.ErrInvalidAmount)
	require.Equal(t, payerr.KindValidation, payerr.KindOf(err))
	require.Zero(t, fake.Calls("create_payment_intent"))
}

func TestCreateIntentValidatesFields(t *testing.T) {
	mgr, _ := setupManager(t)
	cases := map[string]func(*Request){
		"currency": func(r *Request) { r.Currency = "US" },
		"kind":     func(r *Request) { r.Kind = "donation" },
		"payer":    func(r *Request) { r.PayerRef = " " },
		"key":      func(r *Request) { r.IdempotencyKey = "" },
		"tier":     func(r *Request) { r.TierID = "basic" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := tipRequest("k-" + name)
			mutate(&req)
			_, err := mgr.CreateIntent(context.Background(), req)
			require.Equal(t, payerr.KindValidation, payerr.KindOf(err))
		})
	}
}

func TestCreateIntentReplaysSameKey(t *testing.T) {
	mgr, fake := setupManager(t)
	ctx := context.Background()

	first, err := mgr.CreateIntent(ctx, tipRequest("k-1"))
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.Equal(t, models.IntentCreated, first.Intent.Status)
	require.Equal(t, "usd", first.Intent.Currency)
	require.NotEmpty(t, first.Intent.ClientSecret)

	second, err := mgr.CreateIntent(ctx, tipRequest("k-1"))
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Intent.ID, second.Intent.ID)
	require.Equal(t, 1, fake.Calls("create_payment_intent"))

	changed := tipRequest("k-1")
	changed.AmountMinor = 700
	_, err = mgr.CreateIntent(ctx, changed)
	require.ErrorIs(t, err, payerr.ErrIdempotencyReuse)
	require.Equal(t, payerr.KindConflict, payerr.KindOf(err))
}

func TestConcurrentCreatesYieldOneIntent(t *testing.T) {
	mgr, fake := setupManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := mgr.CreateIntent(ctx, tipRequest("k-race"))
			if err == nil {
				ids <- res.Intent.ID
				return
			}
			require.ErrorIs(t, err, payerr.ErrInFlight)
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	require.Len(t, seen, 1)
	require.Equal(t, 1, fake.Calls("create_payment_intent"))
}

func TestProcessorFailureReleasesKey(t *testing.T) {
	mgr, fake := setupManager(t)
	ctx := context.Background()
	fake.FailNext("create_payment_intent", payerr.ErrProcessor)

	_, err := mgr.CreateIntent(ctx, tipRequest("k-retry"))
	require.ErrorIs(t, err, payerr.ErrProcessor)

	res, err := mgr.CreateIntent(ctx, tipRequest("k-retry"))
	require.NoError(t, err)
	require.False(t, res.Replayed)
}

func TestSubscriptionTierResolvesPrice(t *testing.T) {
	mgr, _ := setupManager(t)
	ctx := context.Background()
	req := tipRequest("k-sub")
	req.Kind = models.KindSubscription
	req.TierID = "Premium"
	req.AmountMinor = 0

	res, err := mgr.CreateIntent(ctx, req)
	require.NoError(t, err)
	require.EqualValues(t, 1499, res.Intent.AmountMinor)
	require.Equal(t, "premium", res.Intent.TierID)
	require.Contains(t, res.Intent.Metadata, `"tier_id":"premium"`)

	req.IdempotencyKey = "k-sub-2"
	req.AmountMinor = 999
	_, err = mgr.CreateIntent(ctx, req)
	require.ErrorIs(t, err, payerr.ErrInvalidRequest)
}

func TestTerminalTransitions(t *testing.T) {
	mgr, _ := setupManager(t)
	ctx := context.Background()
	res, err := mgr.CreateIntent(ctx, tipRequest("k-t"))
	require.NoError(t, err)
	id := res.Intent.ID

	intent, changed, err := mgr.MarkRequiresAction(ctx, id)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, models.IntentRequiresAction, intent.Status)

	intent, changed, err = mgr.MarkSucceeded(ctx, id, "ch_1")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "ch_1", intent.ExternalConfirmationID)

	_, changed, err = mgr.MarkSucceeded(ctx, id, "ch_1")
	require.NoError(t, err)
	require.False(t, changed)

	_, _, err = mgr.MarkFailed(ctx, id, "card_declined")
	require.ErrorIs(t, err, payerr.ErrInvalidTransition)
	_, _, err = mgr.MarkCanceled(ctx, id)
	require.ErrorIs(t, err, payerr.ErrInvalidTransition)

	_, changed, err = mgr.MarkRequiresAction(ctx, id)
	require.NoError(t, err)
	require.False(t, changed)

	stored, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.IntentSucceeded, stored.Status)

	_, _, err = mgr.MarkSucceeded(ctx, "pi_missing", "")
	require.ErrorIs(t, err, payerr.ErrIntentNotFound)
}
