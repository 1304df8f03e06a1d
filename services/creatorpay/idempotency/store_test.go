package idempotency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"creatorpay/services/creatorpay/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestClaimFreshThenReplay(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	ctx := context.Background()
	fp := Fingerprint("500", "usd", "tip")

	claim, err := store.Claim(ctx, "payment_intent", "key-1", fp)
	require.NoError(t, err)
	require.Equal(t, Fresh, claim.Outcome)

	_, err = store.Claim(ctx, "payment_intent", "key-1", fp)
	require.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, store.Complete(ctx, "payment_intent", "key-1", "pi_123", []byte(`{"ok":true}`)))

	claim, err = store.Claim(ctx, "payment_intent", "key-1", fp)
	require.NoError(t, err)
	require.Equal(t, Replay, claim.Outcome)
	require.Equal(t, "pi_123", claim.Record.ResourceID)
	require.Equal(t, `{"ok":true}`, claim.Record.Response)
}

func TestClaimFingerprintMismatch(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	ctx := context.Background()
	_, err := store.Claim(ctx, "payment_intent", "key-1", Fingerprint("500"))
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "payment_intent", "key-1", "pi_1", nil))

	_, err = store.Claim(ctx, "payment_intent", "key-1", Fingerprint("600"))
	require.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestScopesAreIndependent(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	ctx := context.Background()
	a, err := store.Claim(ctx, "webhook", "evt_1", "")
	require.NoError(t, err)
	b, err := store.Claim(ctx, "transfer", "evt_1", "")
	require.NoError(t, err)
	require.Equal(t, Fresh, a.Outcome)
	require.Equal(t, Fresh, b.Outcome)
}

func TestReleaseAllowsReclaim(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	ctx := context.Background()
	_, err := store.Claim(ctx, "webhook", "evt_1", "")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "webhook", "evt_1"))

	claim, err := store.Claim(ctx, "webhook", "evt_1", "")
	require.NoError(t, err)
	require.Equal(t, Fresh, claim.Outcome)
}

func TestStaleReservationTakeover(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewGormStore(setupTestDB(t), WithLease(time.Minute), WithClock(clock))
	ctx := context.Background()

	first, err := store.Claim(ctx, "webhook", "evt_1", "")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	second, err := store.Claim(ctx, "webhook", "evt_1", "")
	require.NoError(t, err)
	require.Equal(t, Fresh, second.Outcome)
	require.NotEqual(t, first.Record.RequestID, second.Record.RequestID)
}

func TestConcurrentClaimsYieldSingleWinner(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		fresh  int
		others int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := store.Claim(ctx, "webhook", "evt_race", "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil && claim.Outcome == Fresh {
				fresh++
				return
			}
			others++
		}()
	}
	wg.Wait()
	require.Equal(t, 1, fresh)
	require.Equal(t, 7, others)
}

func TestCompleteRequiresReservation(t *testing.T) {
	store := NewGormStore(setupTestDB(t))
	err := store.Complete(context.Background(), "webhook", "missing", "x", nil)
	require.ErrorIs(t, err, ErrNotReserved)
}

func TestFingerprintSeparatesFields(t *testing.T) {
	require.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	require.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
}
