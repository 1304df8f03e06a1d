package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"creatorpay/services/creatorpay/models"
)

func setupReconDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestReconcilerFlagsAnomaliesAndWritesReports(t *testing.T) {
	db := setupReconDB(t)
	now := time.Date(2024, 6, 10, 2, 0, 0, 0, time.UTC)
	inWindow := now.Add(-6 * time.Hour)
	old := now.Add(-72 * time.Hour)

	require.NoError(t, db.Create(&models.PaymentIntent{ID: "pi_ok", AmountMinor: 1000, Currency: "usd", Kind: models.KindTip,
		PayeeRef: "creator-1", Status: models.IntentSucceeded, IdempotencyKey: "k1", CreatedAt: inWindow, UpdatedAt: inWindow}).Error)
	require.NoError(t, db.Create(&models.PaymentIntent{ID: "pi_orphan", AmountMinor: 700, Currency: "usd", Kind: models.KindTip,
		PayeeRef: "creator-2", Status: models.IntentSucceeded, IdempotencyKey: "k2", CreatedAt: old, UpdatedAt: old}).Error)
	require.NoError(t, db.Create(&models.Transfer{ID: "tr_ok", SourceIntentID: "pi_ok", DestinationAccountID: "acct_1", AmountMinor: 1000,
		Currency: "usd", Status: models.TransferPaid, CreatedAt: inWindow, UpdatedAt: inWindow}).Error)
	require.NoError(t, db.Create(&models.Transfer{ID: "tr_stuck", SourceIntentID: "pi_other", DestinationAccountID: "acct_1", AmountMinor: 4000,
		Currency: "usd", Status: models.TransferPending, CreatedAt: old, UpdatedAt: old}).Error)
	require.NoError(t, db.Create(&models.Payout{ID: "po_late", AccountID: "acct_1", AmountMinor: 2500, Currency: "usd",
		Status: models.PayoutInTransit, RequestedAt: old.Add(-7 * 24 * time.Hour), EstimatedArrival: old, UpdatedAt: inWindow}).Error)
	require.NoError(t, db.Create(&models.Payout{ID: "po_fresh", AccountID: "acct_1", AmountMinor: 2500, Currency: "usd",
		Status: models.PayoutPending, RequestedAt: inWindow, EstimatedArrival: inWindow.Add(7 * 24 * time.Hour), UpdatedAt: inWindow}).Error)
	// Stored aggregate disagrees with recomputed sums (5000 in, 5000 out).
	require.NoError(t, db.Create(&models.AccountBalance{AccountID: "acct_1", Currency: "usd", TransferredMinor: 5000, PaidOutMinor: 2500}).Error)

	var mu sync.Mutex
	var alerted []string
	dir := t.TempDir()
	rec, err := NewReconciler(Config{
		DB:           db,
		OutputDir:    dir,
		AutoTransfer: true,
		Now:          func() time.Time { return now },
		Alert: func(ctx context.Context, a Anomaly) error {
			mu.Lock()
			defer mu.Unlock()
			alerted = append(alerted, a.Type+":"+a.EntityID)
			return nil
		},
	})
	require.NoError(t, err)

	res, err := rec.Run(context.Background(), RunOptions{Start: now.Add(-24 * time.Hour), End: now})
	require.NoError(t, err)

	require.ElementsMatch(t, []string{
		"unsettled_transfer:tr_stuck",
		"overdue_payout:po_late",
		"orphan_success:pi_orphan",
		"balance_drift:acct_1|usd",
	}, alerted)
	require.Len(t, res.Anomalies, 4)

	// pi_ok, tr_ok, po_late and po_fresh were touched in the window.
	require.Len(t, res.Rows, 4)
	require.Len(t, res.Files, 1)
	require.Equal(t, "USD", res.Files[0].Currency)
	require.FileExists(t, res.Files[0].ParquetPath)

	f, err := os.Open(res.Files[0].CSVPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	require.Equal(t, csvHeader, records[0])
	var lateAnomaly string
	for _, r := range records[1:] {
		if r[1] == "po_late" {
			lateAnomaly = r[8]
		}
	}
	require.Equal(t, AnomalyOverduePayout, lateAnomaly)
}

func TestReconcilerDryRunSkipsFilesAndOrphansWhenManual(t *testing.T) {
	db := setupReconDB(t)
	now := time.Date(2024, 6, 10, 2, 0, 0, 0, time.UTC)
	old := now.Add(-72 * time.Hour)
	require.NoError(t, db.Create(&models.PaymentIntent{ID: "pi_orphan", AmountMinor: 700, Currency: "usd", Kind: models.KindTip,
		Status: models.IntentSucceeded, IdempotencyKey: "k2", CreatedAt: old, UpdatedAt: now.Add(-time.Hour)}).Error)

	dir := t.TempDir()
	rec, err := NewReconciler(Config{DB: db, OutputDir: dir, Now: func() time.Time { return now }})
	require.NoError(t, err)
	res, err := rec.Run(context.Background(), RunOptions{Start: now.Add(-24 * time.Hour), End: now, DryRun: true})
	require.NoError(t, err)
	require.Empty(t, res.Anomalies)
	require.Len(t, res.Rows, 1)
	require.Empty(t, res.Files)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = rec.Run(context.Background(), RunOptions{Start: now, End: now.Add(-time.Hour)})
	require.Error(t, err)
}

type countingRunner struct {
	mu   sync.Mutex
	runs []RunOptions
	done chan struct{}
}

func (c *countingRunner) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	c.mu.Lock()
	c.runs = append(c.runs, opts)
	c.mu.Unlock()
	c.done <- struct{}{}
	return &Result{}, nil
}

func TestSchedulerRunsDailyWindow(t *testing.T) {
	now := time.Date(2024, 6, 10, 5, 30, 0, 0, time.UTC)
	fire := make(chan time.Time)
	var waited []time.Duration
	runner := &countingRunner{done: make(chan struct{})}
	sched := NewScheduler(SchedulerConfig{
		Reconciler: runner,
		RunHour:    2,
		RunMinute:  15,
		Now:        func() time.Time { return now },
		After: func(d time.Duration) <-chan time.Time {
			waited = append(waited, d)
			return fire
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(stopped)
	}()
	fire <- now
	<-runner.done
	cancel()
	<-stopped

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.runs, 1)
	end := time.Date(2024, 6, 11, 2, 15, 0, 0, time.UTC)
	require.Equal(t, end, runner.runs[0].End)
	require.Equal(t, end.Add(-24*time.Hour), runner.runs[0].Start)
	require.Equal(t, end.Sub(now), waited[0])
}
