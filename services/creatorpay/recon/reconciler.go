// Package recon cross-checks local money movement records and writes nightly
// CSV and Parquet reports for operators.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"creatorpay/observability"
	"creatorpay/services/creatorpay/models"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyUnsettledTransfer = "unsettled_transfer"
	AnomalyOverduePayout     = "overdue_payout"
	AnomalyOrphanSuccess     = "orphan_success"
	AnomalyBalanceDrift      = "balance_drift"
)

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB                  *gorm.DB
	OutputDir           string
	TransferSettleGrace time.Duration
	PayoutGrace         time.Duration
	// AutoTransfer enables the orphan_success check.
	AutoTransfer bool
	DryRun       bool
	Now          func() time.Time
	Alert        AlertFunc
	Metrics      *observability.PaymentsMetrics
	Logger       *slog.Logger
}

// RunOptions specifies the window to reconcile.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Reconciler joins intents, transfers, payouts and balances.
type Reconciler struct {
	db            *gorm.DB
	outputDir     string
	transferGrace time.Duration
	payoutGrace   time.Duration
	autoTransfer  bool
	dryRun        bool
	now           func() time.Time
	alert         AlertFunc
	metrics       *observability.PaymentsMetrics
	logger        *slog.Logger
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type      string
	Entity    string
	EntityID  string
	AccountID string
	Details   string
}

// ReportRow is one record touched in the window.
type ReportRow struct {
	Entity      string
	ID          string
	AccountID   string
	Currency    string
	AmountMinor int64
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Anomaly     string
}

// ReportFile references the artefacts generated for one currency.
type ReportFile struct {
	Currency    string
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises a reconciliation run.
type Result struct {
	RunID     string
	Start     time.Time
	End       time.Time
	Rows      []*ReportRow
	Files     []ReportFile
	Anomalies []Anomaly
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = "recon"
	}
	transferGrace := cfg.TransferSettleGrace
	if transferGrace <= 0 {
		transferGrace = 48 * time.Hour
	}
	payoutGrace := cfg.PayoutGrace
	if payoutGrace <= 0 {
		payoutGrace = 48 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reconciler{
		db:            cfg.DB,
		outputDir:     outputDir,
		transferGrace: transferGrace,
		payoutGrace:   payoutGrace,
		autoTransfer:  cfg.AutoTransfer,
		dryRun:        cfg.DryRun,
		now:           nowFn,
		alert:         cfg.Alert,
		metrics:       cfg.Metrics,
		logger:        logger.With(slog.String("component", "recon")),
	}, nil
}

// Run reconciles the supplied window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.UTC()
	end := opts.End.UTC()
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun
	now := r.now().UTC()
	db := r.db.WithContext(ctx)
	result := &Result{RunID: uuid.NewString(), Start: start, End: end}

	var intents []models.PaymentIntent
	if err := db.Where("updated_at >= ? AND updated_at < ?", start, end).Order("created_at").Find(&intents).Error; err != nil {
		return nil, fmt.Errorf("recon: load intents: %w", err)
	}
	var transfers []models.Transfer
	if err := db.Where("updated_at >= ? AND updated_at < ?", start, end).Order("created_at").Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("recon: load transfers: %w", err)
	}
	var payouts []models.Payout
	if err := db.Where("updated_at >= ? AND updated_at < ?", start, end).Order("requested_at").Find(&payouts).Error; err != nil {
		return nil, fmt.Errorf("recon: load payouts: %w", err)
	}

	rowIndex := make(map[string]*ReportRow)
	add := func(row *ReportRow) {
		result.Rows = append(result.Rows, row)
		rowIndex[row.Entity+"|"+row.ID] = row
	}
	for _, in := range intents {
		add(&ReportRow{Entity: "intent", ID: in.ID, AccountID: in.PayeeRef, Currency: in.Currency, AmountMinor: in.AmountMinor,
			Status: string(in.Status), CreatedAt: in.CreatedAt, UpdatedAt: in.UpdatedAt})
	}
	for _, t := range transfers {
		add(&ReportRow{Entity: "transfer", ID: t.ID, AccountID: t.DestinationAccountID, Currency: t.Currency, AmountMinor: t.AmountMinor,
			Status: string(t.Status), CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt})
	}
	for _, p := range payouts {
		add(&ReportRow{Entity: "payout", ID: p.ID, AccountID: p.AccountID, Currency: p.Currency, AmountMinor: p.AmountMinor,
			Status: string(p.Status), CreatedAt: p.RequestedAt, UpdatedAt: p.UpdatedAt})
	}

	anomalies, err := r.detect(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, anomaly := range anomalies {
		if row, ok := rowIndex[anomaly.Entity+"|"+anomaly.EntityID]; ok {
			row.Anomaly = anomaly.Type
		}
		result.Anomalies = append(result.Anomalies, r.raise(ctx, anomaly))
	}

	if !dryRun && len(result.Rows) > 0 {
		runDir := filepath.Join(r.outputDir, end.Format("2006-01-02"))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: create output dir: %w", err)
		}
		grouped := groupRows(result.Rows)
		currencies := make([]string, 0, len(grouped))
		for currency := range grouped {
			currencies = append(currencies, currency)
		}
		sort.Strings(currencies)
		for _, currency := range currencies {
			file, err := r.writeReportFiles(runDir, currency, grouped[currency])
			if err != nil {
				return nil, err
			}
			result.Files = append(result.Files, file)
		}
	}
	r.logger.Info("recon run complete",
		slog.String("run_id", result.RunID),
		slog.Time("start", start),
		slog.Time("end", end),
		slog.Int("rows", len(result.Rows)),
		slog.Int("anomalies", len(result.Anomalies)),
		slog.Bool("dry_run", dryRun),
	)
	return result, nil
}

func (r *Reconciler) detect(ctx context.Context, now time.Time) ([]Anomaly, error) {
	db := r.db.WithContext(ctx)
	var out []Anomaly

	var stuck []models.Transfer
	if err := db.Where("status = ? AND created_at < ?", models.TransferPending, now.Add(-r.transferGrace)).Find(&stuck).Error; err != nil {
		return nil, fmt.Errorf("recon: load pending transfers: %w", err)
	}
	for _, t := range stuck {
		out = append(out, Anomaly{Type: AnomalyUnsettledTransfer, Entity: "transfer", EntityID: t.ID, AccountID: t.DestinationAccountID,
			Details: fmt.Sprintf("pending since %s", t.CreatedAt.UTC().Format(time.RFC3339))})
	}

	var overdue []models.Payout
	err := db.Where("status IN ? AND estimated_arrival < ?",
		[]models.PayoutStatus{models.PayoutPending, models.PayoutInTransit}, now.Add(-r.payoutGrace)).Find(&overdue).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load open payouts: %w", err)
	}
	for _, p := range overdue {
		out = append(out, Anomaly{Type: AnomalyOverduePayout, Entity: "payout", EntityID: p.ID, AccountID: p.AccountID,
			Details: fmt.Sprintf("status %s, expected by %s", p.Status, p.EstimatedArrival.UTC().Format(time.RFC3339))})
	}

	if r.autoTransfer {
		var orphans []models.PaymentIntent
		err := db.Where("kind = ? AND status = ? AND updated_at < ?", models.KindTip, models.IntentSucceeded, now.Add(-r.transferGrace)).
			Where("NOT EXISTS (SELECT 1 FROM transfers WHERE transfers.source_intent_id = payment_intents.id)").
			Find(&orphans).Error
		if err != nil {
			return nil, fmt.Errorf("recon: load orphan intents: %w", err)
		}
		for _, in := range orphans {
			out = append(out, Anomaly{Type: AnomalyOrphanSuccess, Entity: "intent", EntityID: in.ID, AccountID: in.PayeeRef,
				Details: "succeeded tip has no transfer"})
		}
	}

	drift, err := r.balanceDrift(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, drift...), nil
}

type sumRow struct {
	AccountID string
	Currency  string
	Total     int64
}

func (r *Reconciler) balanceDrift(ctx context.Context) ([]Anomaly, error) {
	db := r.db.WithContext(ctx)
	var balances []models.AccountBalance
	if err := db.Order("account_id, currency").Find(&balances).Error; err != nil {
		return nil, fmt.Errorf("recon: load balances: %w", err)
	}
	var credited []sumRow
	err := db.Model(&models.Transfer{}).
		Select("destination_account_id AS account_id, currency, SUM(amount_minor) AS total").
		Group("destination_account_id, currency").Scan(&credited).Error
	if err != nil {
		return nil, fmt.Errorf("recon: sum transfers: %w", err)
	}
	var debited []sumRow
	err = db.Model(&models.Payout{}).
		Select("account_id, currency, SUM(amount_minor) AS total").
		Where("status NOT IN ?", []models.PayoutStatus{models.PayoutFailed, models.PayoutCanceled}).
		Group("account_id, currency").Scan(&debited).Error
	if err != nil {
		return nil, fmt.Errorf("recon: sum payouts: %w", err)
	}
	index := func(rows []sumRow) map[string]int64 {
		out := make(map[string]int64, len(rows))
		for _, row := range rows {
			out[row.AccountID+"|"+row.Currency] = row.Total
		}
		return out
	}
	in, outgoing := index(credited), index(debited)

	var anomalies []Anomaly
	for _, bal := range balances {
		key := bal.AccountID + "|" + bal.Currency
		if bal.TransferredMinor == in[key] && bal.PaidOutMinor == outgoing[key] {
			continue
		}
		anomalies = append(anomalies, Anomaly{Type: AnomalyBalanceDrift, Entity: "balance", EntityID: key, AccountID: bal.AccountID,
			Details: fmt.Sprintf("stored transferred=%d paid_out=%d, recomputed transferred=%d paid_out=%d",
				bal.TransferredMinor, bal.PaidOutMinor, in[key], outgoing[key])})
	}
	return anomalies, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	r.metrics.RecordAnomaly(anomaly.Type)
	r.logger.Warn("recon anomaly",
		slog.String("type", anomaly.Type),
		slog.String("entity", anomaly.Entity),
		slog.String("entity_id", anomaly.EntityID),
		slog.String("details", anomaly.Details),
	)
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Error("recon alert delivery failed", slog.String("error", err.Error()))
		}
	}
	return anomaly
}

func groupRows(rows []*ReportRow) map[string][]*ReportRow {
	grouped := make(map[string][]*ReportRow)
	for _, row := range rows {
		currency := strings.ToUpper(row.Currency)
		if currency == "" {
			currency = "XXX"
		}
		grouped[currency] = append(grouped[currency], row)
	}
	return grouped
}

func (r *Reconciler) writeReportFiles(baseDir, currency string, rows []*ReportRow) (ReportFile, error) {
	filename := "creatorpay_" + currency
	csvPath := filepath.Join(baseDir, filename+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return ReportFile{}, err
	}
	parquetPath := filepath.Join(baseDir, filename+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return ReportFile{}, err
	}
	r.logger.Info("recon report written", slog.String("csv", csvPath), slog.String("parquet", parquetPath), slog.Int("rows", len(rows)))
	return ReportFile{Currency: currency, CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

var csvHeader = []string{
	"entity", "id", "account_id", "currency", "amount_minor", "status", "created_at", "updated_at", "anomaly",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Entity,
			row.ID,
			row.AccountID,
			row.Currency,
			strconv.FormatInt(row.AmountMinor, 10),
			row.Status,
			formatTime(row.CreatedAt),
			formatTime(row.UpdatedAt),
			row.Anomaly,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Entity      string `parquet:"name=entity, type=BYTE_ARRAY, convertedtype=UTF8"`
	ID          string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AccountID   string `parquet:"name=account_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency    string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountMinor int64  `parquet:"name=amount_minor, type=INT64"`
	Status      string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt   string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt   string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Anomaly     string `parquet:"name=anomaly, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Entity:      row.Entity,
			ID:          row.ID,
			AccountID:   row.AccountID,
			Currency:    row.Currency,
			AmountMinor: row.AmountMinor,
			Status:      row.Status,
			CreatedAt:   formatTime(row.CreatedAt),
			UpdatedAt:   formatTime(row.UpdatedAt),
			Anomaly:     row.Anomaly,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
