package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"creatorpay/services/creatorpay/models"
)

// Store implements every repository interface on top of gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the database described by url. postgres:// and postgresql://
// URLs use the postgres driver; sqlite:// (or file:) URLs use the pure-Go sqlite driver.
func Open(url string) (*gorm.DB, error) {
	return OpenLogged(url, slog.Default())
}

// OpenLogged is Open with gorm's warnings routed to log.
func OpenLogged(url string, log *slog.Logger) (*gorm.DB, error) {
	url = strings.TrimSpace(url)
	cfg := &gorm.Config{Logger: gormLogger(log)}
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return gorm.Open(postgres.Open(url), cfg)
	case strings.HasPrefix(url, "sqlite://"):
		return gorm.Open(sqlite.Open(strings.TrimPrefix(url, "sqlite://")), cfg)
	case strings.HasPrefix(url, "file:"):
		return gorm.Open(sqlite.Open(url), cfg)
	default:
		return nil, fmt.Errorf("store: unsupported database url %q", url)
	}
}

// gormLogger reports slow statements and errors without bound parameters.
// Lookup misses are expected and stay quiet.
func gormLogger(log *slog.Logger) logger.Interface {
	if log == nil {
		log = slog.Default()
	}
	return logger.New(slog.NewLogLogger(log.Handler(), slog.LevelWarn), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
		Colorful:                  false,
	})
}

// New wraps db.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock overrides the time source used for bookkeeping columns.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// DB exposes the underlying handle for components that query directly.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func first[T any](ctx context.Context, db *gorm.DB, query string, args ...any) (*T, error) {
	var out T
	err := db.WithContext(ctx).Where(query, args...).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAccount inserts a new connected account.
func (s *Store) CreateAccount(ctx context.Context, acct *models.ConnectedAccount) error {
	if acct.Version == 0 {
		acct.Version = 1
	}
	if err := s.db.WithContext(ctx).Create(acct).Error; err != nil {
		return fmt.Errorf("store: create account: %w", err)
	}
	return nil
}

// GetAccount returns the account or nil when unknown.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.ConnectedAccount, error) {
	acct, err := first[models.ConnectedAccount](ctx, s.db, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("store: get account: %w", err)
	}
	return acct, nil
}

// FindAccountByOwner returns the owner's live (non-disabled) account, if any.
func (s *Store) FindAccountByOwner(ctx context.Context, ownerID string) (*models.ConnectedAccount, error) {
	acct, err := first[models.ConnectedAccount](ctx, s.db, "owner_id = ? AND status <> ?", ownerID, models.AccountDisabled)
	if err != nil {
		return nil, fmt.Errorf("store: find account by owner: %w", err)
	}
	return acct, nil
}

// CountAccountsByOwner counts every account ever opened for ownerID, disabled
// ones included.
func (s *Store) CountAccountsByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.ConnectedAccount{}).Where("owner_id = ?", ownerID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: count accounts by owner: %w", err)
	}
	return n, nil
}

// UpdateAccount writes acct if its version still matches and bumps the version.
func (s *Store) UpdateAccount(ctx context.Context, acct *models.ConnectedAccount) error {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.ConnectedAccount{}).
		Where("id = ? AND version = ?", acct.ID, acct.Version).
		Updates(map[string]any{
			"status":            acct.Status,
			"charges_enabled":   acct.ChargesEnabled,
			"payouts_enabled":   acct.PayoutsEnabled,
			"details_submitted": acct.DetailsSubmitted,
			"deleted_at":        acct.DeletedAt,
			"version":           acct.Version + 1,
			"updated_at":        now,
		})
	if res.Error != nil {
		return fmt.Errorf("store: update account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrStaleVersion
	}
	acct.Version++
	acct.UpdatedAt = now
	return nil
}

// ListAccounts returns up to limit accounts, newest first.
func (s *Store) ListAccounts(ctx context.Context, limit int) ([]models.ConnectedAccount, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var out []models.ConnectedAccount
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	return out, nil
}

// CreateIntent inserts a payment intent.
func (s *Store) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	if intent.Version == 0 {
		intent.Version = 1
	}
	if err := s.db.WithContext(ctx).Create(intent).Error; err != nil {
		return fmt.Errorf("store: create intent: %w", err)
	}
	return nil
}

// GetIntent returns the intent or nil when unknown.
func (s *Store) GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	intent, err := first[models.PaymentIntent](ctx, s.db, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("store: get intent: %w", err)
	}
	return intent, nil
}

// FindIntentByIdempotencyKey returns the intent created under key, if any.
func (s *Store) FindIntentByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	intent, err := first[models.PaymentIntent](ctx, s.db, "idempotency_key = ?", key)
	if err != nil {
		return nil, fmt.Errorf("store: find intent by key: %w", err)
	}
	return intent, nil
}

// UpdateIntent writes the mutable intent fields under optimistic versioning.
func (s *Store) UpdateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("id = ? AND version = ?", intent.ID, intent.Version).
		Updates(map[string]any{
			"status":                   intent.Status,
			"external_confirmation_id": intent.ExternalConfirmationID,
			"failure_reason":           intent.FailureReason,
			"version":                  intent.Version + 1,
			"updated_at":               now,
		})
	if res.Error != nil {
		return fmt.Errorf("store: update intent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrStaleVersion
	}
	intent.Version++
	intent.UpdatedAt = now
	return nil
}

// GetTransfer returns the transfer or nil when unknown.
func (s *Store) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	t, err := first[models.Transfer](ctx, s.db, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("store: get transfer: %w", err)
	}
	return t, nil
}

// GetTransferBySourceIntent returns the transfer funded by intentID, if any.
func (s *Store) GetTransferBySourceIntent(ctx context.Context, intentID string) (*models.Transfer, error) {
	t, err := first[models.Transfer](ctx, s.db, "source_intent_id = ?", intentID)
	if err != nil {
		return nil, fmt.Errorf("store: get transfer by intent: %w", err)
	}
	return t, nil
}

// CreateTransferWithCredit inserts the transfer and credits the destination balance atomically.
func (s *Store) CreateTransferWithCredit(ctx context.Context, t *models.Transfer) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return fmt.Errorf("store: create transfer: %w", err)
		}
		return adjustBalance(tx, t.DestinationAccountID, t.Currency, t.AmountMinor, 0, s.now().UTC())
	})
}

// UpdateTransferStatus moves a transfer from one status to another.
func (s *Store) UpdateTransferStatus(ctx context.Context, id string, from, to models.TransferStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Transfer{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("store: update transfer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrStaleVersion
	}
	return nil
}

// CreatePayoutWithDebit inserts the payout and records it against the balance atomically.
func (s *Store) CreatePayoutWithDebit(ctx context.Context, p *models.Payout) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("store: create payout: %w", err)
		}
		return adjustBalance(tx, p.AccountID, p.Currency, 0, p.AmountMinor, s.now().UTC())
	})
}

// GetPayout returns the payout or nil when unknown.
func (s *Store) GetPayout(ctx context.Context, id string) (*models.Payout, error) {
	p, err := first[models.Payout](ctx, s.db, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("store: get payout: %w", err)
	}
	return p, nil
}

// TransitionPayout moves a payout from one status to another. When refund is set
// the amount is returned to the account balance in the same transaction.
func (s *Store) TransitionPayout(ctx context.Context, p *models.Payout, from, to models.PayoutStatus, reason string, refund bool) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payout{}).
			Where("id = ? AND status = ?", p.ID, from).
			Updates(map[string]any{"status": to, "failure_reason": reason, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("store: transition payout: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrStaleVersion
		}
		if refund {
			return adjustBalance(tx, p.AccountID, p.Currency, 0, -p.AmountMinor, now)
		}
		return nil
	})
}

// ListPayouts returns an account's payouts, newest first.
func (s *Store) ListPayouts(ctx context.Context, accountID string, limit int) ([]models.Payout, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var out []models.Payout
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("requested_at DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list payouts: %w", err)
	}
	return out, nil
}

// GetBalance returns the balance row for account/currency, zero-valued when absent.
func (s *Store) GetBalance(ctx context.Context, accountID, currency string) (models.AccountBalance, error) {
	bal, err := first[models.AccountBalance](ctx, s.db, "account_id = ? AND currency = ?", accountID, currency)
	if err != nil {
		return models.AccountBalance{}, fmt.Errorf("store: get balance: %w", err)
	}
	if bal == nil {
		return models.AccountBalance{AccountID: accountID, Currency: currency}, nil
	}
	return *bal, nil
}

func adjustBalance(tx *gorm.DB, accountID, currency string, transferred, paidOut int64, now time.Time) error {
	row := models.AccountBalance{AccountID: accountID, Currency: currency, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("store: init balance: %w", err)
	}
	err := tx.Model(&models.AccountBalance{}).
		Where("account_id = ? AND currency = ?", accountID, currency).
		Updates(map[string]any{
			"transferred_minor": gorm.Expr("transferred_minor + ?", transferred),
			"paid_out_minor":    gorm.Expr("paid_out_minor + ?", paidOut),
			"updated_at":        now,
		}).Error
	if err != nil {
		return fmt.Errorf("store: adjust balance: %w", err)
	}
	return nil
}

// RecordEvent stores evt on first sight and reports whether it was new.
func (s *Store) RecordEvent(ctx context.Context, evt *models.WebhookEvent) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(evt)
	if res.Error != nil {
		return false, fmt.Errorf("store: record event: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkEventProcessed flags the event as handled.
func (s *Store) MarkEventProcessed(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]any{"processed": true, "processed_at": at}).Error
	if err != nil {
		return fmt.Errorf("store: mark event processed: %w", err)
	}
	return nil
}

// GetEvent returns the stored event or nil.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	evt, err := first[models.WebhookEvent](ctx, s.db, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("store: get event: %w", err)
	}
	return evt, nil
}

// ListEvents returns recent webhook events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.WebhookEvent
	if err := s.db.WithContext(ctx).Order("received_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	return out, nil
}
