// Package payouts pays connected account balances out to creators' banks.
package payouts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"creatorpay/observability"
	"creatorpay/services/creatorpay/idempotency"
	"creatorpay/services/creatorpay/keylock"
	"creatorpay/services/creatorpay/models"
	"creatorpay/services/creatorpay/payerr"
	"creatorpay/services/creatorpay/processor"
)

// Scope is the idempotency scope for payout requests carrying a caller key.
const Scope = "payout"

const (
	defaultMinimumPayoutMinor = 2500
	defaultHoldingPeriod      = 7 * 24 * time.Hour
	defaultCurrency           = "usd"
	maxVersionRetries         = 3
)

// Repository persists payouts and balances.
type Repository interface {
	GetAccount(ctx context.Context, id string) (*models.ConnectedAccount, error)
	CreatePayoutWithDebit(ctx context.Context, p *models.Payout) error
	GetPayout(ctx context.Context, id string) (*models.Payout, error)
	TransitionPayout(ctx context.Context, p *models.Payout, from, to models.PayoutStatus, reason string, refund bool) error
	ListPayouts(ctx context.Context, accountID string, limit int) ([]models.Payout, error)
	GetBalance(ctx context.Context, accountID, currency string) (models.AccountBalance, error)
}

// Config bounds payout requests.
type Config struct {
	MinimumPayoutMinor int64
	HoldingPeriod      time.Duration
	DefaultCurrency    string
}

// Scheduler implements the payout operations.
type Scheduler struct {
	repo      Repository
	idem      idempotency.Store
	processor processor.Client
	minPayout int64
	holding   time.Duration
	currency  string
	locks     *keylock.Locker
	metrics   *observability.PaymentsMetrics
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	paused   bool
	pausedAt time.Time
}

// Option customises the scheduler.
type Option func(*Scheduler)

// WithMetrics records payout outcomes and the pause gauge.
func WithMetrics(m *observability.PaymentsMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler wires the scheduler.
func NewScheduler(repo Repository, idem idempotency.Store, proc processor.Client, cfg Config, opts ...Option) (*Scheduler, error) {
	if repo == nil || idem == nil || proc == nil {
		return nil, errors.New("payouts: repository, idempotency store and processor are required")
	}
	s := &Scheduler{
		repo:      repo,
		idem:      idem,
		processor: proc,
		minPayout: cfg.MinimumPayoutMinor,
		holding:   cfg.HoldingPeriod,
		currency:  strings.ToLower(strings.TrimSpace(cfg.DefaultCurrency)),
		locks:     keylock.New(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	if s.minPayout <= 0 {
		s.minPayout = defaultMinimumPayoutMinor
	}
	if s.holding <= 0 {
		s.holding = defaultHoldingPeriod
	}
	if s.currency == "" {
		s.currency = defaultCurrency
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Request describes a payout to create.
type Request struct {
	AccountID   string
	AmountMinor int64
	// Currency defaults to the configured payout currency.
	Currency string
	// IdempotencyKey optionally deduplicates client retries.
	IdempotencyKey string
}

// Result is returned by RequestPayout.
type Result struct {
	Payout   *models.Payout
	Replayed bool
}

// RequestPayout pays amountMinor out of an active account.
func (s *Scheduler) RequestPayout(ctx context.Context, req Request) (*Result, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Currency = strings.ToLower(strings.TrimSpace(req.Currency))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.Currency == "" {
		req.Currency = s.currency
	}
	if req.AmountMinor < s.minPayout {
		s.metrics.RecordPayout("rejected")
		return nil, payerr.ErrBelowMinimum.With("payout must be at least %d minor units", s.minPayout)
	}
	if s.Status().Paused {
		s.metrics.RecordPayout("paused")
		return nil, payerr.ErrPayoutsPaused
	}
	acct, err := s.repo.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, payerr.ErrAccountNotFound.With("account %s not found", req.AccountID)
	}
	if acct.Status != models.AccountActive {
		s.metrics.RecordPayout("rejected")
		return nil, payerr.ErrAccountNotActive.With("account %s is %s", acct.ID, acct.Status)
	}

	if req.IdempotencyKey == "" {
		// No caller key: still pin one processor key so transport retries cannot pay twice.
		payout, err := s.create(ctx, req, "payout:"+req.AccountID+":"+uuid.NewString())
		if err != nil {
			return nil, err
		}
		return &Result{Payout: payout}, nil
	}

	key := req.AccountID + ":" + req.IdempotencyKey
	fp := idempotency.Fingerprint(req.AccountID, strconv.FormatInt(req.AmountMinor, 10), req.Currency)
	claim, err := s.idem.Claim(ctx, Scope, key, fp)
	switch {
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		return nil, payerr.ErrIdempotencyReuse
	case errors.Is(err, idempotency.ErrInFlight):
		return nil, payerr.ErrInFlight
	case err != nil:
		return nil, err
	}
	if claim.Outcome == idempotency.Replay {
		payout, err := s.Get(ctx, claim.Record.ResourceID)
		if err != nil {
			return nil, err
		}
		return &Result{Payout: payout, Replayed: true}, nil
	}
	payout, err := s.create(ctx, req, "payout:"+key)
	if err != nil {
		if relErr := s.idem.Release(ctx, Scope, key); relErr != nil {
			s.logger.Error("release idempotency key", slog.String("key", key), slog.String("error", relErr.Error()))
		}
		return nil, err
	}
	response, _ := json.Marshal(map[string]string{"payoutId": payout.ID})
	if err := s.idem.Complete(ctx, Scope, key, payout.ID, response); err != nil {
		s.logger.Error("complete idempotency key", slog.String("key", key), slog.String("error", err.Error()))
	}
	return &Result{Payout: payout}, nil
}

func (s *Scheduler) create(ctx context.Context, req Request, processorKey string) (*models.Payout, error) {
	remote, err := s.processor.CreatePayout(ctx, processor.PayoutParams{
		AccountID:      req.AccountID,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		IdempotencyKey: processorKey,
	})
	if err != nil {
		s.metrics.RecordPayout("failed")
		return nil, err
	}
	requested := s.now().UTC()
	payout := &models.Payout{
		ID:               remote.ID,
		AccountID:        req.AccountID,
		AmountMinor:      req.AmountMinor,
		Currency:         req.Currency,
		Status:           models.PayoutPending,
		RequestedAt:      requested,
		EstimatedArrival: requested.Add(s.holding),
		UpdatedAt:        requested,
	}
	if err := s.repo.CreatePayoutWithDebit(ctx, payout); err != nil {
		return nil, err
	}
	s.metrics.RecordPayout("requested")
	s.logger.Info("payout requested",
		slog.String("payout_id", payout.ID),
		slog.String("account_id", payout.AccountID),
		slog.Int64("amount_minor", payout.AmountMinor),
		slog.Time("estimated_arrival", payout.EstimatedArrival))
	return payout, nil
}

// Snapshot is a processor-reported payout status.
type Snapshot struct {
	PayoutID      string
	Status        models.PayoutStatus
	FailureReason string
}

func allowed(from, to models.PayoutStatus) bool {
	switch to {
	case models.PayoutInTransit:
		return from == models.PayoutPending
	case models.PayoutPaid:
		// The processor may report paid without a preceding in_transit.
		return from == models.PayoutPending || from == models.PayoutInTransit
	case models.PayoutFailed, models.PayoutCanceled:
		return !from.Terminal()
	default:
		return false
	}
}

// ApplyPayoutUpdate folds a processor status into the stored payout. Terminal
// statuses never change; failed and canceled payouts return their amount to
// the balance.
func (s *Scheduler) ApplyPayoutUpdate(ctx context.Context, snap Snapshot) (bool, error) {
	unlock := s.locks.Lock(snap.PayoutID)
	defer unlock()
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		payout, err := s.Get(ctx, snap.PayoutID)
		if err != nil {
			return false, err
		}
		if payout.Status == snap.Status {
			return false, nil
		}
		if !allowed(payout.Status, snap.Status) {
			return false, payerr.ErrInvalidTransition.With("payout %s is %s, cannot become %s", payout.ID, payout.Status, snap.Status)
		}
		refund := snap.Status == models.PayoutFailed || snap.Status == models.PayoutCanceled
		err = s.repo.TransitionPayout(ctx, payout, payout.Status, snap.Status, snap.FailureReason, refund)
		if errors.Is(err, models.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return false, err
		}
		s.metrics.RecordPayout(string(snap.Status))
		s.logger.Info("payout status updated",
			slog.String("payout_id", payout.ID),
			slog.String("from", string(payout.Status)),
			slog.String("to", string(snap.Status)),
			slog.Bool("refunded", refund))
		return true, nil
	}
	return false, payerr.ErrInFlight.With("payout %s is being updated concurrently", snap.PayoutID)
}

// Get returns a stored payout.
func (s *Scheduler) Get(ctx context.Context, id string) (*models.Payout, error) {
	payout, err := s.repo.GetPayout(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, payerr.ErrPayoutNotFound.With("payout %s not found", id)
	}
	return payout, nil
}

// Balance returns the account's derived balance in the configured currency.
func (s *Scheduler) Balance(ctx context.Context, accountID string) (models.AccountBalance, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return models.AccountBalance{}, err
	}
	if acct == nil {
		return models.AccountBalance{}, payerr.ErrAccountNotFound.With("account %s not found", accountID)
	}
	return s.repo.GetBalance(ctx, accountID, s.currency)
}

// List returns the account's payouts, newest first.
func (s *Scheduler) List(ctx context.Context, accountID string, limit int) ([]models.Payout, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, payerr.ErrAccountNotFound.With("account %s not found", accountID)
	}
	return s.repo.ListPayouts(ctx, accountID, limit)
}

// Pause rejects new payout requests until Resume.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.pausedAt = s.now().UTC()
	}
	s.metrics.SetPause(true)
	s.logger.Warn("payouts paused")
}

// Resume re-enables payout requests.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.pausedAt = time.Time{}
	s.metrics.SetPause(false)
	s.logger.Info("payouts resumed")
}

// Status summarises the operator controls.
type Status struct {
	Paused             bool       `json:"paused"`
	PausedAt           *time.Time `json:"pausedAt,omitempty"`
	MinimumPayoutMinor int64      `json:"minimumPayoutMinor"`
	HoldingPeriodDays  int        `json:"holdingPeriodDays"`
	Currency           string     `json:"currency"`
}

// Status reports whether payouts are paused.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Paused:             s.paused,
		MinimumPayoutMinor: s.minPayout,
		HoldingPeriodDays:  int(s.holding / (24 * time.Hour)),
		Currency:           s.currency,
	}
	if s.paused {
		at := s.pausedAt
		status.PausedAt = &at
	}
	return status
}
