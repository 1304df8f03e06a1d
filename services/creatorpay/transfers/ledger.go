// Package transfers moves settled platform funds into creators' connected accounts.
package transfers

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"creatorpay/observability"
	"creatorpay/services/creatorpay/keylock"
	"creatorpay/services/creatorpay/models"
	"creatorpay/services/creatorpay/payerr"
	"creatorpay/services/creatorpay/processor"
)

// Repository is the persistence the ledger reads and writes.
type Repository interface {
	GetAccount(ctx context.Context, id string) (*models.ConnectedAccount, error)
	GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error)
	GetTransfer(ctx context.Context, id string) (*models.Transfer, error)
	GetTransferBySourceIntent(ctx context.Context, intentID string) (*models.Transfer, error)
	CreateTransferWithCredit(ctx context.Context, t *models.Transfer) error
	UpdateTransferStatus(ctx context.Context, id string, from, to models.TransferStatus) error
}

// Ledger implements transfer creation and status tracking.
type Ledger struct {
	repo      Repository
	processor processor.Client
	locks     *keylock.Locker
	metrics   *observability.PaymentsMetrics
	logger    *slog.Logger
}

// Option customises the ledger.
type Option func(*Ledger)

// WithMetrics records transfer outcomes.
func WithMetrics(m *observability.PaymentsMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger wires the ledger.
func NewLedger(repo Repository, proc processor.Client, opts ...Option) (*Ledger, error) {
	if repo == nil || proc == nil {
		return nil, errors.New("transfers: repository and processor are required")
	}
	l := &Ledger{repo: repo, processor: proc, locks: keylock.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Result is returned by CreateTransfer.
type Result struct {
	Transfer *models.Transfer
	// Replayed is set when the intent had already been transferred identically.
	Replayed bool
}

// CreateTransfer moves amountMinor of a succeeded intent into the destination
// account. Each intent funds at most one transfer.
func (l *Ledger) CreateTransfer(ctx context.Context, sourceIntentID, destinationAccountID string, amountMinor int64) (*Result, error) {
	sourceIntentID = strings.TrimSpace(sourceIntentID)
	destinationAccountID = strings.TrimSpace(destinationAccountID)
	if sourceIntentID == "" || destinationAccountID == "" {
		return nil, payerr.ErrInvalidRequest.With("sourceIntentId and destinationAccountId are required")
	}
	if amountMinor <= 0 {
		return nil, payerr.ErrInvalidRequest.With("amountMinor must be positive")
	}

	unlock := l.locks.Lock(sourceIntentID)
	defer unlock()

	if res, err := l.existing(ctx, sourceIntentID, destinationAccountID, amountMinor); res != nil || err != nil {
		return res, err
	}

	intent, err := l.repo.GetIntent(ctx, sourceIntentID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, payerr.ErrIntentNotFound.With("payment intent %s not found", sourceIntentID)
	}
	acct, err := l.repo.GetAccount(ctx, destinationAccountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, payerr.ErrAccountNotFound.With("account %s not found", destinationAccountID)
	}
	if !acct.ChargesEnabled || !acct.DetailsSubmitted || acct.Status == models.AccountDisabled {
		l.metrics.RecordTransfer("rejected")
		return nil, payerr.ErrAccountNotEligible.With("account %s cannot receive transfers", acct.ID)
	}
	if intent.Status != models.IntentSucceeded {
		l.metrics.RecordTransfer("rejected")
		return nil, payerr.ErrIntentNotSettled.With("payment intent %s is %s", intent.ID, intent.Status)
	}
	if amountMinor > intent.AmountMinor {
		return nil, payerr.ErrInvalidRequest.With("amount %d exceeds intent amount %d", amountMinor, intent.AmountMinor)
	}

	remote, err := l.processor.CreateTransfer(ctx, processor.TransferParams{
		AmountMinor:       amountMinor,
		Currency:          intent.Currency,
		DestinationID:     acct.ID,
		SourceTransaction: intent.ExternalConfirmationID,
		TransferGroup:     intent.ID,
		IdempotencyKey:    "transfer:" + intent.ID,
	})
	if err != nil {
		l.metrics.RecordTransfer("failed")
		return nil, err
	}
	transfer := &models.Transfer{
		ID:                   remote.ID,
		SourceIntentID:       intent.ID,
		DestinationAccountID: acct.ID,
		AmountMinor:          amountMinor,
		Currency:             intent.Currency,
		Status:               models.TransferPending,
	}
	if err := l.repo.CreateTransferWithCredit(ctx, transfer); err != nil {
		// Another instance may have recorded the same transfer first.
		if res, lookupErr := l.existing(ctx, sourceIntentID, destinationAccountID, amountMinor); res != nil {
			return res, lookupErr
		}
		return nil, err
	}
	l.metrics.RecordTransfer("created")
	l.logger.Info("transfer created",
		slog.String("transfer_id", transfer.ID),
		slog.String("source_intent_id", intent.ID),
		slog.String("destination_account_id", acct.ID),
		slog.Int64("amount_minor", amountMinor))
	return &Result{Transfer: transfer}, nil
}

func (l *Ledger) existing(ctx context.Context, sourceIntentID, destinationAccountID string, amountMinor int64) (*Result, error) {
	prior, err := l.repo.GetTransferBySourceIntent(ctx, sourceIntentID)
	if err != nil || prior == nil {
		return nil, err
	}
	if prior.DestinationAccountID != destinationAccountID || prior.AmountMinor != amountMinor {
		return nil, payerr.ErrAlreadyTransferred.With("payment intent %s already funded transfer %s", sourceIntentID, prior.ID)
	}
	l.metrics.RecordTransfer("replayed")
	return &Result{Transfer: prior, Replayed: true}, nil
}

// Snapshot is a processor-reported transfer status.
type Snapshot struct {
	TransferID string
	Status     models.TransferStatus
}

// ApplyTransferUpdate records an informational status change. Terminal
// statuses never change.
func (l *Ledger) ApplyTransferUpdate(ctx context.Context, snap Snapshot) (bool, error) {
	transfer, err := l.Get(ctx, snap.TransferID)
	if err != nil {
		return false, err
	}
	if transfer.Status == snap.Status {
		return false, nil
	}
	if transfer.Status.Terminal() {
		return false, payerr.ErrInvalidTransition.With("transfer %s is %s, cannot become %s", transfer.ID, transfer.Status, snap.Status)
	}
	if snap.Status == models.TransferPending {
		return false, nil
	}
	err = l.repo.UpdateTransferStatus(ctx, transfer.ID, transfer.Status, snap.Status)
	if errors.Is(err, models.ErrStaleVersion) {
		// Lost to a concurrent delivery; the winner applied a terminal status.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	l.logger.Info("transfer status updated",
		slog.String("transfer_id", transfer.ID),
		slog.String("from", string(transfer.Status)),
		slog.String("to", string(snap.Status)))
	return true, nil
}

// Get returns a stored transfer.
func (l *Ledger) Get(ctx context.Context, id string) (*models.Transfer, error) {
	transfer, err := l.repo.GetTransfer(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if transfer == nil {
		return nil, payerr.ErrTransferNotFound.With("transfer %s not found", id)
	}
	return transfer, nil
}

// ForIntent returns the transfer funded by intentID, or nil.
func (l *Ledger) ForIntent(ctx context.Context, intentID string) (*models.Transfer, error) {
	return l.repo.GetTransferBySourceIntent(ctx, intentID)
}
