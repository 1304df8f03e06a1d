// Package intents manages payment intents for tips and subscription charges.
package intents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"creatorpay/observability"
	"creatorpay/observability/logging"
	"creatorpay/services/creatorpay/idempotency"
	"creatorpay/services/creatorpay/keylock"
	"creatorpay/services/creatorpay/models"
	"creatorpay/services/creatorpay/payerr"
	"creatorpay/services/creatorpay/processor"
)

// Scope is the idempotency scope for intent creation.
const Scope = "payment_intent"

const (
	defaultMinimumChargeMinor = 50
	maxVersionRetries         = 3
)

// DefaultTiers are the subscription prices in minor units.
var DefaultTiers = map[string]int64{
	"basic":   499,
	"premium": 1499,
	"vip":     2999,
	"elite":   4999,
}

// Repository persists payment intents.
type Repository interface {
	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error)
	FindIntentByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error)
	UpdateIntent(ctx context.Context, intent *models.PaymentIntent) error
}

// Config bounds intent creation.
type Config struct {
	MinimumChargeMinor int64
	Tiers              map[string]int64
}

// Manager implements the payment intent operations.
type Manager struct {
	repo      Repository
	idem      idempotency.Store
	processor processor.Client
	minCharge int64
	tiers     map[string]int64
	locks     *keylock.Locker
	metrics   *observability.PaymentsMetrics
	logger    *slog.Logger
}

// Option customises the manager.
type Option func(*Manager)

// WithMetrics records intent outcomes.
func WithMetrics(m *observability.PaymentsMetrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(mgr *Manager) {
		if logger != nil {
			mgr.logger = logger
		}
	}
}

// NewManager wires the manager.
func NewManager(repo Repository, idem idempotency.Store, proc processor.Client, cfg Config, opts ...Option) (*Manager, error) {
	if repo == nil || idem == nil || proc == nil {
		return nil, errors.New("intents: repository, idempotency store and processor are required")
	}
	m := &Manager{
		repo:      repo,
		idem:      idem,
		processor: proc,
		minCharge: cfg.MinimumChargeMinor,
		tiers:     cfg.Tiers,
		locks:     keylock.New(),
		logger:    slog.Default(),
	}
	if m.minCharge <= 0 {
		m.minCharge = defaultMinimumChargeMinor
	}
	if len(m.tiers) == 0 {
		m.tiers = DefaultTiers
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Request describes an intent to create.
type Request struct {
	AmountMinor    int64
	Currency       string
	Kind           models.IntentKind
	TierID         string
	PayerRef       string
	PayeeRef       string
	IdempotencyKey string
	Metadata       map[string]string
}

// Result is returned by CreateIntent.
type Result struct {
	Intent   *models.PaymentIntent
	Replayed bool
}

func (m *Manager) normalise(req Request) (Request, error) {
	req.Currency = strings.ToLower(strings.TrimSpace(req.Currency))
	req.TierID = strings.ToLower(strings.TrimSpace(req.TierID))
	req.PayerRef = strings.TrimSpace(req.PayerRef)
	req.PayeeRef = strings.TrimSpace(req.PayeeRef)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if !req.Kind.Valid() {
		return req, payerr.ErrInvalidRequest.With("kind must be tip or subscription")
	}
	if req.TierID != "" {
		if req.Kind != models.KindSubscription {
			return req, payerr.ErrInvalidRequest.With("tierId only applies to subscriptions")
		}
		price, ok := m.tiers[req.TierID]
		if !ok {
			return req, payerr.ErrInvalidRequest.With("unknown subscription tier %q", req.TierID)
		}
		if req.AmountMinor == 0 {
			req.AmountMinor = price
		} else if req.AmountMinor != price {
			return req, payerr.ErrInvalidRequest.With("amount %d does not match tier %s price %d", req.AmountMinor, req.TierID, price)
		}
	}
	if req.AmountMinor < m.minCharge {
		return req, payerr.ErrInvalidAmount.With("amount must be at least %d minor units", m.minCharge)
	}
	if !validCurrency(req.Currency) {
		return req, payerr.ErrInvalidRequest.With("currency must be a three letter code")
	}
	if req.PayerRef == "" || req.PayeeRef == "" {
		return req, payerr.ErrInvalidRequest.With("payerRef and payeeRef are required")
	}
	if req.IdempotencyKey == "" {
		return req, payerr.ErrInvalidRequest.With("idempotencyKey is required")
	}
	return req, nil
}

func kindLabel(k models.IntentKind) string {
	if !k.Valid() {
		return "invalid"
	}
	return string(k)
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

func fingerprint(req Request) string {
	return idempotency.Fingerprint(
		strconv.FormatInt(req.AmountMinor, 10),
		req.Currency,
		string(req.Kind),
		req.TierID,
		req.PayerRef,
		req.PayeeRef,
	)
}

// CreateIntent creates a processor intent at most once per idempotency key.
func (m *Manager) CreateIntent(ctx context.Context, req Request) (*Result, error) {
	req, err := m.normalise(req)
	if err != nil {
		m.metrics.RecordIntent(kindLabel(req.Kind), "rejected")
		return nil, err
	}
	claim, err := m.idem.Claim(ctx, Scope, req.IdempotencyKey, fingerprint(req))
	switch {
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		m.metrics.RecordIntent(kindLabel(req.Kind), "conflict")
		return nil, payerr.ErrIdempotencyReuse
	case errors.Is(err, idempotency.ErrInFlight):
		return nil, payerr.ErrInFlight
	case err != nil:
		return nil, err
	}
	if claim.Outcome == idempotency.Replay {
		intent, err := m.repo.GetIntent(ctx, claim.Record.ResourceID)
		if err != nil {
			return nil, err
		}
		if intent == nil {
			return nil, payerr.ErrIntentNotFound.With("intent %s recorded for key is missing", claim.Record.ResourceID)
		}
		m.metrics.RecordIntent(kindLabel(req.Kind), "replayed")
		return &Result{Intent: intent, Replayed: true}, nil
	}

	intent, err := m.createFresh(ctx, req)
	if err != nil {
		if relErr := m.idem.Release(ctx, Scope, req.IdempotencyKey); relErr != nil {
			m.logger.Error("release idempotency key", slog.String("key", req.IdempotencyKey), slog.String("error", relErr.Error()))
		}
		m.metrics.RecordIntent(kindLabel(req.Kind), "failed")
		return nil, err
	}
	response, _ := json.Marshal(map[string]string{"intentId": intent.ID, "clientSecret": intent.ClientSecret})
	if err := m.idem.Complete(ctx, Scope, req.IdempotencyKey, intent.ID, response); err != nil {
		return nil, fmt.Errorf("intents: complete key: %w", err)
	}
	m.metrics.RecordIntent(kindLabel(req.Kind), "created")
	m.logger.Info("payment intent created",
		slog.String("intent_id", intent.ID),
		slog.String("kind", string(intent.Kind)),
		slog.Int64("amount_minor", intent.AmountMinor),
		slog.String("currency", intent.Currency),
		logging.MaskField("payee_ref", intent.PayeeRef))
	return &Result{Intent: intent}, nil
}

func (m *Manager) createFresh(ctx context.Context, req Request) (*models.PaymentIntent, error) {
	// A previous holder of the key may have persisted the intent before losing its lease.
	if existing, err := m.repo.FindIntentByIdempotencyKey(ctx, req.IdempotencyKey); err != nil || existing != nil {
		return existing, err
	}
	metadata := map[string]string{
		"kind":      string(req.Kind),
		"payer_ref": req.PayerRef,
		"payee_ref": req.PayeeRef,
	}
	if req.TierID != "" {
		metadata["tier_id"] = req.TierID
	}
	for k, v := range req.Metadata {
		if _, reserved := metadata[k]; !reserved {
			metadata[k] = v
		}
	}
	remote, err := m.processor.CreatePaymentIntent(ctx, processor.PaymentIntentParams{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Metadata:       metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("intents: encode metadata: %w", err)
	}
	intent := &models.PaymentIntent{
		ID:             remote.ID,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Kind:           req.Kind,
		TierID:         req.TierID,
		PayerRef:       req.PayerRef,
		PayeeRef:       req.PayeeRef,
		Status:         models.IntentCreated,
		IdempotencyKey: req.IdempotencyKey,
		ClientSecret:   remote.ClientSecret,
		Metadata:       string(encoded),
	}
	if err := m.repo.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// Get returns a stored intent.
func (m *Manager) Get(ctx context.Context, id string) (*models.PaymentIntent, error) {
	intent, err := m.repo.GetIntent(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, payerr.ErrIntentNotFound.With("payment intent %s not found", id)
	}
	return intent, nil
}

// MarkSucceeded records a processor-confirmed success. Reporting the same
// terminal state again is a no-op with changed=false.
func (m *Manager) MarkSucceeded(ctx context.Context, id, confirmationID string) (*models.PaymentIntent, bool, error) {
	return m.finish(ctx, id, models.IntentSucceeded, func(intent *models.PaymentIntent) {
		intent.ExternalConfirmationID = confirmationID
		intent.FailureReason = ""
	})
}

// MarkFailed records a processor-reported failure.
func (m *Manager) MarkFailed(ctx context.Context, id, reason string) (*models.PaymentIntent, bool, error) {
	return m.finish(ctx, id, models.IntentFailed, func(intent *models.PaymentIntent) {
		intent.FailureReason = reason
	})
}

// MarkCanceled records a processor-side cancellation.
func (m *Manager) MarkCanceled(ctx context.Context, id string) (*models.PaymentIntent, bool, error) {
	return m.finish(ctx, id, models.IntentCanceled, nil)
}

// MarkRequiresAction notes that the payer must complete an extra step. It never
// moves a terminal intent.
func (m *Manager) MarkRequiresAction(ctx context.Context, id string) (*models.PaymentIntent, bool, error) {
	return m.transition(ctx, id, func(intent *models.PaymentIntent) (bool, error) {
		if intent.Status.Terminal() || intent.Status == models.IntentRequiresAction {
			return false, nil
		}
		intent.Status = models.IntentRequiresAction
		return true, nil
	})
}

func (m *Manager) finish(ctx context.Context, id string, target models.IntentStatus, apply func(*models.PaymentIntent)) (*models.PaymentIntent, bool, error) {
	intent, changed, err := m.transition(ctx, id, func(intent *models.PaymentIntent) (bool, error) {
		if intent.Status == target {
			return false, nil
		}
		if intent.Status.Terminal() {
			return false, payerr.ErrInvalidTransition.With("payment intent %s is %s, cannot become %s", intent.ID, intent.Status, target)
		}
		intent.Status = target
		if apply != nil {
			apply(intent)
		}
		return true, nil
	})
	if err == nil && changed {
		m.metrics.RecordIntent(string(intent.Kind), string(target))
	}
	return intent, changed, err
}

func (m *Manager) transition(ctx context.Context, id string, apply func(*models.PaymentIntent) (bool, error)) (*models.PaymentIntent, bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		intent, err := m.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		from := intent.Status
		changed, err := apply(intent)
		if err != nil || !changed {
			return intent, false, err
		}
		err = m.repo.UpdateIntent(ctx, intent)
		if errors.Is(err, models.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		m.logger.Info("payment intent transitioned",
			slog.String("intent_id", intent.ID),
			slog.String("from", string(from)),
			slog.String("to", string(intent.Status)))
		return intent, true, nil
	}
	return nil, false, payerr.ErrInFlight.With("payment intent %s is being updated concurrently", id)
}
