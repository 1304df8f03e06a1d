// Package webhooks verifies, deduplicates and routes processor events to the
// components owning the affected state.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"creatorpay/observability"
	"creatorpay/observability/logging"
	"creatorpay/services/creatorpay/accounts"
	"creatorpay/services/creatorpay/idempotency"
	"creatorpay/services/creatorpay/models"
	"creatorpay/services/creatorpay/payerr"
	"creatorpay/services/creatorpay/payouts"
	"creatorpay/services/creatorpay/transfers"
)

// Scope is the idempotency scope for processor events.
const Scope = "webhook"

// Handler applies one event.
type Handler func(ctx context.Context, evt Event) error

// Intents is the payment intent surface the dispatcher drives.
type Intents interface {
	MarkSucceeded(ctx context.Context, id, confirmationID string) (*models.PaymentIntent, bool, error)
	MarkFailed(ctx context.Context, id, reason string) (*models.PaymentIntent, bool, error)
	MarkCanceled(ctx context.Context, id string) (*models.PaymentIntent, bool, error)
	MarkRequiresAction(ctx context.Context, id string) (*models.PaymentIntent, bool, error)
}

// Accounts is the connected account surface the dispatcher drives.
type Accounts interface {
	ApplyAccountUpdate(ctx context.Context, snap accounts.Snapshot) (bool, error)
	Deauthorize(ctx context.Context, accountID string) error
}

// Transfers is the transfer surface the dispatcher drives.
type Transfers interface {
	CreateTransfer(ctx context.Context, sourceIntentID, destinationAccountID string, amountMinor int64) (*transfers.Result, error)
	ApplyTransferUpdate(ctx context.Context, snap transfers.Snapshot) (bool, error)
}

// Payouts is the payout surface the dispatcher drives.
type Payouts interface {
	ApplyPayoutUpdate(ctx context.Context, snap payouts.Snapshot) (bool, error)
}

// EventLog records every verified event.
type EventLog interface {
	RecordEvent(ctx context.Context, evt *models.WebhookEvent) (bool, error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time) error
	FindAccountByOwner(ctx context.Context, ownerID string) (*models.ConnectedAccount, error)
}

// AutoTransfer forwards succeeded tips to the payee's connected account.
type AutoTransfer struct {
	Enabled bool
	// FeeBasisPoints is retained by the platform.
	FeeBasisPoints int64
}

// Deps are the collaborators of the dispatcher.
type Deps struct {
	Verifier  *Verifier
	Idem      idempotency.Store
	Log       EventLog
	Intents   Intents
	Accounts  Accounts
	Transfers Transfers
	Payouts   Payouts
}

// Dispatcher is the webhook ingress.
type Dispatcher struct {
	deps     Deps
	handlers map[EventKind]Handler
	auto     AutoTransfer
	metrics  *observability.PaymentsMetrics
	logger   *slog.Logger
	now      func() time.Time
	// orphanAfter bounds how long a missing local record is retried.
	orphanAfter time.Duration
}

// DefaultOrphanAfter is how old an event must be before a missing intent or
// account stops being treated as a race with the local insert.
const DefaultOrphanAfter = 72 * time.Hour

// Option customises the dispatcher.
type Option func(*Dispatcher)

// WithAutoTransfer enables forwarding succeeded tips.
func WithAutoTransfer(auto AutoTransfer) Option {
	return func(d *Dispatcher) { d.auto = auto }
}

// WithMetrics records event outcomes.
func WithMetrics(m *observability.PaymentsMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithOrphanAfter overrides DefaultOrphanAfter.
func WithOrphanAfter(window time.Duration) Option {
	return func(d *Dispatcher) {
		if window > 0 {
			d.orphanAfter = window
		}
	}
}

// WithHandler replaces the handler for kind.
func WithHandler(kind EventKind, h Handler) Option {
	return func(d *Dispatcher) { d.handlers[kind] = h }
}

// NewDispatcher builds the handler table and checks it covers every kind.
func NewDispatcher(deps Deps, opts ...Option) (*Dispatcher, error) {
	if deps.Verifier == nil || deps.Idem == nil || deps.Log == nil {
		return nil, errors.New("webhooks: verifier, idempotency store and event log are required")
	}
	if deps.Intents == nil || deps.Accounts == nil || deps.Transfers == nil || deps.Payouts == nil {
		return nil, errors.New("webhooks: intents, accounts, transfers and payouts are required")
	}
	d := &Dispatcher{deps: deps, logger: slog.Default(), now: time.Now, orphanAfter: DefaultOrphanAfter}
	d.handlers = d.table()
	for _, opt := range opts {
		opt(d)
	}
	if missing := d.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("webhooks: no handler for %v", missing)
	}
	return d, nil
}

func (d *Dispatcher) table() map[EventKind]Handler {
	return map[EventKind]Handler{
		EventPaymentSucceeded:      d.onPaymentSucceeded,
		EventPaymentFailed:         d.onPaymentFailed,
		EventPaymentCanceled:       d.onPaymentCanceled,
		EventPaymentRequiresAction: d.onPaymentRequiresAction,
		EventAccountUpdated:        d.onAccountUpdated,
		EventAccountDeauthorized:   d.onAccountDeauthorized,
		EventTransferCreated:       d.onTransfer(models.TransferPending),
		EventTransferUpdated:       d.onTransfer(models.TransferPending),
		EventTransferPaid:          d.onTransfer(models.TransferPaid),
		EventTransferFailed:        d.onTransfer(models.TransferFailed),
		EventTransferReversed:      d.onTransfer(models.TransferFailed),
		EventPayoutCreated:         d.onPayout(models.PayoutPending),
		EventPayoutUpdated:         d.onPayout(""),
		EventPayoutPaid:            d.onPayout(models.PayoutPaid),
		EventPayoutFailed:          d.onPayout(models.PayoutFailed),
		EventPayoutCanceled:        d.onPayout(models.PayoutCanceled),
		EventSubscriptionCreated:   d.onSubscription,
		EventSubscriptionDeleted:   d.onSubscription,
	}
}

// Missing lists kinds without a handler.
func (d *Dispatcher) Missing() []EventKind {
	var missing []EventKind
	for _, kind := range Kinds {
		if d.handlers[kind] == nil {
			missing = append(missing, kind)
		}
	}
	return missing
}

// Result describes how an event was handled.
type Result struct {
	EventID string
	Kind    EventKind
	// Deduped is set when the event had already been processed.
	Deduped bool
	// Ignored is set for unrouted kinds and events that cannot apply.
	Ignored bool
}

// Handle verifies and applies one delivery. A handler failure releases the
// event so the processor's redelivery can apply it.
func (d *Dispatcher) Handle(ctx context.Context, signature string, payload []byte) (*Result, error) {
	if err := d.deps.Verifier.Verify(signature, payload); err != nil {
		d.metrics.RecordWebhook("unknown", "rejected")
		d.logger.Warn("webhook signature rejected", slog.String("error", err.Error()))
		return nil, err
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil || evt.ID == "" || evt.Type == "" {
		d.metrics.RecordWebhook("unknown", "rejected")
		return nil, payerr.ErrInvalidRequest.With("webhook payload is not a processor event")
	}
	res := &Result{EventID: evt.ID, Kind: evt.Kind()}
	handler, routed := d.handlers[evt.Kind()]
	label := string(evt.Kind())
	if !routed {
		label = "unrouted"
	}

	if _, err := d.deps.Log.RecordEvent(ctx, &models.WebhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Payload:    string(payload),
		ReceivedAt: d.now().UTC(),
	}); err != nil {
		return nil, payerr.ErrUnavailable.Wrap(err)
	}

	claim, err := d.deps.Idem.Claim(ctx, Scope, evt.ID, idempotency.Fingerprint(evt.Type))
	switch {
	case errors.Is(err, idempotency.ErrInFlight):
		d.metrics.RecordWebhook(label, "in_flight")
		return nil, payerr.ErrInFlight.With("event %s is being processed", evt.ID)
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		d.metrics.RecordWebhook(label, "rejected")
		return nil, payerr.ErrInvalidRequest.With("event %s was seen with a different type", evt.ID)
	case err != nil:
		return nil, payerr.ErrUnavailable.Wrap(err)
	}
	if claim.Outcome == idempotency.Replay {
		d.metrics.RecordWebhook(label, "deduped")
		res.Deduped = true
		return res, nil
	}

	logger := d.logger.With(slog.String("event_id", evt.ID), slog.String("event_type", evt.Type))
	outcome := "processed"
	if !routed {
		logger.Info("webhook event not routed")
		res.Ignored = true
		outcome = "ignored"
	} else if err := handler(ctx, evt); err != nil {
		if !permanent(err) && !d.orphaned(evt, err) {
			if relErr := d.deps.Idem.Release(ctx, Scope, evt.ID); relErr != nil {
				logger.Error("release webhook key", slog.String("error", relErr.Error()))
			}
			d.metrics.RecordWebhook(label, "failed")
			logger.Error("webhook handler failed", slog.String("error", err.Error()))
			return nil, payerr.ErrUnavailable.With("event %s could not be applied", evt.ID).Wrap(err)
		}
		logger.Warn("webhook event cannot apply", slog.String("error", err.Error()))
		res.Ignored = true
		outcome = "ignored"
	}

	// Only acknowledge once the event is durably processed; otherwise release
	// the key and let the redelivery apply it again.
	if err := d.deps.Log.MarkEventProcessed(ctx, evt.ID, d.now().UTC()); err != nil {
		return nil, d.unrecorded(ctx, logger, label, evt.ID, "mark webhook processed", err)
	}
	if err := d.deps.Idem.Complete(ctx, Scope, evt.ID, evt.ID, nil); err != nil {
		return nil, d.unrecorded(ctx, logger, label, evt.ID, "complete webhook key", err)
	}
	d.metrics.RecordWebhook(label, outcome)
	return res, nil
}

func (d *Dispatcher) unrecorded(ctx context.Context, logger *slog.Logger, label, eventID, step string, err error) error {
	logger.Error(step, slog.String("error", err.Error()))
	if relErr := d.deps.Idem.Release(ctx, Scope, eventID); relErr != nil {
		logger.Error("release webhook key", slog.String("error", relErr.Error()))
	}
	d.metrics.RecordWebhook(label, "failed")
	return payerr.ErrUnavailable.With("event %s could not be recorded", eventID).Wrap(err)
}

// orphaned reports a missing local record for an event older than the
// orphan window; no local insert can still be racing it.
func (d *Dispatcher) orphaned(evt Event, err error) bool {
	if payerr.KindOf(err) != payerr.KindNotFound || evt.Created <= 0 {
		return false
	}
	return d.now().Sub(time.Unix(evt.Created, 0)) > d.orphanAfter
}

// permanent reports errors that redelivery cannot fix. Missing intents and
// accounts are not permanent: the event may have raced the local insert.
func permanent(err error) bool {
	if errors.Is(err, payerr.ErrInvalidTransition) {
		return true
	}
	return payerr.KindOf(err) == payerr.KindValidation
}

func decode[T any](evt Event) (T, error) {
	var out T
	if err := json.Unmarshal(evt.Data.Object, &out); err != nil {
		return out, payerr.ErrInvalidRequest.With("event %s has a malformed object", evt.ID)
	}
	return out, nil
}

func (d *Dispatcher) onPaymentSucceeded(ctx context.Context, evt Event) error {
	obj, err := decode[paymentIntentObject](evt)
	if err != nil {
		return err
	}
	intent, _, err := d.deps.Intents.MarkSucceeded(ctx, obj.ID, idOf(obj.LatestCharge))
	if err != nil {
		return err
	}
	if !d.auto.Enabled || intent.Kind != models.KindTip {
		return nil
	}
	return d.forward(ctx, intent)
}

// forward transfers a succeeded tip to its payee. The ledger keeps one transfer
// per intent, so redeliveries never move money twice.
func (d *Dispatcher) forward(ctx context.Context, intent *models.PaymentIntent) error {
	acct, err := d.deps.Log.FindAccountByOwner(ctx, intent.PayeeRef)
	if err != nil {
		return err
	}
	if acct == nil {
		d.logger.Warn("no connected account for tip payee",
			slog.String("intent_id", intent.ID),
			logging.MaskField("payee_ref", intent.PayeeRef))
		return nil
	}
	amount := intent.AmountMinor - intent.AmountMinor*d.auto.FeeBasisPoints/10000
	_, err = d.deps.Transfers.CreateTransfer(ctx, intent.ID, acct.ID, amount)
	if errors.Is(err, payerr.ErrAccountNotEligible) {
		d.logger.Warn("tip payee cannot receive transfers yet",
			slog.String("intent_id", intent.ID),
			slog.String("account_id", acct.ID))
		return nil
	}
	return err
}

func (d *Dispatcher) onPaymentFailed(ctx context.Context, evt Event) error {
	obj, err := decode[paymentIntentObject](evt)
	if err != nil {
		return err
	}
	_, _, err = d.deps.Intents.MarkFailed(ctx, obj.ID, obj.failureReason())
	return err
}

func (d *Dispatcher) onPaymentCanceled(ctx context.Context, evt Event) error {
	obj, err := decode[paymentIntentObject](evt)
	if err != nil {
		return err
	}
	_, _, err = d.deps.Intents.MarkCanceled(ctx, obj.ID)
	return err
}

func (d *Dispatcher) onPaymentRequiresAction(ctx context.Context, evt Event) error {
	obj, err := decode[paymentIntentObject](evt)
	if err != nil {
		return err
	}
	_, _, err = d.deps.Intents.MarkRequiresAction(ctx, obj.ID)
	return err
}

func (d *Dispatcher) onAccountUpdated(ctx context.Context, evt Event) error {
	obj, err := decode[accountObject](evt)
	if err != nil {
		return err
	}
	_, err = d.deps.Accounts.ApplyAccountUpdate(ctx, accounts.Snapshot{
		AccountID:        obj.ID,
		ChargesEnabled:   obj.ChargesEnabled,
		PayoutsEnabled:   obj.PayoutsEnabled,
		DetailsSubmitted: obj.DetailsSubmitted,
	})
	return err
}

func (d *Dispatcher) onAccountDeauthorized(ctx context.Context, evt Event) error {
	if evt.Account == "" {
		return payerr.ErrInvalidRequest.With("event %s names no account", evt.ID)
	}
	return d.deps.Accounts.Deauthorize(ctx, evt.Account)
}

// onTransfer records informational transfer statuses. Transfers this service
// did not create are ignored.
func (d *Dispatcher) onTransfer(status models.TransferStatus) Handler {
	return func(ctx context.Context, evt Event) error {
		obj, err := decode[transferObject](evt)
		if err != nil {
			return err
		}
		next := status
		if obj.Reversed {
			next = models.TransferFailed
		}
		_, err = d.deps.Transfers.ApplyTransferUpdate(ctx, transfers.Snapshot{TransferID: obj.ID, Status: next})
		if errors.Is(err, payerr.ErrTransferNotFound) {
			return nil
		}
		return err
	}
}

// onPayout applies the payout status, preferring the status on the object.
func (d *Dispatcher) onPayout(implied models.PayoutStatus) Handler {
	return func(ctx context.Context, evt Event) error {
		obj, err := decode[payoutObject](evt)
		if err != nil {
			return err
		}
		status := implied
		if obj.Status != "" {
			status = models.PayoutStatus(obj.Status)
		}
		if status == "" {
			return payerr.ErrInvalidRequest.With("event %s carries no payout status", evt.ID)
		}
		reason := obj.FailureMessage
		if reason == "" {
			reason = obj.FailureCode
		}
		_, err = d.deps.Payouts.ApplyPayoutUpdate(ctx, payouts.Snapshot{PayoutID: obj.ID, Status: status, FailureReason: reason})
		if errors.Is(err, payerr.ErrPayoutNotFound) {
			return nil
		}
		return err
	}
}

func (d *Dispatcher) onSubscription(ctx context.Context, evt Event) error {
	var obj struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Customer string `json:"customer"`
	}
	_ = json.Unmarshal(evt.Data.Object, &obj)
	d.logger.Info("subscription event",
		slog.String("event_type", evt.Type),
		slog.String("subscription_id", obj.ID),
		slog.String("status", obj.Status))
	return nil
}
