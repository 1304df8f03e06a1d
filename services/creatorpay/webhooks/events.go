package webhooks

import (
	"encoding/json"
	"strings"
)

// EventKind is a processor event type the dispatcher routes.
type EventKind string

// Routed event kinds. Anything else is logged and acknowledged.
const (
	EventPaymentSucceeded      EventKind = "payment_intent.succeeded"
	EventPaymentFailed         EventKind = "payment_intent.payment_failed"
	EventPaymentCanceled       EventKind = "payment_intent.canceled"
	EventPaymentRequiresAction EventKind = "payment_intent.requires_action"
	EventAccountUpdated        EventKind = "account.updated"
	EventAccountDeauthorized   EventKind = "account.application.deauthorized"
	EventTransferCreated       EventKind = "transfer.created"
	EventTransferUpdated       EventKind = "transfer.updated"
	EventTransferPaid          EventKind = "transfer.paid"
	EventTransferFailed        EventKind = "transfer.failed"
	EventTransferReversed      EventKind = "transfer.reversed"
	EventPayoutCreated         EventKind = "payout.created"
	EventPayoutUpdated         EventKind = "payout.updated"
	EventPayoutPaid            EventKind = "payout.paid"
	EventPayoutFailed          EventKind = "payout.failed"
	EventPayoutCanceled        EventKind = "payout.canceled"
	EventSubscriptionCreated   EventKind = "customer.subscription.created"
	EventSubscriptionDeleted   EventKind = "customer.subscription.deleted"
)

// Kinds lists every routed kind. The dispatcher refuses to start unless each
// one has a handler.
var Kinds = []EventKind{
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventPaymentCanceled,
	EventPaymentRequiresAction,
	EventAccountUpdated,
	EventAccountDeauthorized,
	EventTransferCreated,
	EventTransferUpdated,
	EventTransferPaid,
	EventTransferFailed,
	EventTransferReversed,
	EventPayoutCreated,
	EventPayoutUpdated,
	EventPayoutPaid,
	EventPayoutFailed,
	EventPayoutCanceled,
	EventSubscriptionCreated,
	EventSubscriptionDeleted,
}

// Event is the processor's webhook envelope.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	// Account is set for events about a connected account.
	Account string `json:"account"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Kind returns the event type as an EventKind.
func (e Event) Kind() EventKind { return EventKind(e.Type) }

type paymentIntentObject struct {
	ID                 string          `json:"id"`
	LatestCharge       json.RawMessage `json:"latest_charge"`
	CancellationReason string          `json:"cancellation_reason"`
	LastPaymentError   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (o paymentIntentObject) failureReason() string {
	if o.LastPaymentError == nil {
		return "payment_failed"
	}
	if o.LastPaymentError.Message != "" {
		return o.LastPaymentError.Message
	}
	return o.LastPaymentError.Code
}

type accountObject struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
}

type transferObject struct {
	ID       string `json:"id"`
	Reversed bool   `json:"reversed"`
}

type payoutObject struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

// idOf reads an expandable reference, which is either a bare id string or an
// object carrying an id.
func idOf(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if json.Unmarshal(raw, &id) == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.ID
	}
	return ""
}
