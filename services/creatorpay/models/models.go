package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AccountStatus is the locally derived status of a connected account.
type AccountStatus string

// Connected account statuses.
const (
	AccountPending    AccountStatus = "pending"
	AccountActive     AccountStatus = "active"
	AccountRestricted AccountStatus = "restricted"
	AccountDisabled   AccountStatus = "disabled"
)

// IntentKind distinguishes one-off tips from recurring subscription charges.
type IntentKind string

// Payment intent kinds.
const (
	KindTip          IntentKind = "tip"
	KindSubscription IntentKind = "subscription"
)

// Valid reports whether k is a known kind.
func (k IntentKind) Valid() bool {
	return k == KindTip || k == KindSubscription
}

// IntentStatus tracks a payment intent through its lifecycle.
type IntentStatus string

// Payment intent statuses.
const (
	IntentCreated        IntentStatus = "created"
	IntentRequiresAction IntentStatus = "requires_action"
	IntentSucceeded      IntentStatus = "succeeded"
	IntentFailed         IntentStatus = "failed"
	IntentCanceled       IntentStatus = "canceled"
)

// Terminal reports whether no further transition is permitted.
func (s IntentStatus) Terminal() bool {
	return s == IntentSucceeded || s == IntentFailed || s == IntentCanceled
}

// TransferStatus tracks a transfer into a connected account.
type TransferStatus string

// Transfer statuses.
const (
	TransferPending TransferStatus = "pending"
	TransferPaid    TransferStatus = "paid"
	TransferFailed  TransferStatus = "failed"
)

// Terminal reports whether the transfer has settled either way.
func (s TransferStatus) Terminal() bool {
	return s == TransferPaid || s == TransferFailed
}

// PayoutStatus tracks a payout to the creator's external destination.
type PayoutStatus string

// Payout statuses.
const (
	PayoutPending   PayoutStatus = "pending"
	PayoutInTransit PayoutStatus = "in_transit"
	PayoutPaid      PayoutStatus = "paid"
	PayoutFailed    PayoutStatus = "failed"
	PayoutCanceled  PayoutStatus = "canceled"
)

// Terminal reports whether the payout can no longer change.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutPaid || s == PayoutFailed || s == PayoutCanceled
}

// ConnectedAccount is a creator's payable destination registered with the processor.
type ConnectedAccount struct {
	ID               string        `gorm:"primaryKey;size:64"`
	OwnerID          string        `gorm:"size:128;index"`
	Email            string        `gorm:"size:255"`
	Country          string        `gorm:"size:2"`
	Status           AccountStatus `gorm:"size:16;index"`
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
	Version          int64 `gorm:"not null;default:1"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// PaymentIntent is a tracked request to collect money from a payer.
type PaymentIntent struct {
	ID                     string       `gorm:"primaryKey;size:64"`
	AmountMinor            int64        `gorm:"not null"`
	Currency               string       `gorm:"size:3"`
	Kind                   IntentKind   `gorm:"size:16"`
	TierID                 string       `gorm:"size:32"`
	PayerRef               string       `gorm:"size:128;index"`
	PayeeRef               string       `gorm:"size:128;index"`
	Status                 IntentStatus `gorm:"size:24;index"`
	IdempotencyKey         string       `gorm:"size:255;uniqueIndex"`
	ClientSecret           string       `gorm:"size:255"`
	ExternalConfirmationID string       `gorm:"size:128"`
	FailureReason          string       `gorm:"size:512"`
	Metadata               string       `gorm:"type:text"`
	Version                int64        `gorm:"not null;default:1"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Transfer moves settled platform funds into a connected account.
type Transfer struct {
	ID                   string         `gorm:"primaryKey;size:64"`
	SourceIntentID       string         `gorm:"size:64;uniqueIndex"`
	DestinationAccountID string         `gorm:"size:64;index"`
	AmountMinor          int64          `gorm:"not null"`
	Currency             string         `gorm:"size:3"`
	Status               TransferStatus `gorm:"size:16;index"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Payout moves a connected account's balance to its external bank destination.
type Payout struct {
	ID               string       `gorm:"primaryKey;size:64"`
	AccountID        string       `gorm:"size:64;index"`
	AmountMinor      int64        `gorm:"not null"`
	Currency         string       `gorm:"size:3"`
	Status           PayoutStatus `gorm:"size:16;index"`
	FailureReason    string       `gorm:"size:512"`
	RequestedAt      time.Time
	EstimatedArrival time.Time
	UpdatedAt        time.Time
}

// AccountBalance is the derived payable aggregate of a connected account.
type AccountBalance struct {
	AccountID        string `gorm:"primaryKey;size:64"`
	Currency         string `gorm:"primaryKey;size:3"`
	TransferredMinor int64
	PaidOutMinor     int64
	UpdatedAt        time.Time
}

// AvailableMinor is what has been transferred in but not yet paid out.
func (b AccountBalance) AvailableMinor() int64 {
	return b.TransferredMinor - b.PaidOutMinor
}

// WebhookEvent records every verified processor event exactly once.
type WebhookEvent struct {
	ID          string `gorm:"primaryKey;size:128"`
	Type        string `gorm:"size:64;index"`
	Payload     string `gorm:"type:text"`
	ReceivedAt  time.Time
	Processed   bool `gorm:"index"`
	ProcessedAt *time.Time
}

// IdempotencyState describes the progress of a claimed idempotency key.
type IdempotencyState string

// Idempotency key states.
const (
	IdempotencyReserved  IdempotencyState = "reserved"
	IdempotencyCompleted IdempotencyState = "completed"
)

// IdempotencyKey stores request and event idempotency metadata.
type IdempotencyKey struct {
	Scope       string           `gorm:"primaryKey;size:32"`
	Key         string           `gorm:"primaryKey;size:255"`
	RequestID   string           `gorm:"size:64"`
	Fingerprint string           `gorm:"size:128"`
	State       IdempotencyState `gorm:"size:16"`
	ResourceID  string           `gorm:"size:128"`
	Response    string           `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// liveOwnerIndex allows at most one non-disabled account per owner. Both
// postgres and sqlite support partial indexes.
const liveOwnerIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_connected_accounts_live_owner
	ON connected_accounts (owner_id) WHERE status <> 'disabled' AND owner_id <> ''`

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&ConnectedAccount{},
		&PaymentIntent{},
		&Transfer{},
		&Payout{},
		&AccountBalance{},
		&WebhookEvent{},
		&IdempotencyKey{},
	); err != nil {
		return err
	}
	if err := db.Exec(liveOwnerIndex).Error; err != nil {
		return fmt.Errorf("models: live owner index: %w", err)
	}
	return nil
}
