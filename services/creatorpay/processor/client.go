// Package processor talks to the external payment processor. Every identifier
// the rest of the service stores for accounts, intents, transfers and payouts is
// the opaque value returned here.
package processor

import (
	"context"
	"fmt"
	"time"
)

// Client defines the subset of the processor API the service requires.
type Client interface {
	CreateAccount(ctx context.Context, params AccountParams) (*Account, error)
	CreateAccountLink(ctx context.Context, params AccountLinkParams) (*AccountLink, error)
	DeleteAccount(ctx context.Context, accountID string) error
	CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error)
	CreateTransfer(ctx context.Context, params TransferParams) (*Transfer, error)
	CreatePayout(ctx context.Context, params PayoutParams) (*Payout, error)
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*Fake)(nil)
)

// AccountParams requests a new express connected account.
type AccountParams struct {
	Email          string
	Country        string
	OwnerID        string
	IdempotencyKey string
}

// Account is the processor's view of a connected account.
type Account struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Country          string `json:"country"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
}

// LinkType selects what an account link collects.
type LinkType string

// Supported onboarding link types.
const (
	LinkOnboarding     LinkType = "onboarding"
	LinkPayouts        LinkType = "payouts"
	LinkBankAccount    LinkType = "bank_account"
	LinkInstantPayouts LinkType = "instant_payouts"
)

// ParseLinkType normalises raw, defaulting to onboarding.
func ParseLinkType(raw string) (LinkType, error) {
	switch LinkType(raw) {
	case "", LinkOnboarding:
		return LinkOnboarding, nil
	case LinkPayouts, LinkBankAccount, LinkInstantPayouts:
		return LinkType(raw), nil
	default:
		return "", fmt.Errorf("processor: unknown link type %q", raw)
	}
}

// AccountLinkParams requests a hosted onboarding or update link.
type AccountLinkParams struct {
	AccountID  string
	Type       LinkType
	RefreshURL string
	ReturnURL  string
}

// AccountLink is a short-lived hosted URL.
type AccountLink struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

// PaymentIntentParams requests a charge.
type PaymentIntentParams struct {
	AmountMinor    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// PaymentIntent is the processor's view of a charge.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// TransferParams moves platform funds into a connected account.
type TransferParams struct {
	AmountMinor       int64
	Currency          string
	DestinationID     string
	SourceTransaction string
	TransferGroup     string
	IdempotencyKey    string
}

// Transfer is the processor's view of a transfer.
type Transfer struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
}

// PayoutParams pays a connected account's balance out to its bank.
type PayoutParams struct {
	AccountID      string
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
}

// Payout is the processor's view of a payout.
type Payout struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	ArrivalDate int64  `json:"arrival_date"`
}

// APIError is a non-2xx processor response.
type APIError struct {
	Status  int
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("processor: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("processor: status %d", e.Status)
}

// Retryable reports whether the processor may succeed on a later attempt.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// RetryPolicy bounds retries of outbound calls.
type RetryPolicy struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	BaseBackoff:    200 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	AttemptTimeout: 10 * time.Second,
}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultRetryPolicy.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultRetryPolicy.AttemptTimeout
	}
	return p
}

// Backoff returns the delay before the given retry attempt (1-based), doubling
// from the base delay and capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalised()
	if attempt <= 1 {
		return p.BaseBackoff
	}
	delay := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}
