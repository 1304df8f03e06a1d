package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Fake is an in-memory Client for local sandboxes and tests. It honours
// idempotency keys the same way the real processor does.
type Fake struct {
	mu       sync.Mutex
	seq      atomic.Int64
	byKey    map[string]any
	failures map[string][]error
	calls    map[string]int
	deleted  map[string]bool
	now      func() time.Time
	// LinkBase is the host used for generated account links.
	LinkBase string
}

// NewFake returns an empty fake processor.
func NewFake() *Fake {
	return &Fake{
		byKey:    make(map[string]any),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		deleted:  make(map[string]bool),
		now:      time.Now,
		LinkBase: "https://connect.processor.test",
	}
}

// FailNext makes the next call of op return err. Calls queue in order.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Calls reports how many times op reached the fake, failures included.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Deleted reports whether the account was deleted.
func (f *Fake) Deleted(accountID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[accountID]
}

func (f *Fake) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *Fake) id(prefix string) string {
	return fmt.Sprintf("%s_%s%06d", prefix, uuid.NewString()[:8], f.seq.Add(1))
}

func remember[T any](f *Fake, scope, key string, build func() *T) *T {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key != "" {
		if prior, ok := f.byKey[scope+"|"+key].(*T); ok {
			return prior
		}
	}
	out := build()
	if key != "" {
		f.byKey[scope+"|"+key] = out
	}
	return out
}

func (f *Fake) CreateAccount(ctx context.Context, params AccountParams) (*Account, error) {
	if err := f.begin("create_account"); err != nil {
		return nil, err
	}
	return remember(f, "acct", params.IdempotencyKey, func() *Account {
		return &Account{ID: f.id("acct"), Email: params.Email, Country: params.Country}
	}), nil
}

func (f *Fake) CreateAccountLink(ctx context.Context, params AccountLinkParams) (*AccountLink, error) {
	if err := f.begin("create_account_link"); err != nil {
		return nil, err
	}
	kind := "account_onboarding"
	if params.Type != LinkOnboarding && params.Type != "" {
		kind = "account_update"
	}
	return &AccountLink{
		URL:       fmt.Sprintf("%s/%s/%s", strings.TrimRight(f.LinkBase, "/"), kind, params.AccountID),
		ExpiresAt: f.now().Add(5 * time.Minute).Unix(),
	}, nil
}

func (f *Fake) DeleteAccount(ctx context.Context, accountID string) error {
	if err := f.begin("delete_account"); err != nil {
		return err
	}
	f.mu.Lock()
	f.deleted[accountID] = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error) {
	if err := f.begin("create_payment_intent"); err != nil {
		return nil, err
	}
	return remember(f, "pi", params.IdempotencyKey, func() *PaymentIntent {
		id := f.id("pi")
		return &PaymentIntent{
			ID:           id,
			ClientSecret: id + "_secret_" + uuid.NewString()[:12],
			Status:       "requires_payment_method",
			Amount:       params.AmountMinor,
			Currency:     params.Currency,
		}
	}), nil
}

func (f *Fake) CreateTransfer(ctx context.Context, params TransferParams) (*Transfer, error) {
	if err := f.begin("create_transfer"); err != nil {
		return nil, err
	}
	return remember(f, "tr", params.IdempotencyKey, func() *Transfer {
		return &Transfer{ID: f.id("tr"), Amount: params.AmountMinor, Currency: params.Currency, Destination: params.DestinationID}
	}), nil
}

func (f *Fake) CreatePayout(ctx context.Context, params PayoutParams) (*Payout, error) {
	if err := f.begin("create_payout"); err != nil {
		return nil, err
	}
	return remember(f, "po", params.IdempotencyKey, func() *Payout {
		return &Payout{ID: f.id("po"), Amount: params.AmountMinor, Currency: params.Currency, Status: "pending"}
	}), nil
}
