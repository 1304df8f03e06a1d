// Package accounts owns the lifecycle of creator connected accounts: creation at
// the processor, onboarding links and status sync from processor updates.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"creatorpay/observability/logging"
	"creatorpay/services/creatorpay/keylock"
	"creatorpay/services/creatorpay/models"
	"creatorpay/services/creatorpay/payerr"
	"creatorpay/services/creatorpay/processor"
)

const maxVersionRetries = 3

// DefaultCountries lists the countries accounts may be opened in.
var DefaultCountries = []string{"US", "CA", "GB", "AU", "DE", "FR", "JP"}

// Repository persists connected accounts.
type Repository interface {
	CreateAccount(ctx context.Context, acct *models.ConnectedAccount) error
	GetAccount(ctx context.Context, id string) (*models.ConnectedAccount, error)
	FindAccountByOwner(ctx context.Context, ownerID string) (*models.ConnectedAccount, error)
	CountAccountsByOwner(ctx context.Context, ownerID string) (int64, error)
	UpdateAccount(ctx context.Context, acct *models.ConnectedAccount) error
	ListAccounts(ctx context.Context, limit int) ([]models.ConnectedAccount, error)
}

// Config controls account creation and onboarding links.
type Config struct {
	SupportedCountries []string
	// PublicBaseURL is where this service is reachable by creators' browsers.
	PublicBaseURL string
	// ReturnURL is where the processor sends creators after onboarding.
	ReturnURL string
}

// Registry implements the connected account operations.
type Registry struct {
	repo      Repository
	processor processor.Client
	signer    *StateSigner
	mx        MXChecker
	countries map[string]struct{}
	baseURL   string
	returnURL string
	locks     *keylock.Locker
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises the registry.
type Option func(*Registry)

// WithMXChecker enables mail domain verification on account creation.
func WithMXChecker(mx MXChecker) Option {
	return func(r *Registry) { r.mx = mx }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry wires the registry.
func NewRegistry(repo Repository, proc processor.Client, signer *StateSigner, cfg Config, opts ...Option) (*Registry, error) {
	if repo == nil || proc == nil || signer == nil {
		return nil, errors.New("accounts: repository, processor and signer are required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if base == "" {
		return nil, errors.New("accounts: public base url required")
	}
	countries := cfg.SupportedCountries
	if len(countries) == 0 {
		countries = DefaultCountries
	}
	r := &Registry{
		repo:      repo,
		processor: proc,
		signer:    signer,
		countries: make(map[string]struct{}, len(countries)),
		baseURL:   base,
		returnURL: strings.TrimSpace(cfg.ReturnURL),
		locks:     keylock.New(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	if r.returnURL == "" {
		r.returnURL = base + "/onboarding/complete"
	}
	for _, c := range countries {
		r.countries[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CreateResult is returned by CreateAccount.
type CreateResult struct {
	Account        *models.ConnectedAccount
	OnboardingLink string
	// Existing is set when the owner already had a live account.
	Existing bool
}

// CreateAccount registers a connected account for ownerID, or returns the owner's
// existing live account with a fresh onboarding link.
func (r *Registry) CreateAccount(ctx context.Context, ownerID, email, country string) (*CreateResult, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, payerr.ErrInvalidRequest.With("ownerId is required")
	}
	country = strings.ToUpper(strings.TrimSpace(country))
	if _, ok := r.countries[country]; !ok {
		return nil, payerr.ErrUnsupportedCountry.With("country %q is not supported", country)
	}
	email = strings.TrimSpace(email)
	domain, err := emailDomain(email)
	if err != nil {
		return nil, err
	}
	if r.mx != nil {
		ok, err := r.mx.CanReceiveMail(ctx, domain)
		if err != nil {
			r.logger.Warn("mx lookup failed", slog.String("domain", domain), slog.String("error", err.Error()))
			return nil, payerr.ErrUnavailable.Wrap(err)
		}
		if !ok {
			return nil, payerr.ErrInvalidEmail.With("email domain %q cannot receive mail", domain)
		}
	}

	unlock := r.locks.Lock("owner:" + ownerID)
	defer unlock()

	existing, err := r.repo.FindAccountByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		link, err := r.onboardingLink(existing)
		if err != nil {
			return nil, err
		}
		return &CreateResult{Account: existing, OnboardingLink: link, Existing: true}, nil
	}

	// The key only changes once the owner's previous account is disabled, so
	// concurrent creators on other replicas get the same processor account.
	generation, err := r.repo.CountAccountsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	remote, err := r.processor.CreateAccount(ctx, processor.AccountParams{
		Email:          email,
		Country:        country,
		OwnerID:        ownerID,
		IdempotencyKey: fmt.Sprintf("account:%s:%d", ownerID, generation),
	})
	if err != nil {
		return nil, err
	}
	acct := &models.ConnectedAccount{
		ID:      remote.ID,
		OwnerID: ownerID,
		Email:   email,
		Country: country,
		Status:  models.AccountPending,
	}
	if err := r.repo.CreateAccount(ctx, acct); err != nil {
		winner, findErr := r.repo.FindAccountByOwner(ctx, ownerID)
		if findErr != nil || winner == nil {
			return nil, err
		}
		if winner.ID != acct.ID {
			r.logger.Warn("owner already has a live account; processor account left unused",
				slog.String("account_id", winner.ID),
				slog.String("unused_account_id", acct.ID))
		}
		link, err := r.onboardingLink(winner)
		if err != nil {
			return nil, err
		}
		return &CreateResult{Account: winner, OnboardingLink: link, Existing: true}, nil
	}
	link, err := r.onboardingLink(acct)
	if err != nil {
		return nil, err
	}
	r.logger.Info("connected account created",
		slog.String("account_id", acct.ID),
		logging.MaskField("owner_id", ownerID),
		logging.MaskEmail("email", email),
		slog.String("country", country))
	return &CreateResult{Account: acct, OnboardingLink: link}, nil
}

func emailDomain(email string) (string, error) {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", payerr.ErrInvalidEmail
	}
	at := strings.LastIndex(email, "@")
	domain := email[at+1:]
	if !strings.Contains(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", payerr.ErrInvalidEmail
	}
	return strings.ToLower(domain), nil
}

func (r *Registry) onboardingLink(acct *models.ConnectedAccount) (string, error) {
	token, err := r.signer.Sign(acct.ID, acct.OwnerID)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("state", token)
	return fmt.Sprintf("%s/accounts/%s/onboarding?%s", r.baseURL, url.PathEscape(acct.ID), q.Encode()), nil
}

// OnboardingRedirect verifies state and returns a fresh processor-hosted link.
func (r *Registry) OnboardingRedirect(ctx context.Context, accountID, state, linkType string) (string, error) {
	kind, err := processor.ParseLinkType(linkType)
	if err != nil {
		return "", payerr.ErrInvalidRequest.With("unknown link type %q", linkType)
	}
	acct, err := r.get(ctx, accountID)
	if err != nil {
		return "", err
	}
	owner, err := r.signer.Verify(state, accountID)
	if err != nil || owner != acct.OwnerID {
		return "", payerr.ErrInvalidState.Wrap(err)
	}
	if acct.Status == models.AccountDisabled {
		return "", payerr.ErrAccountNotActive.With("account %s is disabled", accountID)
	}
	refresh, err := r.onboardingLink(acct)
	if err != nil {
		return "", err
	}
	link, err := r.processor.CreateAccountLink(ctx, processor.AccountLinkParams{
		AccountID:  acct.ID,
		Type:       kind,
		RefreshURL: refresh + "&type=" + url.QueryEscape(string(kind)),
		ReturnURL:  r.returnURL,
	})
	if err != nil {
		return "", err
	}
	return link.URL, nil
}

// Snapshot is the processor-reported capability state of an account.
type Snapshot struct {
	AccountID        string
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
}

// DeriveStatus maps processor capability flags onto the local status.
func DeriveStatus(s Snapshot) models.AccountStatus {
	switch {
	case s.ChargesEnabled && s.PayoutsEnabled:
		return models.AccountActive
	case s.DetailsSubmitted:
		return models.AccountRestricted
	default:
		return models.AccountPending
	}
}

// ApplyAccountUpdate folds a processor snapshot into the stored account and
// reports whether anything changed. Repeated snapshots are no-ops.
func (r *Registry) ApplyAccountUpdate(ctx context.Context, snap Snapshot) (bool, error) {
	if snap.PayoutsEnabled && !snap.DetailsSubmitted {
		return false, payerr.ErrInvalidRequest.With("account %s reports payouts enabled without submitted details", snap.AccountID)
	}
	var changed bool
	err := r.mutate(ctx, snap.AccountID, func(acct *models.ConnectedAccount) bool {
		next := DeriveStatus(snap)
		if acct.Status == models.AccountDisabled {
			next = models.AccountDisabled
		}
		changed = acct.ChargesEnabled != snap.ChargesEnabled ||
			acct.PayoutsEnabled != snap.PayoutsEnabled ||
			acct.DetailsSubmitted != snap.DetailsSubmitted ||
			acct.Status != next
		if !changed {
			return false
		}
		if acct.Status != next {
			r.logger.Info("account status changed",
				slog.String("account_id", acct.ID),
				slog.String("from", string(acct.Status)),
				slog.String("to", string(next)))
		}
		acct.ChargesEnabled = snap.ChargesEnabled
		acct.PayoutsEnabled = snap.PayoutsEnabled
		acct.DetailsSubmitted = snap.DetailsSubmitted
		acct.Status = next
		return true
	})
	return changed, err
}

// Deauthorize disables an account after the creator revoked the platform.
func (r *Registry) Deauthorize(ctx context.Context, accountID string) error {
	return r.mutate(ctx, accountID, func(acct *models.ConnectedAccount) bool {
		if acct.Status == models.AccountDisabled {
			return false
		}
		acct.Status = models.AccountDisabled
		return true
	})
}

// Delete removes the account at the processor and disables it locally.
func (r *Registry) Delete(ctx context.Context, accountID string) error {
	acct, err := r.get(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.DeletedAt != nil {
		return nil
	}
	if err := r.processor.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	return r.mutate(ctx, accountID, func(acct *models.ConnectedAccount) bool {
		deletedAt := r.now().UTC()
		acct.Status = models.AccountDisabled
		acct.DeletedAt = &deletedAt
		return true
	})
}

// GetStatus returns the stored account.
func (r *Registry) GetStatus(ctx context.Context, accountID string) (*models.ConnectedAccount, error) {
	return r.get(ctx, accountID)
}

// List returns recent accounts for operators.
func (r *Registry) List(ctx context.Context, limit int) ([]models.ConnectedAccount, error) {
	return r.repo.ListAccounts(ctx, limit)
}

func (r *Registry) get(ctx context.Context, accountID string) (*models.ConnectedAccount, error) {
	acct, err := r.repo.GetAccount(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, payerr.ErrAccountNotFound.With("account %s not found", accountID)
	}
	return acct, nil
}

// mutate runs a serialized read-modify-write, retrying lost version races.
func (r *Registry) mutate(ctx context.Context, accountID string, apply func(*models.ConnectedAccount) bool) error {
	unlock := r.locks.Lock("account:" + accountID)
	defer unlock()
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		acct, err := r.get(ctx, accountID)
		if err != nil {
			return err
		}
		if !apply(acct) {
			return nil
		}
		err = r.repo.UpdateAccount(ctx, acct)
		if errors.Is(err, models.ErrStaleVersion) {
			continue
		}
		return err
	}
	return payerr.ErrInFlight.With("account %s is being updated concurrently", accountID)
}
