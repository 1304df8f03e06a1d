package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"creatorpay/observability"
	"creatorpay/services/creatorpay/payerr"
)

const maxResponseBytes = 1 << 20

// HTTPClient implements Client against a Stripe-compatible REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	policy  RetryPolicy
	limiter *rate.Limiter
	metrics *observability.PaymentsMetrics
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customises the HTTP client.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		if client != nil {
			c.http = client
		}
	}
}

// WithRetryPolicy overrides the retry bounds.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *HTTPClient) { c.policy = policy.normalised() }
}

// WithRateLimit throttles outbound calls to rps with the given burst. A
// non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *HTTPClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMetrics records call outcomes and retries.
func WithMetrics(m *observability.PaymentsMetrics) Option {
	return func(c *HTTPClient) { c.metrics = m }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleep overrides how the client waits between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *HTTPClient) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewHTTPClient constructs a processor client for baseURL authenticated with apiKey.
func NewHTTPClient(baseURL, apiKey string, opts ...Option) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("processor: base url required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("processor: api key required")
	}
	c := &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		policy:  DefaultRetryPolicy,
		logger:  slog.Default(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CreateAccount registers an express connected account.
func (c *HTTPClient) CreateAccount(ctx context.Context, params AccountParams) (*Account, error) {
	form := url.Values{}
	form.Set("type", "express")
	form.Set("country", params.Country)
	form.Set("email", params.Email)
	form.Set("capabilities[card_payments][requested]", "true")
	form.Set("capabilities[transfers][requested]", "true")
	if params.OwnerID != "" {
		form.Set("metadata[owner_id]", params.OwnerID)
	}
	var out Account
	req := call{method: http.MethodPost, path: "/v1/accounts", form: form, idempotencyKey: params.IdempotencyKey}
	if err := c.do(ctx, "create_account", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAccountLink requests a hosted onboarding or update link.
func (c *HTTPClient) CreateAccountLink(ctx context.Context, params AccountLinkParams) (*AccountLink, error) {
	form := url.Values{}
	form.Set("account", params.AccountID)
	form.Set("refresh_url", params.RefreshURL)
	form.Set("return_url", params.ReturnURL)
	switch params.Type {
	case LinkPayouts, LinkBankAccount, LinkInstantPayouts:
		form.Set("type", "account_update")
		form.Set("collect", "eventually_due")
	default:
		form.Set("type", "account_onboarding")
	}
	// Links are disposable, so a per-call key is enough to keep retries on one link.
	var out AccountLink
	req := call{method: http.MethodPost, path: "/v1/account_links", form: form, idempotencyKey: "account_link:" + uuid.NewString()}
	if err := c.do(ctx, "create_account_link", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAccount removes the connected account at the processor.
func (c *HTTPClient) DeleteAccount(ctx context.Context, accountID string) error {
	path := "/v1/accounts/" + url.PathEscape(accountID)
	return c.do(ctx, "delete_account", call{method: http.MethodDelete, path: path}, nil)
}

// CreatePaymentIntent creates a charge; the idempotency key is forwarded verbatim.
func (c *HTTPClient) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountMinor, 10))
	form.Set("currency", strings.ToLower(params.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	setMetadata(form, params.Metadata)
	var out PaymentIntent
	if err := c.do(ctx, "create_payment_intent", call{method: http.MethodPost, path: "/v1/payment_intents", form: form, idempotencyKey: params.IdempotencyKey}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTransfer moves funds into a connected account.
func (c *HTTPClient) CreateTransfer(ctx context.Context, params TransferParams) (*Transfer, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountMinor, 10))
	form.Set("currency", strings.ToLower(params.Currency))
	form.Set("destination", params.DestinationID)
	if params.SourceTransaction != "" {
		form.Set("source_transaction", params.SourceTransaction)
	}
	if params.TransferGroup != "" {
		form.Set("transfer_group", params.TransferGroup)
	}
	var out Transfer
	if err := c.do(ctx, "create_transfer", call{method: http.MethodPost, path: "/v1/transfers", form: form, idempotencyKey: params.IdempotencyKey}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePayout pays out on behalf of the connected account.
func (c *HTTPClient) CreatePayout(ctx context.Context, params PayoutParams) (*Payout, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountMinor, 10))
	form.Set("currency", strings.ToLower(params.Currency))
	var out Payout
	req := call{method: http.MethodPost, path: "/v1/payouts", form: form, idempotencyKey: params.IdempotencyKey, account: params.AccountID}
	if err := c.do(ctx, "create_payout", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func setMetadata(form url.Values, metadata map[string]string) {
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}
}

type call struct {
	method         string
	path           string
	form           url.Values
	idempotencyKey string
	account        string
}

// do runs the call with per-attempt timeouts, retrying timeouts, transport
// errors, 429 and 5xx responses. A POST without an idempotency key is sent
// once: the processor may have acted on a request whose response was lost.
// Every failure is reported as payerr.ErrProcessor.
func (c *HTTPClient) do(ctx context.Context, op string, req call, out any) error {
	started := time.Now()
	maxAttempts := c.policy.MaxAttempts
	if req.method == http.MethodPost && req.idempotencyKey == "" {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
		err := c.attempt(attemptCtx, req, out)
		cancel()
		if err == nil {
			c.metrics.ObserveProcessorCall(op, "success", time.Since(started))
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) || attempt == maxAttempts {
			break
		}
		delay := c.policy.Backoff(attempt)
		c.metrics.RecordProcessorRetry(op)
		c.logger.Warn("processor call failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	c.metrics.ObserveProcessorCall(op, "failure", time.Since(started))
	return payerr.ErrProcessor.With("payment processor %s failed", op).Wrap(lastErr)
}

// errDecode marks a response body that could not be parsed; it is never retried.
var errDecode = errors.New("processor: decode response")

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return !errors.Is(err, errDecode)
}

func (c *HTTPClient) attempt(ctx context.Context, req call, out any) error {
	var body io.Reader
	if req.form != nil {
		body = strings.NewReader(req.form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/json")
	if req.form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if req.idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.idempotencyKey)
	}
	if req.account != "" {
		httpReq.Header.Set("Stripe-Account", req.account)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(payload, &envelope) == nil && envelope.Error != nil {
			apiErr.Type = envelope.Error.Type
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	return nil
}
