package processor

import (
	"context"
	"net/http"
	"sync"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"creatorpay/services/creatorpay/payerr"
)

func newTestClient(t *testing.T, srv *httptest.Server, sleeps *[]time.Duration, opts ...Option) *HTTPClient {
	t.Helper()
	base := []Option{
		WithHTTPClient(srv.Client()),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, AttemptTimeout: time.Second}),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		}),
	}
	client, err := NewHTTPClient(srv.URL, "sk_test", append(base, opts...)...)
	require.NoError(t, err)
	return client
}

func TestCreatePaymentIntentSendsFormAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "500", r.PostForm.Get("amount"))
		require.Equal(t, "usd", r.PostForm.Get("currency"))
		require.Equal(t, "tip", r.PostForm.Get("metadata[kind]"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_1","client_secret":"pi_1_secret","status":"requires_payment_method","amount":500,"currency":"usd"}`))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newTestClient(t, srv, &sleeps)
	pi, err := client.CreatePaymentIntent(context.Background(), PaymentIntentParams{
		AmountMinor:    500,
		Currency:       "USD",
		Metadata:       map[string]string{"kind": "tip"},
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.Equal(t, "pi_1", pi.ID)
	require.Equal(t, "pi_1_secret", pi.ClientSecret)
	require.Empty(t, sleeps)
}

func TestRetriesServerErrorsWithBackoff(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"tr_1","amount":900,"currency":"usd","destination":"acct_1"}`))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newTestClient(t, srv, &sleeps)
	tr, err := client.CreateTransfer(context.Background(), TransferParams{AmountMinor: 900, Currency: "usd", DestinationID: "acct_1", IdempotencyKey: "transfer:pi_1"})
	require.NoError(t, err)
	require.Equal(t, "tr_1", tr.ID)
	require.EqualValues(t, 3, hits.Load())
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps)
}

func TestStopsAtMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newTestClient(t, srv, &sleeps)
	_, err := client.CreatePayout(context.Background(), PayoutParams{AccountID: "acct_1", AmountMinor: 2500, Currency: "usd", IdempotencyKey: "payout:acct_1:k1"})
	require.ErrorIs(t, err, payerr.ErrProcessor)
	require.Equal(t, 502, payerr.HTTPStatus(err))
	require.EqualValues(t, 3, hits.Load())
	require.Len(t, sleeps, 2)
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"amount_too_small","message":"Amount must be at least 50 cents"}}`))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newTestClient(t, srv, &sleeps)
	_, err := client.CreatePaymentIntent(context.Background(), PaymentIntentParams{AmountMinor: 10, Currency: "usd"})
	require.ErrorIs(t, err, payerr.ErrProcessor)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "amount_too_small", apiErr.Code)
	require.EqualValues(t, 1, hits.Load())
	require.Empty(t, sleeps)
}

func TestRetriesAttemptTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte(`{"url":"https://connect.test/onboarding","expires_at":1}`))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newTestClient(t, srv, &sleeps, WithRetryPolicy(RetryPolicy{MaxAttempts: 2, AttemptTimeout: 50 * time.Millisecond}))
	link, err := client.CreateAccountLink(context.Background(), AccountLinkParams{AccountID: "acct_1", Type: LinkPayouts})
	require.NoError(t, err)
	require.Equal(t, "https://connect.test/onboarding", link.URL)
	require.EqualValues(t, 2, hits.Load())
}

func TestAccountLinkTypeMapping(t *testing.T) {
	var gotType, gotCollect string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotType = r.PostForm.Get("type")
		gotCollect = r.PostForm.Get("collect")
		_, _ = w.Write([]byte(`{"url":"https://connect.test/x"}`))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newTestClient(t, srv, &sleeps)
	_, err := client.CreateAccountLink(context.Background(), AccountLinkParams{AccountID: "acct_1", Type: LinkOnboarding})
	require.NoError(t, err)
	require.Equal(t, "account_onboarding", gotType)
	require.Empty(t, gotCollect)

	_, err = client.CreateAccountLink(context.Background(), AccountLinkParams{AccountID: "acct_1", Type: LinkBankAccount})
	require.NoError(t, err)
	require.Equal(t, "account_update", gotType)
	require.Equal(t, "eventually_due", gotCollect)
}

func TestBackoffIsCapped(t *testing.T) {
	p := RetryPolicy{BaseBackoff: time.Second, MaxBackoff: 3 * time.Second}
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 3*time.Second, p.Backoff(3))
	require.Equal(t, 3*time.Second, p.Backoff(10))
}

func TestFakeHonoursIdempotencyKeys(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()
	a, err := fake.CreatePaymentIntent(ctx, PaymentIntentParams{AmountMinor: 500, Currency: "usd", IdempotencyKey: "k"})
	require.NoError(t, err)
	b, err := fake.CreatePaymentIntent(ctx, PaymentIntentParams{AmountMinor: 500, Currency: "usd", IdempotencyKey: "k"})
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	fake.FailNext("create_transfer", payerr.ErrProcessor)
	_, err = fake.CreateTransfer(ctx, TransferParams{AmountMinor: 1})
	require.ErrorIs(t, err, payerr.ErrProcessor)
	_, err = fake.CreateTransfer(ctx, TransferParams{AmountMinor: 1})
	require.NoError(t, err)
	require.Equal(t, 2, fake.Calls("create_transfer"))
}

func TestKeylessPostIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// The payout exists at the processor but the response never arrives.
		<-r.Context().Done()
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newTestClient(t, srv, &sleeps, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, AttemptTimeout: 50 * time.Millisecond}))
	_, err := client.CreatePayout(context.Background(), PayoutParams{AccountID: "acct_1", AmountMinor: 2500, Currency: "usd"})
	require.ErrorIs(t, err, payerr.ErrProcessor)
	require.EqualValues(t, 1, hits.Load())
	require.Empty(t, sleeps)
}

func TestRetriedPostsReuseTheirKey(t *testing.T) {
	var (
		mu   sync.Mutex
		keys = map[string][]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys[r.URL.Path] = append(keys[r.URL.Path], r.Header.Get("Idempotency-Key"))
		first := len(keys[r.URL.Path]) == 1
		mu.Unlock()
		if first {
			<-r.Context().Done()
			return
		}
		switch r.URL.Path {
		case "/v1/accounts":
			_, _ = w.Write([]byte(`{"id":"acct_1"}`))
		default:
			_, _ = w.Write([]byte(`{"url":"https://connect.test/onboarding","expires_at":1}`))
		}
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newTestClient(t, srv, &sleeps, WithRetryPolicy(RetryPolicy{MaxAttempts: 2, AttemptTimeout: 50 * time.Millisecond}))
	acct, err := client.CreateAccount(context.Background(), AccountParams{Email: "c@example.com", Country: "US", OwnerID: "owner-1", IdempotencyKey: "account:owner-1:0"})
	require.NoError(t, err)
	require.Equal(t, "acct_1", acct.ID)
	_, err = client.CreateAccountLink(context.Background(), AccountLinkParams{AccountID: "acct_1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"account:owner-1:0", "account:owner-1:0"}, keys["/v1/accounts"])
	links := keys["/v1/account_links"]
	require.Len(t, links, 2)
	require.NotEmpty(t, links[0])
	require.Equal(t, links[0], links[1])
}

func TestFakeDeduplicatesAccounts(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()
	a, err := fake.CreateAccount(ctx, AccountParams{Email: "c@example.com", Country: "US", IdempotencyKey: "account:owner-1:0"})
	require.NoError(t, err)
	b, err := fake.CreateAccount(ctx, AccountParams{Email: "c@example.com", Country: "US", IdempotencyKey: "account:owner-1:0"})
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)
	c, err := fake.CreateAccount(ctx, AccountParams{Email: "c@example.com", Country: "US", IdempotencyKey: "account:owner-1:1"})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, c.ID)
}
