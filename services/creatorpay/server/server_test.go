package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"creatorpay/services/creatorpay/accounts"
	"creatorpay/services/creatorpay/idempotency"
	"creatorpay/services/creatorpay/intents"
	"creatorpay/services/creatorpay/models"
	"creatorpay/services/creatorpay/payouts"
	"creatorpay/services/creatorpay/processor"
	"creatorpay/services/creatorpay/recon"
	cpmw "creatorpay/services/creatorpay/server/middleware"
	"creatorpay/services/creatorpay/store"
	"creatorpay/services/creatorpay/transfers"
	"creatorpay/services/creatorpay/webhooks"
)

const (
	webhookSecret = "whsec_e2e"
	adminToken    = "admin-s3cret"
)

var fixedNow = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	handler http.Handler
	store   *store.Store
	fake    *processor.Fake
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	st := store.New(db)
	idem := idempotency.NewGormStore(db)
	fake := processor.NewFake()
	clock := func() time.Time { return fixedNow }

	signer, err := accounts.NewStateSigner([]byte("0123456789abcdef0123"), time.Hour, clock)
	require.NoError(t, err)
	registry, err := accounts.NewRegistry(st, fake, signer, accounts.Config{PublicBaseURL: "https://pay.example.com"}, accounts.WithClock(clock))
	require.NoError(t, err)
	mgr, err := intents.NewManager(st, idem, fake, intents.Config{})
	require.NoError(t, err)
	ledger, err := transfers.NewLedger(st, fake)
	require.NoError(t, err)
	sched, err := payouts.NewScheduler(st, idem, fake, payouts.Config{}, payouts.WithClock(clock))
	require.NoError(t, err)
	dispatcher, err := webhooks.NewDispatcher(webhooks.Deps{
		Verifier:  webhooks.NewVerifier(webhookSecret, 5*time.Minute, clock),
		Idem:      idem,
		Log:       st,
		Intents:   mgr,
		Accounts:  registry,
		Transfers: ledger,
		Payouts:   sched,
	}, webhooks.WithAutoTransfer(webhooks.AutoTransfer{Enabled: true}), webhooks.WithClock(clock))
	require.NoError(t, err)
	reconciler, err := recon.NewReconciler(recon.Config{DB: db, OutputDir: t.TempDir(), Now: clock})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	srv, err := New(Config{
		Accounts:   registry,
		Intents:    mgr,
		Transfers:  ledger,
		Payouts:    sched,
		Webhooks:   dispatcher,
		Reconciler: reconciler,
		Store:      st,
		AdminToken: adminToken,
		RateLimit:  cpmw.RateLimit{RequestsPerSecond: 1000, Burst: 1000},
		Registerer: reg,
		Gatherer:   reg,
		Now:        clock,
	})
	require.NoError(t, err)
	return &testEnv{handler: srv.Handler(), store: st, fake: fake}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(v))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) webhook(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/webhooks/processor", payload, map[string]string{
		webhooks.SignatureHeader: webhooks.Sign(webhookSecret, fixedNow, []byte(payload)),
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	detail, ok := body["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return detail["code"].(string)
}

var admin = map[string]string{"Authorization": "Bearer " + adminToken}

func TestEndToEndTipLifecycle(t *testing.T) {
	env := setupServer(t)

	// Onboard a creator.
	rec := env.do(t, http.MethodPost, "/accounts", map[string]string{
		"ownerId": "creator-1", "email": "creator@example.com", "country": "US",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	accountID := created["accountId"].(string)
	require.Equal(t, "pending", created["status"])
	link, err := url.Parse(created["onboardingLink"].(string))
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, link.RequestURI(), nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Contains(t, rec.Header().Get("Location"), accountID)

	rec = env.do(t, http.MethodGet, "/accounts/"+accountID+"/onboarding?state=forged", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_state_token", errorCode(t, rec))

	rec = env.webhook(t, fmt.Sprintf(`{"id":"evt_acct","type":"account.updated","data":{"object":{"id":%q,"charges_enabled":true,"payouts_enabled":true,"details_submitted":true}}}`, accountID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/accounts/"+accountID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	require.Equal(t, "active", status["status"])
	require.Equal(t, true, status["payoutsEnabled"])

	// A fan tips; retries replay the same intent.
	tip := map[string]any{
		"amountMinor": 1000, "currency": "usd", "kind": "tip",
		"payerRef": "fan-1", "payeeRef": "creator-1", "idempotencyKey": "tip-abc",
	}
	rec = env.do(t, http.MethodPost, "/payment-intents", tip, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	intentID := decodeBody(t, rec)["intentId"].(string)

	rec = env.do(t, http.MethodPost, "/payment-intents", tip, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decodeBody(t, rec)
	require.Equal(t, intentID, replay["intentId"])
	require.Equal(t, true, replay["replayed"])
	require.Equal(t, 1, env.fake.Calls("create_payment_intent"))

	tip["amountMinor"] = 2000
	rec = env.do(t, http.MethodPost, "/payment-intents", tip, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "idempotency_key_reused", errorCode(t, rec))

	// Settlement forwards the tip exactly once.
	success := fmt.Sprintf(`{"id":"evt_paid","type":"payment_intent.succeeded","data":{"object":{"id":%q,"latest_charge":"ch_1"}}}`, intentID)
	rec = env.webhook(t, success)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.webhook(t, success)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decodeBody(t, rec)["deduped"])
	require.Equal(t, 1, env.fake.Calls("create_transfer"))

	rec = env.do(t, http.MethodGet, "/payment-intents/"+intentID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "succeeded", decodeBody(t, rec)["status"])

	rec = env.do(t, http.MethodPost, "/transfers", map[string]any{
		"sourceIntentId": intentID, "destinationAccountId": accountID, "amountMinor": 1000,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodPost, "/transfers", map[string]any{
		"sourceIntentId": intentID, "destinationAccountId": accountID, "amountMinor": 500,
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/accounts/"+accountID+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1000, decodeBody(t, rec)["transferredMinor"])

	// Payout rules.
	rec = env.do(t, http.MethodPost, "/payouts", map[string]any{"accountId": accountID, "amountMinor": 2000}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "below_minimum", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/payouts", map[string]any{"accountId": accountID, "amountMinor": 2500}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var payout struct {
		PayoutID         string    `json:"payoutId"`
		Status           string    `json:"status"`
		EstimatedArrival time.Time `json:"estimatedArrival"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payout))
	require.Equal(t, "pending", payout.Status)
	require.True(t, fixedNow.Add(7*24*time.Hour).Equal(payout.EstimatedArrival))

	rec = env.do(t, http.MethodGet, "/accounts/"+accountID+"/payouts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["payouts"], 1)
}

func TestPayoutFromPendingAccountIsForbidden(t *testing.T) {
	env := setupServer(t)
	rec := env.do(t, http.MethodPost, "/accounts", map[string]string{
		"ownerId": "creator-2", "email": "two@example.com", "country": "GB",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	accountID := decodeBody(t, rec)["accountId"].(string)

	rec = env.do(t, http.MethodPost, "/payouts", map[string]any{"accountId": accountID, "amountMinor": 2500}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "account_not_active", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/accounts", map[string]string{
		"ownerId": "creator-2", "email": "two@example.com", "country": "GB",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, accountID, decodeBody(t, rec)["accountId"])
}

func TestValidationErrorsUseErrorEnvelope(t *testing.T) {
	env := setupServer(t)

	rec := env.do(t, http.MethodPost, "/payment-intents", map[string]any{
		"amountMinor": 40, "currency": "usd", "kind": "tip",
		"payerRef": "fan-1", "payeeRef": "creator-1", "idempotencyKey": "k-40",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)["error"].(map[string]any)
	require.Equal(t, "invalid_amount", body["code"])
	require.Equal(t, "validation", body["kind"])
	require.NotEmpty(t, body["message"])

	rec = env.do(t, http.MethodPost, "/accounts", `{"ownerId":`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/accounts", map[string]string{
		"ownerId": "creator-3", "email": "three@example.com", "country": "ZZ",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "unsupported_country", errorCode(t, rec))

	rec = env.do(t, http.MethodGet, "/accounts/acct_missing/status", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "account_not_found", errorCode(t, rec))

	payload := `{"id":"evt_x","type":"account.updated","data":{"object":{"id":"acct_x"}}}`
	rec = env.do(t, http.MethodPost, "/webhooks/processor", payload, map[string]string{
		webhooks.SignatureHeader: webhooks.Sign("wrong", fixedNow, []byte(payload)),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_signature", errorCode(t, rec))
}

func TestAdminRoutes(t *testing.T) {
	env := setupServer(t)

	rec := env.do(t, http.MethodPost, "/admin/payouts/pause", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/admin/payouts/pause", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decodeBody(t, rec)["paused"])

	require.NoError(t, env.store.CreateAccount(context.Background(), &models.ConnectedAccount{
		ID: "acct_live", OwnerID: "creator-9", Status: models.AccountActive,
		ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true,
	}))
	rec = env.do(t, http.MethodPost, "/payouts", map[string]any{"accountId": "acct_live", "amountMinor": 2500}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "payouts_paused", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/admin/payouts/resume", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/admin/payouts/status", nil, admin)
	require.Equal(t, false, decodeBody(t, rec)["paused"])

	rec = env.do(t, http.MethodGet, "/admin/accounts", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["accounts"], 1)

	rec = env.do(t, http.MethodDelete, "/admin/accounts/acct_live", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.fake.Deleted("acct_live"))
	rec = env.do(t, http.MethodGet, "/accounts/acct_live/status", nil, nil)
	require.Equal(t, "disabled", decodeBody(t, rec)["status"])

	rec = env.webhook(t, `{"id":"evt_unknown","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/admin/webhooks/events", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody(t, rec)["events"].([]any)
	require.Len(t, events, 1)
	require.Equal(t, "charge.refunded", events[0].(map[string]any)["type"])

	rec = env.do(t, http.MethodPost, "/admin/recon/run?dryRun=true", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, decodeBody(t, rec)["runId"])

	rec = env.do(t, http.MethodPost, "/admin/recon/run?end=yesterday", nil, admin)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupServer(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "creatorpay_http_requests_total"))
}
