package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"creatorpay/services/creatorpay/intents"
	"creatorpay/services/creatorpay/models"
	"creatorpay/services/creatorpay/payerr"
	"creatorpay/services/creatorpay/payouts"
	"creatorpay/services/creatorpay/recon"
	"creatorpay/services/creatorpay/webhooks"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err using the payerr taxonomy. Internal errors are logged
// and their message is not echoed to the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := payerr.HTTPStatus(err)
	kind := payerr.KindOf(err)
	detail := errorDetail{Code: payerr.CodeOf(err), Kind: string(kind), Message: err.Error()}
	var perr *payerr.Error
	if errors.As(err, &perr) {
		detail.Message = perr.Message
	}
	if kind == payerr.KindInternal || status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", detail.Code),
			slog.String("error", err.Error()),
		)
		if kind == payerr.KindInternal {
			detail.Message = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, payerr.ErrInvalidRequest.With("invalid payload: %v", err))
		return false
	}
	return true
}

func limitParam(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// CreateAccount registers a connected account.
func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string `json:"ownerId"`
		Email   string `json:"email"`
		Country string `json:"country"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.accounts.CreateAccount(r.Context(), req.OwnerID, req.Email, req.Country)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"accountId":      res.Account.ID,
		"status":         res.Account.Status,
		"onboardingLink": res.OnboardingLink,
	})
}

type accountView struct {
	AccountID        string               `json:"accountId"`
	OwnerID          string               `json:"ownerId,omitempty"`
	Country          string               `json:"country,omitempty"`
	Status           models.AccountStatus `json:"status"`
	ChargesEnabled   bool                 `json:"chargesEnabled"`
	PayoutsEnabled   bool                 `json:"payoutsEnabled"`
	DetailsSubmitted bool                 `json:"detailsSubmitted"`
	DeletedAt        *time.Time           `json:"deletedAt,omitempty"`
}

func toAccountView(a models.ConnectedAccount) accountView {
	return accountView{
		AccountID:        a.ID,
		OwnerID:          a.OwnerID,
		Country:          a.Country,
		Status:           a.Status,
		ChargesEnabled:   a.ChargesEnabled,
		PayoutsEnabled:   a.PayoutsEnabled,
		DetailsSubmitted: a.DetailsSubmitted,
		DeletedAt:        a.DeletedAt,
	}
}

// AccountStatus returns the account's derived status and capability flags.
func (s *Server) AccountStatus(w http.ResponseWriter, r *http.Request) {
	acct, err := s.accounts.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(*acct))
}

// Onboarding validates the signed state and redirects to a fresh processor link.
func (s *Server) Onboarding(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	url, err := s.accounts.OnboardingRedirect(r.Context(), chi.URLParam(r, "id"), q.Get("state"), q.Get("type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// AccountBalance returns the derived balance.
func (s *Server) AccountBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.payouts.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountId":        bal.AccountID,
		"currency":         bal.Currency,
		"transferredMinor": bal.TransferredMinor,
		"paidOutMinor":     bal.PaidOutMinor,
		"availableMinor":   bal.AvailableMinor(),
	})
}

type payoutView struct {
	PayoutID         string              `json:"payoutId"`
	AccountID        string              `json:"accountId"`
	AmountMinor      int64               `json:"amountMinor"`
	Currency         string              `json:"currency"`
	Status           models.PayoutStatus `json:"status"`
	FailureReason    string              `json:"failureReason,omitempty"`
	RequestedAt      time.Time           `json:"requestedAt"`
	EstimatedArrival time.Time           `json:"estimatedArrival"`
}

func toPayoutView(p models.Payout) payoutView {
	return payoutView{
		PayoutID:         p.ID,
		AccountID:        p.AccountID,
		AmountMinor:      p.AmountMinor,
		Currency:         p.Currency,
		Status:           p.Status,
		FailureReason:    p.FailureReason,
		RequestedAt:      p.RequestedAt.UTC(),
		EstimatedArrival: p.EstimatedArrival.UTC(),
	}
}

// AccountPayouts lists the account's payouts.
func (s *Server) AccountPayouts(w http.ResponseWriter, r *http.Request) {
	list, err := s.payouts.List(r.Context(), chi.URLParam(r, "id"), limitParam(r, 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]payoutView, 0, len(list))
	for _, p := range list {
		views = append(views, toPayoutView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": views})
}

// CreatePaymentIntent creates, or replays, a payment intent.
func (s *Server) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountMinor    int64             `json:"amountMinor"`
		Currency       string            `json:"currency"`
		Kind           string            `json:"kind"`
		TierID         string            `json:"tierId"`
		PayerRef       string            `json:"payerRef"`
		PayeeRef       string            `json:"payeeRef"`
		IdempotencyKey string            `json:"idempotencyKey"`
		Metadata       map[string]string `json:"metadata"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	res, err := s.intents.CreateIntent(r.Context(), intents.Request{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Kind:           models.IntentKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		TierID:         req.TierID,
		PayerRef:       req.PayerRef,
		PayeeRef:       req.PayeeRef,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{
		"intentId":     res.Intent.ID,
		"clientSecret": res.Intent.ClientSecret,
		"status":       res.Intent.Status,
		"amountMinor":  res.Intent.AmountMinor,
	}
	if res.Replayed {
		body["replayed"] = true
		writeJSON(w, payerr.HTTPStatus(payerr.ErrReplay), body)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

// GetPaymentIntent returns the stored intent.
func (s *Server) GetPaymentIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.intents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := map[string]any{
		"intentId":    intent.ID,
		"amountMinor": intent.AmountMinor,
		"currency":    intent.Currency,
		"kind":        intent.Kind,
		"payerRef":    intent.PayerRef,
		"payeeRef":    intent.PayeeRef,
		"status":      intent.Status,
		"createdAt":   intent.CreatedAt.UTC(),
		"updatedAt":   intent.UpdatedAt.UTC(),
	}
	if intent.TierID != "" {
		view["tierId"] = intent.TierID
	}
	if intent.FailureReason != "" {
		view["failureReason"] = intent.FailureReason
	}
	if intent.Metadata != "" {
		view["metadata"] = json.RawMessage(intent.Metadata)
	}
	writeJSON(w, http.StatusOK, view)
}

// CreateTransfer forwards a succeeded intent's funds to a connected account.
func (s *Server) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceIntentID       string `json:"sourceIntentId"`
		DestinationAccountID string `json:"destinationAccountId"`
		AmountMinor          int64  `json:"amountMinor"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.transfers.CreateTransfer(r.Context(), req.SourceIntentID, req.DestinationAccountID, req.AmountMinor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"transferId": res.Transfer.ID,
		"status":     res.Transfer.Status,
	})
}

// CreatePayout requests a payout from an active account.
func (s *Server) CreatePayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID      string `json:"accountId"`
		AmountMinor    int64  `json:"amountMinor"`
		Currency       string `json:"currency"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	res, err := s.payouts.RequestPayout(r.Context(), payouts.Request{
		AccountID:      req.AccountID,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"payoutId":         res.Payout.ID,
		"status":           res.Payout.Status,
		"estimatedArrival": res.Payout.EstimatedArrival.UTC(),
	})
}

// HandleWebhook verifies and dispatches one processor delivery.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, r, payerr.ErrInvalidRequest.With("unreadable webhook body"))
		return
	}
	res, err := s.webhooks.Handle(r.Context(), r.Header.Get(webhooks.SignatureHeader), payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{"received": true}
	if res.Deduped {
		body["deduped"] = true
	}
	if res.Ignored {
		body["ignored"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

// PausePayouts engages the operator pause.
func (s *Server) PausePayouts(w http.ResponseWriter, r *http.Request) {
	s.payouts.Pause()
	s.logger.Warn("payouts paused by operator")
	writeJSON(w, http.StatusOK, s.payouts.Status())
}

// ResumePayouts releases the operator pause.
func (s *Server) ResumePayouts(w http.ResponseWriter, r *http.Request) {
	s.payouts.Resume()
	s.logger.Info("payouts resumed by operator")
	writeJSON(w, http.StatusOK, s.payouts.Status())
}

// PayoutStatus reports the payout controls.
func (s *Server) PayoutStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.payouts.Status())
}

// ListAccounts returns recent accounts.
func (s *Server) ListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.accounts.List(r.Context(), limitParam(r, 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]accountView, 0, len(list))
	for _, a := range list {
		views = append(views, toAccountView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

// DeleteAccount removes an account at the processor and disables it.
func (s *Server) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.accounts.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accountId": id, "deleted": true})
}

// RunRecon executes a reconciliation window immediately. The window defaults to
// the configured span ending now; start and end accept RFC3339 overrides.
func (s *Server) RunRecon(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		s.writeError(w, r, payerr.ErrUnavailable.With("reconciliation is not configured"))
		return
	}
	q := r.URL.Query()
	end := s.now().UTC()
	start := end.Add(-s.reconWindow)
	if raw := q.Get("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, payerr.ErrInvalidRequest.With("end must be RFC3339"))
			return
		}
		end = parsed
		start = end.Add(-s.reconWindow)
	}
	if raw := q.Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, payerr.ErrInvalidRequest.With("start must be RFC3339"))
			return
		}
		start = parsed
	}
	dryRun, _ := strconv.ParseBool(q.Get("dryRun"))
	res, err := s.reconciler.Run(r.Context(), recon.RunOptions{Start: start, End: end, DryRun: dryRun})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	anomalies := make([]map[string]string, 0, len(res.Anomalies))
	for _, a := range res.Anomalies {
		anomalies = append(anomalies, map[string]string{
			"type":     a.Type,
			"entity":   a.Entity,
			"entityId": a.EntityID,
			"details":  a.Details,
		})
	}
	files := make([]string, 0, 2*len(res.Files))
	for _, f := range res.Files {
		files = append(files, f.CSVPath, f.ParquetPath)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":     res.RunID,
		"start":     res.Start,
		"end":       res.End,
		"rows":      len(res.Rows),
		"anomalies": anomalies,
		"files":     files,
	})
}

// ListWebhookEvents returns the most recent webhook deliveries.
func (s *Server) ListWebhookEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context(), limitParam(r, 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, evt := range events {
		out = append(out, map[string]any{
			"id":          evt.ID,
			"type":        evt.Type,
			"receivedAt":  evt.ReceivedAt.UTC(),
			"processed":   evt.Processed,
			"processedAt": evt.ProcessedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
