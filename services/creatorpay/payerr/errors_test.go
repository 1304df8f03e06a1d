package payerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", ErrInvalidAmount, http.StatusBadRequest},
		{"signature", ErrSignature, http.StatusBadRequest},
		{"not found", ErrAccountNotFound, http.StatusNotFound},
		{"conflict", ErrIntentNotSettled, http.StatusConflict},
		{"account not active", ErrAccountNotActive, http.StatusForbidden},
		{"wrapped not active", fmt.Errorf("payouts: %w", ErrAccountNotActive.With("account %s is pending", "acct_1")), http.StatusForbidden},
		{"external", ErrProcessor.Wrap(errors.New("timeout")), http.StatusBadGateway},
		{"paused", ErrPayoutsPaused, http.StatusServiceUnavailable},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestSentinelMatchingSurvivesWith(t *testing.T) {
	err := fmt.Errorf("intents: %w", ErrInvalidAmount.With("amount %d below minimum %d", 40, 50))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected errors.Is to match sentinel")
	}
	if errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("unexpected match against a different code")
	}
	if KindOf(err) != KindValidation {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if CodeOf(err) != "invalid_amount" {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if CodeOf(errors.New("x")) != "internal" {
		t.Fatalf("plain errors should report internal")
	}
}
