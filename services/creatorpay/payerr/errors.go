// Package payerr defines the caller-visible error taxonomy shared by the
// creatorpay components and its mapping onto HTTP status codes.
package payerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindSignature   Kind = "signature"
	KindConflict    Kind = "state_conflict"
	KindExternal    Kind = "external_processor"
	KindReplay      Kind = "idempotency_replay"
	KindUnavailable Kind = "unavailable"
	KindForbidden   Kind = "forbidden"
	KindInternal    Kind = "internal"
)

// Error is a classified error carrying a stable machine code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error sharing the same code so sentinels work with errors.Is
// even after Wrap or With has produced a new value.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code != "" && other.Code == e.Code
}

// With returns a copy of the sentinel with a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	dup := *e
	dup.Message = fmt.Sprintf(format, args...)
	return &dup
}

// Wrap returns a copy of the sentinel carrying cause.
func (e *Error) Wrap(cause error) *Error {
	dup := *e
	dup.Err = cause
	return &dup
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Validation failures.
var (
	ErrInvalidAmount      = newError(KindValidation, "invalid_amount", "amount below minimum charge")
	ErrInvalidEmail       = newError(KindValidation, "invalid_email", "email address is malformed")
	ErrUnsupportedCountry = newError(KindValidation, "unsupported_country", "country is not supported")
	ErrBelowMinimum       = newError(KindValidation, "below_minimum", "payout amount below minimum")
	ErrInvalidRequest     = newError(KindValidation, "invalid_request", "invalid request")
	ErrInvalidState       = newError(KindValidation, "invalid_state_token", "onboarding state token is invalid")
)

// Lookup failures.
var (
	ErrAccountNotFound  = newError(KindNotFound, "account_not_found", "account not found")
	ErrIntentNotFound   = newError(KindNotFound, "intent_not_found", "payment intent not found")
	ErrTransferNotFound = newError(KindNotFound, "transfer_not_found", "transfer not found")
	ErrPayoutNotFound   = newError(KindNotFound, "payout_not_found", "payout not found")
)

// Webhook authenticity failures.
var (
	ErrSignature = newError(KindSignature, "invalid_signature", "webhook signature verification failed")
)

// State conflicts.
var (
	ErrInvalidTransition  = newError(KindConflict, "invalid_transition", "invalid state transition")
	ErrAccountNotEligible = newError(KindConflict, "account_not_eligible", "destination account cannot receive transfers")
	ErrIntentNotSettled   = newError(KindConflict, "intent_not_settled", "source payment intent has not succeeded")
	ErrAccountNotActive   = newError(KindConflict, "account_not_active", "account is not active")
	ErrIdempotencyReuse   = newError(KindConflict, "idempotency_key_reused", "idempotency key reused with different parameters")
	ErrInFlight           = newError(KindConflict, "request_in_flight", "a request with this key is already in progress")
	ErrAlreadyTransferred = newError(KindConflict, "intent_already_transferred", "payment intent already transferred with different parameters")
)

// Infrastructure failures.
var (
	ErrProcessor     = newError(KindExternal, "processor_error", "payment processor request failed")
	ErrPayoutsPaused = newError(KindUnavailable, "payouts_paused", "payouts are paused by an operator")
	ErrUnavailable   = newError(KindUnavailable, "temporarily_unavailable", "temporarily unavailable")
	ErrUnauthorized  = newError(KindForbidden, "unauthorized", "missing or invalid credentials")
)

// ErrReplay marks a response that returns the result of an earlier request.
var ErrReplay = newError(KindReplay, "idempotency_replay", "request already handled")

// KindOf reports the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf reports the machine code of err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal"
}

// HTTPStatus maps err onto the status code returned to callers.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch {
	case errors.Is(err, ErrAccountNotActive):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	}
	switch KindOf(err) {
	case KindValidation, KindSignature:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExternal:
		return http.StatusBadGateway
	case KindReplay:
		return http.StatusOK
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
