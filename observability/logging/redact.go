package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log lines.
const RedactedValue = "[REDACTED]"

// Keys that carry processor or ledger identifiers only. Contact details,
// secrets and free-form owner references are never on this list.
var redactionAllowlist = map[string]struct{}{
	"service":          {},
	"env":              {},
	"message":          {},
	"severity":         {},
	"timestamp":        {},
	"error":            {},
	"reason":           {},
	"component":        {},
	"account_id":       {},
	"intent_id":        {},
	"transfer_id":      {},
	"payout_id":        {},
	"event_id":         {},
	"event_type":       {},
	"currency":         {},
	"amount_minor":     {},
	"status":           {},
	"country":          {},
	"source_intent_id": {},
}

// IsAllowlisted reports whether key may be logged verbatim.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns the allowlisted keys, sorted.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField redacts value unless key is allowlisted. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskEmail keeps the first character of the local part and the domain so
// support can correlate a log line without the full address, e.g. c***@example.com.
func MaskEmail(key, email string) slog.Attr {
	email = strings.TrimSpace(email)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return MaskField(key, email)
	}
	return slog.String(key, email[:1]+"***"+email[at:])
}
