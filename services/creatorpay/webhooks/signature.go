package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"creatorpay/services/creatorpay/payerr"
)

// SignatureHeader carries the processor's webhook signature.
const SignatureHeader = "Stripe-Signature"

const defaultTolerance = 5 * time.Minute

// Verifier authenticates webhook payloads signed as t=<unix>,v1=<hex hmac>.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier returns a verifier for secret. Timestamps further than tolerance
// from now are rejected.
func NewVerifier(secret string, tolerance time.Duration, now func() time.Time) *Verifier {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: now}
}

// Verify checks header against payload.
func (v *Verifier) Verify(header string, payload []byte) error {
	if len(v.secret) == 0 {
		return payerr.ErrSignature.With("webhook secret not configured")
	}
	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return payerr.ErrSignature.With("malformed signature header")
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return payerr.ErrSignature.With("malformed signature timestamp")
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if age > v.tolerance || age < -v.tolerance {
		return payerr.ErrSignature.With("signature timestamp outside tolerance")
	}
	expected := computeSignature(v.secret, timestamp, payload)
	for _, candidate := range signatures {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return payerr.ErrSignature
}

func computeSignature(secret []byte, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Sign builds a signature header for payload at ts. Used by tests and the
// operator CLI to replay events against a local instance.
func Sign(secret string, ts time.Time, payload []byte) string {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(computeSignature([]byte(secret), timestamp, payload)))
}
