package accounts

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const stateIssuer = "creatorpay-onboarding"

// StateSigner issues and verifies the signed state carried by onboarding links.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type stateClaims struct {
	Owner string `json:"owner"`
	jwt.RegisteredClaims
}

// NewStateSigner returns an HS256 signer. ttl bounds how long a link stays usable.
func NewStateSigner(secret []byte, ttl time.Duration, now func() time.Time) (*StateSigner, error) {
	if len(secret) < 16 {
		return nil, errors.New("accounts: state secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &StateSigner{secret: secret, ttl: ttl, now: now}, nil
}

// Sign binds accountID and ownerID into a token.
func (s *StateSigner) Sign(accountID, ownerID string) (string, error) {
	issued := s.now()
	claims := stateClaims{
		Owner: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateIssuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("accounts: sign state: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and expiry and that it was issued for accountID.
func (s *StateSigner) Verify(token, accountID string) (string, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithSubject(accountID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("accounts: verify state: %w", err)
	}
	return claims.Owner, nil
}
