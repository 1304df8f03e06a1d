package idempotency

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"creatorpay/services/creatorpay/models"
)

// ErrFingerprintMismatch reports a key reused with a different request shape.
var ErrFingerprintMismatch = errors.New("idempotency: fingerprint mismatch")

// ErrInFlight reports a key still reserved by another caller.
var ErrInFlight = errors.New("idempotency: key in flight")

// ErrNotReserved is returned when completing a key that was never claimed.
var ErrNotReserved = errors.New("idempotency: key not reserved")

const defaultLease = 30 * time.Second

// Outcome describes what Claim found for a key.
type Outcome int

const (
	// Fresh means the caller now holds the reservation and must Complete or Release it.
	Fresh Outcome = iota
	// Replay means the key was completed earlier; Record carries the prior result.
	Replay
)

// Claim is the result of claiming a key.
type Claim struct {
	Outcome Outcome
	Record  models.IdempotencyKey
}

// Store is the interface the components depend on.
type Store interface {
	Claim(ctx context.Context, scope, key, fingerprint string) (Claim, error)
	Complete(ctx context.Context, scope, key, resourceID string, response []byte) error
	Release(ctx context.Context, scope, key string) error
	Lookup(ctx context.Context, scope, key string) (*models.IdempotencyKey, error)
}

// GormStore persists idempotency keys through gorm using insert-if-absent.
type GormStore struct {
	db    *gorm.DB
	lease time.Duration
	now   func() time.Time
}

// Option customises the store.
type Option func(*GormStore)

// WithLease sets how long a reservation is honoured before another caller may take it over.
func WithLease(lease time.Duration) Option {
	return func(s *GormStore) { s.lease = lease }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *GormStore) { s.now = now }
}

// NewGormStore constructs a store over db.
func NewGormStore(db *gorm.DB, opts ...Option) *GormStore {
	store := &GormStore{db: db, lease: defaultLease, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if store.lease <= 0 {
		store.lease = defaultLease
	}
	return store
}

// Claim atomically reserves scope/key. Concurrent callers racing on the same key
// observe exactly one Fresh outcome.
func (s *GormStore) Claim(ctx context.Context, scope, key, fingerprint string) (Claim, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" || key == "" {
		return Claim{}, fmt.Errorf("idempotency: scope and key required")
	}
	now := s.now().UTC()
	record := models.IdempotencyKey{
		Scope:       scope,
		Key:         key,
		RequestID:   uuid.NewString(),
		Fingerprint: fingerprint,
		State:       models.IdempotencyReserved,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if res.Error != nil {
		return Claim{}, fmt.Errorf("idempotency: insert: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return Claim{Outcome: Fresh, Record: record}, nil
	}

	existing, err := s.Lookup(ctx, scope, key)
	if err != nil {
		return Claim{}, err
	}
	if existing == nil {
		// Released between our insert and lookup; let the caller retry.
		return Claim{}, ErrInFlight
	}
	if existing.Fingerprint != fingerprint {
		return Claim{}, ErrFingerprintMismatch
	}
	if existing.State == models.IdempotencyCompleted {
		return Claim{Outcome: Replay, Record: *existing}, nil
	}
	if now.Sub(existing.UpdatedAt) < s.lease {
		return Claim{}, ErrInFlight
	}

	// Stale reservation: take it over only if nobody else did first.
	takeover := s.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("scope = ? AND key = ? AND state = ? AND request_id = ?", scope, key, models.IdempotencyReserved, existing.RequestID).
		Updates(map[string]any{"request_id": record.RequestID, "updated_at": now})
	if takeover.Error != nil {
		return Claim{}, fmt.Errorf("idempotency: takeover: %w", takeover.Error)
	}
	if takeover.RowsAffected != 1 {
		return Claim{}, ErrInFlight
	}
	existing.RequestID = record.RequestID
	existing.UpdatedAt = now
	return Claim{Outcome: Fresh, Record: *existing}, nil
}

// Complete marks a reserved key as done and stores the produced resource.
func (s *GormStore) Complete(ctx context.Context, scope, key, resourceID string, response []byte) error {
	res := s.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("scope = ? AND key = ? AND state = ?", scope, key, models.IdempotencyReserved).
		Updates(map[string]any{
			"state":       models.IdempotencyCompleted,
			"resource_id": resourceID,
			"response":    string(response),
			"updated_at":  s.now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("idempotency: complete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotReserved
	}
	return nil
}

// Release drops a reservation so a later attempt can claim the key again.
func (s *GormStore) Release(ctx context.Context, scope, key string) error {
	res := s.db.WithContext(ctx).
		Where("scope = ? AND key = ? AND state = ?", scope, key, models.IdempotencyReserved).
		Delete(&models.IdempotencyKey{})
	if res.Error != nil {
		return fmt.Errorf("idempotency: release: %w", res.Error)
	}
	return nil
}

// Lookup returns the stored record or nil when the key is unknown.
func (s *GormStore) Lookup(ctx context.Context, scope, key string) (*models.IdempotencyKey, error) {
	var record models.IdempotencyKey
	err := s.db.WithContext(ctx).First(&record, "scope = ? AND key = ?", scope, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: lookup: %w", err)
	}
	return &record, nil
}

// Fingerprint hashes the ordered request fields into a stable digest.
func Fingerprint(fields ...string) string {
	h := blake3.New(32, nil)
	for _, f := range fields {
		_, _ = h.Write([]byte(f))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
