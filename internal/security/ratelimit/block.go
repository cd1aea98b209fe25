package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgegate/edgegate/internal/instrumentation"
)

// Block origins, used as the metric label for issued blocks.
const (
	OriginLimiter = "rate_limiter"
	OriginAlert   = "alert"
	OriginAdmin   = "admin"
)

// BlockRecord is the JSON document stored under block:<identifier>. Its
// lifetime is enforced by the store TTL, so an existing record is by
// definition unexpired.
type BlockRecord struct {
	Identifier      string    `json:"identifier"`
	BlockedAt       time.Time `json:"blocked_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Reason          string    `json:"reason"`
}

func blockKey(identifier string) string {
	return "block:" + identifier
}

// Block denies all requests from identifier for the given duration,
// overwriting any existing record.
func (l *Limiter) Block(ctx context.Context, identifier string, duration time.Duration, reason, origin string) error {
	record := BlockRecord{
		Identifier:      identifier,
		BlockedAt:       time.Now().UTC(),
		DurationSeconds: int(duration.Seconds()),
		Reason:          reason,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding block record for %q: %w", identifier, err)
	}
	if err := l.kv.SetWithTTL(ctx, blockKey(identifier), payload, duration); err != nil {
		return fmt.Errorf("storing block record for %q: %w", identifier, err)
	}
	instrumentation.BlocksIssuedTotal.WithLabelValues(origin).Inc()
	l.log.WithField("identifier", identifier).
		WithField("reason", reason).
		WithField("duration", duration).
		Warn("Identifier blocked")
	return nil
}

// Unblock lifts a block immediately. Removing a nonexistent block is not an
// error.
func (l *Limiter) Unblock(ctx context.Context, identifier string) error {
	if err := l.kv.Delete(ctx, blockKey(identifier)); err != nil {
		return fmt.Errorf("removing block record for %q: %w", identifier, err)
	}
	l.log.WithField("identifier", identifier).Info("Identifier unblocked")
	return nil
}

// BlockInfo returns the active block record for identifier and its remaining
// lifetime, or nil when no block is in effect.
func (l *Limiter) BlockInfo(ctx context.Context, identifier string) (*BlockRecord, time.Duration, error) {
	payload, ttl, err := l.kv.GetWithTTL(ctx, blockKey(identifier))
	if err != nil {
		return nil, 0, fmt.Errorf("reading block record for %q: %w", identifier, err)
	}
	if payload == nil {
		return nil, 0, nil
	}
	var record BlockRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, 0, fmt.Errorf("decoding block record for %q: %w", identifier, err)
	}
	return &record, ttl, nil
}

// IsBlocked reports whether an unexpired block record exists for identifier.
func (l *Limiter) IsBlocked(ctx context.Context, identifier string) (bool, error) {
	record, _, err := l.BlockInfo(ctx, identifier)
	if err != nil {
		return false, err
	}
	return record != nil, nil
}
