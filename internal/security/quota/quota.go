// Package quota exposes the two admission-counting primitives over the
// shared store. Both fail open: when the store is unreachable the request
// is admitted with a generous synthetic remaining count, because
// availability is prioritized over strict enforcement.
package quota

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgegate/edgegate/internal/instrumentation"
	"github.com/edgegate/edgegate/internal/kvstore"
)

// Decision is the outcome of one quota transaction.
type Decision struct {
	Accepted bool
	// Blocked is set when an unexpired block record short-circuited the
	// check before any quota arithmetic ran.
	Blocked bool
	// FailedOpen is set when the store was unavailable and the request was
	// admitted without consuming quota.
	FailedOpen   bool
	CurrentUsage int
	Remaining    int
	ResetTime    time.Time
	// RetryAfter is how long the caller should wait before retrying; only
	// meaningful when the request was rejected or blocked.
	RetryAfter time.Duration
}

type Store struct {
	kv      kvstore.KVStore
	log     logrus.FieldLogger
	timeout time.Duration

	// nowFunc is replaced in tests to drive window arithmetic.
	nowFunc func() time.Time
}

func NewStore(kv kvstore.KVStore, log logrus.FieldLogger, timeout time.Duration) *Store {
	return &Store{
		kv:      kv,
		log:     log,
		timeout: timeout,
		nowFunc: time.Now,
	}
}

// SlidingWindow admits the request if fewer than limit entries exist in the
// trailing window. A rejected request never consumes quota.
func (s *Store) SlidingWindow(ctx context.Context, counterKey, blockKey string, limit int, window time.Duration) Decision {
	now := s.nowFunc()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.kv.SlidingWindowIncr(ctx, counterKey, blockKey, window, limit, now)
	if err != nil {
		return s.failOpen(counterKey, limit, window, now, err)
	}
	if res.Blocked {
		return Decision{
			Blocked:    true,
			ResetTime:  now.Add(res.BlockTTL),
			RetryAfter: res.BlockTTL,
		}
	}

	resetTime := now.Add(window)
	if !res.OldestEntry.IsZero() {
		resetTime = res.OldestEntry.Add(window)
	}
	decision := Decision{
		Accepted:     res.Accepted,
		CurrentUsage: res.Count,
		Remaining:    max(0, limit-res.Count),
		ResetTime:    resetTime,
	}
	if !res.Accepted {
		decision.RetryAfter = max(0, resetTime.Sub(now))
	}
	return decision
}

// TokenBucket admits the request if at least one token is available after
// refilling at capacity/window, clamped to capacity.
func (s *Store) TokenBucket(ctx context.Context, bucketKey, blockKey string, capacity int, window time.Duration) Decision {
	now := s.nowFunc()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.kv.TokenBucketConsume(ctx, bucketKey, blockKey, window, capacity, now)
	if err != nil {
		return s.failOpen(bucketKey, capacity, window, now, err)
	}
	if res.Blocked {
		return Decision{
			Blocked:    true,
			ResetTime:  now.Add(res.BlockTTL),
			RetryAfter: res.BlockTTL,
		}
	}

	refillPerSecond := float64(capacity) / window.Seconds()
	decision := Decision{
		Accepted:     res.Accepted,
		CurrentUsage: capacity - int(math.Floor(res.Tokens)),
		Remaining:    int(math.Floor(res.Tokens)),
		// when the bucket next reaches full capacity
		ResetTime: now.Add(time.Duration((float64(capacity) - res.Tokens) / refillPerSecond * float64(time.Second))),
	}
	if !res.Accepted {
		decision.RetryAfter = time.Duration((1 - res.Tokens) / refillPerSecond * float64(time.Second))
	}
	return decision
}

func (s *Store) failOpen(key string, limit int, window time.Duration, now time.Time, err error) Decision {
	instrumentation.StoreFailuresTotal.Inc()
	s.log.WithFields(logrus.Fields{
		"key":   key,
		"error": err,
	}).Error("Shared store unavailable, admitting request without quota enforcement")
	return Decision{
		Accepted:   true,
		FailedOpen: true,
		Remaining:  limit,
		ResetTime:  now.Add(window),
	}
}
