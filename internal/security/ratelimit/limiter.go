// Package ratelimit decides whether a request is admitted. It combines the
// request classifier, the per-category limit table and the shared quota
// store, and owns the block records that deny repeat offenders outright.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/instrumentation"
	"github.com/edgegate/edgegate/internal/kvstore"
	"github.com/edgegate/edgegate/internal/security/classifier"
	"github.com/edgegate/edgegate/internal/security/quota"
)

// Result is the admission decision for one request.
type Result struct {
	Allowed bool
	// Blocked means an unexpired block record denied the request before any
	// quota was consulted.
	Blocked bool
	// FailedOpen means the store was unreachable and the request was
	// admitted without enforcement.
	FailedOpen bool

	Limit        int
	Remaining    int
	CurrentUsage int
	ResetTime    time.Time
	// RetryAfter is nonzero only for denied requests.
	RetryAfter time.Duration

	Category  string
	LimitName string
	Algorithm string
}

type Limiter struct {
	classifier *classifier.Classifier
	quota      *quota.Store
	kv         kvstore.KVStore
	limits     *config.RateLimitsConfig
	log        logrus.FieldLogger
}

func NewLimiter(cls *classifier.Classifier, quotaStore *quota.Store, kv kvstore.KVStore, limits *config.RateLimitsConfig, log logrus.FieldLogger) *Limiter {
	return &Limiter{
		classifier: cls,
		quota:      quotaStore,
		kv:         kv,
		limits:     limits,
		log:        log,
	}
}

// Check admits or denies one request from identity. Denials that exhaust a
// limit carrying a block duration also install a block record, so subsequent
// requests are refused without quota arithmetic.
func (l *Limiter) Check(ctx context.Context, method, path, identity string) Result {
	start := time.Now()
	category, limitName := l.classifier.Classify(method, path)
	limit := l.limitFor(category, limitName)
	window := time.Duration(limit.WindowSeconds) * time.Second

	var decision quota.Decision
	switch limit.Algorithm {
	case config.AlgorithmTokenBucket:
		counterKey := fmt.Sprintf("rl:tb:%s:%s:%s", category, limitName, identity)
		// Burst extends the bucket beyond the sustained rate.
		decision = l.quota.TokenBucket(ctx, counterKey, blockKey(identity), limit.Requests+limit.Burst, window)
	default:
		counterKey := fmt.Sprintf("rl:sw:%s:%s:%s", category, limitName, identity)
		decision = l.quota.SlidingWindow(ctx, counterKey, blockKey(identity), limit.Requests, window)
	}

	result := Result{
		Allowed:      decision.Accepted,
		Blocked:      decision.Blocked,
		FailedOpen:   decision.FailedOpen,
		Limit:        limit.Requests,
		Remaining:    decision.Remaining,
		CurrentUsage: decision.CurrentUsage,
		ResetTime:    decision.ResetTime,
		RetryAfter:   decision.RetryAfter,
		Category:     category,
		LimitName:    limitName,
		Algorithm:    limit.Algorithm,
	}

	if !result.Allowed && !result.Blocked && limit.BlockDurationSeconds > 0 {
		duration := time.Duration(limit.BlockDurationSeconds) * time.Second
		reason := fmt.Sprintf("rate_limit_exceeded:%s:%s", category, limitName)
		if err := l.Block(ctx, identity, duration, reason, OriginLimiter); err != nil {
			l.log.WithError(err).WithField("identifier", identity).Error("Failed to install block record")
		} else {
			result.RetryAfter = duration
			result.ResetTime = time.Now().Add(duration)
		}
	}

	instrumentation.AdmissionChecksTotal.WithLabelValues(decisionLabel(result), category).Inc()
	instrumentation.AdmissionCheckDurationSeconds.Observe(time.Since(start).Seconds())
	return result
}

func (l *Limiter) limitFor(category, limitName string) config.Limit {
	if limit, ok := l.limits.Limits[category+":"+limitName]; ok {
		return limit
	}
	return l.limits.Default
}

func decisionLabel(r Result) string {
	switch {
	case r.Blocked:
		return "blocked"
	case r.FailedOpen:
		return "fail_open"
	case r.Allowed:
		return "allowed"
	default:
		return "rejected"
	}
}
