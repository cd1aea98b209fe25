package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgegate/edgegate/internal/security/ratelimit"
	pkglog "github.com/edgegate/edgegate/pkg/log"
)

// rateLimitedResponse is the 429 body.
type rateLimitedResponse struct {
	Detail     string    `json:"detail"`
	LimitType  string    `json:"limit_type"`
	Remaining  int       `json:"remaining"`
	ResetTime  time.Time `json:"reset_time"`
	RetryAfter int       `json:"retry_after"`
}

// Admission checks every request against the rate limiter before it reaches
// a handler. Denied requests get a 429 with the standard rate-limit headers;
// admitted requests carry the same headers so well-behaved clients can pace
// themselves.
func Admission(limiter *ratelimit.Limiter, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, ok := check(limiter, log, r)
			if !ok {
				// An admission-path failure must not take the service down
				// with it; let the request through unthrottled.
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.ResetTime.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
			}

			if result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			detail := "Rate limit exceeded"
			limitType := result.Category + ":" + result.LimitName
			if result.Blocked {
				detail = "Access temporarily blocked"
				limitType = "blocked"
			}

			pkglog.WithReqIDFromCtx(r.Context(), log).WithFields(logrus.Fields{
				"identity":   Identity(r),
				"path":       r.URL.Path,
				"limit_type": limitType,
				"blocked":    result.Blocked,
			}).Info("Request denied")

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			if err := json.NewEncoder(w).Encode(rateLimitedResponse{
				Detail:     detail,
				LimitType:  limitType,
				Remaining:  result.Remaining,
				ResetTime:  result.ResetTime,
				RetryAfter: retryAfter,
			}); err != nil {
				log.WithError(err).Error("Failed to encode rate limit response")
			}
		})
	}
}

func check(limiter *ratelimit.Limiter, log logrus.FieldLogger, r *http.Request) (result ratelimit.Result, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("Admission check panicked: %v", rec)
			ok = false
		}
	}()
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	return limiter.Check(ctx, r.Method, r.URL.Path, Identity(r)), true
}
