package apiserver

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker is a minimal contract for readiness checks.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthzHandler always returns OK; liveness probes only need to know the
// process is running.
func HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// ReadyzHandler runs the given checks and returns 503 on any failure. Note
// that readiness is advisory: admission itself fails open when the store is
// down, so a not-ready instance still serves traffic unthrottled.
func ReadyzHandler(timeout time.Duration, checks ...HealthChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}
