package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/kvstore"
	"github.com/edgegate/edgegate/internal/security"
	"github.com/edgegate/edgegate/internal/security/classifier"
	"github.com/edgegate/edgegate/internal/security/quota"
	"github.com/edgegate/edgegate/internal/security/ratelimit"
	"github.com/edgegate/edgegate/pkg/log"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestTrustedRealIPRewritesFromTrustedProxy(t *testing.T) {
	var seen string
	handler := TrustedRealIP([]string{"10.0.0.0/8"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.RemoteAddr
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:4567"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.1.2.3")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "203.0.113.7", seen)
}

func TestTrustedRealIPFallsBackToXRealIP(t *testing.T) {
	var seen string
	handler := TrustedRealIP([]string{"10.1.2.3"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.RemoteAddr
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:4567"
	r.Header.Set("X-Real-IP", "198.51.100.9")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "198.51.100.9", seen)
}

func TestTrustedRealIPIgnoresUntrustedPeer(t *testing.T) {
	var seen string
	handler := TrustedRealIP([]string{"10.0.0.0/8"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.RemoteAddr
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.50:4567"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "192.0.2.50:4567", seen)
}

func TestIdentityPrefersUser(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:1234"
	assert.Equal(t, "ip:203.0.113.7", Identity(r))

	r = r.WithContext(WithUserID(r.Context(), "42"))
	assert.Equal(t, "user:42", Identity(r))
}

func newTestLimiter(t *testing.T, limits *config.RateLimitsConfig) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := log.InitLogs("error")
	kv := kvstore.NewKVStoreWithClient(client)
	cls, err := classifier.New(config.NewDefault().Classifier)
	require.NoError(t, err)
	return ratelimit.NewLimiter(cls, quota.NewStore(kv, logger, time.Second), kv, limits, logger)
}

func TestAdmissionSetsHeadersAndDenies(t *testing.T) {
	limiter := newTestLimiter(t, &config.RateLimitsConfig{
		Default: config.Limit{Requests: 2, WindowSeconds: 60, Algorithm: config.AlgorithmSlidingWindow},
	})
	handler := Admission(limiter, log.InitLogs("fatal"))(okHandler())

	doGet := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
		r.RemoteAddr = "203.0.113.7:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	w := doGet()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))

	doGet()
	w = doGet()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body rateLimitedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded", body.Detail)
	assert.Equal(t, "read:generic", body.LimitType)
	assert.Equal(t, 0, body.Remaining)
	assert.GreaterOrEqual(t, body.RetryAfter, 1)
}

func TestAdmissionRefusesBlockedIdentity(t *testing.T) {
	limiter := newTestLimiter(t, &config.RateLimitsConfig{
		Default: config.Limit{Requests: 100, WindowSeconds: 60, Algorithm: config.AlgorithmSlidingWindow},
	})
	require.NoError(t, limiter.Block(t.Context(), "ip:203.0.113.7", time.Hour, "manual_review", ratelimit.OriginAdmin))

	handler := Admission(limiter, log.InitLogs("fatal"))(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	r.RemoteAddr = "203.0.113.7:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	var body rateLimitedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Access temporarily blocked", body.Detail)
	assert.Equal(t, "blocked", body.LimitType)
}

func TestDetectionRecordsThreatAndPreservesBody(t *testing.T) {
	monitor := security.NewMonitor(nil, nil, nil, log.InitLogs("fatal"))
	t.Cleanup(monitor.Close)

	var gotBody string
	handler := Detection(monitor, 8*1024, log.InitLogs("fatal"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = string(raw)
	}))

	payload := `{"comment": "<script>alert(1)</script>"}`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/comments", strings.NewReader(payload))
	r.RemoteAddr = "203.0.113.7:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payload, gotBody, "handler must see the unconsumed body")
	assert.Equal(t, 1, monitor.Stats().EventsLast24h)
}

func TestDetectionPassesCleanRequests(t *testing.T) {
	monitor := security.NewMonitor(nil, nil, nil, log.InitLogs("fatal"))
	t.Cleanup(monitor.Close)

	handler := Detection(monitor, 8*1024, log.InitLogs("fatal"))(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/api/v1/products?q=phone+case", nil)
	r.RemoteAddr = "203.0.113.7:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, monitor.Stats().EventsLast24h)
}
