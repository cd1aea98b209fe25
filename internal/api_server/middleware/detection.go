package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/edgegate/edgegate/internal/security"
	"github.com/edgegate/edgegate/internal/security/threat"
)

// Detection scans admitted requests for attack patterns. It never rejects;
// detected threats are recorded and alerting takes it from there. The
// request body is replaced with a buffered copy so handlers still see it.
func Detection(monitor *security.Monitor, bodyExcerptBytes int, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload string
			if r.Body != nil && r.ContentLength != 0 {
				excerpt, err := io.ReadAll(io.LimitReader(r.Body, int64(bodyExcerptBytes)))
				if err != nil {
					log.WithError(err).Debug("Failed to read request body for scanning")
				} else {
					payload = string(excerpt)
					rest := r.Body
					r.Body = struct {
						io.Reader
						io.Closer
					}{io.MultiReader(bytes.NewReader(excerpt), rest), rest}
				}
			}

			monitor.DetectAndRecord(r.Context(), threat.RequestData{
				URL:       scannableURL(r),
				Method:    r.Method,
				Headers:   flattenHeaders(r.Header),
				UserAgent: r.UserAgent(),
				Payload:   payload,
				SourceIP:  ClientIP(r),
				UserID:    UserIDFromCtx(r.Context()),
			})

			next.ServeHTTP(w, r)
		})
	}
}

// scannableURL returns the request URI with the query percent-decoded, so
// patterns match what the attacker wrote rather than its encoded form.
func scannableURL(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	query, err := url.QueryUnescape(r.URL.RawQuery)
	if err != nil {
		query = r.URL.RawQuery
	}
	return r.URL.Path + "?" + query
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for name := range header {
		flat[name] = header.Get(name)
	}
	return flat
}
