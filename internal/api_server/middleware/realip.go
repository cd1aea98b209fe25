package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the IP portion of the request's RemoteAddr, falling back
// to the full RemoteAddr if it does not parse as host:port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TrustedRealIP rewrites RemoteAddr from proxy headers, but only when the
// immediate peer is in the trustedProxies list (CIDRs or literal IPs).
// Header priority: X-Forwarded-For (first hop), then X-Real-IP. Headers from
// untrusted peers are silently ignored so clients cannot spoof their way out
// of a rate limit or block.
func TrustedRealIP(trustedProxies []string) func(http.Handler) http.Handler {
	// Parse the trust list once; the hot path only does containment checks.
	var trustedNets []*net.IPNet
	for _, entry := range trustedProxies {
		s := strings.TrimSpace(entry)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			if _, n, err := net.ParseCIDR(s); err == nil {
				trustedNets = append(trustedNets, n)
			}
			continue
		}
		if ip := net.ParseIP(s); ip != nil {
			if ip.To4() != nil {
				trustedNets = append(trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)})
			} else {
				trustedNets = append(trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
			}
		}
	}

	peerTrusted := func(r *http.Request) bool {
		peerIP := net.ParseIP(ClientIP(r))
		if peerIP == nil {
			return false
		}
		for _, trustedNet := range trustedNets {
			if trustedNet.Contains(peerIP) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(trustedNets) > 0 && peerTrusted(r) {
				if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
					first := strings.TrimSpace(strings.Split(xff, ",")[0])
					if ip := net.ParseIP(first); ip != nil {
						r.RemoteAddr = ip.String()
						next.ServeHTTP(w, r)
						return
					}
				}
				if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
					if ip := net.ParseIP(xr); ip != nil {
						r.RemoteAddr = ip.String()
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
