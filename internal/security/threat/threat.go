// Package threat classifies request content against a fixed set of attack
// patterns. It is not a general-purpose WAF; the pattern set is compiled
// once at construction and never reloaded.
package threat

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type Type string

const (
	TypeSQLInjection        Type = "SQL_INJECTION"
	TypeXSSAttempt          Type = "XSS_ATTEMPT"
	TypeSuspiciousUserAgent Type = "SUSPICIOUS_USER_AGENT"
	TypeMaliciousPayload    Type = "MALICIOUS_PAYLOAD"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// reportPriority fixes which type is reported when several categories match
// the same request, highest priority first.
var reportPriority = []Type{
	TypeSQLInjection,
	TypeMaliciousPayload,
	TypeXSSAttempt,
	TypeSuspiciousUserAgent,
}

var severityByType = map[Type]Severity{
	TypeSQLInjection:        SeverityCritical,
	TypeMaliciousPayload:    SeverityHigh,
	TypeXSSAttempt:          SeverityHigh,
	TypeSuspiciousUserAgent: SeverityMedium,
}

// SeverityForType returns the static severity assigned to a threat type.
func SeverityForType(t Type) Severity {
	if sev, ok := severityByType[t]; ok {
		return sev
	}
	return SeverityLow
}

// ValidType reports whether s names a known threat type, e.g. when
// validating alert rule configuration.
func ValidType(s string) bool {
	switch Type(s) {
	case TypeSQLInjection, TypeXSSAttempt, TypeSuspiciousUserAgent, TypeMaliciousPayload:
		return true
	}
	return false
}

// RequestData is the normalized request content handed to detection by the
// HTTP layer.
type RequestData struct {
	URL       string
	Method    string
	Headers   map[string]string
	UserAgent string
	Payload   string
	SourceIP  string
	UserID    string
}

// SecurityEvent records one detected threat occurrence.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      Type              `json:"threat_type"`
	Severity  Severity          `json:"severity"`
	SourceIP  string            `json:"source_ip"`
	UserAgent string            `json:"user_agent"`
	Endpoint  string            `json:"endpoint"`
	Details   map[string]string `json:"details,omitempty"`
	UserID    string            `json:"user_id,omitempty"`

	// Fingerprint correlates events from the same (ip, agent, endpoint)
	// triple. It is a grouping key only, never an identity.
	Fingerprint     string `json:"fingerprint"`
	OccurrenceCount int    `json:"occurrence_count"`
}

// Fingerprint derives the stable correlation key for a request origin.
func Fingerprint(sourceIP, userAgent, endpoint string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s", sourceIP, userAgent, endpoint))
	return hex.EncodeToString(sum[:8])
}
