package threat

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edgegate/edgegate/internal/instrumentation"
)

// Pattern sources per category. URL and payload are scanned for everything
// except the user-agent category, which only looks at the agent string.
var patternSources = map[Type][]string{
	TypeSQLInjection: {
		`(?i)('|")\s*or\s+\d+\s*=\s*\d+`,
		`(?i)\bunion\b[\s(]+\bselect\b`,
		`(?i);\s*(drop|delete|truncate|alter)\s`,
		`(?i)\b(select|insert|update|delete)\b[^&]*\b(from|into|table|where)\b`,
		`(?i)\bexec(\s|\()+(s|x)p\w+`,
		`(?i)waitfor\s+delay`,
	},
	TypeXSSAttempt: {
		`(?i)<script[^>]*>`,
		`(?i)javascript\s*:`,
		`(?i)\bon(load|error|click|mouseover|focus)\s*=`,
		`(?i)<iframe[^>]*>`,
		`(?i)document\.(cookie|location|write)`,
	},
	TypeSuspiciousUserAgent: {
		`(?i)\b(sqlmap|nikto|nessus|masscan|nmap|dirbuster|gobuster|wpscan|hydra|metasploit)\b`,
		`(?i)\b(havij|acunetix|netsparker|w3af)\b`,
	},
	TypeMaliciousPayload: {
		`\.\./`,
		`%2e%2e%2f`,
		`(?i)etc/(passwd|shadow)`,
		`(?i)(;|\||&&)\s*(cat|rm|wget|curl|bash|sh|nc)\s`,
		`(?i)\b(eval|exec|system|passthru|base64_decode)\s*\(`,
		`(?i)<\?php`,
		`%00`,
	},
}

// Detector scans normalized request content for known attack patterns.
// It is safe for concurrent use; the compiled pattern set is immutable.
type Detector struct {
	patterns map[Type][]*regexp.Regexp
	log      logrus.FieldLogger
}

func NewDetector(log logrus.FieldLogger) *Detector {
	patterns := make(map[Type][]*regexp.Regexp, len(patternSources))
	for typ, sources := range patternSources {
		compiled := make([]*regexp.Regexp, 0, len(sources))
		for _, src := range sources {
			compiled = append(compiled, regexp.MustCompile(src))
		}
		patterns[typ] = compiled
	}
	return &Detector{patterns: patterns, log: log}
}

// Detect returns a SecurityEvent for the highest-priority matching category,
// or nil when nothing matches. Matching has no side effects.
func (d *Detector) Detect(req RequestData) *SecurityEvent {
	content := req.URL + " " + req.Payload

	matched := map[Type]string{}
	for typ, patterns := range d.patterns {
		subject := content
		if typ == TypeSuspiciousUserAgent {
			subject = req.UserAgent
		}
		for _, pattern := range patterns {
			if pattern.MatchString(subject) {
				matched[typ] = pattern.String()
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}

	var reported Type
	for _, typ := range reportPriority {
		if _, ok := matched[typ]; ok {
			reported = typ
			break
		}
	}

	categories := make([]string, 0, len(matched))
	for _, typ := range reportPriority {
		if _, ok := matched[typ]; ok {
			categories = append(categories, string(typ))
		}
	}

	severity := SeverityForType(reported)
	event := &SecurityEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      reported,
		Severity:  severity,
		SourceIP:  req.SourceIP,
		UserAgent: req.UserAgent,
		Endpoint:  req.URL,
		UserID:    req.UserID,
		Details: map[string]string{
			"method":             req.Method,
			"pattern":            matched[reported],
			"matched_categories": strings.Join(categories, ","),
		},
		Fingerprint:     Fingerprint(req.SourceIP, req.UserAgent, req.URL),
		OccurrenceCount: 1,
	}

	instrumentation.ThreatsDetectedTotal.WithLabelValues(string(reported), string(severity)).Inc()
	d.log.WithFields(logrus.Fields{
		"threat_type": reported,
		"severity":    severity,
		"source_ip":   req.SourceIP,
		"endpoint":    req.URL,
		"fingerprint": event.Fingerprint,
	}).Debug("Threat pattern matched")

	return event
}
