// Package alerts evaluates windowed threshold rules over the security event
// history and dispatches notifications when a rule fires. A per (rule,
// source IP) cooldown suppresses repeat notifications for ongoing attacks.
package alerts

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/instrumentation"
	"github.com/edgegate/edgegate/internal/security/events"
	"github.com/edgegate/edgegate/internal/security/notify"
	"github.com/edgegate/edgegate/internal/security/ratelimit"
	"github.com/edgegate/edgegate/internal/security/threat"
)

const recentEventsPerAlert = 5

// Blocker installs block records; satisfied by ratelimit.Limiter.
type Blocker interface {
	Block(ctx context.Context, identifier string, duration time.Duration, reason, origin string) error
}

type Engine struct {
	buffer     *events.Buffer
	rules      []config.AlertRule
	dispatcher *notify.Dispatcher
	blocker    Blocker
	log        logrus.FieldLogger

	// cooldowns maps "<rule>|<source_ip>" to the last firing time; an entry
	// expires when the rule's cooldown window ends.
	cooldowns *ttlcache.Cache[string, time.Time]

	autoBlockOnCritical bool
	autoBlockDuration   time.Duration

	nowFunc func() time.Time
}

func NewEngine(buffer *events.Buffer, cfg *config.AlertsConfig, dispatcher *notify.Dispatcher, blocker Blocker, log logrus.FieldLogger) *Engine {
	e := &Engine{
		buffer:     buffer,
		dispatcher: dispatcher,
		blocker:    blocker,
		log:        log,
		cooldowns:  ttlcache.New[string, time.Time](),
		nowFunc:    time.Now,
	}
	if cfg != nil {
		e.autoBlockOnCritical = cfg.AutoBlockOnCritical
		e.autoBlockDuration = time.Duration(cfg.AutoBlockSeconds) * time.Second
		for _, rule := range cfg.Rules {
			if !rule.Enabled {
				continue
			}
			// A rule that can never fire correctly is dropped up front
			// rather than silently misbehaving per event.
			if rule.Threshold <= 0 || rule.WindowMinutes <= 0 || !threat.ValidType(rule.ThreatType) {
				log.WithField("rule", rule.Name).Warn("Skipping misconfigured alert rule")
				continue
			}
			e.rules = append(e.rules, rule)
		}
	}
	go e.cooldowns.Start()
	return e
}

// Close stops the cooldown janitor and waits for in-flight notifications.
func (e *Engine) Close() {
	e.cooldowns.Stop()
	e.dispatcher.Close()
}

// ActiveRules returns the enabled, well-formed rules the engine evaluates.
func (e *Engine) ActiveRules() []config.AlertRule {
	return e.rules
}

// RecordAndEvaluate appends the event to the history and fires every rule
// whose threshold the event's source has now crossed. Evaluation is
// synchronous but notification delivery is not.
func (e *Engine) RecordAndEvaluate(ctx context.Context, event threat.SecurityEvent) {
	e.buffer.Append(event)

	if event.Severity == threat.SeverityCritical || event.Severity == threat.SeverityHigh {
		e.log.WithFields(logrus.Fields{
			"threat_type": event.Type,
			"severity":    event.Severity,
			"source_ip":   event.SourceIP,
			"endpoint":    event.Endpoint,
		}).Warn("High-severity security event")
	}

	for _, rule := range e.rules {
		if threat.Type(rule.ThreatType) != event.Type {
			continue
		}
		e.evaluate(ctx, rule, event)
	}
}

func (e *Engine) evaluate(ctx context.Context, rule config.AlertRule, event threat.SecurityEvent) {
	now := e.nowFunc()
	window := time.Duration(rule.WindowMinutes) * time.Minute

	var matching []threat.SecurityEvent
	for buffered := range e.buffer.Since(now.Add(-window)) {
		if buffered.Type == event.Type && buffered.SourceIP == event.SourceIP {
			matching = append(matching, buffered)
		}
	}
	if len(matching) < rule.Threshold {
		return
	}

	if rule.CooldownMinutes > 0 {
		cooldownKey := rule.Name + "|" + event.SourceIP
		if e.cooldowns.Get(cooldownKey) != nil {
			instrumentation.AlertsSuppressedTotal.WithLabelValues(rule.Name).Inc()
			e.log.WithField("rule", rule.Name).WithField("source_ip", event.SourceIP).Debug("Alert suppressed by cooldown")
			return
		}
		e.cooldowns.Set(cooldownKey, now, time.Duration(rule.CooldownMinutes)*time.Minute)
	}

	recent := matching
	if len(recent) > recentEventsPerAlert {
		recent = recent[len(recent)-recentEventsPerAlert:]
	}
	instrumentation.AlertsFiredTotal.WithLabelValues(rule.Name).Inc()
	e.dispatcher.Dispatch(notify.Payload{
		RuleName:     rule.Name,
		Severity:     rule.Severity,
		ThreatType:   rule.ThreatType,
		SourceIP:     event.SourceIP,
		Count:        len(matching),
		Window:       window,
		FiredAt:      now,
		RecentEvents: recent,
	})

	if e.autoBlockOnCritical && rule.Severity == "critical" && e.blocker != nil {
		identifier := "ip:" + event.SourceIP
		if err := e.blocker.Block(ctx, identifier, e.autoBlockDuration, "threat_detected:"+rule.Name, ratelimit.OriginAlert); err != nil {
			e.log.WithError(err).WithField("identifier", identifier).Error("Failed to auto-block attacker")
		}
	}
}
