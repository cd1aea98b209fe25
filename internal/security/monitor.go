// Package security ties the detection pipeline together: pattern scanning,
// the event history, alert evaluation and notification fan-out behind one
// facade the HTTP layer talks to.
package security

import (
	"context"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/security/alerts"
	"github.com/edgegate/edgegate/internal/security/events"
	"github.com/edgegate/edgegate/internal/security/notify"
	"github.com/edgegate/edgegate/internal/security/threat"
)

// occurrenceWindow bounds how long a fingerprint keeps accumulating its
// occurrence count before it resets.
const occurrenceWindow = time.Hour

const topAttackerCount = 5

type Monitor struct {
	detector   *threat.Detector
	buffer     *events.Buffer
	engine     *alerts.Engine
	dispatcher *notify.Dispatcher
	log        logrus.FieldLogger

	// occurrences counts repeated sightings of the same fingerprint so
	// operators can tell a persistent attacker from a one-off probe.
	occurrences *ttlcache.Cache[string, int]
}

func NewMonitor(cfg *config.AlertsConfig, notifications *config.NotificationsConfig, blocker alerts.Blocker, log logrus.FieldLogger) *Monitor {
	buffer := events.NewBuffer(events.DefaultCapacity)
	dispatcher := notify.NewDispatcherFromConfig(notifications, log)
	occurrences := ttlcache.New[string, int]()
	go occurrences.Start()
	return &Monitor{
		detector:    threat.NewDetector(log),
		buffer:      buffer,
		engine:      alerts.NewEngine(buffer, cfg, dispatcher, blocker, log),
		dispatcher:  dispatcher,
		log:         log,
		occurrences: occurrences,
	}
}

// Close stops background upkeep and waits for in-flight notifications.
func (m *Monitor) Close() {
	m.occurrences.Stop()
	m.engine.Close()
}

// DetectAndRecord scans one request and, on a match, records the event and
// runs alert evaluation. It returns the detected event, or nil when the
// request is clean. Detection never rejects the request; admission already
// happened upstream.
func (m *Monitor) DetectAndRecord(ctx context.Context, req threat.RequestData) *threat.SecurityEvent {
	event := m.detector.Detect(req)
	if event == nil {
		return nil
	}

	count := 1
	if item := m.occurrences.Get(event.Fingerprint); item != nil {
		count = item.Value() + 1
	}
	m.occurrences.Set(event.Fingerprint, count, occurrenceWindow)
	event.OccurrenceCount = count

	m.engine.RecordAndEvaluate(ctx, *event)
	return event
}

// AttackerStat is one entry of the top-attackers table.
type AttackerStat struct {
	SourceIP string `json:"source_ip"`
	Count    int    `json:"count"`
}

// Stats is the operator-facing summary served by the admin API.
type Stats struct {
	EventsLastHour       int            `json:"events_last_hour"`
	EventsLast24h        int            `json:"events_last_24h"`
	TopAttackers         []AttackerStat `json:"top_attackers"`
	ActiveRules          []string       `json:"active_rules"`
	NotificationChannels []string       `json:"notification_channels"`
}

func (m *Monitor) Stats() Stats {
	now := time.Now()
	hourCutoff := now.Add(-time.Hour)

	lastHour := 0
	perSource := map[string]int{}
	for event := range m.buffer.Since(now.Add(-24 * time.Hour)) {
		perSource[event.SourceIP]++
		if !event.Timestamp.Before(hourCutoff) {
			lastHour++
		}
	}

	attackers := lo.MapToSlice(perSource, func(sourceIP string, count int) AttackerStat {
		return AttackerStat{SourceIP: sourceIP, Count: count}
	})
	sort.Slice(attackers, func(i, j int) bool {
		if attackers[i].Count != attackers[j].Count {
			return attackers[i].Count > attackers[j].Count
		}
		return attackers[i].SourceIP < attackers[j].SourceIP
	})
	if len(attackers) > topAttackerCount {
		attackers = attackers[:topAttackerCount]
	}

	return Stats{
		EventsLastHour: lastHour,
		EventsLast24h:  lo.Sum(lo.Values(perSource)),
		TopAttackers:   attackers,
		ActiveRules: lo.Map(m.engine.ActiveRules(), func(rule config.AlertRule, _ int) string {
			return rule.Name
		}),
		NotificationChannels: m.dispatcher.Channels(),
	}
}
