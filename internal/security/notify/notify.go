// Package notify fans alert notifications out to the configured channels.
// Channels are independent: one misbehaving channel never prevents the
// others from being notified.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgegate/edgegate/internal/instrumentation"
	"github.com/edgegate/edgegate/internal/security/threat"
)

// Payload describes one fired alert.
type Payload struct {
	RuleName   string
	Severity   string
	ThreatType string
	SourceIP   string
	// Count is how many matching events were observed inside the rule
	// window when the rule fired.
	Count   int
	Window  time.Duration
	FiredAt time.Time
	// RecentEvents holds up to a handful of the most recent matching
	// events for context.
	RecentEvents []threat.SecurityEvent
}

// Subject is a one-line summary suitable for email subjects and chat
// messages.
func (p Payload) Subject() string {
	return fmt.Sprintf("[%s] %s: %d %s events from %s", strings.ToUpper(p.Severity), p.RuleName, p.Count, p.ThreatType, p.SourceIP)
}

// Body renders the full notification text.
func (p Payload) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert rule %q fired at %s.\n\n", p.RuleName, p.FiredAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Threat type: %s\nSeverity:    %s\nSource IP:   %s\nOccurrences: %d within %s\n", p.ThreatType, p.Severity, p.SourceIP, p.Count, p.Window)
	if len(p.RecentEvents) > 0 {
		b.WriteString("\nRecent events:\n")
		for _, event := range p.RecentEvents {
			fmt.Fprintf(&b, "  %s %s %s\n", event.Timestamp.Format(time.RFC3339), event.Type, event.Endpoint)
		}
	}
	return b.String()
}

// Notifier delivers one notification to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, payload Payload) error
}

const deliveryTimeout = 10 * time.Second

// Dispatcher fans payloads out to every registered notifier. Delivery is
// asynchronous; the caller never waits on a slow channel.
type Dispatcher struct {
	notifiers []Notifier
	log       logrus.FieldLogger
	wg        sync.WaitGroup
}

func NewDispatcher(log logrus.FieldLogger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, log: log}
}

// Channels lists the registered channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Dispatch delivers payload to every channel concurrently and returns
// immediately. Failures are logged and counted, never propagated.
func (d *Dispatcher) Dispatch(payload Payload) {
	for _, notifier := range d.notifiers {
		d.wg.Add(1)
		go func(notifier Notifier) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					instrumentation.NotificationFailuresTotal.WithLabelValues(notifier.Name()).Inc()
					d.log.WithField("channel", notifier.Name()).Errorf("Notifier panicked: %v", r)
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			if err := notifier.Notify(ctx, payload); err != nil {
				instrumentation.NotificationFailuresTotal.WithLabelValues(notifier.Name()).Inc()
				d.log.WithError(err).WithField("channel", notifier.Name()).Error("Notification delivery failed")
				return
			}
			d.log.WithField("channel", notifier.Name()).WithField("rule", payload.RuleName).Debug("Notification delivered")
		}(notifier)
	}
}

// Close waits for in-flight deliveries to finish.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}
