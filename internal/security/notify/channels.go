package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/edgegate/edgegate/internal/config"
)

// LogNotifier writes the alert to the service log. It is always registered
// so every fired alert leaves a trace even with no external channels
// configured.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, payload Payload) error {
	n.Log.WithFields(logrus.Fields{
		"rule":        payload.RuleName,
		"severity":    payload.Severity,
		"threat_type": payload.ThreatType,
		"source_ip":   payload.SourceIP,
		"count":       payload.Count,
	}).Warn(payload.Subject())
	return nil
}

// EmailNotifier delivers alerts over SMTP.
type EmailNotifier struct {
	cfg *config.EmailConfig
}

func NewEmailNotifier(cfg *config.EmailConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg}
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Notify(_ context.Context, payload Payload) error {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", payload.Subject())
	msg.WriteString("\r\n")
	msg.WriteString(payload.Body())

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.SMTPHost)
	}
	if err := smtp.SendMail(addr, auth, n.cfg.From, n.cfg.To, msg.Bytes()); err != nil {
		return fmt.Errorf("sending alert email: %w", err)
	}
	return nil
}

// WebhookNotifier posts a JSON document to a chat webhook. The render
// function adapts the payload to the receiving service's schema.
type WebhookNotifier struct {
	name   string
	url    string
	client *http.Client
	render func(Payload) any
}

func NewSlackNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		name:   "slack",
		url:    url,
		client: &http.Client{},
		render: func(p Payload) any {
			return map[string]string{"text": p.Subject() + "\n```" + p.Body() + "```"}
		},
	}
}

func NewDiscordNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		name:   "discord",
		url:    url,
		client: &http.Client{},
		render: func(p Payload) any {
			return map[string]string{"content": p.Subject() + "\n```" + p.Body() + "```"}
		},
	}
}

func (n *WebhookNotifier) Name() string { return n.name }

func (n *WebhookNotifier) Notify(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(n.render(payload))
	if err != nil {
		return fmt.Errorf("encoding %s webhook payload: %w", n.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s webhook request: %w", n.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s webhook: %w", n.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s webhook returned status %d", n.name, resp.StatusCode)
	}
	return nil
}

// NewDispatcherFromConfig builds the channel set from configuration. The log
// channel is always present.
func NewDispatcherFromConfig(cfg *config.NotificationsConfig, log logrus.FieldLogger) *Dispatcher {
	notifiers := []Notifier{&LogNotifier{Log: log}}
	if cfg != nil {
		if cfg.Email != nil {
			notifiers = append(notifiers, NewEmailNotifier(cfg.Email))
		}
		if cfg.SlackWebhookURL != "" {
			notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhookURL))
		}
		if cfg.DiscordWebhookURL != "" {
			notifiers = append(notifiers, NewDiscordNotifier(cfg.DiscordWebhookURL))
		}
	}
	return NewDispatcher(log, notifiers...)
}
