package config

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

const appName = "edgegate"

// Config is loaded once at process start and is immutable afterwards.
// There is no hot-reload; a config change requires a restart.
type Config struct {
	Service       *SvcConfig           `json:"service,omitempty"`
	KV            *KvConfig            `json:"kv,omitempty"`
	RateLimits    *RateLimitsConfig    `json:"rateLimits,omitempty"`
	Classifier    []ClassifierRule     `json:"classifier,omitempty"`
	Alerts        *AlertsConfig        `json:"alerts,omitempty"`
	Notifications *NotificationsConfig `json:"notifications,omitempty"`
}

type SvcConfig struct {
	Address        string   `json:"address,omitempty"`
	LogLevel       string   `json:"logLevel,omitempty"`
	TrustedProxies []string `json:"trustedProxies,omitempty"`

	// Coarse in-process limiter guarding the admin surface.
	AdminRateRequests     int `json:"adminRateRequests,omitempty"`
	AdminRateWindowSeconds int `json:"adminRateWindowSeconds,omitempty"`

	// Largest slice of a request body fed to threat detection, in bytes.
	BodyExcerptBytes int `json:"bodyExcerptBytes,omitempty"`
}

type KvConfig struct {
	Hostname      string `json:"hostname,omitempty"`
	Port          uint   `json:"port,omitempty"`
	Password      string `json:"password,omitempty"`
	DB            int    `json:"db,omitempty"`
	TimeoutMillis int    `json:"timeoutMillis,omitempty"`
}

// RateLimitsConfig is the strongly-typed limit table. Lookups key on
// "<category>:<name>"; anything not present resolves to Default.
type RateLimitsConfig struct {
	Default Limit            `json:"default"`
	Limits  map[string]Limit `json:"limits,omitempty"`
}

type Limit struct {
	Requests             int    `json:"requests"`
	WindowSeconds        int    `json:"windowSeconds"`
	Algorithm            string `json:"algorithm"`
	Burst                int    `json:"burst,omitempty"`
	BlockDurationSeconds int    `json:"blockDurationSeconds,omitempty"`
}

const (
	AlgorithmSlidingWindow = "sliding_window"
	AlgorithmTokenBucket   = "token_bucket"
)

// ClassifierRule maps requests to a (category, limit name) pair.
// Rules are evaluated in order, first match wins.
type ClassifierRule struct {
	PathPattern string   `json:"pathPattern"`
	Methods     []string `json:"methods,omitempty"`
	Category    string   `json:"category"`
	LimitName   string   `json:"limitName"`
}

type AlertsConfig struct {
	Rules []AlertRule `json:"rules,omitempty"`

	// When set, a critical-severity rule firing also blocks the source IP.
	AutoBlockOnCritical bool `json:"autoBlockOnCritical,omitempty"`
	AutoBlockSeconds    int  `json:"autoBlockSeconds,omitempty"`
}

type AlertRule struct {
	Name            string `json:"name"`
	ThreatType      string `json:"threatType"`
	Threshold       int    `json:"threshold"`
	WindowMinutes   int    `json:"windowMinutes"`
	Severity        string `json:"severity"`
	CooldownMinutes int    `json:"cooldownMinutes"`
	Enabled         bool   `json:"enabled"`
}

type NotificationsConfig struct {
	Email             *EmailConfig `json:"email,omitempty"`
	SlackWebhookURL   string       `json:"slackWebhookUrl,omitempty"`
	DiscordWebhookURL string       `json:"discordWebhookUrl,omitempty"`
}

type EmailConfig struct {
	SMTPHost string   `json:"smtpHost"`
	SMTPPort uint     `json:"smtpPort"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, "."+appName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func NewDefault() *Config {
	return &Config{
		Service: &SvcConfig{
			Address:                ":8443",
			LogLevel:               "info",
			AdminRateRequests:      30,
			AdminRateWindowSeconds: 60,
			BodyExcerptBytes:       8 * 1024,
		},
		KV: &KvConfig{
			Hostname:      "localhost",
			Port:          6379,
			TimeoutMillis: 500,
		},
		RateLimits: &RateLimitsConfig{
			Default: Limit{
				Requests:      60,
				WindowSeconds: 60,
				Algorithm:     AlgorithmSlidingWindow,
			},
			Limits: map[string]Limit{
				"write:mutation": {
					Requests:      20,
					WindowSeconds: 60,
					Algorithm:     AlgorithmTokenBucket,
					Burst:         5,
				},
				"auth:login": {
					Requests:             5,
					WindowSeconds:        300,
					Algorithm:            AlgorithmSlidingWindow,
					BlockDurationSeconds: 900,
				},
			},
		},
		Classifier: []ClassifierRule{
			{PathPattern: "^/api/v[0-9]+/auth(/|$)", Category: "auth", LimitName: "login"},
			{PathPattern: ".*", Methods: []string{"POST", "PUT", "PATCH", "DELETE"}, Category: "write", LimitName: "mutation"},
		},
		Alerts: &AlertsConfig{
			Rules: []AlertRule{
				{
					Name:            "sql-injection-burst",
					ThreatType:      "SQL_INJECTION",
					Threshold:       3,
					WindowMinutes:   5,
					Severity:        "critical",
					CooldownMinutes: 60,
					Enabled:         true,
				},
				{
					Name:            "xss-burst",
					ThreatType:      "XSS_ATTEMPT",
					Threshold:       5,
					WindowMinutes:   10,
					Severity:        "high",
					CooldownMinutes: 60,
					Enabled:         true,
				},
				{
					Name:            "scanner-activity",
					ThreatType:      "SUSPICIOUS_USER_AGENT",
					Threshold:       10,
					WindowMinutes:   15,
					Severity:        "medium",
					CooldownMinutes: 120,
					Enabled:         true,
				},
			},
			AutoBlockSeconds: 3600,
		},
		Notifications: &NotificationsConfig{},
	}
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrGenerate(cfgFile string) (*Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cfgFile), os.FileMode(0755)); err != nil {
			return nil, fmt.Errorf("creating directory for config file: %w", err)
		}
		if err := Save(NewDefault(), cfgFile); err != nil {
			return nil, err
		}
	}
	return NewFromFile(cfgFile)
}

func Load(cfgFile string) (*Config, error) {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	// Start from defaults so a sparse file only overrides what it sets.
	cfg := NewDefault()
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

func Save(cfg *Config, cfgFile string) error {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(cfgFile, contents, os.FileMode(0600)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.Service == nil {
		return fmt.Errorf("config: service section is required")
	}
	if cfg.KV == nil || cfg.KV.Hostname == "" || cfg.KV.Port == 0 {
		return fmt.Errorf("config: kv hostname and port are required")
	}
	if cfg.RateLimits == nil {
		return fmt.Errorf("config: rateLimits section is required")
	}
	if err := validateLimit("default", cfg.RateLimits.Default); err != nil {
		return err
	}
	for key, limit := range cfg.RateLimits.Limits {
		if err := validateLimit(key, limit); err != nil {
			return err
		}
	}
	for i, rule := range cfg.Classifier {
		if rule.PathPattern == "" || rule.Category == "" || rule.LimitName == "" {
			return fmt.Errorf("config: classifier rule %d is missing pathPattern, category or limitName", i)
		}
	}
	if cfg.Alerts != nil && cfg.Alerts.AutoBlockOnCritical && cfg.Alerts.AutoBlockSeconds <= 0 {
		return fmt.Errorf("config: alerts.autoBlockSeconds must be positive when autoBlockOnCritical is set")
	}
	if cfg.Notifications != nil && cfg.Notifications.Email != nil {
		email := cfg.Notifications.Email
		if email.SMTPHost == "" || email.SMTPPort == 0 || email.From == "" || len(email.To) == 0 {
			return fmt.Errorf("config: notifications.email requires smtpHost, smtpPort, from and to")
		}
	}
	return nil
}

func validateLimit(key string, limit Limit) error {
	if limit.Requests <= 0 {
		return fmt.Errorf("config: rate limit %q: requests must be positive", key)
	}
	if limit.WindowSeconds <= 0 {
		return fmt.Errorf("config: rate limit %q: windowSeconds must be positive", key)
	}
	if limit.Algorithm != AlgorithmSlidingWindow && limit.Algorithm != AlgorithmTokenBucket {
		return fmt.Errorf("config: rate limit %q: unknown algorithm %q", key, limit.Algorithm)
	}
	if limit.Burst < 0 {
		return fmt.Errorf("config: rate limit %q: burst must not be negative", key)
	}
	if limit.BlockDurationSeconds < 0 {
		return fmt.Errorf("config: rate limit %q: blockDurationSeconds must not be negative", key)
	}
	return nil
}
