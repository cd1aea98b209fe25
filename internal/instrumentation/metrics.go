package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the admission control and threat detection core
var (
	AdmissionChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_admission_checks_total",
		Help: "Total number of admission checks by decision",
	}, []string{"decision", "category"})

	AdmissionCheckDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgegate_admission_check_duration_seconds",
		Help:    "Time spent on a single admission check in seconds",
		Buckets: prometheus.DefBuckets,
	})

	StoreFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgegate_store_failures_total",
		Help: "Total number of shared-store failures that caused a fail-open admission",
	})

	BlocksIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_blocks_issued_total",
		Help: "Total number of block records written by origin (rate_limiter, alert, admin)",
	}, []string{"origin"})

	ThreatsDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_threats_detected_total",
		Help: "Total number of security events produced by threat type",
	}, []string{"threat_type", "severity"})

	AlertsFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_alerts_fired_total",
		Help: "Total number of alert rule firings that passed cooldown gating",
	}, []string{"rule"})

	AlertsSuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_alerts_suppressed_total",
		Help: "Total number of alert rule firings suppressed by cooldown",
	}, []string{"rule"})

	NotificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_notification_failures_total",
		Help: "Total number of notification deliveries that failed by channel",
	}, []string{"channel"})

	EventBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgegate_event_buffer_size",
		Help: "Current number of security events held in the in-process buffer",
	})
)
