// ABOUTME: Prometheus collectors for the gateway client, cost guard, calls, and SMS replies
// ABOUTME: Registered on the default registry and served by promhttp on the metrics path

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connection_state",
		Help: "Gateway connection state (0=disconnected, 1=connecting, 2=connected, 3=authenticated)",
	})

	GatewayReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_reconnect_attempts_total",
		Help: "Scheduled gateway reconnect attempts",
	})

	GatewayFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_frames_total",
		Help: "Decoded gateway frames by type and event name",
	}, []string{"type", "event"})

	GatewayDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_decode_errors_total",
		Help: "Inbound gateway frames dropped because they could not be decoded",
	})

	GatewayCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_commands_total",
		Help: "chat.send outcomes (sent, not_authenticated, cost_blocked, write_error)",
	}, []string{"outcome"})

	CostSpendToday = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cost_spend_today_usd",
		Help: "Estimated spend for the current calendar day",
	})

	CostDailyLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cost_daily_limit_usd",
		Help: "Configured daily spend ceiling",
	})

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calls_active",
		Help: "Call sessions currently held in the registry",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calls_total",
		Help: "Inbound calls by final outcome",
	}, []string{"outcome"})

	CallTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_turns_total",
		Help: "Transcript turns by speaker",
	}, []string{"speaker"})

	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "response_generation_duration_seconds",
		Help:    "Response generator latency",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0},
	}, []string{"channel"})

	TelnyxErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telnyx_errors_total",
		Help: "Failed telephony provider actions",
	}, []string{"action"})

	SMSReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_replies_total",
		Help: "SMS auto-replies sent, by delivery path (final, stream, direct)",
	}, []string{"path"})

	SMSClaimsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sms_claims_expired_total",
		Help: "Pending reply claims discarded after the TTL",
	})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Inbound telephony webhook events by type",
	}, []string{"event_type"})

	WebhookDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_duplicates_total",
		Help: "Webhook deliveries dropped as duplicates",
	})
)
