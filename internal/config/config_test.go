// ABOUTME: Tests for configuration loading and live settings
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, validation, and settings overrides

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_TELNYX_KEY", "KEY123")

	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9000"
database:
  path: "./test.db"
gateway:
  url: "wss://gateway.example.com/ws"
  token: "tok"
  scopes: ["operator.read"]
cost:
  daily_limit: 10.5
telnyx:
  api_key: "${TEST_TELNYX_KEY}"
  phone_number: "+15550001111"
  voice_enabled: true
  gather_timeout: "20s"
sms:
  reply_mode: stream
  claim_ttl: "2m"
  idle_flush: "1500ms"
  history_depth: 4
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "wss://gateway.example.com/ws", cfg.Gateway.URL)
	assert.Equal(t, []string{"operator.read"}, cfg.Gateway.Scopes)
	assert.Equal(t, 10.5, cfg.Cost.DailyLimit)
	assert.Equal(t, "KEY123", cfg.Telnyx.APIKey)
	assert.True(t, cfg.Telnyx.VoiceEnabled)
	assert.Equal(t, 20*time.Second, cfg.Telnyx.GatherTimeout)
	assert.Equal(t, ReplyModeStream, cfg.SMS.ReplyMode)
	assert.Equal(t, 2*time.Minute, cfg.SMS.ClaimTTL)
	assert.Equal(t, 1500*time.Millisecond, cfg.SMS.IdleFlush)
	assert.Equal(t, 4, cfg.SMS.HistoryDepth)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[gateway]
url = "ws://10.0.0.2:18789"
jwt_secret = "s3cret"

[sms]
reply_mode = "final"

[telnyx]
greeting = "Hi there"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.2:18789", cfg.Gateway.URL)
	assert.Equal(t, "s3cret", cfg.Gateway.JWTSecret)
	assert.Equal(t, "Hi there", cfg.Telnyx.Greeting)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultGatewayURL, cfg.Gateway.URL)
	assert.Equal(t, DefaultClientID, cfg.Gateway.ClientID)
	assert.Equal(t, DefaultRole, cfg.Gateway.Role)
	assert.Equal(t, DefaultScopes, cfg.Gateway.Scopes)
	assert.Equal(t, DefaultSMSSessionKey, cfg.Gateway.SMSSessionKey)
	assert.Equal(t, DefaultDailyLimit, cfg.Cost.DailyLimit)
	assert.Equal(t, DefaultSummaryCron, cfg.Cost.SummarySchedule)
	assert.False(t, cfg.Telnyx.VoiceEnabled)
	assert.Equal(t, DefaultGreeting, cfg.Telnyx.Greeting)
	assert.Equal(t, ReplyModeFinal, cfg.SMS.ReplyMode)
	assert.Equal(t, DefaultClaimTTL, cfg.SMS.ClaimTTL)
	assert.Equal(t, DefaultIdleFlush, cfg.SMS.IdleFlush)
	assert.Equal(t, DefaultHistoryDepth, cfg.SMS.HistoryDepth)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "gateway: [unclosed"},
		{"bad duration", "sms:\n  claim_ttl: soon\n"},
		{"negative duration", "sms:\n  idle_flush: -3s\n"},
		{"http gateway url", "gateway:\n  url: http://example.com\n"},
		{"token and secret", "gateway:\n  token: a\n  jwt_secret: b\n"},
		{"bad reply mode", "sms:\n  reply_mode: carrier-pigeon\n"},
		{"negative limit", "cost:\n  daily_limit: -1\n"},
		{"bad summary schedule", "cost:\n  summary_schedule: whenever\n"},
		{"bad log level", "logging:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MC_SET", "value")
	assert.Equal(t, "a value b", expandEnvVars("a ${MC_SET} b"))
	assert.Equal(t, "a  b", expandEnvVars("a ${MC_DEFINITELY_UNSET_VAR} b"))
	assert.Equal(t, "$PLAIN", expandEnvVars("$PLAIN"))
}

func TestResolvePath(t *testing.T) {
	t.Setenv("MISSION_CONFIG", "/etc/mc.toml")
	assert.Equal(t, "/etc/mc.toml", ResolvePath())

	xdg := t.TempDir()
	t.Setenv("MISSION_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", xdg)
	assert.Equal(t, filepath.Join(xdg, "mission-control", "config.yaml"), ResolvePath())
}

type memBacking struct {
	rows    map[string]string
	listErr error
}

func (m *memBacking) ListSettings(context.Context) (map[string]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.rows, nil
}

func (m *memBacking) SetSetting(_ context.Context, key, value string) error {
	m.rows[key] = value
	return nil
}

func defaultSettings(t *testing.T) *Settings {
	t.Helper()
	cfg := &Config{}
	cfg.ApplyDefaults()
	return NewSettings(cfg)
}

func TestSettings_LoadOverrides(t *testing.T) {
	s := defaultSettings(t)
	backing := &memBacking{rows: map[string]string{
		KeyDailyCostLimit: "12.50",
		KeyVoiceEnabled:   "true",
		KeyVoiceGreeting:  "Agent Zero here.",
		KeyHistoryDepth:   "3",
		"primary_model":   "ignored",
	}}

	require.NoError(t, s.Load(context.Background(), backing))
	assert.Equal(t, 12.5, s.DailyLimit())
	assert.True(t, s.VoiceEnabled())
	assert.Equal(t, "Agent Zero here.", s.Greeting())
	assert.Equal(t, 3, s.HistoryDepth())
}

func TestSettings_LoadErrors(t *testing.T) {
	s := defaultSettings(t)
	assert.Error(t, s.Load(context.Background(), &memBacking{listErr: errors.New("db down")}))
	assert.Error(t, s.Load(context.Background(), &memBacking{rows: map[string]string{KeyDailyCostLimit: "lots"}}))
}

func TestSettings_ApplyAndListeners(t *testing.T) {
	s := defaultSettings(t)

	var changed []string
	s.OnChange(func(key string) { changed = append(changed, key) })

	require.NoError(t, s.Apply(KeyDailyCostLimit, "5"))
	require.NoError(t, s.Apply(KeyVoiceEnabled, "yes"))
	require.NoError(t, s.Apply(KeyVoiceGreeting, "  "))
	assert.Error(t, s.Apply(KeyHistoryDepth, "-2"))
	assert.Error(t, s.Apply("nope", "1"))

	assert.Equal(t, 5.0, s.DailyLimit())
	assert.False(t, s.VoiceEnabled(), "only the literal true enables voice")
	assert.Equal(t, DefaultGreeting, s.Greeting())
	assert.Equal(t, []string{KeyDailyCostLimit, KeyVoiceEnabled, KeyVoiceGreeting}, changed)
}

func TestSettings_UpdatePersists(t *testing.T) {
	s := defaultSettings(t)
	backing := &memBacking{rows: map[string]string{}}

	require.NoError(t, s.Update(context.Background(), backing, KeyHistoryDepth, "7"))
	assert.Equal(t, 7, s.HistoryDepth())
	assert.Equal(t, "7", backing.rows[KeyHistoryDepth])

	assert.Error(t, s.Update(context.Background(), backing, KeyHistoryDepth, "x"))
	assert.Equal(t, "7", backing.rows[KeyHistoryDepth])
}
