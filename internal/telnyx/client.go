// ABOUTME: Telnyx v2 call-control and messaging client
// ABOUTME: Issues answer, gather-with-speech, speak, hangup, and SMS send as authenticated HTTP calls

package telnyx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/mission-control/internal/metrics"
)

// DefaultBaseURL is the Telnyx v2 API root.
const DefaultBaseURL = "https://api.telnyx.com/v2"

const (
	defaultVoice         = "female"
	defaultLanguage      = "en-US"
	defaultGatherTimeout = 15 * time.Second
	interDigitTimeout    = 3
	requestTimeout       = 15 * time.Second
)

// ErrNotConfigured is returned when the API key or sending number is missing.
var ErrNotConfigured = errors.New("telnyx not configured")

// APIError is a non-2xx response from Telnyx.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telnyx API error %d: %s", e.Status, e.Body)
}

// Config holds the account settings.
type Config struct {
	APIKey        string
	BaseURL       string
	PhoneNumber   string // sending number for SMS
	Voice         string
	Language      string
	GatherTimeout time.Duration
}

// Client talks to the Telnyx REST API. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client. A nil httpClient gets a pooled client with a
// request timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "telnyx"),
	}
}

// Answer answers an inbound call.
func (c *Client) Answer(ctx context.Context, callID string) error {
	return c.callAction(ctx, callID, "answer", map[string]any{})
}

// GatherUsingSpeak speaks prompt and then listens for speech or digits. The
// provider reports the result with a call.gather.ended webhook.
func (c *Client) GatherUsingSpeak(ctx context.Context, callID, prompt string) error {
	return c.callAction(ctx, callID, "gather_using_speak", map[string]any{
		"payload":                  prompt,
		"voice":                    c.cfg.Voice,
		"language":                 c.cfg.Language,
		"minimum_digits":           0,
		"maximum_digits":           0,
		"inter_digit_timeout_secs": interDigitTimeout,
		"timeout_secs":             int(c.cfg.GatherTimeout / time.Second),
	})
}

// Speak plays text without listening afterwards.
func (c *Client) Speak(ctx context.Context, callID, text string) error {
	return c.callAction(ctx, callID, "speak", map[string]any{
		"payload":  text,
		"voice":    c.cfg.Voice,
		"language": c.cfg.Language,
	})
}

// Hangup ends a call.
func (c *Client) Hangup(ctx context.Context, callID string) error {
	return c.callAction(ctx, callID, "hangup", map[string]any{})
}

// SendSMS sends a text message from the configured number.
func (c *Client) SendSMS(ctx context.Context, to, text string) error {
	if c.cfg.PhoneNumber == "" {
		metrics.TelnyxErrors.WithLabelValues("sms").Inc()
		return fmt.Errorf("sending sms: %w: phone number missing", ErrNotConfigured)
	}
	err := c.post(ctx, "/messages", map[string]any{
		"from": c.cfg.PhoneNumber,
		"to":   to,
		"text": text,
		"type": "SMS",
	})
	if err != nil {
		metrics.TelnyxErrors.WithLabelValues("sms").Inc()
		return fmt.Errorf("sending sms: %w", err)
	}
	c.logger.Debug("sms sent", "to", to, "chars", len(text))
	return nil
}

func (c *Client) callAction(ctx context.Context, callID, action string, body map[string]any) error {
	path := "/calls/" + url.PathEscape(callID) + "/actions/" + action
	if err := c.post(ctx, path, body); err != nil {
		metrics.TelnyxErrors.WithLabelValues(action).Inc()
		return fmt.Errorf("%s call %s: %w", action, callID, err)
	}
	c.logger.Debug("call action sent", "action", action, "call_id", callID)
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("%w: api key missing", ErrNotConfigured)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
