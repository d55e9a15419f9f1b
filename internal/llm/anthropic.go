// ABOUTME: Response generator backed by the Anthropic Messages API
// ABOUTME: Maps conversation turns to user/assistant messages and returns one short reply

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 300
	apiVersion       = "2023-06-01"
	requestTimeout   = 30 * time.Second
)

// DefaultSystemPrompt keeps replies short enough for speech and SMS.
const DefaultSystemPrompt = "You are Agent Zero, an AI assistant answering a phone call or text message. " +
	"Keep responses concise and conversational; they may be spoken aloud via text-to-speech. " +
	"Avoid markdown, bullet points, or long lists. Limit responses to 2-3 sentences."

// Speakers in a conversation.
const (
	SpeakerCaller = "caller"
	SpeakerAgent  = "agent"
)

// Turn is one line of conversation.
type Turn struct {
	Speaker string
	Text    string
}

var (
	// ErrNoAPIKey means no API key is configured.
	ErrNoAPIKey = errors.New("anthropic api key not configured")
	// ErrEmptyCompletion means the model returned no text.
	ErrEmptyCompletion = errors.New("empty completion")
)

// APIError is a non-200 response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic status %d: %s", e.Status, e.Body)
}

// Config configures the client.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	SystemPrompt string
}

// Client generates replies. Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a Client. A nil httpClient gets one with a request timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, client: httpClient, logger: logger.With("component", "llm")}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Generate returns a reply to the conversation so far.
func (c *Client) Generate(ctx context.Context, turns []Turn) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNoAPIKey
	}

	msgs := toMessages(turns)
	if len(msgs) == 0 {
		return "", fmt.Errorf("generating reply: no caller input")
	}

	body, err := json.Marshal(messagesRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    c.cfg.SystemPrompt,
		Messages:  msgs,
	})
	if err != nil {
		return "", fmt.Errorf("marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &APIError{Status: resp.StatusCode, Body: string(errBody)}
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode anthropic response: %w", err)
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	c.logger.Debug("reply generated", "turns", len(turns), "chars", len(text))
	return text, nil
}

// toMessages maps caller turns to user and agent turns to assistant. The API
// wants a user message first and alternating roles, so leading agent turns
// (the greeting) are dropped and consecutive same-role turns are merged.
func toMessages(turns []Turn) []message {
	var msgs []message
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		role := "assistant"
		if t.Speaker == SpeakerCaller {
			role = "user"
		}
		if len(msgs) == 0 && role == "assistant" {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n" + text
			continue
		}
		msgs = append(msgs, message{Role: role, Content: text})
	}
	return msgs
}

// Fallback returns the apology spoken or texted when generation fails.
func Fallback(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrNoAPIKey):
		return "I'm sorry, I'm unable to process your request right now. Please try again later."
	case errors.As(err, &apiErr):
		return "I'm having a bit of trouble processing that. Could you repeat your question?"
	case errors.Is(err, ErrEmptyCompletion):
		return "I'm sorry, could you say that again?"
	default:
		return "I'm experiencing some technical difficulties. Please try calling back later."
	}
}
