// ABOUTME: Tests for the Anthropic response generator against an httptest server
// ABOUTME: Covers role mapping, headers, error classification, and fallback text

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	var got messagesRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"  It's sunny today. "}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL}, nil, nil)
	reply, err := c.Generate(context.Background(), []Turn{
		{Speaker: SpeakerAgent, Text: "Hello, how can I help?"},
		{Speaker: SpeakerCaller, Text: "What's the weather?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "It's sunny today.", reply)

	assert.Equal(t, "sk-test", headers.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", headers.Get("anthropic-version"))
	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, 300, got.MaxTokens)
	assert.Equal(t, DefaultSystemPrompt, got.System)
	assert.Equal(t, []message{{Role: "user", Content: "What's the weather?"}}, got.Messages)
}

func TestToMessages(t *testing.T) {
	msgs := toMessages([]Turn{
		{Speaker: SpeakerAgent, Text: "greeting"},
		{Speaker: SpeakerCaller, Text: "first"},
		{Speaker: SpeakerCaller, Text: "second"},
		{Speaker: SpeakerAgent, Text: "answer"},
		{Speaker: SpeakerCaller, Text: "   "},
		{Speaker: SpeakerCaller, Text: "third"},
	})
	assert.Equal(t, []message{
		{Role: "user", Content: "first\nsecond"},
		{Role: "assistant", Content: "answer"},
		{Role: "user", Content: "third"},
	}, msgs)
}

func TestGenerate_Errors(t *testing.T) {
	t.Run("no api key", func(t *testing.T) {
		c := NewClient(Config{}, nil, nil)
		_, err := c.Generate(context.Background(), []Turn{{Speaker: SpeakerCaller, Text: "hi"}})
		assert.ErrorIs(t, err, ErrNoAPIKey)
		assert.Equal(t, "I'm sorry, I'm unable to process your request right now. Please try again later.", Fallback(err))
	})

	t.Run("api error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
		}))
		defer srv.Close()

		c := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil, nil)
		_, err := c.Generate(context.Background(), []Turn{{Speaker: SpeakerCaller, Text: "hi"}})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
		assert.Equal(t, "I'm having a bit of trouble processing that. Could you repeat your question?", Fallback(err))
	})

	t.Run("empty completion", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"content":[]}`))
		}))
		defer srv.Close()

		c := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil, nil)
		_, err := c.Generate(context.Background(), []Turn{{Speaker: SpeakerCaller, Text: "hi"}})
		assert.ErrorIs(t, err, ErrEmptyCompletion)
		assert.Equal(t, "I'm sorry, could you say that again?", Fallback(err))
	})

	t.Run("transport failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		c := NewClient(Config{APIKey: "k", BaseURL: url}, nil, nil)
		_, err := c.Generate(context.Background(), []Turn{{Speaker: SpeakerCaller, Text: "hi"}})
		require.Error(t, err)
		assert.Equal(t, "I'm experiencing some technical difficulties. Please try calling back later.", Fallback(err))
	})
}
