// ABOUTME: Tests for the Telnyx client, webhook decoding, and signature verification
// ABOUTME: Uses an httptest server in place of the Telnyx API

package telnyx

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Path   string
	Auth   string
	Body   map[string]any
	Method string
}

func newTestAPI(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)

		mu.Lock()
		reqs = append(reqs, capturedRequest{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body, Method: r.Method})
		mu.Unlock()

		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte(`{"errors":[{"detail":"call has already ended"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"result":"ok"}}`))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestClient_CallActions(t *testing.T) {
	srv, requests := newTestAPI(t, http.StatusOK)
	c := NewClient(Config{APIKey: "KEY123", BaseURL: srv.URL}, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.Answer(ctx, "v3:call-1"))
	require.NoError(t, c.GatherUsingSpeak(ctx, "v3:call-1", "Hello, how can I help?"))
	require.NoError(t, c.Speak(ctx, "v3:call-1", "Goodbye"))
	require.NoError(t, c.Hangup(ctx, "v3:call-1"))

	reqs := requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, "/calls/v3:call-1/actions/answer", reqs[0].Path)
	assert.Equal(t, "/calls/v3:call-1/actions/gather_using_speak", reqs[1].Path)
	assert.Equal(t, "/calls/v3:call-1/actions/speak", reqs[2].Path)
	assert.Equal(t, "/calls/v3:call-1/actions/hangup", reqs[3].Path)
	for _, r := range reqs {
		assert.Equal(t, "Bearer KEY123", r.Auth)
		assert.Equal(t, http.MethodPost, r.Method)
	}

	gather := reqs[1].Body
	assert.Equal(t, "Hello, how can I help?", gather["payload"])
	assert.Equal(t, "female", gather["voice"])
	assert.Equal(t, "en-US", gather["language"])
	assert.EqualValues(t, 0, gather["minimum_digits"])
	assert.EqualValues(t, 0, gather["maximum_digits"])
	assert.EqualValues(t, 3, gather["inter_digit_timeout_secs"])
	assert.EqualValues(t, 15, gather["timeout_secs"])
}

func TestClient_SendSMS(t *testing.T) {
	srv, requests := newTestAPI(t, http.StatusOK)
	c := NewClient(Config{APIKey: "KEY", BaseURL: srv.URL, PhoneNumber: "+15550001111"}, nil, nil)

	require.NoError(t, c.SendSMS(context.Background(), "+15551234567", "Hi there"))

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/messages", reqs[0].Path)
	assert.Equal(t, map[string]any{
		"from": "+15550001111",
		"to":   "+15551234567",
		"text": "Hi there",
		"type": "SMS",
	}, reqs[0].Body)
}

func TestClient_NotConfigured(t *testing.T) {
	srv, requests := newTestAPI(t, http.StatusOK)

	noKey := NewClient(Config{BaseURL: srv.URL, PhoneNumber: "+1"}, nil, nil)
	assert.ErrorIs(t, noKey.Answer(context.Background(), "c"), ErrNotConfigured)

	noNumber := NewClient(Config{APIKey: "KEY", BaseURL: srv.URL}, nil, nil)
	assert.ErrorIs(t, noNumber.SendSMS(context.Background(), "+1", "x"), ErrNotConfigured)

	assert.Empty(t, requests())
}

func TestClient_APIError(t *testing.T) {
	srv, _ := newTestAPI(t, http.StatusUnprocessableEntity)
	c := NewClient(Config{APIKey: "KEY", BaseURL: srv.URL}, nil, nil)

	err := c.GatherUsingSpeak(context.Background(), "c1", "hello")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Contains(t, apiErr.Body, "call has already ended")
}

func TestClient_CustomVoiceAndTimeout(t *testing.T) {
	srv, requests := newTestAPI(t, http.StatusOK)
	c := NewClient(Config{APIKey: "KEY", BaseURL: srv.URL, Voice: "male", Language: "en-GB", GatherTimeout: 20 * time.Second}, nil, nil)

	require.NoError(t, c.GatherUsingSpeak(context.Background(), "c1", "hi"))
	body := requests()[0].Body
	assert.Equal(t, "male", body["voice"])
	assert.Equal(t, "en-GB", body["language"])
	assert.EqualValues(t, 20, body["timeout_secs"])
}

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Event
	}{
		{
			name: "call initiated, wrapped",
			body: `{"data":{"id":"evt-1","event_type":"call.initiated","payload":{"call_control_id":"v3:abc","direction":"incoming","from":"+15551234567","to":"+15550001111"}}}`,
			want: CallInitiated{Meta: Meta{ID: "evt-1", Type: EventCallInitiated}, CallID: "v3:abc", Direction: "incoming", From: "+15551234567", To: "+15550001111"},
		},
		{
			name: "call answered, bare",
			body: `{"event_type":"call.answered","payload":{"call_control_id":"v3:abc"}}`,
			want: CallAnswered{Meta: Meta{Type: EventCallAnswered}, CallID: "v3:abc"},
		},
		{
			name: "gather ended with speech",
			body: `{"data":{"id":"evt-3","event_type":"call.gather.ended","payload":{"call_control_id":"v3:abc","speech":"What's the weather?","status":"valid"}}}`,
			want: GatherEnded{Meta: Meta{ID: "evt-3", Type: EventGatherEnded}, CallID: "v3:abc", Speech: "What's the weather?", Status: "valid"},
		},
		{
			name: "gather ended without speech",
			body: `{"data":{"event_type":"call.gather.ended","payload":{"call_control_id":"v3:abc","digits":"","status":"no_speech_detected"}}}`,
			want: GatherEnded{Meta: Meta{Type: EventGatherEnded}, CallID: "v3:abc", Status: GatherNoSpeech},
		},
		{
			name: "hangup",
			body: `{"data":{"event_type":"call.hangup","payload":{"call_control_id":"v3:abc","hangup_cause":"normal_clearing"}}}`,
			want: CallHangup{Meta: Meta{Type: EventCallHangup}, CallID: "v3:abc", Cause: "normal_clearing"},
		},
		{
			name: "message received",
			body: `{"data":{"event_type":"message.received","payload":{"id":"msg-9","text":"hello","from":{"phone_number":"+15551234567","carrier":"T-Mobile"},"to":[{"phone_number":"+15550001111"}]}}}`,
			want: MessageReceived{Meta: Meta{ID: "msg-9", Type: EventMessageReceived}, MessageID: "msg-9", From: "+15551234567", To: "+15550001111", Text: "hello"},
		},
		{
			name: "unknown",
			body: `{"data":{"id":"evt-7","event_type":"call.recording.saved","payload":{}}}`,
			want: Unknown{Meta: Meta{ID: "evt-7", Type: "call.recording.saved"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWebhook([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseWebhook_OccurredAt(t *testing.T) {
	ev, err := ParseWebhook([]byte(`{"data":{"event_type":"call.answered","occurred_at":"2026-03-14T12:00:00.000000Z","payload":{"call_control_id":"c"}}}`))
	require.NoError(t, err)
	answered, ok := ev.(CallAnswered)
	require.True(t, ok)
	assert.True(t, answered.OccurredAt.Equal(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)))
}

func TestParseWebhook_Errors(t *testing.T) {
	_, err := ParseWebhook([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseWebhook([]byte(`{"data":{"payload":{}}}`))
	assert.Error(t, err)

	_, err = ParseWebhook([]byte(`{"data":{"event_type":"call.initiated","payload":{"from":42}}}`))
	assert.Error(t, err)
}

func signedRequest(t *testing.T, priv ed25519.PrivateKey, body []byte, at time.Time) (string, string) {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	sig := ed25519.Sign(priv, append([]byte(ts+"|"), body...))
	return base64.StdEncoding.EncodeToString(sig), ts
}

func TestVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	v, err := NewVerifier(base64.StdEncoding.EncodeToString(pub), 0)
	require.NoError(t, err)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }

	body := []byte(`{"data":{"event_type":"call.hangup"}}`)

	sig, ts := signedRequest(t, priv, body, now.Add(-time.Minute))
	assert.NoError(t, v.Verify(body, sig, ts))

	// tampered body
	assert.ErrorIs(t, v.Verify([]byte(`{"data":{}}`), sig, ts), ErrInvalidSignature)

	// stale
	sig, ts = signedRequest(t, priv, body, now.Add(-6*time.Minute))
	assert.ErrorIs(t, v.Verify(body, sig, ts), ErrInvalidSignature)

	// missing headers
	assert.ErrorIs(t, v.Verify(body, "", ""), ErrInvalidSignature)

	// wrong key
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sig, ts = signedRequest(t, otherPriv, body, now)
	assert.ErrorIs(t, v.Verify(body, sig, ts), ErrInvalidSignature)

	// garbage encoding
	assert.ErrorIs(t, v.Verify(body, "!!!", ts), ErrInvalidSignature)
}

func TestNewVerifier_BadKey(t *testing.T) {
	_, err := NewVerifier("not base64!", 0)
	assert.Error(t, err)

	_, err = NewVerifier(base64.StdEncoding.EncodeToString([]byte("short")), 0)
	assert.Error(t, err)
}
