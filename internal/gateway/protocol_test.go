// ABOUTME: Tests for gateway event decoding into the Event sum type
// ABOUTME: Covers agent streams, chat finals, usage spellings, and ignored events

package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		payload string
		want    Event
	}{
		{
			name:    "assistant delta",
			event:   "agent",
			payload: `{"runId":"r1","sessionKey":"home","stream":"assistant","data":{"delta":"Hel"}}`,
			want:    MessageEvent{Role: RoleAgent, Text: "Hel", SessionKey: "home", RunID: "r1"},
		},
		{
			name:    "assistant text without delta",
			event:   "agent",
			payload: `{"sessionKey":"sms","stream":"assistant","data":{"text":"Hello there"}}`,
			want:    MessageEvent{Role: RoleAgent, Text: "Hello there", SessionKey: "sms"},
		},
		{
			name:    "empty assistant delta",
			event:   "agent",
			payload: `{"stream":"assistant","data":{}}`,
			want:    nil,
		},
		{
			name:    "lifecycle end",
			event:   "agent",
			payload: `{"runId":"r2","sessionKey":"home","stream":"lifecycle","data":{"phase":"end"}}`,
			want:    LifecycleEvent{RunID: "r2", SessionKey: "home", Phase: PhaseEnd},
		},
		{
			name:    "lifecycle error",
			event:   "agent",
			payload: `{"runId":"r3","stream":"lifecycle","data":{"phase":"error","error":"tool crashed"}}`,
			want:    LifecycleEvent{RunID: "r3", Phase: PhaseError, Error: "tool crashed"},
		},
		{
			name:    "tool",
			event:   "agent",
			payload: `{"runId":"r4","stream":"tool","data":{"name":"web_search","phase":"start"}}`,
			want:    ToolEvent{RunID: "r4", Tool: "web_search", Phase: "start"},
		},
		{
			name:    "unknown stream",
			event:   "agent",
			payload: `{"stream":"thinking","data":{"text":"hmm"}}`,
			want:    nil,
		},
		{
			name:    "chat final with text",
			event:   "chat",
			payload: `{"runId":"r5","sessionKey":"sms","state":"final","message":{"role":"assistant","text":"Done."}}`,
			want:    ChatFinalEvent{RunID: "r5", SessionKey: "sms", Text: "Done."},
		},
		{
			name:    "chat final with content blocks",
			event:   "chat",
			payload: `{"sessionKey":"sms","state":"final","message":{"content":[{"type":"text","text":"Part one. "},{"type":"tool_use"},{"type":"text","text":"Part two."}]}}`,
			want:    ChatFinalEvent{SessionKey: "sms", Text: "Part one. Part two."},
		},
		{
			name:    "chat final with string content",
			event:   "chat",
			payload: `{"sessionKey":"sms","state":"final","message":{"content":"plain"}}`,
			want:    ChatFinalEvent{SessionKey: "sms", Text: "plain"},
		},
		{
			name:    "chat delta ignored",
			event:   "chat",
			payload: `{"sessionKey":"sms","state":"delta","message":"partial"}`,
			want:    nil,
		},
		{
			name:    "shutdown",
			event:   "shutdown",
			payload: `{}`,
			want:    StatusEvent{Online: false, Reason: "gateway shutdown"},
		},
		{
			name:    "presence",
			event:   "presence",
			payload: `{"online":true}`,
			want:    PresenceEvent{Payload: json.RawMessage(`{"online":true}`)},
		},
		{
			name:    "tick",
			event:   "tick",
			payload: `{"ts":1}`,
			want:    nil,
		},
		{
			name:    "unknown event",
			event:   "health",
			payload: `{}`,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEvent(tt.event, json.RawMessage(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	_, err := decodeEvent("agent", json.RawMessage(`[1,2]`))
	assert.Error(t, err)

	_, err = decodeEvent("chat", json.RawMessage(`{"state":"final","message":{"content":42}}`))
	assert.Error(t, err)
}

func TestExtractUsage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    UsageEvent
		ok      bool
	}{
		{
			name:    "top level",
			payload: `{"runId":"r1","sessionKey":"home","usage":{"input":10,"output":4}}`,
			want:    UsageEvent{RunID: "r1", SessionKey: "home", Usage: Usage{Input: 10, Output: 4}},
			ok:      true,
		},
		{
			name:    "nested in message",
			payload: `{"message":{"usage":{"inputTokens":3,"outputTokens":9}}}`,
			want:    UsageEvent{Usage: Usage{Input: 3, Output: 9}},
			ok:      true,
		},
		{
			name:    "snake case",
			payload: `{"usage":{"input_tokens":1,"output_tokens":2}}`,
			want:    UsageEvent{Usage: Usage{Input: 1, Output: 2}},
			ok:      true,
		},
		{name: "no usage", payload: `{"state":"final"}`},
		{name: "zero usage", payload: `{"usage":{"input":0,"output":0}}`},
		{name: "not an object", payload: `"text"`},
		{name: "empty", payload: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractUsage(json.RawMessage(tt.payload))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
