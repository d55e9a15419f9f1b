// ABOUTME: Wire frames for the agent gateway protocol and the decoded event sum type
// ABOUTME: Turns loosely shaped event payloads into one concrete Go type per event kind

package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol version bounds sent in the connect handshake.
const (
	minProtocol = 3
	maxProtocol = 3
)

// Request methods.
const (
	methodConnect  = "connect"
	methodChatSend = "chat.send"
)

// Frame types.
const (
	frameReq   = "req"
	frameRes   = "res"
	frameEvent = "event"
)

// Server-pushed event names.
const (
	eventChallenge = "connect.challenge"
	eventAgent     = "agent"
	eventChat      = "chat"
	eventPresence  = "presence"
	eventTick      = "tick"
	eventShutdown  = "shutdown"
)

// Message roles carried by MessageEvent.
const (
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// requestFrame is an outbound request.
type requestFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// inboundFrame covers both res and event frames.
type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *frameError) String() string {
	if e == nil {
		return "unknown error"
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

type clientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Mode        string `json:"mode"`
}

type authParams struct {
	Token string `json:"token"`
}

type connectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      clientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Auth        *authParams `json:"auth,omitempty"`
	Nonce       string      `json:"nonce,omitempty"`
}

type chatSendParams struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// Event is a decoded gateway event. The set of implementations is closed;
// consumers switch on the concrete type.
type Event interface {
	isEvent()
}

// StatusEvent reports the agent going online (handshake accepted) or offline
// (server shutdown, transport loss after authentication, local disconnect).
type StatusEvent struct {
	Online bool
	Reason string
}

// LogEvent carries a client-side log line for the dashboard.
type LogEvent struct {
	Level   string
	Message string
}

// MessageEvent is a streamed assistant delta, or a synthetic notice
// produced locally (the cost limit notice).
type MessageEvent struct {
	Role       string
	Text       string
	SessionKey string
	RunID      string
	Synthetic  bool
}

// LifecycleEvent reports a run starting, ending, or failing.
type LifecycleEvent struct {
	RunID      string
	SessionKey string
	Phase      string
	Error      string
}

// ToolEvent reports tool use inside a run.
type ToolEvent struct {
	RunID      string
	SessionKey string
	Tool       string
	Phase      string
}

// ChatFinalEvent is a session's fully assembled answer.
type ChatFinalEvent struct {
	RunID      string
	SessionKey string
	Text       string
}

// PresenceEvent relays gateway presence updates untouched.
type PresenceEvent struct {
	Payload json.RawMessage
}

// UsageEvent is emitted after a usage object has been applied to the cost guard.
type UsageEvent struct {
	RunID      string
	SessionKey string
	Usage      Usage
}

func (StatusEvent) isEvent()    {}
func (LogEvent) isEvent()       {}
func (MessageEvent) isEvent()   {}
func (LifecycleEvent) isEvent() {}
func (ToolEvent) isEvent()      {}
func (ChatFinalEvent) isEvent() {}
func (PresenceEvent) isEvent()  {}
func (UsageEvent) isEvent()     {}

// Lifecycle phases.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// Usage is a token accounting object attached to an event or response.
type Usage struct {
	Input  int
	Output int
}

// UnmarshalJSON accepts the field spellings different gateway versions use.
func (u *Usage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Input        *int `json:"input"`
		Output       *int `json:"output"`
		InputTokens  *int `json:"inputTokens"`
		OutputTokens *int `json:"outputTokens"`
		InputSnake   *int `json:"input_tokens"`
		OutputSnake  *int `json:"output_tokens"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.Input = firstInt(raw.Input, raw.InputTokens, raw.InputSnake)
	u.Output = firstInt(raw.Output, raw.OutputTokens, raw.OutputSnake)
	return nil
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

// usageEnvelope locates usage at payload.usage or payload.message.usage.
type usageEnvelope struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	Usage      *Usage `json:"usage"`
	Message    *struct {
		Usage *Usage `json:"usage"`
	} `json:"message"`
}

// extractUsage finds a usage object in a frame payload.
func extractUsage(payload json.RawMessage) (UsageEvent, bool) {
	if len(payload) == 0 || payload[0] != '{' {
		return UsageEvent{}, false
	}
	var env usageEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return UsageEvent{}, false
	}
	u := env.Usage
	if u == nil && env.Message != nil {
		u = env.Message.Usage
	}
	if u == nil || (u.Input == 0 && u.Output == 0) {
		return UsageEvent{}, false
	}
	return UsageEvent{RunID: env.RunID, SessionKey: env.SessionKey, Usage: *u}, true
}

type agentPayload struct {
	RunID      string          `json:"runId"`
	SessionKey string          `json:"sessionKey"`
	Stream     string          `json:"stream"`
	Data       json.RawMessage `json:"data"`
}

type assistantData struct {
	Text  string `json:"text"`
	Delta string `json:"delta"`
}

type lifecycleData struct {
	Phase string `json:"phase"`
	Error string `json:"error"`
}

type toolData struct {
	Name  string `json:"name"`
	Tool  string `json:"tool"`
	Phase string `json:"phase"`
}

type chatPayload struct {
	RunID      string          `json:"runId"`
	SessionKey string          `json:"sessionKey"`
	State      string          `json:"state"`
	Message    json.RawMessage `json:"message"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Text    string          `json:"text"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// decodeEvent maps a named event payload to its concrete Event. A nil Event
// with a nil error means the event carries nothing for subscribers.
func decodeEvent(name string, payload json.RawMessage) (Event, error) {
	switch name {
	case eventAgent:
		return decodeAgent(payload)
	case eventChat:
		return decodeChat(payload)
	case eventPresence:
		return PresenceEvent{Payload: payload}, nil
	case eventShutdown:
		return StatusEvent{Online: false, Reason: "gateway shutdown"}, nil
	case eventTick:
		return nil, nil
	default:
		return nil, nil
	}
}

func decodeAgent(payload json.RawMessage) (Event, error) {
	var p agentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding agent event: %w", err)
	}

	switch p.Stream {
	case "assistant":
		var d assistantData
		if len(p.Data) > 0 {
			if err := json.Unmarshal(p.Data, &d); err != nil {
				return nil, fmt.Errorf("decoding assistant data: %w", err)
			}
		}
		text := d.Delta
		if text == "" {
			text = d.Text
		}
		if text == "" {
			return nil, nil
		}
		return MessageEvent{Role: RoleAgent, Text: text, SessionKey: p.SessionKey, RunID: p.RunID}, nil

	case "lifecycle":
		var d lifecycleData
		if len(p.Data) > 0 {
			if err := json.Unmarshal(p.Data, &d); err != nil {
				return nil, fmt.Errorf("decoding lifecycle data: %w", err)
			}
		}
		return LifecycleEvent{RunID: p.RunID, SessionKey: p.SessionKey, Phase: d.Phase, Error: d.Error}, nil

	case "tool":
		var d toolData
		if len(p.Data) > 0 {
			if err := json.Unmarshal(p.Data, &d); err != nil {
				return nil, fmt.Errorf("decoding tool data: %w", err)
			}
		}
		tool := d.Name
		if tool == "" {
			tool = d.Tool
		}
		return ToolEvent{RunID: p.RunID, SessionKey: p.SessionKey, Tool: tool, Phase: d.Phase}, nil

	default:
		return nil, nil
	}
}

func decodeChat(payload json.RawMessage) (Event, error) {
	var p chatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding chat event: %w", err)
	}
	if p.State != "final" {
		return nil, nil
	}
	text, err := messageText(p.Message)
	if err != nil {
		return nil, err
	}
	return ChatFinalEvent{RunID: p.RunID, SessionKey: p.SessionKey, Text: text}, nil
}

// messageText flattens a chat message, which may be a bare string, an object
// with text, or an object with a string or block-list content field.
func messageText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var m chatMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("decoding chat message: %w", err)
	}
	if m.Text != "" {
		return m.Text, nil
	}
	if len(m.Content) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return "", fmt.Errorf("decoding chat content: %w", err)
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}
