// ABOUTME: Telnyx webhook envelope decoding and ed25519 signature verification
// ABOUTME: Maps event_type strings to one concrete event struct per kind

package telnyx

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Webhook signature headers.
const (
	HeaderSignature = "Telnyx-Signature-Ed25519"
	HeaderTimestamp = "Telnyx-Timestamp"
)

// DefaultTolerance bounds how old a signed webhook may be.
const DefaultTolerance = 5 * time.Minute

// Event type names.
const (
	EventCallInitiated   = "call.initiated"
	EventCallAnswered    = "call.answered"
	EventGatherEnded     = "call.gather.ended"
	EventCallHangup      = "call.hangup"
	EventMessageReceived = "message.received"
)

// GatherNoSpeech is the gather status reported when nothing was heard.
const GatherNoSpeech = "no_speech_detected"

// ErrInvalidSignature means the webhook signature is missing, malformed,
// stale, or does not verify.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Event is a decoded webhook event.
type Event interface {
	EventID() string
}

// Meta is shared by all events.
type Meta struct {
	ID         string
	Type       string
	OccurredAt time.Time
}

// EventID returns the provider's event id, used for duplicate suppression.
func (m Meta) EventID() string { return m.ID }

// CallInitiated starts a call.
type CallInitiated struct {
	Meta
	CallID    string
	Direction string
	From      string
	To        string
}

// CallAnswered confirms the call was answered.
type CallAnswered struct {
	Meta
	CallID string
}

// GatherEnded carries what was heard after a gather.
type GatherEnded struct {
	Meta
	CallID string
	Speech string
	Digits string
	Status string
}

// CallHangup ends a call.
type CallHangup struct {
	Meta
	CallID string
	Cause  string
}

// MessageReceived is an inbound SMS.
type MessageReceived struct {
	Meta
	MessageID string
	From      string
	To        string
	Text      string
}

// Unknown is any event type not handled here.
type Unknown struct {
	Meta
}

type envelope struct {
	Data *envelopeData `json:"data"`
	envelopeData
}

type envelopeData struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type phoneField struct {
	PhoneNumber string `json:"phone_number"`
}

// numberField accepts either a bare string or {"phone_number": "..."}.
type numberField string

func (n *numberField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*n = numberField(s)
		return nil
	}
	var p phoneField
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*n = numberField(p.PhoneNumber)
	return nil
}

// toField accepts a string, an object, or a list of objects.
type toField string

func (t *toField) UnmarshalJSON(data []byte) error {
	var list []phoneField
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) > 0 {
			*t = toField(list[0].PhoneNumber)
		}
		return nil
	}
	var n numberField
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = toField(n)
	return nil
}

type callPayload struct {
	CallControlID string      `json:"call_control_id"`
	Direction     string      `json:"direction"`
	From          numberField `json:"from"`
	To            toField     `json:"to"`
	Speech        string      `json:"speech"`
	Transcription string      `json:"transcription"`
	Digits        string      `json:"digits"`
	Status        string      `json:"status"`
	HangupCause   string      `json:"hangup_cause"`
}

type messagePayload struct {
	ID   string      `json:"id"`
	Text string      `json:"text"`
	From numberField `json:"from"`
	To   toField     `json:"to"`
}

// ParseWebhook decodes a webhook body. Both the wrapped form
// {"data":{"event_type",...}} and the bare {"event_type",...} are accepted.
func ParseWebhook(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding webhook: %w", err)
	}
	data := env.envelopeData
	if env.Data != nil {
		data = *env.Data
	}
	if data.EventType == "" {
		return nil, errors.New("decoding webhook: missing event_type")
	}

	meta := Meta{ID: data.ID, Type: data.EventType}
	if data.OccurredAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, data.OccurredAt); err == nil {
			meta.OccurredAt = t
		}
	}

	switch data.EventType {
	case EventCallInitiated, EventCallAnswered, EventGatherEnded, EventCallHangup:
		var p callPayload
		if err := unmarshalPayload(data.Payload, &p); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", data.EventType, err)
		}
		return callEvent(meta, p), nil

	case EventMessageReceived:
		var p messagePayload
		if err := unmarshalPayload(data.Payload, &p); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", data.EventType, err)
		}
		if meta.ID == "" {
			meta.ID = p.ID
		}
		return MessageReceived{
			Meta:      meta,
			MessageID: p.ID,
			From:      string(p.From),
			To:        string(p.To),
			Text:      p.Text,
		}, nil

	default:
		return Unknown{Meta: meta}, nil
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func callEvent(meta Meta, p callPayload) Event {
	switch meta.Type {
	case EventCallInitiated:
		return CallInitiated{Meta: meta, CallID: p.CallControlID, Direction: p.Direction, From: string(p.From), To: string(p.To)}
	case EventCallAnswered:
		return CallAnswered{Meta: meta, CallID: p.CallControlID}
	case EventGatherEnded:
		speech := p.Speech
		if speech == "" {
			speech = p.Transcription
		}
		return GatherEnded{Meta: meta, CallID: p.CallControlID, Speech: speech, Digits: p.Digits, Status: p.Status}
	default:
		return CallHangup{Meta: meta, CallID: p.CallControlID, Cause: p.HangupCause}
	}
}

// Verifier checks webhook signatures against the account's public key.
type Verifier struct {
	key       ed25519.PublicKey
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier parses a base64 ed25519 public key.
func NewVerifier(publicKey string, tolerance time.Duration) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{key: ed25519.PublicKey(raw), tolerance: tolerance, now: time.Now}, nil
}

// Verify checks the signature over "timestamp|body".
func (v *Verifier) Verify(body []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}

	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	age := v.now().Sub(time.Unix(secs, 0))
	if age > v.tolerance || age < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", ErrInvalidSignature)
	}

	signed := make([]byte, 0, len(timestamp)+1+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, '|')
	signed = append(signed, body...)
	if !ed25519.Verify(v.key, signed, sig) {
		return ErrInvalidSignature
	}
	return nil
}
