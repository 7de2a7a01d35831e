// Package provider decodes call-control webhook notifications.
package provider

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed marks a notification that failed decoding or schema validation.
var ErrMalformed = errors.New("malformed notification")

// Kind is the orchestrator-level meaning of a provider event type.
type Kind string

const (
	KindUnknown         Kind = ""
	KindCallStarted     Kind = "call_started"
	KindSpeechCompleted Kind = "speech_completed"
	KindDigitsCollected Kind = "digits_collected"
	KindCallEnded       Kind = "call_ended"
	KindDigitReceived   Kind = "digit_received"
	KindFarEndAnswered  Kind = "far_end_answered"
	KindFarEndBridged   Kind = "far_end_bridged"
)

var kindsByEventType = map[string]Kind{
	"call.initiated":     KindCallStarted,
	"call.speak.ended":   KindSpeechCompleted,
	"call.gather.ended":  KindDigitsCollected,
	"call.hangup":        KindCallEnded,
	"call.dtmf.received": KindDigitReceived,
	"call.answered":      KindFarEndAnswered,
	"call.bridged":       KindFarEndBridged,
}

//go:embed schema.json
var schemaSource string

var schema = jsonschema.MustCompileString("notification.schema.json", schemaSource)

// Notification is one decoded webhook delivery.
type Notification struct {
	ID         string
	Type       string
	Kind       Kind
	OccurredAt time.Time

	CallLegID     string
	ControlHandle string
	ClientState   string // decoded

	Digits      string
	Digit       string
	Status      string
	HangupCause string
	To          string
	From        string
}

// Recognized reports whether the event type maps to a known Kind.
func (n Notification) Recognized() bool {
	return n.Kind != KindUnknown
}

type envelope struct {
	Data struct {
		ID         string  `json:"id"`
		EventType  string  `json:"event_type"`
		OccurredAt string  `json:"occurred_at"`
		Payload    payload `json:"payload"`
	} `json:"data"`
}

type payload struct {
	CallLegID     string `json:"call_leg_id"`
	CallControlID string `json:"call_control_id"`
	ClientState   string `json:"client_state"`
	Digits        string `json:"digits"`
	Digit         string `json:"digit"`
	Status        string `json:"status"`
	HangupCause   string `json:"hangup_cause"`
	To            string `json:"to"`
	From          string `json:"from"`
}

// Parse validates body against the notification schema and decodes it.
// Unrecognized event types decode successfully with Kind == KindUnknown.
func Parse(body []byte) (Notification, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(raw); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	p := env.Data.Payload
	n := Notification{
		ID:            env.Data.ID,
		Type:          env.Data.EventType,
		Kind:          kindsByEventType[env.Data.EventType],
		CallLegID:     p.CallLegID,
		ControlHandle: p.CallControlID,
		ClientState:   DecodeClientState(p.ClientState),
		Digits:        p.Digits,
		Digit:         p.Digit,
		Status:        p.Status,
		HangupCause:   p.HangupCause,
		To:            p.To,
		From:          p.From,
	}
	if env.Data.OccurredAt != "" {
		n.OccurredAt, _ = time.Parse(time.RFC3339Nano, env.Data.OccurredAt)
	}
	return n, nil
}

// EncodeClientState encodes s the way the provider expects client state.
func EncodeClientState(s string) string {
	if s == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DecodeClientState reverses EncodeClientState. Undecodable input yields "".
func DecodeClientState(s string) string {
	if s == "" {
		return ""
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return string(b)
}
