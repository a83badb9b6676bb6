// Package protocol defines the envelopes exchanged between the controller and
// participants over a peer link.
//
// Every envelope is {kind, payload}. Decode validates the payload for its kind
// and returns a typed Message; anything unknown or malformed is reported as
// domain.ErrMalformedMessage so receivers can drop it without side effects.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

// Kind names a message type on the wire.
type Kind string

const (
	KindJoin         Kind = "JOIN"
	KindQuestion     Kind = "QUESTION"
	KindResponse     Kind = "RESPONSE"
	KindAck          Kind = "ACK"
	KindIntegrity    Kind = "INTEGRITY"
	KindHeartbeat    Kind = "HEARTBEAT"
	KindResults      Kind = "RESULTS"
	KindSessionEnded Kind = "SESSION_ENDED"
)

// Envelope is the opaque unit a transport carries.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Message is implemented by every typed payload.
type Message interface {
	Kind() Kind
	Validate() error
}

// Encode wraps a message into an envelope.
func Encode(m Message) (Envelope, error) {
	if err := m.Validate(); err != nil {
		return Envelope{}, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return Envelope{Kind: m.Kind(), Payload: raw}, nil
}

// Decode validates an envelope and returns its typed message.
func Decode(env Envelope) (Message, error) {
	var m Message
	switch env.Kind {
	case KindJoin:
		m = &Join{}
	case KindQuestion:
		m = &Question{}
	case KindResponse:
		m = &Response{}
	case KindAck:
		m = &Ack{}
	case KindIntegrity:
		m = &Integrity{}
	case KindHeartbeat:
		m = &Heartbeat{}
	case KindResults:
		m = &Results{}
	case KindSessionEnded:
		m = &SessionEnded{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrMalformedMessage, env.Kind)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s without payload", domain.ErrMalformedMessage, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, m); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", domain.ErrMalformedMessage, env.Kind, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return deref(m), nil
}

// DecodeBytes parses a JSON envelope and decodes it.
func DecodeBytes(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", domain.ErrMalformedMessage, err)
	}
	return Decode(env)
}

// deref returns value types so handlers can switch on them directly.
func deref(m Message) Message {
	switch v := m.(type) {
	case *Join:
		return *v
	case *Question:
		return *v
	case *Response:
		return *v
	case *Ack:
		return *v
	case *Integrity:
		return *v
	case *Heartbeat:
		return *v
	case *Results:
		return *v
	case *SessionEnded:
		return *v
	}
	return m
}
