package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the payload carried by an Envelope
type MessageType string

// Message types pushed to subscribers
const (
	TypeLog         MessageType = "log"
	TypeStatus      MessageType = "status"
	TypeJobComplete MessageType = "job_complete"
)

// ErrUnknownType is returned when decoding a message of an unknown type
var ErrUnknownType = errors.New("unknown message type")

// Payload is implemented by the three push payloads only
type Payload interface {
	Type() MessageType
}

// LogPayload is one executor log line tagged with its job and slot
type LogPayload struct {
	Level     string    `json:"level"`
	Subsystem string    `json:"subsystem"`
	Message   string    `json:"message"`
	JobID     int64     `json:"job_id"`
	SlotID    int       `json:"slot_id"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusPayload reports a subsystem status change
type StatusPayload struct {
	SubsystemID string `json:"subsystem_id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	Message     string `json:"message"`
}

// JobCompletePayload reports a job reaching a terminal state
type JobCompletePayload struct {
	JobID           int64   `json:"job_id"`
	Status          string  `json:"status"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (LogPayload) Type() MessageType         { return TypeLog }
func (StatusPayload) Type() MessageType      { return TypeStatus }
func (JobCompletePayload) Type() MessageType { return TypeJobComplete }

// Envelope is the push message delivered to subscribers: {type, payload}
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload Payload     `json:"payload"`
}

// NewEnvelope wraps p with its type tag
func NewEnvelope(p Payload) Envelope {
	return Envelope{Type: p.Type(), Payload: p}
}

// UnmarshalJSON decodes the payload into the concrete type named by "type"
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	e.Type = raw.Type
	e.Payload = p
	return nil
}

// DecodePayload decodes raw JSON into the payload type t
func DecodePayload(t MessageType, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeLog:
		var v LogPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeStatus:
		var v StatusPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeJobComplete:
		var v JobCompletePayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}

// StreamMessage is one entry of the shared distributed stream. ID is
// assigned by the backend on read and used for acknowledgment.
type StreamMessage struct {
	ID      string          `json:"-"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Source  string          `json:"source"`
}

// NewStreamMessage encodes p for publication by instance source
func NewStreamMessage(p Payload, source string) (StreamMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return StreamMessage{}, fmt.Errorf("failed to encode %s payload: %w", p.Type(), err)
	}
	return StreamMessage{Type: p.Type(), Payload: raw, Source: source}, nil
}

// Envelope decodes the stream entry back into a push envelope
func (m StreamMessage) Envelope() (Envelope, error) {
	p, err := DecodePayload(m.Type, m.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return NewEnvelope(p), nil
}
