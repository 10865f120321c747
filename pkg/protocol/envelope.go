package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the feed format version carried in every envelope.
const ProtocolVersion = 1

var (
	// ErrInvalidEnvelope marks feed frames that are not usable envelopes.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrNoPayload is returned by DecodePayload on an envelope without one.
	ErrNoPayload = errors.New("envelope has no payload")
)

// Envelope wraps every event sent on the feed.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id"`
	From    string          `json:"from,omitempty"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope stamps payload, marshaled to JSON, with the current version
// and time. A nil payload is left out.
func NewEnvelope(msgType, msgID string, payload any) (Envelope, error) {
	env := Envelope{
		V:     ProtocolVersion,
		Type:  msgType,
		MsgID: msgID,
		Time:  time.Now().UTC(),
	}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// ParseEnvelope decodes and validates one feed frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the version and the required fields.
func (e Envelope) Validate() error {
	switch {
	case e.V != ProtocolVersion:
		return fmt.Errorf("%w: version %d, want %d", ErrInvalidEnvelope, e.V, ProtocolVersion)
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	case e.MsgID == "":
		return fmt.Errorf("%w: missing msg_id", ErrInvalidEnvelope)
	}
	return nil
}

// DecodePayload unmarshals the payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s", ErrNoPayload, e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewMsgID returns a fresh message ID.
func NewMsgID() string {
	return uuid.NewString()
}
