// Package signaling carries the offer/answer/candidate handshake between two
// discovered peers. It owns the wire codec and a per-peer channel that hides
// the single-write ceiling of the underlying link.
package signaling

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Type identifies the handshake step a Message belongs to.
type Type string

const (
	TypeOffer     Type = "OFFER"
	TypeAnswer    Type = "ANSWER"
	TypeCandidate Type = "CANDIDATE"
)

var (
	// ErrMalformedPayload indicates bytes that do not decode into a complete Message.
	ErrMalformedPayload = errors.New("signaling: malformed payload")
	// ErrUnknownMessageType indicates a well-formed message with an unrecognised type.
	ErrUnknownMessageType = errors.New("signaling: unknown message type")
)

// nowMillis is swapped in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// Message is the only payload ever sent over the signaling path. It never
// carries file content.
type Message struct {
	Type       Type   `msgpack:"type"`
	SenderID   string `msgpack:"sender_id"`
	SenderName string `msgpack:"sender_name"`
	Payload    string `msgpack:"payload,omitempty"`
	Timestamp  int64  `msgpack:"ts"`
}

// DecodeError describes why Decode rejected its input.
type DecodeError struct {
	Err    error
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewOffer builds an OFFER carrying a session description.
func NewOffer(senderID, senderName, sdp string) Message {
	return newMessage(TypeOffer, senderID, senderName, sdp)
}

// NewAnswer builds an ANSWER carrying a session description.
func NewAnswer(senderID, senderName, sdp string) Message {
	return newMessage(TypeAnswer, senderID, senderName, sdp)
}

// NewCandidate builds a CANDIDATE carrying one connectivity candidate. An
// empty candidate marks the end of gathering.
func NewCandidate(senderID, senderName, candidate string) Message {
	return newMessage(TypeCandidate, senderID, senderName, candidate)
}

func newMessage(t Type, senderID, senderName, payload string) Message {
	return Message{
		Type:       t,
		SenderID:   senderID,
		SenderName: senderName,
		Payload:    payload,
		Timestamp:  nowMillis(),
	}
}

// Known reports whether t is one of the handshake types.
func (t Type) Known() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate:
		return true
	default:
		return false
	}
}

// Validate checks required fields.
func (m Message) Validate() error {
	if strings.TrimSpace(string(m.Type)) == "" {
		return &DecodeError{Err: ErrMalformedPayload, Reason: "missing type"}
	}
	if !m.Type.Known() {
		return &DecodeError{Err: ErrUnknownMessageType, Reason: string(m.Type)}
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return &DecodeError{Err: ErrMalformedPayload, Reason: "missing sender_id"}
	}
	if m.Timestamp <= 0 {
		return &DecodeError{Err: ErrMalformedPayload, Reason: "missing timestamp"}
	}
	if m.Payload == "" && m.Type != TypeCandidate {
		return &DecodeError{Err: ErrMalformedPayload, Reason: "missing payload for " + string(m.Type)}
	}
	return nil
}

// Stale reports whether the message was sent more than maxAge before now.
func (m Message) Stale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.UnixMilli()-m.Timestamp > maxAge.Milliseconds()
}

// Encode serializes m. Equal messages always produce equal bytes.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	raw, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode signaling message: %w", err)
	}
	return raw, nil
}

// Decode parses raw into a Message. It never panics on garbled input; every
// failure unwraps to ErrMalformedPayload or ErrUnknownMessageType.
func Decode(raw []byte) (Message, error) {
	if len(raw) == 0 {
		return Message{}, &DecodeError{Err: ErrMalformedPayload, Reason: "empty input"}
	}

	var m Message
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return Message{}, &DecodeError{Err: ErrMalformedPayload, Reason: err.Error()}
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
