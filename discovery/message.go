package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// TypeProbe asks every listener to register the sender and answer.
	TypeProbe = "NETXEND_DISCOVERY"
	// TypeReply carries the same identity as a probe but never triggers an answer.
	TypeReply = "NETXEND_HERE"

	// MaxDatagramSize bounds one discovery datagram.
	MaxDatagramSize = 1024
)

var (
	// ErrMalformedMessage indicates a datagram that is not a discovery message.
	ErrMalformedMessage = errors.New("discovery: malformed message")
	// ErrMessageTooLarge indicates an encoded message that does not fit in one datagram.
	ErrMessageTooLarge = errors.New("discovery: message exceeds datagram size")
)

// Message is the discovery datagram payload.
type Message struct {
	Type     string `json:"type"`
	Hostname string `json:"hostname"`
}

// IsProbe reports whether the message expects a reply.
func (m Message) IsProbe() bool {
	return m.Type == TypeProbe
}

// EncodeMessage marshals a discovery message for one datagram.
func EncodeMessage(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery message: %w", err)
	}
	if len(payload) > MaxDatagramSize {
		return nil, ErrMessageTooLarge
	}
	return payload, nil
}

// DecodeMessage parses a datagram. Anything that is not a JSON object with a
// known type is rejected with ErrMalformedMessage.
func DecodeMessage(payload []byte) (Message, error) {
	if len(payload) == 0 || payload[0] != '{' {
		return Message{}, ErrMalformedMessage
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch msg.Type {
	case TypeProbe, TypeReply:
		return msg, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
}
