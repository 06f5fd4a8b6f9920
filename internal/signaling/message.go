// Package signaling wraps the WebSocket connection to the broadcast relay and
// defines the JSON messages exchanged through it during SDP/ICE negotiation.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageEvent identifies the kind of signaling message.
type MessageEvent string

const (
	EventOffer     MessageEvent = "offer"
	EventAnswer    MessageEvent = "answer"
	EventCandidate MessageEvent = "candidate"
)

// Routing metadata required by the relay's pub/sub contract.
const (
	TypePublish    = "publish"
	TopicBroadcast = "broadcast"
)

var (
	// ErrMalformedMessage is returned for inbound frames that are not a JSON
	// signaling message.
	ErrMalformedMessage = errors.New("signaling: malformed message")

	// ErrUnknownEvent marks a well-formed message whose event is not handled.
	ErrUnknownEvent = errors.New("signaling: unknown event")

	// ErrNotConnected is returned by Send when no socket is open.
	ErrNotConnected = errors.New("signaling: not connected")
)

// Message is the JSON structure exchanged over the relay.
//
// Type and Topic are routing fields consumed by the relay; negotiation code
// never looks at them. Data holds a session description or an ICE candidate
// and is forwarded byte-for-byte.
type Message struct {
	Type   string          `json:"type,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Event  MessageEvent    `json:"event"`
	Name   string          `json:"name,omitempty"`
	Origin string          `json:"origin,omitempty"` // sender session tag, used to drop our own echoes
	Data   json.RawMessage `json:"data,omitempty"`
}

// Known reports whether the event is one of offer, answer or candidate.
func (e MessageEvent) Known() bool {
	switch e {
	case EventOffer, EventAnswer, EventCandidate:
		return true
	}
	return false
}

// ParseMessage decodes one inbound text frame. Messages with an unhandled
// event are still returned so the caller can log them.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Event == "" {
		return Message{}, fmt.Errorf("%w: missing event", ErrMalformedMessage)
	}
	if !msg.Event.Known() {
		return msg, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
	return msg, nil
}
