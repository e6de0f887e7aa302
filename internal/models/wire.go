package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Channel event names.
const (
	EventSendMessage    = "send-message"
	EventReceiveMessage = "receive-message"
)

// ErrUnknownEvent is returned when decoding an envelope with an unexpected name.
var ErrUnknownEvent = errors.New("unknown channel event")

// Envelope is the tagged frame exchanged with the relay peer.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SendMessagePayload is the body of an outbound send-message event.
type SendMessagePayload struct {
	Recipients []Identity `json:"recipients"`
	Text       string     `json:"text"`
	Timestamp  int64      `json:"timestamp"`
}

// ReceiveMessagePayload is the body of an inbound receive-message event.
type ReceiveMessagePayload struct {
	Recipients []Identity `json:"recipients"`
	Text       string     `json:"text"`
	Timestamp  int64      `json:"timestamp"`
	Sender     Identity   `json:"sender"`
}

// NewSendEnvelope wraps a send-message payload.
func NewSendEnvelope(payload SendMessagePayload) (Envelope, error) {
	return newEnvelope(EventSendMessage, payload)
}

// NewReceiveEnvelope wraps a receive-message payload.
func NewReceiveEnvelope(payload ReceiveMessagePayload) (Envelope, error) {
	return newEnvelope(EventReceiveMessage, payload)
}

func newEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// DecodeReceive extracts a receive-message payload from the envelope.
func (e Envelope) DecodeReceive() (ReceiveMessagePayload, error) {
	var payload ReceiveMessagePayload
	if e.Event != EventReceiveMessage {
		return payload, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Event)
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return payload, fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return payload, nil
}

// DecodeSend extracts a send-message payload from the envelope.
func (e Envelope) DecodeSend() (SendMessagePayload, error) {
	var payload SendMessagePayload
	if e.Event != EventSendMessage {
		return payload, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Event)
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return payload, fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return payload, nil
}
