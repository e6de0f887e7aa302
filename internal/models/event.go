package models

import (
	"time"
)

// EventType categorizes change notifications.
type EventType string

const (
	// Conversation events
	EventTypeConversationCreated  EventType = "conversation.created"
	EventTypeConversationMessage  EventType = "conversation.message"
	EventTypeConversationSelected EventType = "conversation.selected"

	// Contact events
	EventTypeContactCreated EventType = "contact.created"

	// Identity events
	EventTypeIdentityChanged EventType = "identity.changed"

	// Channel events
	EventTypeChannelConnected    EventType = "channel.connected"
	EventTypeChannelDisconnected EventType = "channel.disconnected"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeConversation EntityType = "conversation"
	EntityTypeContact      EntityType = "contact"
	EntityTypeIdentity     EntityType = "identity"
	EntityTypeChannel      EntityType = "channel"
)

// Event is an in-process notification that local state changed.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the ID of the related entity.
	EntityID string `json:"entity_id"`

	// Metadata contains additional context.
	Metadata map[string]string `json:"metadata,omitempty"`
}
