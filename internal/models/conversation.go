package models

import (
	"math"
	"sort"
	"strings"
)

// Message is a single immutable chat message. Timestamp is in milliseconds.
type Message struct {
	Sender    Identity `json:"sender"`
	Text      string   `json:"text"`
	Timestamp int64    `json:"timestamp"`
}

// Conversation is a thread addressed to a recipient set.
type Conversation struct {
	ID         string     `json:"id"`
	Recipients []Identity `json:"recipients"`
	Messages   []Message  `json:"messages"`
}

// recipientKeySep cannot appear inside a valid identity.
const recipientKeySep = "\x1f"

// RecipientKey returns the canonical, order-independent form of a recipient set.
// Duplicate entries collapse, so [A, B, A] and [B, A] share a key.
func RecipientKey(recipients []Identity) string {
	if len(recipients) == 0 {
		return ""
	}
	values := make([]string, 0, len(recipients))
	seen := make(map[Identity]struct{}, len(recipients))
	for _, r := range recipients {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		values = append(values, string(r))
	}
	sort.Strings(values)
	return strings.Join(values, recipientKeySep)
}

// SameRecipients reports whether two recipient lists form the same set.
func SameRecipients(a, b []Identity) bool {
	return RecipientKey(a) == RecipientKey(b)
}

// LastActivity returns the latest message timestamp. A conversation with
// no messages counts as active now, which outranks every message whatever
// clock stamped it, so it returns math.MaxInt64.
func (c Conversation) LastActivity() int64 {
	if len(c.Messages) == 0 {
		return math.MaxInt64
	}
	latest := c.Messages[0].Timestamp
	for _, msg := range c.Messages[1:] {
		if msg.Timestamp > latest {
			latest = msg.Timestamp
		}
	}
	return latest
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.Recipients = append([]Identity(nil), c.Recipients...)
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

// CloneConversations deep-copies a conversation list.
func CloneConversations(in []Conversation) []Conversation {
	if in == nil {
		return nil
	}
	out := make([]Conversation, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}

// FormattedRecipient is a recipient with its resolved display name.
type FormattedRecipient struct {
	ID   Identity `json:"id"`
	Name string   `json:"name"`
}

// FormattedMessage is a message ready for display.
type FormattedMessage struct {
	Sender     Identity `json:"sender"`
	SenderName string   `json:"sender_name"`
	Text       string   `json:"text"`
	Timestamp  int64    `json:"timestamp"`
	FromMe     bool     `json:"from_me"`
}

// FormattedConversation is the display projection of a conversation.
type FormattedConversation struct {
	ID         string               `json:"id"`
	Recipients []FormattedRecipient `json:"recipients"`
	Messages   []FormattedMessage   `json:"messages"`
	Selected   bool                 `json:"selected"`
}

// RecipientNames returns the display names in recipient order.
func (f FormattedConversation) RecipientNames() []string {
	names := make([]string, 0, len(f.Recipients))
	for _, r := range f.Recipients {
		names = append(names, r.Name)
	}
	return names
}
