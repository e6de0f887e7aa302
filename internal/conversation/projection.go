package conversation

import (
	"sort"

	"github.com/tOgg1/pigeon/internal/models"
)

// Project returns every conversation formatted for display, most recent
// activity first. A conversation without messages counts as active now and
// sorts above every conversation with messages, even ones stamped ahead of
// the local clock. Ties keep storage order.
// Messages within a conversation are ordered by ascending timestamp.
func (e *Engine) Project() []models.FormattedConversation {
	e.mu.Lock()
	defer e.mu.Unlock()

	type ranked struct {
		activity int64
		view     models.FormattedConversation
	}
	list := make([]ranked, len(e.conversations))
	for i, conv := range e.conversations {
		list[i] = ranked{
			activity: conv.LastActivity(),
			view:     e.format(conv),
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].activity > list[j].activity
	})

	out := make([]models.FormattedConversation, len(list))
	for i, r := range list {
		out[i] = r.view
	}
	return out
}

// ProjectSelected formats the selected conversation. It reports false when
// nothing is selected or the selection does not match a conversation.
func (e *Engine) ProjectSelected() (models.FormattedConversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.selectedID == "" {
		return models.FormattedConversation{}, false
	}
	for _, conv := range e.conversations {
		if conv.ID == e.selectedID {
			return e.format(conv), true
		}
	}
	return models.FormattedConversation{}, false
}

// format builds the display form of conv. Caller holds mu.
func (e *Engine) format(conv models.Conversation) models.FormattedConversation {
	recipients := make([]models.FormattedRecipient, len(conv.Recipients))
	for i, id := range conv.Recipients {
		recipients[i] = models.FormattedRecipient{ID: id, Name: e.resolver.ResolveName(id)}
	}

	messages := make([]models.FormattedMessage, len(conv.Messages))
	for i, msg := range conv.Messages {
		messages[i] = models.FormattedMessage{
			Sender:     msg.Sender,
			SenderName: e.resolver.ResolveName(msg.Sender),
			Text:       msg.Text,
			Timestamp:  msg.Timestamp,
			FromMe:     !e.identity.IsEmpty() && msg.Sender == e.identity,
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})

	return models.FormattedConversation{
		ID:         conv.ID,
		Recipients: recipients,
		Messages:   messages,
		Selected:   e.selectedID != "" && conv.ID == e.selectedID,
	}
}
