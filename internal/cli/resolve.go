package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tOgg1/pigeon/internal/models"
)

const maxSuggestions = 5

func shortID(id string) string {
	const limit = 8
	if len(id) <= limit {
		return id
	}
	return id[:limit]
}

// findConversation resolves a full conversation id or a unique prefix.
func findConversation(list []models.FormattedConversation, idOrPrefix string) (models.FormattedConversation, error) {
	query := strings.TrimSpace(idOrPrefix)
	if query == "" {
		return models.FormattedConversation{}, errors.New("conversation ID required")
	}
	for _, conv := range list {
		if conv.ID == query {
			return conv, nil
		}
	}

	matches := matchConversations(list, query)
	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) > 1 {
		return models.FormattedConversation{}, fmt.Errorf("conversation '%s' is ambiguous; matches: %s (use a longer prefix or full ID)", query, formatConversationMatches(matches))
	}
	if len(list) == 0 {
		return models.FormattedConversation{}, fmt.Errorf("conversation '%s' not found (no conversations yet)", query)
	}

	example := fmt.Sprintf("Example input: '%s'", shortID(list[0].ID))
	return models.FormattedConversation{}, fmt.Errorf("conversation '%s' not found. %s", query, example)
}

func matchConversations(list []models.FormattedConversation, query string) []models.FormattedConversation {
	matches := make([]models.FormattedConversation, 0)
	for _, conv := range list {
		if strings.HasPrefix(conv.ID, query) {
			matches = append(matches, conv)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].ID < matches[j].ID
	})
	return matches
}

func formatConversationMatches(list []models.FormattedConversation) string {
	return formatMatchList(len(list), func(i int) string {
		conv := list[i]
		return fmt.Sprintf("%s (%s)", shortID(conv.ID), conversationLabel(conv))
	})
}

func formatMatchList(count int, format func(int) string) string {
	if count == 0 {
		return "none"
	}

	limit := count
	if limit > maxSuggestions {
		limit = maxSuggestions
	}

	parts := make([]string, 0, limit+1)
	for i := 0; i < limit; i++ {
		parts = append(parts, format(i))
	}
	if count > maxSuggestions {
		parts = append(parts, fmt.Sprintf("... and %d more", count-maxSuggestions))
	}

	return strings.Join(parts, ", ")
}

const labelCutoff = 3

// conversationLabel renders recipient names as "A, B & C". Past three names
// the rest are summarised as "& N more...". An empty set is "(self)".
func conversationLabel(conv models.FormattedConversation) string {
	names := conv.RecipientNames()
	switch {
	case len(names) == 0:
		return "(self)"
	case len(names) == 1:
		return names[0]
	case len(names) > labelCutoff:
		return fmt.Sprintf("%s & %d more...", strings.Join(names[:labelCutoff], ", "), len(names)-labelCutoff)
	default:
		return strings.Join(names[:len(names)-1], ", ") + " & " + names[len(names)-1]
	}
}
