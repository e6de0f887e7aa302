package logging

import (
	"net/url"
	"unicode/utf8"
)

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

const (
	shortIDLen     = 8
	previewMaxRune = 24
)

// ShortID returns the first group of an identity. Identities double as the
// channel credential, so full values stay out of logs.
func ShortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// ShortIDs shortens each identity in a list.
func ShortIDs[T ~string](ids []T) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, ShortID(string(id)))
	}
	return out
}

// Preview truncates message text for debug logging.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= previewMaxRune {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewMaxRune]) + "…"
}

// RedactURL replaces the identity query parameter of a channel URL.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return RedactedValue
	}
	q := u.Query()
	if q.Has("id") {
		q.Set("id", ShortID(q.Get("id")))
		u.RawQuery = q.Encode()
	}
	return u.String()
}
