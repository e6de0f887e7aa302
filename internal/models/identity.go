// Package models defines the core data types for pigeon.
package models

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Identity is an opaque, durable participant identifier.
type Identity string

// ErrInvalidIdentity is returned when an identity does not match the entry format.
var ErrInvalidIdentity = errors.New("invalid identity")

// identityPattern accepts 8-4-4-4-12 groups of word characters.
var identityPattern = regexp.MustCompile(`^\w{8}-\w{4}-\w{4}-\w{4}-\w{12}$`)

// NewIdentity generates a fresh random identity.
func NewIdentity() Identity {
	return Identity(uuid.NewString())
}

// ParseIdentity trims and validates raw user input.
func ParseIdentity(raw string) (Identity, error) {
	id := Identity(strings.TrimSpace(raw))
	if err := ValidateIdentity(id); err != nil {
		return "", err
	}
	return id, nil
}

// ValidateIdentity checks the entry format of an identity.
func ValidateIdentity(id Identity) error {
	if !identityPattern.MatchString(string(id)) {
		return ErrInvalidIdentity
	}
	return nil
}

// IsEmpty reports whether no identity is set.
func (id Identity) IsEmpty() bool {
	return strings.TrimSpace(string(id)) == ""
}

func (id Identity) String() string {
	return string(id)
}

// ParseIdentities validates a list of identities, reporting every bad entry.
func ParseIdentities(raw []string) ([]Identity, error) {
	var validation ValidationErrors
	out := make([]Identity, 0, len(raw))
	for i, value := range raw {
		id, err := ParseIdentity(value)
		if err != nil {
			validation.Add(indexField("recipients", i), err)
			continue
		}
		out = append(out, id)
	}
	if err := validation.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
