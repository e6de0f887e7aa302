// Package store persists pigeon's durable keyed records.
//
// Three independent records exist: the local identity, the contact list and
// the conversation list. Each is stored as a JSON document under its key.
// Writes are synchronous: a successful Put is visible to the next Get.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Record keys.
const (
	KeyIdentity      = "id"
	KeyContacts      = "contacts"
	KeyConversations = "conversations"
)

var (
	// ErrNotFound is returned when a record has never been written.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidKey is returned for keys outside the allowed alphabet.
	ErrInvalidKey = errors.New("invalid record key")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Backend is a durable key/value store for JSON records.
type Backend interface {
	// Get returns the raw record, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put replaces the record.
	Put(ctx context.Context, key string, value []byte) error
	// Update reads the record and writes fn's result while holding off
	// every other writer, including other processes sharing the store.
	// fn receives nil when the record is missing. When fn fails nothing is
	// written. fn may run more than once if the write has to be retried.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases resources.
	Close() error
}

// ValidateKey checks a record key.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Load decodes a record into out. It reports false when the record is missing.
func Load(ctx context.Context, b Backend, key string, out any) (bool, error) {
	data, err := b.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return true, nil
}

// Save encodes value and writes it under key.
func Save(ctx context.Context, b Backend, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	return b.Put(ctx, key, data)
}

// Modify decodes the record into a T (the zero value when missing), applies
// fn and writes the result back through Backend.Update. It returns the
// value that was written.
func Modify[T any](ctx context.Context, b Backend, key string, fn func(current T) (T, error)) (T, error) {
	var written T
	err := b.Update(ctx, key, func(current []byte) ([]byte, error) {
		var value T
		if len(current) > 0 {
			if err := json.Unmarshal(current, &value); err != nil {
				return nil, fmt.Errorf("decode record %s: %w", key, err)
			}
		}
		next, err := fn(value)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode record %s: %w", key, err)
		}
		written = next
		return data, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return written, nil
}
