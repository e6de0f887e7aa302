// Package identity holds the durable local user identifier.
package identity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tOgg1/pigeon/internal/events"
	"github.com/tOgg1/pigeon/internal/logging"
	"github.com/tOgg1/pigeon/internal/models"
	"github.com/tOgg1/pigeon/internal/store"
)

// Store reads and writes the identity record.
type Store struct {
	backend   store.Backend
	publisher events.Publisher
	logger    zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher publishes identity.changed on every write.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) {
		s.publisher = p
	}
}

// New creates an identity store over backend.
func New(backend store.Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  logging.Component("identity"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the persisted identity, or "" when none is set.
func (s *Store) Get(ctx context.Context) (models.Identity, error) {
	var id models.Identity
	if _, err := store.Load(ctx, s.backend, store.KeyIdentity, &id); err != nil {
		return "", fmt.Errorf("load identity: %w", err)
	}
	return id, nil
}

// Set persists id, replacing any prior value. Callers validate the format.
func (s *Store) Set(ctx context.Context, id models.Identity) error {
	if err := store.Save(ctx, s.backend, store.KeyIdentity, id); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	s.logger.Debug().Str("identity", logging.ShortID(id.String())).Msg("identity set")
	s.publish(ctx, id)
	return nil
}

// Create generates, persists and returns a fresh identity.
func (s *Store) Create(ctx context.Context) (models.Identity, error) {
	id := models.NewIdentity()
	if err := s.Set(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// Clear removes the identity record.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, store.KeyIdentity); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	s.logger.Debug().Msg("identity cleared")
	s.publish(ctx, "")
	return nil
}

func (s *Store) publish(ctx context.Context, id models.Identity) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, events.New(models.EventTypeIdentityChanged, models.EntityTypeIdentity, id.String(), nil))
}
