// Package contacts maps identities to display names.
package contacts

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/pigeon/internal/events"
	"github.com/tOgg1/pigeon/internal/logging"
	"github.com/tOgg1/pigeon/internal/models"
	"github.com/tOgg1/pigeon/internal/store"
)

// Directory is the durable contact list. Reads are served from memory.
// Every Create appends to the freshly loaded record, so contacts added by
// another process sharing the store are kept, and is written through
// before it returns.
//
// Duplicate ids are kept. Lookups return the first entry in insertion order.
type Directory struct {
	mu        sync.RWMutex
	backend   store.Backend
	contacts  []models.Contact
	publisher events.Publisher
	logger    zerolog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithPublisher publishes contact.created for every new contact.
func WithPublisher(p events.Publisher) Option {
	return func(d *Directory) {
		d.publisher = p
	}
}

// Open loads the contact record from backend.
func Open(ctx context.Context, backend store.Backend, opts ...Option) (*Directory, error) {
	d := &Directory{
		backend: backend,
		logger:  logging.Component("contacts"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if _, err := store.Load(ctx, backend, store.KeyContacts, &d.contacts); err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	return d, nil
}

// List returns the contacts in insertion order.
func (d *Directory) List() []models.Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.Contact(nil), d.contacts...)
}

// Create appends a contact. An existing entry with the same id is not replaced.
func (d *Directory) Create(ctx context.Context, id models.Identity, name string) (models.Contact, error) {
	contact := models.Contact{ID: id, Name: name}

	d.mu.Lock()
	next, err := store.Modify(ctx, d.backend, store.KeyContacts, func(current []models.Contact) ([]models.Contact, error) {
		return append(current, contact), nil
	})
	if err != nil {
		d.mu.Unlock()
		return models.Contact{}, fmt.Errorf("save contacts: %w", err)
	}
	d.contacts = next
	d.mu.Unlock()

	d.logger.Debug().
		Str("contact", logging.ShortID(id.String())).
		Int("count", len(next)).
		Msg("contact created")
	if d.publisher != nil {
		d.publisher.Publish(ctx, events.New(models.EventTypeContactCreated, models.EntityTypeContact, id.String(), map[string]string{"name": contact.Name}))
	}
	return contact, nil
}

// Lookup returns the first contact with id.
func (d *Directory) Lookup(id models.Identity) (models.Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.contacts {
		if c.ID == id {
			return c, true
		}
	}
	return models.Contact{}, false
}

// ResolveName returns the contact name for id, or id itself when the
// contact is unknown or has an empty name.
func (d *Directory) ResolveName(id models.Identity) string {
	if c, ok := d.Lookup(id); ok && c.Name != "" {
		return c.Name
	}
	return id.String()
}
