// Package session wires pigeon's services together for one local user.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/pigeon/internal/channel"
	"github.com/tOgg1/pigeon/internal/config"
	"github.com/tOgg1/pigeon/internal/contacts"
	"github.com/tOgg1/pigeon/internal/conversation"
	"github.com/tOgg1/pigeon/internal/events"
	"github.com/tOgg1/pigeon/internal/identity"
	"github.com/tOgg1/pigeon/internal/logging"
	"github.com/tOgg1/pigeon/internal/models"
	"github.com/tOgg1/pigeon/internal/store"
)

var (
	// ErrNotLoggedIn is returned by operations that need a local identity.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrNoSelection is returned when no existing conversation is selected.
	ErrNoSelection = errors.New("no conversation selected")
)

// Session owns the store, services and relay connection. Services are
// built once in Open and handed out by reference.
type Session struct {
	cfg       *config.Config
	backend   store.Backend
	publisher *events.InMemoryPublisher
	identity  *identity.Store
	contacts  *contacts.Directory
	channel   *channel.Client
	engine    *conversation.Engine
	logger    zerolog.Logger

	mu   sync.Mutex
	live bool
}

type options struct {
	backend store.Backend
	clock   func() time.Time
	history *events.History
}

// Option configures Open.
type Option func(*options)

// WithBackend uses backend instead of the one selected by config.
func WithBackend(backend store.Backend) Option {
	return func(o *options) {
		o.backend = backend
	}
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// WithHistory retains published events in h.
func WithHistory(h *events.History) Option {
	return func(o *options) {
		o.history = h
	}
}

// Open builds every service and binds the persisted identity. The relay
// connection is not started until Connect.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = store.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	var pubOpts []events.PublisherOption
	if o.history != nil {
		pubOpts = append(pubOpts, events.WithHistory(o.history))
	}
	publisher := events.NewInMemoryPublisher(pubOpts...)

	s := &Session{
		cfg:       cfg,
		backend:   backend,
		publisher: publisher,
		identity:  identity.New(backend, identity.WithPublisher(publisher)),
		logger:    logging.Component("session"),
	}

	fail := func(err error) (*Session, error) {
		_ = backend.Close()
		return nil, err
	}

	dir, err := contacts.Open(ctx, backend, contacts.WithPublisher(publisher))
	if err != nil {
		return fail(err)
	}
	s.contacts = dir

	client, err := channel.NewClientFromConfig(cfg.Channel, publisher)
	if err != nil {
		return fail(fmt.Errorf("build channel: %w", err))
	}
	s.channel = client

	current, err := s.identity.Get(ctx)
	if err != nil {
		return fail(err)
	}

	engineOpts := []conversation.Option{
		conversation.WithEmitter(client),
		conversation.WithPublisher(publisher),
		conversation.WithIdentity(current),
	}
	if o.clock != nil {
		engineOpts = append(engineOpts, conversation.WithClock(o.clock))
	}
	engine, err := conversation.Open(ctx, backend, dir, engineOpts...)
	if err != nil {
		return fail(err)
	}
	s.engine = engine

	s.logger.Debug().
		Str("identity", logging.ShortID(current.String())).
		Int("contacts", len(dir.List())).
		Int("conversations", len(engine.Conversations())).
		Msg("session opened")
	return s, nil
}

// Connect starts the relay connection for the current identity and keeps
// it bound across identity changes until Close.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	s.live = true
	s.mu.Unlock()
	s.bind(ctx, s.engine.Identity())
}

// WaitConnected blocks until the relay connection is up.
func (s *Session) WaitConnected(ctx context.Context) error {
	return s.channel.WaitConnected(ctx)
}

// Flush waits for queued outbound messages to reach the connection.
func (s *Session) Flush(ctx context.Context) error {
	return s.channel.Flush(ctx)
}

// Login validates and persists raw as the local identity.
func (s *Session) Login(ctx context.Context, raw string) (models.Identity, error) {
	id, err := models.ParseIdentity(raw)
	if err != nil {
		return "", err
	}
	if err := s.identity.Set(ctx, id); err != nil {
		return "", err
	}
	s.bind(ctx, id)
	return id, nil
}

// CreateIdentity generates a new local identity and logs in with it.
func (s *Session) CreateIdentity(ctx context.Context) (models.Identity, error) {
	id, err := s.identity.Create(ctx)
	if err != nil {
		return "", err
	}
	s.bind(ctx, id)
	return id, nil
}

// Logout clears the local identity and drops the relay connection.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.identity.Clear(ctx); err != nil {
		return err
	}
	s.bind(ctx, "")
	return nil
}

// CurrentIdentity returns the bound local identity, or "".
func (s *Session) CurrentIdentity() models.Identity {
	return s.engine.Identity()
}

// CreateContact validates the identity and name, then stores the contact.
func (s *Session) CreateContact(ctx context.Context, rawID, name string) (models.Contact, error) {
	var validation models.ValidationErrors
	id, err := models.ParseIdentity(rawID)
	if err != nil {
		validation.Add("id", err)
	}
	if strings.TrimSpace(name) == "" {
		validation.AddMessage("name", "name is required")
	}
	if err := validation.Err(); err != nil {
		return models.Contact{}, err
	}
	return s.contacts.Create(ctx, id, name)
}

// StartConversation validates recipients and creates an empty conversation.
func (s *Session) StartConversation(ctx context.Context, rawRecipients []string) (string, error) {
	recipients, err := models.ParseIdentities(rawRecipients)
	if err != nil {
		return "", err
	}
	return s.engine.CreateConversation(ctx, recipients)
}

// Send validates recipients and sends text as the local identity.
func (s *Session) Send(ctx context.Context, rawRecipients []string, text string) (string, error) {
	if s.engine.Identity().IsEmpty() {
		return "", ErrNotLoggedIn
	}
	recipients, err := models.ParseIdentities(rawRecipients)
	if err != nil {
		return "", err
	}
	return s.engine.SendMessage(ctx, recipients, text)
}

// SendToSelected sends text to the recipients of the selected conversation.
func (s *Session) SendToSelected(ctx context.Context, text string) (string, error) {
	if s.engine.Identity().IsEmpty() {
		return "", ErrNotLoggedIn
	}
	selected, ok := s.engine.ProjectSelected()
	if !ok {
		return "", ErrNoSelection
	}
	recipients := make([]models.Identity, len(selected.Recipients))
	for i, r := range selected.Recipients {
		recipients[i] = r.ID
	}
	return s.engine.SendMessage(ctx, recipients, text)
}

// Engine returns the conversation engine.
func (s *Session) Engine() *conversation.Engine { return s.engine }

// Contacts returns the contact directory.
func (s *Session) Contacts() *contacts.Directory { return s.contacts }

// Identity returns the identity store.
func (s *Session) Identity() *identity.Store { return s.identity }

// Publisher returns the change-event publisher.
func (s *Session) Publisher() events.Publisher { return s.publisher }

// Channel returns the relay client.
func (s *Session) Channel() *channel.Client { return s.channel }

// Close disconnects and releases the store.
func (s *Session) Close() error {
	var errs []error
	if err := s.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	s.publisher.Close()
	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// bind points the engine at id and, when live, reconnects the channel with
// the engine as its handler.
func (s *Session) bind(ctx context.Context, id models.Identity) {
	s.engine.SetIdentity(id)

	s.mu.Lock()
	live := s.live
	s.mu.Unlock()
	if !live {
		return
	}
	var handler channel.Handler
	if !id.IsEmpty() {
		handler = s.engine.HandleReceive
	}
	s.channel.Connect(ctx, id, handler)
	s.logger.Debug().Str("identity", logging.ShortID(id.String())).Msg("channel rebound")
}
