// Package conversation owns the durable conversation list. It reconciles
// sent and received messages into threads keyed by recipient set and
// projects them into display-ready form.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/pigeon/internal/events"
	"github.com/tOgg1/pigeon/internal/logging"
	"github.com/tOgg1/pigeon/internal/models"
	"github.com/tOgg1/pigeon/internal/store"
)

// ErrNoIdentity is returned by SendMessage before a local identity is bound.
var ErrNoIdentity = errors.New("no local identity")

// NameResolver maps an identity to a display name, falling back to the id.
type NameResolver interface {
	ResolveName(id models.Identity) string
}

// Emitter hands outbound messages to the relay.
type Emitter interface {
	Send(recipients []models.Identity, text string, timestamp int64)
}

// Engine is safe for concurrent use. Every operation runs to completion
// under one lock; subscribers are notified after the lock is released.
type Engine struct {
	mu sync.Mutex

	backend   store.Backend
	resolver  NameResolver
	emitter   Emitter
	publisher events.Publisher
	now       func() time.Time
	logger    zerolog.Logger

	identity      models.Identity
	conversations []models.Conversation
	selectedID    string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for send timestamps and for
// ordering conversations without messages.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEmitter sets the outbound channel used by SendMessage.
func WithEmitter(emitter Emitter) Option {
	return func(e *Engine) {
		e.emitter = emitter
	}
}

// WithPublisher publishes conversation change events.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithIdentity binds the local identity at construction.
func WithIdentity(id models.Identity) Option {
	return func(e *Engine) {
		e.identity = id
	}
}

type identityResolver struct{}

func (identityResolver) ResolveName(id models.Identity) string { return id.String() }

// Open loads the conversation record and returns a ready engine. A nil
// resolver displays raw identities.
func Open(ctx context.Context, backend store.Backend, resolver NameResolver, opts ...Option) (*Engine, error) {
	if resolver == nil {
		resolver = identityResolver{}
	}
	e := &Engine{
		backend:  backend,
		resolver: resolver,
		now:      time.Now,
		logger:   logging.Component("conversation"),
	}
	for _, opt := range opts {
		opt(e)
	}

	var loaded []models.Conversation
	if _, err := store.Load(ctx, backend, store.KeyConversations, &loaded); err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	e.commit(normalize(loaded))
	e.logger.Debug().Int("conversations", len(loaded)).Msg("conversations loaded")
	return e, nil
}

func normalize(list []models.Conversation) []models.Conversation {
	for i := range list {
		if list[i].Recipients == nil {
			list[i].Recipients = []models.Identity{}
		}
		if list[i].Messages == nil {
			list[i].Messages = []models.Message{}
		}
	}
	return list
}

// SetIdentity rebinds the local identity used for sending and for FromMe.
func (e *Engine) SetIdentity(id models.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity = id
}

// Identity returns the bound local identity.
func (e *Engine) Identity() models.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// SetEmitter replaces the outbound channel.
func (e *Engine) SetEmitter(emitter Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitter = emitter
}

// CreateConversation appends an empty conversation for recipients and
// returns its id. An existing conversation with the same recipients is
// not reused.
func (e *Engine) CreateConversation(ctx context.Context, recipients []models.Identity) (string, error) {
	conv := models.Conversation{
		ID:         uuid.NewString(),
		Recipients: copyRecipients(recipients),
		Messages:   []models.Message{},
	}

	e.mu.Lock()
	next, err := e.modify(ctx, func(current []models.Conversation) ([]models.Conversation, error) {
		return append(current, conv), nil
	})
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	e.commit(next)
	e.mu.Unlock()

	e.logger.Debug().
		Str("conversation", logging.ShortID(conv.ID)).
		Strs("recipients", logging.ShortIDs(conv.Recipients)).
		Msg("conversation created")
	e.publish(ctx, models.EventTypeConversationCreated, conv.ID, map[string]string{
		"recipients": strconv.Itoa(len(conv.Recipients)),
	})
	return conv.ID, nil
}

// SelectConversation records id as the current selection. Unknown ids are
// accepted and simply match nothing when projecting.
func (e *Engine) SelectConversation(ctx context.Context, id string) {
	e.mu.Lock()
	changed := e.selectedID != id
	e.selectedID = id
	e.mu.Unlock()

	if changed {
		e.publish(ctx, models.EventTypeConversationSelected, id, nil)
	}
}

// SelectedID returns the current selection, which may be stale.
func (e *Engine) SelectedID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selectedID
}

// DeliverMessage files a message into the first conversation whose
// recipient set equals recipients, or into a new conversation when none
// matches. Matching runs against the stored record, so conversations
// written by another process sharing the store are seen. Messages are
// appended as delivered; display order is applied by Project. Returns the
// conversation id.
func (e *Engine) DeliverMessage(ctx context.Context, recipients []models.Identity, text string, timestamp int64, sender models.Identity) (string, error) {
	msg := models.Message{Sender: sender, Text: text, Timestamp: timestamp}
	key := models.RecipientKey(recipients)

	var (
		convID  string
		created bool
	)
	e.mu.Lock()
	next, err := e.modify(ctx, func(current []models.Conversation) ([]models.Conversation, error) {
		idx := -1
		for i, conv := range current {
			if models.RecipientKey(conv.Recipients) == key {
				idx = i
				break
			}
		}
		if idx < 0 {
			conv := models.Conversation{
				ID:         uuid.NewString(),
				Recipients: copyRecipients(recipients),
				Messages:   []models.Message{msg},
			}
			convID, created = conv.ID, true
			return append(current, conv), nil
		}
		conv := current[idx]
		conv.Messages = append(conv.Messages, msg)
		current[idx] = conv
		convID, created = conv.ID, false
		return current, nil
	})
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	e.commit(next)
	e.mu.Unlock()

	e.logger.Debug().
		Str("conversation", logging.ShortID(convID)).
		Str("sender", logging.ShortID(sender.String())).
		Bool("created", created).
		Int64("timestamp", timestamp).
		Str("text", logging.Preview(text)).
		Msg("message delivered")
	if created {
		e.publish(ctx, models.EventTypeConversationCreated, convID, map[string]string{
			"recipients": strconv.Itoa(len(recipients)),
		})
	}
	e.publish(ctx, models.EventTypeConversationMessage, convID, map[string]string{
		"sender":    sender.String(),
		"timestamp": strconv.FormatInt(timestamp, 10),
	})
	return convID, nil
}

// SendMessage stamps the current time, emits the message to the relay and
// echoes it locally without waiting for the relay.
func (e *Engine) SendMessage(ctx context.Context, recipients []models.Identity, text string) (string, error) {
	e.mu.Lock()
	identity := e.identity
	emitter := e.emitter
	timestamp := e.now().UnixMilli()
	e.mu.Unlock()

	if identity.IsEmpty() {
		return "", ErrNoIdentity
	}
	if emitter != nil {
		emitter.Send(copyRecipients(recipients), text, timestamp)
	}
	return e.DeliverMessage(ctx, recipients, text, timestamp, identity)
}

// HandleReceive delivers an inbound receive-message. It is meant to be
// registered as the channel's receive handler.
func (e *Engine) HandleReceive(payload models.ReceiveMessagePayload) {
	_, err := e.DeliverMessage(context.Background(), payload.Recipients, payload.Text, payload.Timestamp, payload.Sender)
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("sender", logging.ShortID(payload.Sender.String())).
			Msg("failed to store received message")
	}
}

// Conversations returns a deep copy of the stored list in storage order.
func (e *Engine) Conversations() []models.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.CloneConversations(e.conversations)
}

// Reload replaces in-memory state with the persisted record. Selection is kept.
func (e *Engine) Reload(ctx context.Context) error {
	var loaded []models.Conversation
	if _, err := store.Load(ctx, e.backend, store.KeyConversations, &loaded); err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	e.mu.Lock()
	e.commit(normalize(loaded))
	e.mu.Unlock()
	return nil
}

// commit installs list as the in-memory view. Caller holds mu or has
// exclusive access.
func (e *Engine) commit(list []models.Conversation) {
	e.conversations = list
}

// modify applies fn to the freshly loaded conversation record and writes
// the result. fn may run more than once. Caller holds mu.
func (e *Engine) modify(ctx context.Context, fn func([]models.Conversation) ([]models.Conversation, error)) ([]models.Conversation, error) {
	next, err := store.Modify(ctx, e.backend, store.KeyConversations, func(current []models.Conversation) ([]models.Conversation, error) {
		return fn(normalize(current))
	})
	if err != nil {
		return nil, fmt.Errorf("save conversations: %w", err)
	}
	return normalize(next), nil
}

func (e *Engine) publish(ctx context.Context, eventType models.EventType, id string, metadata map[string]string) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(ctx, events.New(eventType, models.EntityTypeConversation, id, metadata))
}

func copyRecipients(in []models.Identity) []models.Identity {
	out := make([]models.Identity, len(in))
	copy(out, in)
	return out
}
