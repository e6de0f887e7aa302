package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/pigeon/internal/contacts"
	"github.com/tOgg1/pigeon/internal/events"
	"github.com/tOgg1/pigeon/internal/models"
	"github.com/tOgg1/pigeon/internal/store"
)

const (
	u1 models.Identity = "U1"
	u2 models.Identity = "U2"
	u3 models.Identity = "U3"
)

type sent struct {
	recipients []models.Identity
	text       string
	timestamp  int64
}

type fakeEmitter struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeEmitter) Send(recipients []models.Identity, text string, timestamp int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{recipients: recipients, text: text, timestamp: timestamp})
}

type fixedClock struct {
	mu sync.Mutex
	ms int64
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(c.ms)
}

func (c *fixedClock) set(ms int64) {
	c.mu.Lock()
	c.ms = ms
	c.mu.Unlock()
}

type fixture struct {
	backend  store.Backend
	contacts *contacts.Directory
	engine   *Engine
	emitter  *fakeEmitter
	clock    *fixedClock
}

func newFixture(t *testing.T, backend store.Backend, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	if backend == nil {
		backend = store.NewMemoryBackend()
	}
	dir, err := contacts.Open(ctx, backend)
	require.NoError(t, err)

	f := &fixture{backend: backend, contacts: dir, emitter: &fakeEmitter{}, clock: &fixedClock{ms: 1_000}}
	opts = append([]Option{
		WithIdentity(u1),
		WithEmitter(f.emitter),
		WithClock(f.clock.now),
	}, opts...)
	f.engine, err = Open(ctx, backend, dir, opts...)
	require.NoError(t, err)
	return f
}

func TestSendMessageScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.contacts.Create(ctx, u2, "Bea")
	require.NoError(t, err)

	f.clock.set(100)
	id, err := f.engine.SendMessage(ctx, []models.Identity{u2}, "hi")
	require.NoError(t, err)

	projected := f.engine.Project()
	require.Len(t, projected, 1)
	conv := projected[0]
	require.Equal(t, id, conv.ID)
	require.Equal(t, []models.FormattedRecipient{{ID: u2, Name: "Bea"}}, conv.Recipients)
	require.Equal(t, []models.FormattedMessage{{
		Sender:     u1,
		SenderName: "U1",
		Text:       "hi",
		Timestamp:  100,
		FromMe:     true,
	}}, conv.Messages)

	require.Len(t, f.emitter.sent, 1)
	require.Equal(t, sent{recipients: []models.Identity{u2}, text: "hi", timestamp: 100}, f.emitter.sent[0])
}

func TestInboundReplyJoinsSameConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.contacts.Create(ctx, u2, "Bea")
	require.NoError(t, err)

	f.clock.set(100)
	id, err := f.engine.SendMessage(ctx, []models.Identity{u2}, "hi")
	require.NoError(t, err)

	f.engine.HandleReceive(models.ReceiveMessagePayload{
		Recipients: []models.Identity{u2},
		Text:       "hey",
		Timestamp:  200,
		Sender:     u2,
	})

	projected := f.engine.Project()
	require.Len(t, projected, 1)
	require.Equal(t, id, projected[0].ID)
	require.Len(t, projected[0].Messages, 2)
	reply := projected[0].Messages[1]
	require.Equal(t, "hey", reply.Text)
	require.Equal(t, "Bea", reply.SenderName)
	require.False(t, reply.FromMe)
}

func TestCreateConversationDoesNotDeduplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.engine.DeliverMessage(ctx, []models.Identity{u2}, "hi", 100, u1)
	require.NoError(t, err)
	second, err := f.engine.CreateConversation(ctx, []models.Identity{u2})
	require.NoError(t, err)
	third, err := f.engine.CreateConversation(ctx, []models.Identity{u2})
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.NotEqual(t, second, third)
	list := f.engine.Conversations()
	require.Len(t, list, 3)
	for _, conv := range list {
		require.Equal(t, []models.Identity{u2}, conv.Recipients)
	}
}

func TestDeliverMessageIgnoresRecipientOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	a, err := f.engine.DeliverMessage(ctx, []models.Identity{u2, u3}, "one", 100, u2)
	require.NoError(t, err)
	b, err := f.engine.DeliverMessage(ctx, []models.Identity{u3, u2}, "two", 200, u3)
	require.NoError(t, err)
	c, err := f.engine.DeliverMessage(ctx, []models.Identity{u3, u2, u3}, "three", 300, u3)
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Equal(t, a, c)
	list := f.engine.Conversations()
	require.Len(t, list, 1)
	require.Len(t, list[0].Messages, 3)
	require.Equal(t, []models.Identity{u2, u3}, list[0].Recipients)
}

func TestDeliverMessageDistinguishesSubsets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	a, err := f.engine.DeliverMessage(ctx, []models.Identity{u2, u3}, "group", 100, u2)
	require.NoError(t, err)
	b, err := f.engine.DeliverMessage(ctx, []models.Identity{u2}, "direct", 200, u2)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, f.engine.Conversations(), 2)
}

func TestDeliverMessageUsesFirstMatchingConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.engine.CreateConversation(ctx, []models.Identity{u2})
	require.NoError(t, err)
	_, err = f.engine.CreateConversation(ctx, []models.Identity{u2})
	require.NoError(t, err)

	got, err := f.engine.DeliverMessage(ctx, []models.Identity{u2}, "hi", 100, u2)
	require.NoError(t, err)
	require.Equal(t, first, got)

	list := f.engine.Conversations()
	require.Len(t, list[0].Messages, 1)
	require.Empty(t, list[1].Messages)
}

func TestDeliverMessageAppendsWithoutReordering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.engine.DeliverMessage(ctx, []models.Identity{u2}, "late", 300, u2)
	require.NoError(t, err)
	_, err = f.engine.DeliverMessage(ctx, []models.Identity{u2}, "early", 100, u2)
	require.NoError(t, err)

	stored := f.engine.Conversations()[0].Messages
	require.Equal(t, "late", stored[0].Text)
	require.Equal(t, "early", stored[1].Text)

	shown := f.engine.Project()[0].Messages
	require.Equal(t, "early", shown[0].Text)
	require.Equal(t, "late", shown[1].Text)
}

func TestEmptyRecipientSetIsSelfConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	a, err := f.engine.DeliverMessage(ctx, nil, "note", 100, u1)
	require.NoError(t, err)
	b, err := f.engine.DeliverMessage(ctx, []models.Identity{}, "note 2", 200, u1)
	require.NoError(t, err)
	require.Equal(t, a, b)

	projected := f.engine.Project()
	require.Len(t, projected, 1)
	require.Empty(t, projected[0].Recipients)
	require.Len(t, projected[0].Messages, 2)
}

func TestProjectOrdersByLastActivityWithEmptyFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.clock.set(10_000)

	old, err := f.engine.DeliverMessage(ctx, []models.Identity{u2}, "old", 100, u2)
	require.NoError(t, err)
	recent, err := f.engine.DeliverMessage(ctx, []models.Identity{u3}, "recent", 500, u3)
	require.NoError(t, err)
	empty, err := f.engine.CreateConversation(ctx, []models.Identity{u2, u3})
	require.NoError(t, err)
	// A late message into the oldest conversation moves it up.
	_, err = f.engine.DeliverMessage(ctx, []models.Identity{u2}, "bump", 400, u2)
	require.NoError(t, err)

	var order []string
	for _, conv := range f.engine.Project() {
		order = append(order, conv.ID)
	}
	require.Equal(t, []string{empty, recent, old}, order)
}

func TestEmptyConversationOutranksMessagesFromAheadClock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.clock.set(1000)

	// The peer's clock runs ahead of ours.
	f.engine.HandleReceive(models.ReceiveMessagePayload{Recipients: []models.Identity{u2}, Text: "from the future", Timestamp: 5000, Sender: u2})
	empty, err := f.engine.CreateConversation(ctx, []models.Identity{u3})
	require.NoError(t, err)

	projected := f.engine.Project()
	require.Len(t, projected, 2)
	require.Equal(t, empty, projected[0].ID)
	require.Empty(t, projected[0].Messages)
}

func TestProjectKeepsStorageOrderForTies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	a, err := f.engine.CreateConversation(ctx, []models.Identity{u2})
	require.NoError(t, err)
	b, err := f.engine.CreateConversation(ctx, []models.Identity{u3})
	require.NoError(t, err)

	projected := f.engine.Project()
	require.Equal(t, a, projected[0].ID)
	require.Equal(t, b, projected[1].ID)
}

func TestFromMeAndNameFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.engine.DeliverMessage(ctx, []models.Identity{u2}, "mine", 100, u1)
	require.NoError(t, err)
	_, err = f.engine.DeliverMessage(ctx, []models.Identity{u2}, "theirs", 200, u2)
	require.NoError(t, err)

	conv := f.engine.Project()[0]
	require.Equal(t, "U2", conv.Recipients[0].Name)
	require.True(t, conv.Messages[0].FromMe)
	require.Equal(t, "U1", conv.Messages[0].SenderName)
	require.False(t, conv.Messages[1].FromMe)
	require.Equal(t, "U2", conv.Messages[1].SenderName)

	// Rebinding the local identity flips attribution.
	f.engine.SetIdentity(u2)
	conv = f.engine.Project()[0]
	require.False(t, conv.Messages[0].FromMe)
	require.True(t, conv.Messages[1].FromMe)
}

func TestSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, ok := f.engine.ProjectSelected()
	require.False(t, ok)

	a, err := f.engine.CreateConversation(ctx, []models.Identity{u2})
	require.NoError(t, err)
	b, err := f.engine.CreateConversation(ctx, []models.Identity{u3})
	require.NoError(t, err)

	f.engine.SelectConversation(ctx, b)
	selected, ok := f.engine.ProjectSelected()
	require.True(t, ok)
	require.Equal(t, b, selected.ID)
	require.True(t, selected.Selected)

	for _, conv := range f.engine.Project() {
		require.Equal(t, conv.ID == b, conv.Selected, conv.ID)
	}
	require.NotEqual(t, a, b)

	f.engine.SelectConversation(ctx, "missing")
	require.Equal(t, "missing", f.engine.SelectedID())
	_, ok = f.engine.ProjectSelected()
	require.False(t, ok)
	for _, conv := range f.engine.Project() {
		require.False(t, conv.Selected)
	}
}

func TestSendMessageRequiresIdentity(t *testing.T) {
	f := newFixture(t, nil, WithIdentity(""))
	_, err := f.engine.SendMessage(context.Background(), []models.Identity{u2}, "hi")
	require.ErrorIs(t, err, ErrNoIdentity)
	require.Empty(t, f.emitter.sent)
	require.Empty(t, f.engine.Conversations())
}

func TestRoundTripReproducesProjection(t *testing.T) {
	ctx := context.Background()
	backend, err := store.OpenSQLite(filepath.Join(t.TempDir(), "pigeon.db"), 0)
	require.NoError(t, err)
	defer backend.Close()

	f := newFixture(t, backend)
	_, err = f.contacts.Create(ctx, u2, "Bea")
	require.NoError(t, err)
	_, err = f.engine.SendMessage(ctx, []models.Identity{u2}, "hi")
	require.NoError(t, err)
	f.engine.HandleReceive(models.ReceiveMessagePayload{Recipients: []models.Identity{u2, u3}, Text: "group", Timestamp: 50, Sender: u3})
	empty, err := f.engine.CreateConversation(ctx, []models.Identity{u3})
	require.NoError(t, err)
	f.engine.SelectConversation(ctx, empty)
	want := f.engine.Project()

	reloaded := newFixture(t, backend)
	reloaded.clock.set(f.clock.now().UnixMilli())
	reloaded.engine.SelectConversation(ctx, empty)
	require.Equal(t, want, reloaded.engine.Project())
}

func TestReloadPicksUpExternalWrites(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	a := newFixture(t, backend)
	b := newFixture(t, backend)

	id, err := a.engine.DeliverMessage(ctx, []models.Identity{u2}, "hi", 100, u2)
	require.NoError(t, err)
	require.Empty(t, b.engine.Conversations())

	require.NoError(t, b.engine.Reload(ctx))
	got, err := b.engine.DeliverMessage(ctx, []models.Identity{u2}, "again", 200, u2)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestEnginesSharingAFileStoreKeepEachOthersWrites(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "records")
	openBackend := func() store.Backend {
		backend, err := store.NewFileBackend(dir)
		require.NoError(t, err)
		return backend
	}
	a := newFixture(t, openBackend())
	b := newFixture(t, openBackend())

	first, err := a.engine.DeliverMessage(ctx, []models.Identity{u2}, "from a", 100, u2)
	require.NoError(t, err)
	_, err = b.engine.DeliverMessage(ctx, []models.Identity{u3}, "from b", 200, u3)
	require.NoError(t, err)
	// b joins the thread a created instead of starting a duplicate.
	joined, err := b.engine.DeliverMessage(ctx, []models.Identity{u2}, "b again", 300, u2)
	require.NoError(t, err)
	require.Equal(t, first, joined)
	_, err = a.engine.CreateConversation(ctx, []models.Identity{u2, u3})
	require.NoError(t, err)

	reopened := newFixture(t, openBackend())
	list := reopened.engine.Conversations()
	require.Len(t, list, 3)
	require.Equal(t, first, list[0].ID)
	require.Len(t, list[0].Messages, 2)
	require.Equal(t, []models.Identity{u3}, list[1].Recipients)
	require.Empty(t, list[2].Messages)
	require.Equal(t, list, a.engine.Conversations())
}

type flakyBackend struct {
	store.Backend
	fail bool
}

func (f *flakyBackend) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Backend.Update(ctx, key, fn)
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{Backend: store.NewMemoryBackend()}
	f := newFixture(t, backend)

	id, err := f.engine.DeliverMessage(ctx, []models.Identity{u2}, "hi", 100, u2)
	require.NoError(t, err)
	before := f.engine.Conversations()

	backend.fail = true
	_, err = f.engine.DeliverMessage(ctx, []models.Identity{u2}, "lost", 200, u2)
	require.ErrorContains(t, err, "disk full")
	_, err = f.engine.DeliverMessage(ctx, []models.Identity{u3}, "lost", 200, u3)
	require.Error(t, err)
	_, err = f.engine.CreateConversation(ctx, []models.Identity{u3})
	require.Error(t, err)
	f.engine.HandleReceive(models.ReceiveMessagePayload{Recipients: []models.Identity{u2}, Text: "lost", Timestamp: 300, Sender: u2})

	require.Equal(t, before, f.engine.Conversations())

	backend.fail = false
	got, err := f.engine.DeliverMessage(ctx, []models.Identity{u3}, "ok", 400, u3)
	require.NoError(t, err)
	require.NotEqual(t, id, got)
	require.Len(t, f.engine.Conversations(), 2)
}

func TestPublishesChangeEvents(t *testing.T) {
	ctx := context.Background()
	history := events.NewHistory(10)
	f := newFixture(t, nil, WithPublisher(events.NewInMemoryPublisher(events.WithHistory(history))))

	id, err := f.engine.DeliverMessage(ctx, []models.Identity{u2}, "hi", 100, u2)
	require.NoError(t, err)
	_, err = f.engine.DeliverMessage(ctx, []models.Identity{u2}, "again", 200, u2)
	require.NoError(t, err)
	f.engine.SelectConversation(ctx, id)
	f.engine.SelectConversation(ctx, id)

	var types []models.EventType
	for _, ev := range history.Events() {
		require.Equal(t, id, ev.EntityID)
		types = append(types, ev.Type)
	}
	require.Equal(t, []models.EventType{
		models.EventTypeConversationCreated,
		models.EventTypeConversationMessage,
		models.EventTypeConversationMessage,
		models.EventTypeConversationSelected,
	}, types)
}

func TestConversationsReturnsCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.engine.DeliverMessage(ctx, []models.Identity{u2}, "hi", 100, u2)
	require.NoError(t, err)

	list := f.engine.Conversations()
	list[0].Messages[0].Text = "tampered"
	list[0].Recipients[0] = u3

	fresh := f.engine.Conversations()
	require.Equal(t, "hi", fresh[0].Messages[0].Text)
	require.Equal(t, u2, fresh[0].Recipients[0])
}

func TestConcurrentDeliveriesStayInOneConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recipients := []models.Identity{u2, u3}
			if i%2 == 0 {
				recipients = []models.Identity{u3, u2}
			}
			_, err := f.engine.DeliverMessage(ctx, recipients, "m", int64(i), u2)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	list := f.engine.Conversations()
	require.Len(t, list, 1)
	require.Len(t, list[0].Messages, 20)
}
