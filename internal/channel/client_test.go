package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/pigeon/internal/config"
	"github.com/tOgg1/pigeon/internal/events"
	"github.com/tOgg1/pigeon/internal/models"
	"github.com/tOgg1/pigeon/internal/testutil"
)

const (
	alice models.Identity = "aaaaaaaa-0000-0000-0000-000000000001"
	bob   models.Identity = "bbbbbbbb-0000-0000-0000-000000000002"
	carol models.Identity = "cccccccc-0000-0000-0000-000000000003"
)

type collector struct {
	mu  sync.Mutex
	got []models.ReceiveMessagePayload
}

func (c *collector) handle(p models.ReceiveMessagePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, p)
}

func (c *collector) payloads() []models.ReceiveMessagePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ReceiveMessagePayload(nil), c.got...)
}

func newTestClient(t *testing.T, url string, publisher events.Publisher) *Client {
	t.Helper()
	client, err := NewClientFromConfig(config.ChannelConfig{
		URL:               url,
		Transports:        []string{config.TransportWebSocket, config.TransportPolling},
		DialTimeout:       time.Second,
		ReconnectInterval: 50 * time.Millisecond,
		PollInterval:      20 * time.Millisecond,
		PingInterval:      time.Second,
		SendBuffer:        16,
	}, publisher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitConnected(t *testing.T, c *Client, transport string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := c.Status()
		return st.Connected && st.Transport == transport
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNewClientRequiresTransport(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	require.ErrorIs(t, err, ErrNoTransports)
}

func TestEmptyIdentityMeansNoConnection(t *testing.T) {
	relay := testutil.NewRelay(t)
	client := newTestClient(t, relay.URL(), nil)

	client.Connect(context.Background(), "", nil)
	require.False(t, client.Status().Connected)

	// Dropped silently.
	client.Send([]models.Identity{bob}, "hi", 100)
	require.Empty(t, relay.Emitted())
}

func TestWebSocketDelivery(t *testing.T) {
	relay := testutil.NewRelay(t)
	ctx := context.Background()

	sender := newTestClient(t, relay.URL(), nil)
	receiver := newTestClient(t, relay.URL(), nil)

	var inbox collector
	sender.Connect(ctx, alice, nil)
	receiver.Connect(ctx, bob, inbox.handle)

	waitConnected(t, sender, TransportWebSocket)
	waitConnected(t, receiver, TransportWebSocket)
	require.Eventually(t, func() bool { return relay.SocketConnected(bob) }, time.Second, 10*time.Millisecond)

	sender.Send([]models.Identity{bob, carol}, "hi", 100)

	require.Eventually(t, func() bool { return len(inbox.payloads()) == 1 }, 3*time.Second, 10*time.Millisecond)
	got := inbox.payloads()[0]
	require.Equal(t, alice, got.Sender)
	require.Equal(t, "hi", got.Text)
	require.Equal(t, int64(100), got.Timestamp)
	require.ElementsMatch(t, []models.Identity{alice, carol}, got.Recipients)

	emitted := relay.Emitted()
	require.Len(t, emitted, 1)
	require.Equal(t, "websocket", emitted[0].Transport)
}

func TestPollingFallbackWhenSocketUnavailable(t *testing.T) {
	relay := testutil.NewRelay(t)
	relay.SetSocketsEnabled(false)
	ctx := context.Background()

	history := events.NewHistory(16)
	client := newTestClient(t, relay.URL(), events.NewInMemoryPublisher(events.WithHistory(history)))
	var inbox collector
	client.Connect(ctx, bob, inbox.handle)

	waitConnected(t, client, TransportPolling)

	relay.Deliver(bob, models.ReceiveMessagePayload{
		Recipients: []models.Identity{alice},
		Text:       "over http",
		Timestamp:  200,
		Sender:     alice,
	})
	require.Eventually(t, func() bool { return len(inbox.payloads()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, "over http", inbox.payloads()[0].Text)

	client.Send([]models.Identity{alice}, "reply", 300)
	require.Eventually(t, func() bool { return len(relay.Emitted()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, "polling", relay.Emitted()[0].Transport)

	var connected bool
	for _, ev := range history.Events() {
		if ev.Type == models.EventTypeChannelConnected && ev.Metadata["transport"] == TransportPolling {
			connected = true
		}
	}
	require.True(t, connected)
}

func TestPollingDoesNotReplayBacklog(t *testing.T) {
	relay := testutil.NewRelay(t)
	relay.SetSocketsEnabled(false)

	relay.Deliver(bob, models.ReceiveMessagePayload{Text: "old", Timestamp: 1, Sender: alice})

	client := newTestClient(t, relay.URL(), nil)
	var inbox collector
	client.Connect(context.Background(), bob, inbox.handle)
	waitConnected(t, client, TransportPolling)

	relay.Deliver(bob, models.ReceiveMessagePayload{Text: "new", Timestamp: 2, Sender: alice})
	require.Eventually(t, func() bool { return len(inbox.payloads()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, "new", inbox.payloads()[0].Text)
}

func TestSwitchesBackToPrimary(t *testing.T) {
	relay := testutil.NewRelay(t)
	relay.SetSocketsEnabled(false)

	client := newTestClient(t, relay.URL(), nil)
	client.Connect(context.Background(), bob, nil)
	waitConnected(t, client, TransportPolling)

	relay.SetSocketsEnabled(true)
	waitConnected(t, client, TransportWebSocket)
	require.Eventually(t, func() bool { return relay.SocketConnected(bob) }, time.Second, 10*time.Millisecond)
}

func TestReconnectDeregistersPreviousHandler(t *testing.T) {
	relay := testutil.NewRelay(t)
	ctx := context.Background()

	client := newTestClient(t, relay.URL(), nil)
	var first collector
	client.Connect(ctx, alice, first.handle)
	waitConnected(t, client, TransportWebSocket)

	client.Connect(ctx, bob, nil)
	require.Equal(t, bob, client.Status().Identity)
	waitConnected(t, client, TransportWebSocket)
	require.Eventually(t, func() bool { return relay.SocketConnected(bob) }, time.Second, 10*time.Millisecond)

	relay.Deliver(bob, models.ReceiveMessagePayload{Text: "to bob", Timestamp: 1, Sender: carol})
	relay.Deliver(alice, models.ReceiveMessagePayload{Text: "to alice", Timestamp: 2, Sender: carol})

	var second collector
	client.OnReceive(second.handle)
	relay.Deliver(bob, models.ReceiveMessagePayload{Text: "to bob again", Timestamp: 3, Sender: carol})

	require.Eventually(t, func() bool { return len(second.payloads()) >= 1 }, 3*time.Second, 10*time.Millisecond)
	require.Empty(t, first.payloads())
	for _, p := range second.payloads() {
		require.NotEqual(t, "to alice", p.Text)
	}
}

func TestOnReceiveReplacesHandler(t *testing.T) {
	relay := testutil.NewRelay(t)
	client := newTestClient(t, relay.URL(), nil)
	client.Connect(context.Background(), bob, nil)
	waitConnected(t, client, TransportWebSocket)
	require.Eventually(t, func() bool { return relay.SocketConnected(bob) }, time.Second, 10*time.Millisecond)

	var first, second collector
	client.OnReceive(first.handle)
	client.OnReceive(second.handle)
	relay.Deliver(bob, models.ReceiveMessagePayload{Text: "x", Timestamp: 1, Sender: alice})

	require.Eventually(t, func() bool { return len(second.payloads()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Empty(t, first.payloads())
}

func TestCloseStopsConnection(t *testing.T) {
	relay := testutil.NewRelay(t)
	client := newTestClient(t, relay.URL(), nil)
	client.Connect(context.Background(), bob, nil)
	waitConnected(t, client, TransportWebSocket)

	require.NoError(t, client.Close())
	require.False(t, client.Status().Connected)
	require.Eventually(t, func() bool { return !relay.SocketConnected(bob) }, time.Second, 10*time.Millisecond)

	client.Connect(context.Background(), bob, nil)
	require.False(t, client.Status().Connected)
}

func TestFlushBeforeCloseDeliversQueuedSends(t *testing.T) {
	relay := testutil.NewRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client := newTestClient(t, relay.URL(), nil)
	client.Connect(ctx, alice, nil)
	require.NoError(t, client.WaitConnected(ctx))

	for i := 0; i < 3; i++ {
		client.Send([]models.Identity{bob}, "queued", int64(i))
	}
	require.NoError(t, client.Flush(ctx))
	require.NoError(t, client.Close())

	require.Eventually(t, func() bool { return len(relay.Emitted()) == 3 }, 3*time.Second, 10*time.Millisecond)
}

func TestWaitConnectedHonoursContext(t *testing.T) {
	client, err := NewClient(ClientConfig{Transports: []Transport{NewPollingTransport(PollingConfig{URL: "http://127.0.0.1:1"})}})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, client.WaitConnected(ctx), context.DeadlineExceeded)
}

type fakeTransport struct {
	name string
	dial func(ctx context.Context) (Conn, error)
}

func (f fakeTransport) Name() string { return f.name }

func (f fakeTransport) Dial(ctx context.Context, _ models.Identity) (Conn, error) {
	return f.dial(ctx)
}

// fakeConn yields envelopes pushed onto in. After Close it still yields
// whatever is left in in, then ErrConnClosed.
type fakeConn struct {
	in     chan models.Envelope
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	sent  []models.Envelope
	block chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan models.Envelope, 16), closed: make(chan struct{})}
}

func (f *fakeConn) Send(ctx context.Context, env models.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeConn) Receive(ctx context.Context) (models.Envelope, error) {
	select {
	case env := <-f.in:
		return env, nil
	case <-f.closed:
		select {
		case env := <-f.in:
			return env, nil
		default:
			return models.Envelope{}, ErrConnClosed
		}
	case <-ctx.Done():
		return models.Envelope{}, ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) push(t *testing.T, text string) {
	t.Helper()
	env, err := models.NewReceiveEnvelope(models.ReceiveMessagePayload{Text: text, Timestamp: 1, Sender: alice})
	require.NoError(t, err)
	f.in <- env
}

func texts(payloads []models.ReceiveMessagePayload) []string {
	out := make([]string, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, p.Text)
	}
	return out
}

func TestSwitchToPrimaryDeliversEventsPendingOnFallback(t *testing.T) {
	primary, fallback := newFakeConn(), newFakeConn()
	var primaryDials atomic.Int32
	dialing := make(chan struct{}, 1)
	release := make(chan struct{})

	client, err := NewClient(ClientConfig{
		Transports: []Transport{
			fakeTransport{name: TransportWebSocket, dial: func(ctx context.Context) (Conn, error) {
				if primaryDials.Add(1) == 1 {
					return nil, errors.New("refused")
				}
				select {
				case dialing <- struct{}{}:
				default:
				}
				select {
				case <-release:
					return primary, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}},
			fakeTransport{name: TransportPolling, dial: func(context.Context) (Conn, error) {
				return fallback, nil
			}},
		},
		ReconnectInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var inbox collector
	client.Connect(context.Background(), bob, inbox.handle)
	waitConnected(t, client, TransportPolling)

	// The fallback keeps delivering while the primary dial hangs.
	<-dialing
	fallback.push(t, "a")
	require.Eventually(t, func() bool { return len(inbox.payloads()) == 1 }, time.Second, 5*time.Millisecond)

	fallback.push(t, "b")
	fallback.push(t, "c")
	close(release)

	waitConnected(t, client, TransportWebSocket)
	require.Eventually(t, fallback.isClosed, time.Second, 5*time.Millisecond)
	primary.push(t, "d")

	require.Eventually(t, func() bool { return len(inbox.payloads()) == 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "b", "c", "d"}, texts(inbox.payloads()))
}

func TestCloseAbandonsPendingPrimaryDial(t *testing.T) {
	fallback := newFakeConn()
	var primaryDials atomic.Int32
	dialing := make(chan struct{}, 1)

	client, err := NewClient(ClientConfig{
		Transports: []Transport{
			fakeTransport{name: TransportWebSocket, dial: func(ctx context.Context) (Conn, error) {
				if primaryDials.Add(1) == 1 {
					return nil, errors.New("refused")
				}
				select {
				case dialing <- struct{}{}:
				default:
				}
				<-ctx.Done()
				return nil, ctx.Err()
			}},
			fakeTransport{name: TransportPolling, dial: func(context.Context) (Conn, error) {
				return fallback, nil
			}},
		},
		ReconnectInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	client.Connect(context.Background(), bob, nil)
	waitConnected(t, client, TransportPolling)
	<-dialing

	require.NoError(t, client.Close())
	require.True(t, fallback.isClosed())
	require.False(t, client.Status().Connected)
}

func TestFlushAfterReconnectIgnoresAbandonedQueue(t *testing.T) {
	stuck := newFakeConn()
	stuck.block = make(chan struct{})
	var dials atomic.Int32

	client, err := NewClient(ClientConfig{
		Transports: []Transport{
			fakeTransport{name: TransportWebSocket, dial: func(context.Context) (Conn, error) {
				if dials.Add(1) == 1 {
					return stuck, nil
				}
				return newFakeConn(), nil
			}},
		},
		ReconnectInterval: 20 * time.Millisecond,
		SendBuffer:        8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client.Connect(ctx, alice, nil)
	require.NoError(t, client.WaitConnected(ctx))
	for i := 0; i < 4; i++ {
		client.Send([]models.Identity{bob}, "stuck", int64(i))
	}
	// One envelope is mid-write, the rest are still queued.
	require.Eventually(t, func() bool { return stuck.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	client.Connect(ctx, alice, nil)
	require.NoError(t, client.WaitConnected(ctx))

	flushCtx, flushCancel := context.WithTimeout(ctx, time.Second)
	defer flushCancel()
	require.NoError(t, client.Flush(flushCtx))
}

func TestFlushSettlesWhileSendsRaceReconnects(t *testing.T) {
	client, err := NewClient(ClientConfig{
		Transports: []Transport{
			fakeTransport{name: TransportWebSocket, dial: func(context.Context) (Conn, error) {
				return newFakeConn(), nil
			}},
		},
		ReconnectInterval: 10 * time.Millisecond,
		SendBuffer:        4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client.Connect(ctx, alice, nil)
	require.NoError(t, client.WaitConnected(ctx))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					client.Send([]models.Identity{bob}, "race", 1)
				}
			}
		}()
	}
	for i := 0; i < 25; i++ {
		client.Connect(ctx, alice, nil)
	}
	close(stop)
	wg.Wait()

	require.NoError(t, client.Flush(ctx))
}

func TestConnectInstallsHandlerBeforeFirstEvent(t *testing.T) {
	conn := newFakeConn()
	conn.push(t, "waiting")

	client, err := NewClient(ClientConfig{
		Transports: []Transport{
			fakeTransport{name: TransportWebSocket, dial: func(context.Context) (Conn, error) {
				return conn, nil
			}},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var inbox collector
	client.Connect(context.Background(), bob, inbox.handle)

	require.Eventually(t, func() bool { return len(inbox.payloads()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "waiting", inbox.payloads()[0].Text)
}
