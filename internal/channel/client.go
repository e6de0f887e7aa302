package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/pigeon/internal/config"
	"github.com/tOgg1/pigeon/internal/events"
	"github.com/tOgg1/pigeon/internal/logging"
	"github.com/tOgg1/pigeon/internal/models"
)

const defaultReconnectInterval = 2 * time.Second

// Handler receives inbound receive-message payloads.
type Handler func(models.ReceiveMessagePayload)

// Status describes the current connection.
type Status struct {
	Identity  models.Identity
	Transport string
	Connected bool
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Transports in fallback order. The first is the primary.
	Transports        []Transport
	ReconnectInterval time.Duration
	// SendBuffer is the outbound queue depth.
	SendBuffer int
	Publisher  events.Publisher
}

// Client owns at most one relay connection, tied to the local identity.
//
// Connection loss is never surfaced to callers. Events in flight while
// disconnected are lost; nothing is buffered or replayed.
type Client struct {
	transports        []Transport
	reconnectInterval time.Duration
	sendBuffer        int
	publisher         events.Publisher
	logger            zerolog.Logger

	mu       sync.Mutex
	handler  Handler
	identity models.Identity
	status   Status
	outbox   *outbox
	cancel   context.CancelFunc
	closed   bool

	// Serialises Connect and Close.
	connectMu sync.Mutex
	wg        sync.WaitGroup
}

// outbox is the send queue of one connection loop. pending counts
// envelopes queued or being written, so a queue abandoned by Connect never
// holds up Flush on its successor.
type outbox struct {
	ch      chan models.Envelope
	pending atomic.Int64
}

// NewClient builds an idle client. Call Connect to start a connection.
func NewClient(cfg ClientConfig) (*Client, error) {
	if len(cfg.Transports) == 0 {
		return nil, ErrNoTransports
	}
	interval := cfg.ReconnectInterval
	if interval <= 0 {
		interval = defaultReconnectInterval
	}
	return &Client{
		transports:        append([]Transport(nil), cfg.Transports...),
		reconnectInterval: interval,
		sendBuffer:        cfg.SendBuffer,
		publisher:         cfg.Publisher,
		logger:            logging.Component("channel"),
	}, nil
}

// NewClientFromConfig builds the transports named in cfg.Transports.
func NewClientFromConfig(cfg config.ChannelConfig, publisher events.Publisher) (*Client, error) {
	var transports []Transport
	for _, name := range cfg.Transports {
		switch name {
		case config.TransportWebSocket:
			transports = append(transports, NewWebSocketTransport(WebSocketConfig{
				URL:          cfg.URL,
				DialTimeout:  cfg.DialTimeout,
				PingInterval: cfg.PingInterval,
				SendBuffer:   cfg.SendBuffer,
			}))
		case config.TransportPolling:
			transports = append(transports, NewPollingTransport(PollingConfig{
				URL:          cfg.URL,
				DialTimeout:  cfg.DialTimeout,
				PollInterval: cfg.PollInterval,
			}))
		}
	}
	logger := logging.Component("channel")
	logger.Debug().
		Str("url", logging.RedactURL(cfg.URL)).
		Strs("transports", cfg.Transports).
		Msg("channel configured")
	return NewClient(ClientConfig{
		Transports:        transports,
		ReconnectInterval: cfg.ReconnectInterval,
		SendBuffer:        cfg.SendBuffer,
		Publisher:         publisher,
	})
}

// Connect tears down the current connection, replaces the current handler
// with handler (which may be nil) and, when identity is non-empty, starts
// connecting as identity. When Connect returns the previous handler will
// not be invoked again, and handler is in place before the first event
// can arrive.
//
// Connect must not be called from inside a Handler.
func (c *Client) Connect(ctx context.Context, identity models.Identity, handler Handler) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.stop()

	c.mu.Lock()
	c.handler = handler
	c.identity = identity
	c.status = Status{Identity: identity}
	if identity.IsEmpty() || c.closed {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	queue := &outbox{ch: make(chan models.Envelope, c.bufferSize())}
	c.cancel = cancel
	c.outbox = queue
	c.mu.Unlock()

	logger := logging.WithIdentity(c.logger, identity.String())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx, identity, queue, logger)
	}()
}

// Close stops the connection permanently.
func (c *Client) Close() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.stop()
	c.mu.Lock()
	c.closed = true
	c.handler = nil
	c.status = Status{}
	c.mu.Unlock()
	return nil
}

// stop cancels the running loop and waits for it to exit.
func (c *Client) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.outbox = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// OnReceive installs the single inbound handler, replacing any previous one.
// Handlers run one at a time on the connection goroutine, in arrival order.
func (c *Client) OnReceive(handler Handler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Send emits a send-message event. Delivery is best effort: the event is
// dropped when there is no live connection or the outbound queue is full.
func (c *Client) Send(recipients []models.Identity, text string, timestamp int64) {
	env, err := models.NewSendEnvelope(models.SendMessagePayload{
		Recipients: recipients,
		Text:       text,
		Timestamp:  timestamp,
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("drop send: encode failed")
		return
	}

	c.mu.Lock()
	queue := c.outbox
	connected := c.status.Connected
	c.mu.Unlock()

	if queue == nil || !connected {
		c.logger.Debug().Msg("drop send: not connected")
		return
	}
	queue.pending.Add(1)
	select {
	case queue.ch <- env:
	default:
		queue.pending.Add(-1)
		c.logger.Debug().Msg("drop send: outbound queue full")
	}
}

// WaitConnected blocks until a connection is up or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.waitFor(ctx, func() bool { return c.Status().Connected })
}

// Flush blocks until every envelope queued on the current connection loop
// has been handed to the connection, or ctx ends. It does not wait for
// relay acknowledgement.
func (c *Client) Flush(ctx context.Context) error {
	return c.waitFor(ctx, func() bool {
		c.mu.Lock()
		queue := c.outbox
		c.mu.Unlock()
		return queue == nil || queue.pending.Load() <= 0
	})
}

func (c *Client) waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Status returns a snapshot of the connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) bufferSize() int {
	if c.sendBuffer > 0 {
		return c.sendBuffer
	}
	return defaultSendBuffer
}

func (c *Client) run(ctx context.Context, identity models.Identity, queue *outbox, logger zerolog.Logger) {
	for {
		conn, idx, err := c.dial(ctx, identity, len(c.transports))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Dur("retry_in", c.reconnectInterval).Msg("relay unreachable")
			if sleepWithContext(ctx, c.reconnectInterval) != nil {
				return
			}
			continue
		}

		err = c.serve(ctx, conn, idx, identity, queue, logger)
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Dur("retry_in", c.reconnectInterval).Msg("relay connection lost")
		if sleepWithContext(ctx, c.reconnectInterval) != nil {
			return
		}
	}
}

// dial tries transports[0:limit] in order and returns the first that connects.
func (c *Client) dial(ctx context.Context, identity models.Identity, limit int) (Conn, int, error) {
	var errs []error
	for i := 0; i < limit; i++ {
		transport := c.transports[i]
		conn, err := transport.Dial(ctx, identity)
		if err == nil {
			return conn, i, nil
		}
		c.logger.Debug().Err(err).Str("transport", transport.Name()).Msg("dial failed")
		errs = append(errs, err)
		if ctx.Err() != nil {
			return nil, -1, ctx.Err()
		}
	}
	return nil, -1, errors.Join(errs...)
}

type inbound struct {
	env models.Envelope
	err error
}

type dialResult struct {
	conn Conn
	idx  int
	err  error
}

// serve pumps one connection until it fails or ctx ends. While on a
// fallback transport it redials the preferred transports every reconnect
// interval, keeps serving the fallback while that dial is in flight, and
// switches over as soon as one connects.
func (c *Client) serve(ctx context.Context, conn Conn, idx int, identity models.Identity, queue *outbox, logger zerolog.Logger) error {
	var retry <-chan time.Time
	if idx > 0 {
		ticker := time.NewTicker(c.reconnectInterval)
		defer ticker.Stop()
		retry = ticker.C
	}
	retryCtx, cancelRetry := context.WithCancel(ctx)
	retried := make(chan dialResult, 1)
	retrying := false

	current := c.startReader(ctx, conn)
	defer func() {
		cancelRetry()
		if retrying {
			if res := <-retried; res.conn != nil {
				_ = res.conn.Close()
			}
		}
		current.stop()
		c.setConnected(ctx, identity, "", false)
	}()
	c.setConnected(ctx, identity, c.transports[idx].Name(), true)
	logger.Info().Str("transport", c.transports[idx].Name()).Msg("relay connected")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env := <-queue.ch:
			if err := current.conn.Send(ctx, env); err != nil {
				logger.Debug().Err(err).Msg("drop send: write failed")
			}
			queue.pending.Add(-1)

		case in := <-current.recv:
			if in.err != nil {
				return in.err
			}
			c.dispatch(in.env, logger)

		case <-retry:
			if retrying {
				continue
			}
			retrying = true
			limit := idx
			go func() {
				next, nextIdx, err := c.dial(retryCtx, identity, limit)
				retried <- dialResult{conn: next, idx: nextIdx, err: err}
			}()

		case res := <-retried:
			retrying = false
			if res.err != nil {
				continue
			}
			logger.Info().
				Str("from", c.transports[idx].Name()).
				Str("to", c.transports[res.idx].Name()).
				Msg("switching relay transport")
			next := c.startReader(ctx, res.conn)
			// Events the old connection already accepted are dispatched
			// before any from the new one.
			current.retire(func(env models.Envelope) { c.dispatch(env, logger) })
			current, idx = next, res.idx
			c.setConnected(ctx, identity, c.transports[idx].Name(), true)
			if idx == 0 {
				retry = nil
			}
		}
	}
}

// reader runs conn.Receive on its own goroutine and feeds recv, which is
// closed when the goroutine exits.
type reader struct {
	conn Conn
	recv chan inbound
	done chan struct{}
	once sync.Once
}

func (c *Client) startReader(ctx context.Context, conn Conn) *reader {
	r := &reader{conn: conn, recv: make(chan inbound), done: make(chan struct{})}
	go func() {
		defer close(r.recv)
		for {
			env, err := conn.Receive(ctx)
			select {
			case r.recv <- inbound{env: env, err: err}:
			case <-r.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return r
}

// stop closes the connection and discards anything still unread.
func (r *reader) stop() {
	r.once.Do(func() {
		close(r.done)
		_ = r.conn.Close()
		for range r.recv {
		}
	})
}

// retire closes the connection and hands every envelope it still yields,
// including ones it had buffered, to dispatch.
func (r *reader) retire(dispatch func(models.Envelope)) {
	r.once.Do(func() {
		_ = r.conn.Close()
		for in := range r.recv {
			if in.err == nil {
				dispatch(in.env)
			}
		}
	})
}

func (c *Client) dispatch(env models.Envelope, logger zerolog.Logger) {
	if env.Event != models.EventReceiveMessage {
		logger.Debug().Str("event", env.Event).Msg("ignoring relay event")
		return
	}
	payload, err := env.DecodeReceive()
	if err != nil {
		logger.Warn().Err(err).Msg("dropping malformed receive-message")
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		logger.Debug().Msg("no receive handler registered")
		return
	}
	handler(payload)
}

func (c *Client) setConnected(ctx context.Context, identity models.Identity, transport string, connected bool) {
	c.mu.Lock()
	prev := c.status
	if c.identity == identity {
		c.status = Status{Identity: identity, Transport: transport, Connected: connected}
	}
	c.mu.Unlock()

	if c.publisher == nil || (prev.Connected == connected && prev.Transport == transport) {
		return
	}
	eventType := models.EventTypeChannelDisconnected
	if connected {
		eventType = models.EventTypeChannelConnected
	}
	c.publisher.Publish(context.WithoutCancel(ctx), events.New(eventType, models.EntityTypeChannel, identity.String(), map[string]string{
		"transport": transport,
	}))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
