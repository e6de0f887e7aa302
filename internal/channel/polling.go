package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tOgg1/pigeon/internal/models"
)

const (
	// TransportPolling names the HTTP polling fallback.
	TransportPolling = "polling"

	defaultPollInterval = time.Second
	maxPollBody         = 4 << 20
)

// PollingConfig configures the polling transport.
type PollingConfig struct {
	URL          string
	DialTimeout  time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// PollingTransport exchanges envelopes through GET {url}/poll and
// POST {url}/emit, both carrying ?id=<identity>.
type PollingTransport struct {
	cfg PollingConfig
}

// NewPollingTransport applies defaults to cfg.
func NewPollingTransport(cfg PollingConfig) *PollingTransport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.DialTimeout}
	}
	return &PollingTransport{cfg: cfg}
}

func (t *PollingTransport) Name() string { return TransportPolling }

// pollResponse is the body returned by GET /poll.
type pollResponse struct {
	Cursor int64             `json:"cursor"`
	Events []models.Envelope `json:"events"`
}

// Dial performs the handshake poll: without a cursor the relay answers with
// its current head and no events, so nothing from before the connection is
// replayed.
func (t *PollingTransport) Dial(ctx context.Context, identity models.Identity) (Conn, error) {
	connCtx, cancel := context.WithCancel(context.Background())
	conn := &pollConn{
		cfg:      t.cfg,
		identity: identity,
		limiter:  rate.NewLimiter(rate.Every(t.cfg.PollInterval), 1),
		ctx:      connCtx,
		cancel:   cancel,
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer dialCancel()
	resp, err := conn.poll(dialCtx, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("polling handshake: %w", err)
	}
	conn.cursor = resp.Cursor
	// The handshake consumes the limiter's burst.
	conn.limiter.Allow()
	return conn, nil
}

type pollConn struct {
	cfg      PollingConfig
	identity models.Identity
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cursor  int64
	pending []models.Envelope
}

func (c *pollConn) Send(ctx context.Context, env models.Envelope) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}
	u, err := endpoint(c.cfg.URL, "/emit", c.identity, nil)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	reqCtx, cancel := mergeCancel(ctx, c.ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPollBody))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("emit: relay returned %s", resp.Status)
	}
	return nil
}

func (c *pollConn) Receive(ctx context.Context) (models.Envelope, error) {
	reqCtx, cancel := mergeCancel(ctx, c.ctx)
	defer cancel()

	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			env := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return env, nil
		}
		cursor := c.cursor
		c.mu.Unlock()

		if err := c.limiter.Wait(reqCtx); err != nil {
			if c.ctx.Err() != nil {
				return models.Envelope{}, ErrConnClosed
			}
			return models.Envelope{}, err
		}
		resp, err := c.poll(reqCtx, &cursor)
		if err != nil {
			if c.ctx.Err() != nil {
				return models.Envelope{}, ErrConnClosed
			}
			return models.Envelope{}, err
		}

		c.mu.Lock()
		c.cursor = resp.Cursor
		c.pending = append(c.pending, resp.Events...)
		c.mu.Unlock()
	}
}

func (c *pollConn) Close() error {
	c.cancel()
	return nil
}

func (c *pollConn) poll(ctx context.Context, cursor *int64) (pollResponse, error) {
	var extra url.Values
	if cursor != nil {
		extra = url.Values{"cursor": []string{strconv.FormatInt(*cursor, 10)}}
	}
	u, err := endpoint(c.cfg.URL, "/poll", c.identity, extra)
	if err != nil {
		return pollResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return pollResponse{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return pollResponse{}, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPollBody))
		return pollResponse{}, fmt.Errorf("poll: relay returned %s", resp.Status)
	}

	var out pollResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPollBody)).Decode(&out); err != nil {
		return pollResponse{}, fmt.Errorf("poll: decode: %w", err)
	}
	return out, nil
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
