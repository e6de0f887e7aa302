// Package channel keeps a live event connection to the relay for the local
// identity and hands inbound receive-message events to a single handler.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tOgg1/pigeon/internal/models"
)

var (
	// ErrConnClosed is returned by Conn operations after Close.
	ErrConnClosed = errors.New("channel connection closed")
	// ErrSendBufferFull is returned when an outbound frame cannot be queued.
	ErrSendBufferFull = errors.New("channel send buffer full")
	// ErrNoTransports is returned when a client is built without transports.
	ErrNoTransports = errors.New("no channel transports configured")
)

// Transport opens connections to the relay.
type Transport interface {
	// Name identifies the transport in logs and status.
	Name() string
	// Dial opens a connection parameterised by the local identity.
	Dial(ctx context.Context, identity models.Identity) (Conn, error)
}

// Conn is one established relay connection.
type Conn interface {
	// Send queues an envelope for the relay.
	Send(ctx context.Context, env models.Envelope) error
	// Receive blocks until the next inbound envelope or a connection error.
	Receive(ctx context.Context) (models.Envelope, error)
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// endpoint resolves path against the relay base URL and attaches the identity.
func endpoint(base, path string, identity models.Identity, extra url.Values) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("relay url %q must be absolute", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	query := url.Values{}
	for k, v := range extra {
		query[k] = v
	}
	query.Set("id", identity.String())
	u.RawQuery = query.Encode()
	return u, nil
}
