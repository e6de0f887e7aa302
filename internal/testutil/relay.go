package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/tOgg1/pigeon/internal/models"
)

// Emitted is a send-message event the relay accepted.
type Emitted struct {
	Sender    models.Identity
	Transport string
	Payload   models.SendMessagePayload
}

// Relay is an in-process relay speaking both channel transports. Each
// send-message is fanned out as receive-message to every recipient, with
// the recipient swapped for the sender in the recipient list.
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu             sync.Mutex
	socketsEnabled bool
	sockets        map[models.Identity]*relaySocket
	logs           map[models.Identity][]models.Envelope
	emitted        []Emitted
}

type relaySocket struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *relaySocket) write(env models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(env)
}

// NewRelay starts a relay that is closed when the test ends.
func NewRelay(t *testing.T) *Relay {
	t.Helper()
	SkipIfNoNetwork(t)

	r := &Relay{
		socketsEnabled: true,
		sockets:        make(map[models.Identity]*relaySocket),
		logs:           make(map[models.Identity][]models.Envelope),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/socket", r.handleSocket)
	mux.HandleFunc("/poll", r.handlePoll)
	mux.HandleFunc("/emit", r.handleEmit)
	r.server = httptest.NewServer(mux)
	t.Cleanup(r.Close)
	return r
}

// URL is the relay base URL.
func (r *Relay) URL() string { return r.server.URL }

// Close stops the relay.
func (r *Relay) Close() {
	r.mu.Lock()
	for id, sock := range r.sockets {
		_ = sock.ws.Close()
		delete(r.sockets, id)
	}
	r.mu.Unlock()
	r.server.Close()
}

// SetSocketsEnabled toggles the websocket endpoint. Disabling it drops
// every open socket and answers new upgrades with 404.
func (r *Relay) SetSocketsEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.socketsEnabled = enabled
	if enabled {
		return
	}
	for id, sock := range r.sockets {
		_ = sock.ws.Close()
		delete(r.sockets, id)
	}
}

// SocketConnected reports whether id holds an open websocket.
func (r *Relay) SocketConnected(id models.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sockets[id]
	return ok
}

// Emitted returns accepted send-message events in arrival order.
func (r *Relay) Emitted() []Emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Emitted(nil), r.emitted...)
}

// Deliver pushes a receive-message to one identity.
func (r *Relay) Deliver(to models.Identity, payload models.ReceiveMessagePayload) {
	env, err := models.NewReceiveEnvelope(payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.logs[to] = append(r.logs[to], env)
	sock := r.sockets[to]
	r.mu.Unlock()

	if sock != nil {
		_ = sock.write(env)
	}
}

func (r *Relay) route(sender models.Identity, transport string, env models.Envelope) {
	payload, err := env.DecodeSend()
	if err != nil {
		return
	}
	r.mu.Lock()
	r.emitted = append(r.emitted, Emitted{Sender: sender, Transport: transport, Payload: payload})
	r.mu.Unlock()

	for _, to := range payload.Recipients {
		recipients := []models.Identity{sender}
		for _, other := range payload.Recipients {
			if other != to {
				recipients = append(recipients, other)
			}
		}
		r.Deliver(to, models.ReceiveMessagePayload{
			Recipients: recipients,
			Text:       payload.Text,
			Timestamp:  payload.Timestamp,
			Sender:     sender,
		})
	}
}

func (r *Relay) handleSocket(w http.ResponseWriter, req *http.Request) {
	id := models.Identity(req.URL.Query().Get("id"))
	r.mu.Lock()
	enabled := r.socketsEnabled
	r.mu.Unlock()
	if !enabled || id.IsEmpty() {
		http.NotFound(w, req)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	sock := &relaySocket{ws: ws}
	r.mu.Lock()
	r.sockets[id] = sock
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.sockets[id] == sock {
			delete(r.sockets, id)
		}
		r.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var env models.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		r.route(id, "websocket", env)
	}
}

type pollBody struct {
	Cursor int64             `json:"cursor"`
	Events []models.Envelope `json:"events"`
}

func (r *Relay) handlePoll(w http.ResponseWriter, req *http.Request) {
	id := models.Identity(req.URL.Query().Get("id"))
	if id.IsEmpty() {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	log := r.logs[id]
	head := int64(len(log))
	body := pollBody{Cursor: head, Events: []models.Envelope{}}
	if raw := req.URL.Query().Get("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor < 0 || cursor > head {
			r.mu.Unlock()
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
		body.Events = append(body.Events, log[cursor:]...)
	}
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (r *Relay) handleEmit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := models.Identity(req.URL.Query().Get("id"))
	if id.IsEmpty() {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	var env models.Envelope
	if err := json.NewDecoder(req.Body).Decode(&env); err != nil {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}
	r.route(id, "polling", env)
	w.WriteHeader(http.StatusAccepted)
}
