package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"wuling-go-home/internal/convert"
	"wuling-go-home/internal/coordinator"
)

// EventSnapshot is the type of the first websocket frame.
const EventSnapshot = "snapshot"

const (
	wsEventQueue   = 256
	wsClientQueue  = 64
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

// WSHub fans coordinator events out to websocket clients. Each client may
// narrow the stream to a set of event types.
type WSHub struct {
	logger *slog.Logger
	events chan coordinator.Event

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	stopped bool

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// nil means every event type; guarded by WSHub.mu.
	types map[string]bool
}

// wsSubscribe is the only frame clients send: {"events": ["state_changed"]}.
// An empty list restores the full stream.
type wsSubscribe struct {
	Events []string `json:"events"`
}

// NewWSHub creates a websocket hub. Call Run to start delivery.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger.With("component", "ws"),
		events:  make(chan coordinator.Event, wsEventQueue),
		clients: make(map[*wsClient]struct{}),
		done:    make(chan struct{}),
	}
}

// Run delivers queued events until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// Stop ends Run and closes every client. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues an event without blocking; it is dropped when the queue
// is full.
func (h *WSHub) Broadcast(ev coordinator.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("event queue full, dropping", "type", ev.Type)
	}
}

func (h *WSHub) deliver(ev coordinator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.types != nil && !c.types[ev.Type] {
			continue
		}
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("client evicted, send queue full", "type", ev.Type, "clients", len(h.clients))
		}
	}
}

// attach registers c. It reports false once the hub has stopped.
func (h *WSHub) attach(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("client connected", "clients", len(h.clients))
	return true
}

func (h *WSHub) detach(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("client disconnected", "clients", len(h.clients))
}

func (h *WSHub) filter(c *wsClient, types map[string]bool) {
	h.mu.Lock()
	c.types = types
	h.mu.Unlock()
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *WSHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// eventTypes turns a list of event type names into a filter set. An empty
// list yields nil, which matches everything.
func eventTypes(names []string) map[string]bool {
	var set map[string]bool
	for _, n := range names {
		if n = strings.TrimSpace(n); n == "" {
			continue
		}
		if set == nil {
			set = make(map[string]bool)
		}
		set[n] = true
	}
	return set
}

func snapshotFrame(attrs convert.Attributes) ([]byte, error) {
	return json.Marshal(coordinator.Event{Type: EventSnapshot, Data: attrs})
}

// handleWS streams coordinator events. The first frame is the full attribute
// snapshot. ?events=state_changed,interval_changed narrows the stream.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	snapshot, err := snapshotFrame(s.coord.Snapshot())
	if err != nil {
		s.logger.Error("ws snapshot", "err", err)
		conn.Close(websocket.StatusInternalError, "snapshot")
		return
	}

	c := &wsClient{
		conn:  conn,
		send:  make(chan []byte, wsClientQueue),
		types: eventTypes(strings.Split(r.URL.Query().Get("events"), ",")),
	}
	c.send <- snapshot

	if !s.wsHub.attach(c) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWriteLoop(c)
	s.wsReadLoop(c)
}

func (s *Server) wsWriteLoop(c *wsClient) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadLoop(c *wsClient) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.wsHub.detach(c)

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var sub wsSubscribe
		if err := json.Unmarshal(data, &sub); err != nil {
			s.logger.Debug("ws frame ignored", "err", err)
			continue
		}
		s.wsHub.filter(c, eventTypes(sub.Events))
	}
}
