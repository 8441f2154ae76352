package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"zigbee2mqtt-assistant/internal/state"
)

// changeNotice tells clients the snapshot moved on. Changed lists devices
// whose record was replaced; Removed lists names no longer present.
type changeNotice struct {
	Type        string         `json:"type"`
	Online      bool           `json:"online"`
	PermitJoin  bool           `json:"permit_join"`
	LogLevel    state.LogLevel `json:"log_level"`
	DeviceCount int            `json:"device_count"`
	Changed     []string       `json:"changed,omitempty"`
	Removed     []string       `json:"removed,omitempty"`
}

func snapshotNotice(b *state.Bridge) changeNotice {
	n := changeNotice{
		Type:        "snapshot",
		Online:      b.Online,
		PermitJoin:  b.PermitJoin,
		LogLevel:    b.LogLevel,
		DeviceCount: b.DeviceCount(),
	}
	for _, d := range b.Devices {
		n.Changed = append(n.Changed, d.FriendlyName)
	}
	return n
}

// changedNotice relies on unchanged devices keeping their pointer across
// snapshots.
func changedNotice(old, new *state.Bridge) changeNotice {
	n := changeNotice{
		Type:        "changed",
		Online:      new.Online,
		PermitJoin:  new.PermitJoin,
		LogLevel:    new.LogLevel,
		DeviceCount: new.DeviceCount(),
	}
	prev := make(map[*state.Device]struct{}, len(old.Devices))
	for _, d := range old.Devices {
		prev[d] = struct{}{}
	}
	names := make(map[string]struct{}, len(new.Devices))
	for _, d := range new.Devices {
		names[d.FriendlyName] = struct{}{}
		if _, ok := prev[d]; !ok {
			n.Changed = append(n.Changed, d.FriendlyName)
		}
	}
	for _, d := range old.Devices {
		if _, ok := names[d.FriendlyName]; !ok {
			n.Removed = append(n.Removed, d.FriendlyName)
		}
	}
	return n
}

// WSHub is the set of connected WebSocket clients. Broadcast never blocks:
// a client whose queue is full is dropped.
type WSHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	stopped bool
}

type wsClient struct {
	send chan []byte
}

// NewWSHub creates an empty hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// add registers c. It reports false once the hub is stopped.
func (h *WSHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debug("ws client disconnected", "total", len(h.clients))
	}
}

// Len returns the number of connected clients.
func (h *WSHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues n for every client.
func (h *WSHub) Broadcast(n changeNotice) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// Stop disconnects every client and refuses new ones. Safe to call more
// than once.
func (h *WSHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := &wsClient{send: make(chan []byte, 64)}
	if data, err := json.Marshal(snapshotNotice(s.store.Read())); err == nil {
		client.send <- data
	}
	if !s.wsHub.add(client) {
		return
	}
	defer s.wsHub.remove(client)

	// Clients only listen. ctx ends when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
