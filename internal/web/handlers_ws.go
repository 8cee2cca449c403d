package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"wol-go-home/internal/registry"
)

// EventSnapshot is the first message on every connection. Its data holds
// the full device map.
const EventSnapshot = "snapshot"

const (
	wsSendBuffer   = 64
	wsBroadcastBuf = 256
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

// wsMessage is the JSON frame written to clients.
type wsMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
	Time time.Time      `json:"time"`
}

// WSHub fans registry events out to WebSocket clients. All client
// bookkeeping happens on the Run goroutine.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	// snapshot, when set, builds the first frame for a newly registered
	// client. It runs on the Run goroutine, so every broadcast handled
	// afterwards reaches the client after it.
	snapshot func() ([]byte, error)

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan registry.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan registry.Event, wsBroadcastBuf),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.sendSnapshot(c)
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", n)

		case ev := <-h.broadcast:
			data, err := encodeWSMessage(ev.Type, ev.Data)
			if err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.drop(c)
					h.logger.Warn("ws client evicted (too slow)")
				}
			}
			h.mu.Unlock()
		}
	}
}

// sendSnapshot queues the snapshot frame on a client the hub has not
// published to yet.
func (h *WSHub) sendSnapshot(c *wsClient) {
	if h.snapshot == nil {
		return
	}
	snap, err := h.snapshot()
	if err != nil {
		h.logger.Warn("ws snapshot", "err", err)
		return
	}
	select {
	case c.send <- snap:
	default:
		h.logger.Warn("ws snapshot dropped, send buffer full")
	}
}

// drop removes c and closes its send channel. h.mu must be held.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for every client, dropping it if the queue is
// full. It has the shape of a registry.EventHandler.
func (h *WSHub) Broadcast(ev registry.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", ev.Type)
	}
}

func encodeWSMessage(typ string, data map[string]any) ([]byte, error) {
	return json.Marshal(wsMessage{Type: typ, Data: data, Time: time.Now().UTC()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Without allowed origins nhooyr enforces same-origin.
	opts := &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) snapshot() ([]byte, error) {
	devices, err := s.reg.ListDevices()
	if err != nil {
		return nil, err
	}
	data := make(map[string]any, len(devices))
	for name, dev := range devices {
		data[name] = dev
	}
	return encodeWSMessage(EventSnapshot, data)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump discards client frames and unregisters the client when the
// connection ends.
func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
