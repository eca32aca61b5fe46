// Package wsfeed streams registry events to websocket clients.
//
// Clients connect with an optional filter in the query string:
//
//	/ws?event=connected,disconnected&device_type=robot&identifier=sim-1
//
// Each list is comma separated; an absent parameter matches everything.
// Clients may send {"type":"ping","id":"x"} and receive a pong.
package wsfeed

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Zereker/communicator/observer"
)

// Message types.
const (
	TypeEvent = "event"
	TypePing  = "ping"
	TypePong  = "pong"
	TypeError = "error"
)

const (
	sendBufferSize      = 256
	maxMessageSize      = 4096
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// Message is the envelope of everything written to a client.
type Message struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Logger is the subset of slog.Logger the hub uses.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type options struct {
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// Option configures a Hub.
type Option func(*options)

// PingIntervalOption sets how often clients are pinged.
func PingIntervalOption(d time.Duration) Option {
	return func(o *options) {
		o.pingInterval = d
	}
}

// PongTimeoutOption sets how long a client may stay silent after a ping.
func PongTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.pongTimeout = d
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub tracks websocket clients and broadcasts events to them. It is both an
// observer.Sink and the http.Handler that upgrades clients.
type Hub struct {
	logger Logger
	opts   options

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

var (
	_ observer.Sink = (*Hub)(nil)
	_ http.Handler  = (*Hub)(nil)
)

// NewHub creates an empty hub.
func NewHub(logger Logger, opts ...Option) *Hub {
	o := options{pingInterval: defaultPingInterval, pongTimeout: defaultPongTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Hub{
		logger:  logger,
		opts:    o,
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		filter: parseFilter(r),
	}
	if !h.register(c) {
		conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("websocket client connected", "clients", len(h.clients))
	return true
}

// unregister closes c.send exactly once; broadcasts hold the read lock.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("websocket client disconnected", "clients", len(h.clients))
}

// HandleEvent broadcasts e to every client whose filter matches. Slow
// clients whose buffer is full miss the event.
func (h *Hub) HandleEvent(e observer.Event) {
	data, err := json.Marshal(Message{
		Type:      TypeEvent,
		EventType: e.Kind,
		Timestamp: e.At.UTC().Format(time.RFC3339Nano),
		Payload:   e,
	})
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.filter.match(e) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket client too slow, dropping event", "event", e.Kind)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

type filter struct {
	events      map[string]struct{}
	deviceTypes map[string]struct{}
	identifiers map[string]struct{}
}

func parseFilter(r *http.Request) filter {
	q := r.URL.Query()
	return filter{
		events:      set(q.Get("event")),
		deviceTypes: set(q.Get("device_type")),
		identifiers: set(q.Get("identifier")),
	}
}

func set(list string) map[string]struct{} {
	var out map[string]struct{}
	for _, v := range strings.Split(list, ",") {
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		if out == nil {
			out = make(map[string]struct{})
		}
		out[v] = struct{}{}
	}
	return out
}

func (f filter) match(e observer.Event) bool {
	return in(f.events, e.Kind) && in(f.deviceTypes, e.DeviceType) && in(f.identifiers, e.Identifier)
}

func in(s map[string]struct{}, v string) bool {
	if s == nil {
		return true
	}
	_, ok := s[v]
	return ok
}
