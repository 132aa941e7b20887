// Package push fans state frames out to UI WebSocket clients.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"drone-surveillance-console/shared/logx"
)

const (
	FrameConnection  = "connection"
	FrameAlerts      = "alerts"
	FrameModal       = "modal"
	FramePatrol      = "patrol"
	FrameDrones      = "drones"
	FrameMissions    = "missions"
	FrameNotice      = "notice"
	FrameOfflineMaps = "offline-maps"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type client struct {
	id   string
	send chan []byte
}

// Hub owns the client set. Register, unregister and broadcast are serialised
// through Run; a client whose buffer is full is dropped.
type Hub struct {
	logger   logx.Logger
	upgrader websocket.Upgrader

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	count      atomic.Int64
}

func NewHub(allowedOrigins []string, logger logx.Logger) *Hub {
	h := &Hub{
		logger:     logger.With(slog.String("component", "push")),
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(0)
			return
		case c := <-h.register:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug(ctx, "push_client_registered", "client registered", slog.String("client_id", c.id))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.count.Store(int64(len(h.clients)))
				h.logger.Debug(ctx, "push_client_unregistered", "client unregistered", slog.String("client_id", c.id))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn(ctx, "push_client_dropped", "send buffer full, dropping client", slog.String("client_id", c.id))
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}

func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Broadcast queues a frame for every client. It never blocks the caller.
func (h *Hub) Broadcast(f Frame) {
	msg, err := json.Marshal(f)
	if err != nil {
		h.logger.Error(context.Background(), "push_encode_failed", "failed to encode frame",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
			slog.String("frame", f.Type),
		)
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Warn(context.Background(), "push_backlog_full", "broadcast backlog full, dropping frame", slog.String("frame", f.Type))
	}
}

type ServeOptions struct {
	// Initial frames are written to the new client before any broadcast.
	Initial func() []Frame
	// OnConnect runs after registration; the returned func runs on disconnect.
	OnConnect func(ctx context.Context) func()
}

// ServeWS upgrades the request and pumps frames until either side closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, opts ServeOptions) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "push_upgrade_failed", "websocket upgrade failed",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		return
	}
	c := &client{id: uuid.NewString(), send: make(chan []byte, sendBuffer)}
	if opts.Initial != nil {
		for _, f := range opts.Initial() {
			msg, err := json.Marshal(f)
			if err != nil {
				continue
			}
			c.send <- msg
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	ctx := context.WithoutCancel(r.Context())
	var detach func()
	if opts.OnConnect != nil {
		detach = opts.OnConnect(ctx)
	}

	go h.writePump(conn, c)
	h.readPump(conn)

	select {
	case h.unregister <- c:
	case <-h.done:
	}
	if detach != nil {
		detach()
	}
}

// readPump discards inbound messages; it exists to process control frames
// and notice the peer going away.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(set) == 0 {
			return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
		}
		return set[origin]
	}
}
