package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/posdesk/posdesk/internal/snapshot"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 50 * time.Second
)

// StreamHandler pushes each published snapshot to websocket clients. Every
// client gets its own bounded subscription; a slow client loses old
// snapshots, never the newest, and never stalls the publisher.
type StreamHandler struct {
	publisher *snapshot.Publisher
	metrics   *MetricsRegistry
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	cancel map[*websocket.Conn]context.CancelFunc
}

// NewStreamHandler wires the websocket fan-out endpoint.
func NewStreamHandler(publisher *snapshot.Publisher, metrics *MetricsRegistry) *StreamHandler {
	return &StreamHandler{
		publisher: publisher,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
			},
		},
		cancel: make(map[*websocket.Conn]context.CancelFunc),
	}
}

// Serve handles GET /stream. The first frame is the latest snapshot, so a
// reconnecting client resumes from current state without replay.
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	h.track(conn, cancel)

	sub := h.publisher.Subscribe()
	if h.metrics != nil {
		h.metrics.StreamSubscribers.Inc()
	}
	log.Debug().Str("remote", r.RemoteAddr).Msg("stream client connected")

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, sub)

	sub.Close()
	h.untrack(conn)
	conn.Close()
	if h.metrics != nil {
		h.metrics.StreamSubscribers.Dec()
	}
	log.Debug().Str("remote", r.RemoteAddr).Msg("stream client disconnected")
}

// readPump discards inbound frames and surfaces disconnects. The stream is
// one-way; clients only listen.
func (h *StreamHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHandler) writePump(ctx context.Context, conn *websocket.Conn, sub *snapshot.Subscription) {
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) track(conn *websocket.Conn, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel[conn] = cancel
}

func (h *StreamHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cancel, conn)
}

// Close disconnects all stream clients, used during server shutdown.
func (h *StreamHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, cancel := range h.cancel {
		cancel()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(streamWriteWait))
	}
}
