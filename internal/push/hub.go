// Package push keeps the live websocket clients of each user and writes
// notification payloads to them.
package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"scanhub/internal/logger"
	"scanhub/internal/ports"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
)

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.closed) })
}

// Hub is the in-process Pusher. Pushing to a user without clients is a
// silent no-op; a client whose buffer is full is dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*client]struct{}
	origins []string
	log     logger.Logger
}

var _ ports.Pusher = (*Hub)(nil)

// NewHub accepts websocket upgrades from the given origin patterns. An empty
// list only allows same-origin requests.
func NewHub(log logger.Logger, origins ...string) *Hub {
	return &Hub{
		clients: make(map[int64]map[*client]struct{}),
		origins: origins,
		log:     log,
	}
}

func (h *Hub) register(userID int64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(userID int64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, userID)
		}
	}
	c.close()
}

// Clients returns how many connections a user has open.
func (h *Hub) Clients(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) Push(_ context.Context, userID int64, payload []byte) error {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients[userID] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow push client", logger.Int64("user_id", userID))
		h.unregister(userID, c)
	}
	return nil
}

// Serve upgrades the request and streams pushes for userID until either side
// goes away. Messages sent by the client are discarded.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Warn("websocket upgrade failed", logger.Int64("user_id", userID), logger.Error(err))
		return
	}
	defer conn.CloseNow()

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), closed: make(chan struct{})}
	h.register(userID, c)
	defer h.unregister(userID, c)
	h.log.Debug("push client connected", logger.Int64("user_id", userID))

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			_ = conn.Close(websocket.StatusTryAgainLater, "client too slow")
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.log.Debug("push write failed", logger.Int64("user_id", userID), logger.Error(err))
				return
			}
		}
	}
}
