package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/consts"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans job_updated events out to connected websocket clients. Slow
// clients get dropped rather than backpressure the bus.
type Hub struct {
	*core.BaseComponent

	bus *bus.Bus

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	sub     *bus.Subscription
}

func NewHub(b *bus.Bus) *Hub {
	return &Hub{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_WS_HUB, consts.COMPONENT_BUS),
		bus:           b,
		clients:       make(map[*wsClient]struct{}),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	if h.IsActive() {
		return nil
	}
	if err := h.BaseComponent.Start(ctx); err != nil {
		return err
	}
	h.sub = h.bus.Subscribe(model.TopicJobUpdated, func(ctx context.Context, ev model.Event) error {
		h.broadcast(ev.Payload)
		return nil
	})
	return nil
}

func (h *Hub) Stop(ctx context.Context) error {
	if !h.IsActive() {
		return nil
	}
	if h.sub != nil {
		h.bus.Unsubscribe(h.sub)
	}
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	return h.BaseComponent.Stop(ctx)
}

func (h *Hub) broadcast(payload []byte) {
	msg := make([]byte, len(payload))
	copy(msg, payload)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Client is not draining; cut it loose.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(r.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains control frames and detaches the client on close.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.detach(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) detach(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

// ClientCount reports attached websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
