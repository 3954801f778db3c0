package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedMessage 推送给运营控制台的执行记录
type FeedMessage struct {
	Type      string          `json:"type"`
	TenantID  string          `json:"tenant_id"`
	Data      ExecutionRecord `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type feedClient struct {
	id       string
	tenantID string
	conn     *websocket.Conn
	send     chan FeedMessage
	feed     *ExecutionFeed
}

// ExecutionFeed streams execution records to websocket clients of the same
// tenant. Slow clients are dropped rather than slowing down the engine.
type ExecutionFeed struct {
	clients    map[string]*feedClient
	broadcast  chan FeedMessage
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *logrus.Logger
}

func NewExecutionFeed(logger *logrus.Logger) *ExecutionFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionFeed{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan FeedMessage, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // CORS 由中间件处理
		},
		logger: logger,
	}
}

// ErrFeedClosed is returned by ServeWS once Run has stopped.
var ErrFeedClosed = errors.New("execution feed closed")

// Run dispatches messages until ctx is cancelled.
func (h *ExecutionFeed) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c.id] = c
			h.mutex.Unlock()
			h.logger.Debugf("feed: client %s connected (tenant %s)", c.id, c.tenantID)

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mutex.Unlock()

		case msg := <-h.broadcast:
			h.mutex.Lock()
			for id, c := range h.clients {
				if c.tenantID != msg.TenantID {
					continue
				}
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Publish enqueues rec for its tenant's clients; it never blocks.
func (h *ExecutionFeed) Publish(rec ExecutionRecord) {
	msg := FeedMessage{Type: "execution", TenantID: rec.TenantID, Data: rec, Timestamp: time.Now().UTC()}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("feed: broadcast buffer full, dropping execution update")
	}
}

func (h *ExecutionFeed) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams records of tenantID.
func (h *ExecutionFeed) ServeWS(w http.ResponseWriter, r *http.Request, tenantID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &feedClient{
		id:       uuid.NewString(),
		tenantID: tenantID,
		conn:     conn,
		send:     make(chan FeedMessage, 64),
		feed:     h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return ErrFeedClosed
	}
	go c.writePump()
	go c.readPump()
	return nil
}

// readPump only exists to notice the client going away.
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.feed.unregister <- c:
		case <-c.feed.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.feed.logger.Warnf("feed: websocket error: %v", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
