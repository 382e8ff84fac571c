package push

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lavisapp/lavis/faults"
)

// Sink is the producer-side view of the push layer. Components emitting
// progress depend on this, not on the hub, so tests can record events.
type Sink interface {
	// Broadcast sends an event to every active connection.
	Broadcast(event Event)

	// SendByID sends an event to one connection; false when the id is
	// unknown or the connection was evicted by the send.
	SendByID(id string, event Event) bool

	// IsActive reports whether a connection id is live.
	IsActive(id string) bool

	// FirstActive returns any live connection id, for session fallback.
	FirstActive() (string, bool)

	// Count returns the number of live connections.
	Count() int
}

// Socket is the minimal wire surface the hub needs. *websocket.Conn
// satisfies it.
type Socket interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// connection is one attached client: a bounded write queue drained by a
// single writer goroutine, and a reader goroutine for control messages.
type connection struct {
	id         string
	sock       Socket
	queue      chan Event
	subscribed atomic.Bool
	closeOnce  sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.queue)
		_ = c.sock.Close()
	})
}

// controlMessage is what clients send: ping or subscribe.
type controlMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hub keys connections by stable id. Ids are uuids and never reused
// within a process lifetime. A connection is evicted on its first failed
// or refused write.
type Hub struct {
	logger    *zap.Logger
	queueSize int

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewHub creates an empty hub with the given per-connection queue size.
func NewHub(queueSize int, logger *zap.Logger) *Hub {
	if queueSize < 1 {
		queueSize = 64
	}
	return &Hub{
		logger:    logger.Named("push"),
		queueSize: queueSize,
		conns:     make(map[string]*connection),
	}
}

// Attach registers a socket, starts its reader and writer, sends the
// connected event and returns the connection id.
func (h *Hub) Attach(sock Socket) string {
	conn := &connection{
		id:    uuid.NewString(),
		sock:  sock,
		queue: make(chan Event, h.queueSize),
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	go h.writeLoop(conn)
	go h.readLoop(conn)

	h.SendByID(conn.id, Connected(conn.id))
	h.logger.Info("connection attached", zap.String("session", conn.id))
	return conn.id
}

// Detach removes and closes a connection.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()

	if ok {
		conn.close()
		h.logger.Info("connection detached", zap.String("session", id))
	}
}

// Broadcast enqueues an event for every connection. Each connection's
// delivery order is independent; refused writes evict.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for _, conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		h.enqueue(conn, event)
	}
}

// SendByID enqueues an event for one connection. Events submitted to the
// same id arrive in submission order.
func (h *Hub) SendByID(id string, event Event) bool {
	h.mu.RLock()
	conn, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.enqueue(conn, event)
}

// IsActive reports whether a connection id is live.
func (h *Hub) IsActive(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[id]
	return ok
}

// FirstActive returns any live connection id.
func (h *Hub) FirstActive() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range h.conns {
		return id, true
	}
	return "", false
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*connection)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

// enqueue places an event on the connection's queue. A full queue evicts
// the connection: a client that stopped draining is as good as gone.
func (h *Hub) enqueue(conn *connection, event Event) bool {
	defer func() {
		// The writer may have closed the queue concurrently.
		_ = recover()
	}()

	select {
	case conn.queue <- event:
		return true
	default:
		h.logger.Warn("push queue full, evicting connection",
			zap.String("session", conn.id),
			zap.String("event", event.Type),
			zap.String("category", faults.NewPushError(faults.PushQueueFull, conn.id).Category.String()))
		h.Detach(conn.id)
		return false
	}
}

// writeLoop drains one connection's queue. The first failed write evicts
// the connection.
func (h *Hub) writeLoop(conn *connection) {
	for event := range conn.queue {
		if err := conn.sock.WriteJSON(event); err != nil {
			h.logger.Debug("push write failed, evicting connection",
				zap.String("session", conn.id), zap.Error(err))
			h.Detach(conn.id)
			return
		}
	}
}

// readLoop consumes client control messages until the socket errors.
func (h *Hub) readLoop(conn *connection) {
	for {
		var msg controlMessage
		if err := conn.sock.ReadJSON(&msg); err != nil {
			h.Detach(conn.id)
			return
		}
		switch msg.Type {
		case "ping":
			h.SendByID(conn.id, Pong())
		case "subscribe":
			conn.subscribed.Store(true)
			h.logger.Debug("connection subscribed to workflow updates",
				zap.String("session", conn.id))
		}
	}
}
