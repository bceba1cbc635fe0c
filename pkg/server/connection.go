package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tecu23/session-server/pkg/events"
	"github.com/tecu23/session-server/pkg/messages"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer  = 256
	watchBuffer = 64
)

type Connection struct {
	ID       uuid.UUID
	PlayerID string // the actor identity used for every session operation

	ws   *websocket.Conn // The underlying Websocket connection
	hub  *Hub
	send chan []byte // Buffered channel of outbound messages.

	watchMu sync.Mutex
	watches map[string]*events.Subscription

	done      chan struct{}
	closeOnce sync.Once

	publisher *events.Publisher
	logger    *zap.Logger
}

// NewConnection wraps ws. An empty playerID makes the connection id the
// player identity.
func NewConnection(
	ws *websocket.Conn,
	hub *Hub,
	publisher *events.Publisher,
	playerID string,
	logger *zap.Logger,
) *Connection {
	id := uuid.New()
	if playerID == "" {
		playerID = id.String()
	}

	return &Connection{
		ID:        id,
		PlayerID:  playerID,
		ws:        ws,
		hub:       hub,
		send:      make(chan []byte, sendBuffer), // buffered for outgoing messages
		watches:   make(map[string]*events.Subscription),
		done:      make(chan struct{}),
		publisher: publisher,
		logger:    logger.With(zap.String("connection_id", id.String()), zap.String("player_id", playerID)),
	}
}

// ReadPump handles inbound messages from the client. Messages of one
// connection are dispatched in order; connections run independently.
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			break
		}

		// We only handle text
		if msgType != websocket.TextMessage {
			continue
		}

		var inbound messages.InboundMessage
		if err := json.Unmarshal(msg, &inbound); err != nil {
			c.logger.Debug("Failed to parse inbound JSON", zap.Error(err))
			c.SendJSON(messages.NewError("", badRequest("message is not valid JSON")))
			continue
		}

		c.hub.Dispatch(c, inbound)
	}
}

// WritePump handles outbound messages to the client
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write error", zap.Error(err))
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// SendJSON is a helper for sending JSON to this connection. A client that
// stops reading is disconnected rather than allowed to block the sender.
func (c *Connection) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Error marshaling JSON", zap.Error(err))
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("Send buffer full, closing connection")
		c.Close()
	}
}

// Watch forwards the events of a session to the client. Watching twice is
// a no-op.
func (c *Connection) Watch(sessionID string) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	if _, ok := c.watches[sessionID]; ok {
		return
	}

	sub := c.publisher.Watch(sessionID, watchBuffer)
	c.watches[sessionID] = sub

	go c.forward(sub)
}

// Watching reports whether the client watches sessionID.
func (c *Connection) Watching(sessionID string) bool {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	_, ok := c.watches[sessionID]
	return ok
}

// Unwatch stops forwarding a session's events.
func (c *Connection) Unwatch(sessionID string) {
	c.watchMu.Lock()
	sub, ok := c.watches[sessionID]
	delete(c.watches, sessionID)
	c.watchMu.Unlock()

	if ok {
		sub.Close()
	}
}

func (c *Connection) forward(sub *events.Subscription) {
	for ev := range sub.Events() {
		msg, ok := messages.FromEvent(ev)
		if !ok {
			continue
		}
		c.SendJSON(msg)

		if ev.Type == events.EventSessionEvicted {
			c.Unwatch(sub.SessionID())
		}
	}

	if sub.Dropped() {
		c.logger.Warn("Watcher fell behind and was dropped", zap.String("session_id", sub.SessionID()))

		c.watchMu.Lock()
		if c.watches[sub.SessionID()] == sub {
			delete(c.watches, sub.SessionID())
		}
		c.watchMu.Unlock()
	}
}

// Close releases the connection's watches and stops its pumps. It is safe
// to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.watchMu.Lock()
		close(c.done)
		subs := c.watches
		c.watches = make(map[string]*events.Subscription)
		c.watchMu.Unlock()

		for _, sub := range subs {
			sub.Close()
		}

		_ = c.ws.Close()

		// Publish connection closed event
		c.publisher.Publish(events.Event{
			Type: events.EventConnectionClosed,
			Payload: map[string]string{
				"connection_id": c.ID.String(),
				"actor":         c.PlayerID,
			},
		})
	})
}
