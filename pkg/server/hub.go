package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tecu23/session-server/pkg/chess"
	"github.com/tecu23/session-server/pkg/game"
	"github.com/tecu23/session-server/pkg/manager"
	"github.com/tecu23/session-server/pkg/messages"
)

// Hub keeps track of all active connections and routes their requests to
// the session manager. There is no central loop: each connection dispatches
// from its own read goroutine, so unrelated games never wait on each other.
type Hub struct {
	mu          sync.RWMutex         // Mutex to protect direct access to the connections map.
	connections map[*Connection]bool // Registered connections

	manager *manager.Manager
	logger  *zap.Logger
}

// NewHub creates a new hub
func NewHub(m *manager.Manager, logger *zap.Logger) *Hub {
	return &Hub{
		connections: make(map[*Connection]bool),
		manager:     m,
		logger:      logger,
	}
}

// Register adds conn and greets it.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn] = true
	count := len(h.connections)
	h.mu.Unlock()

	h.logger.Debug("New connection registered",
		zap.String("connection_id", conn.ID.String()),
		zap.Int("connections", count))

	conn.SendJSON(messages.OutboundMessage{
		Event: messages.EventConnected,
		Payload: messages.ConnectedPayload{
			ConnectionID: conn.ID.String(),
			PlayerID:     conn.PlayerID,
		},
	})
}

// Unregister removes conn.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn]; ok {
		delete(h.connections, conn)
		h.logger.Debug("Connection unregistered",
			zap.String("connection_id", conn.ID.String()),
			zap.Int("connections", len(h.connections)))
	}
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.connections)
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.connections))
	for conn := range h.connections {
		conns = append(conns, conn)
	}
	h.connections = make(map[*Connection]bool)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	h.logger.Info("Hub shut down", zap.Int("connections", len(conns)))
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", game.ErrBadRequest, fmt.Sprintf(format, args...))
}

func decode[T any](msg messages.InboundMessage) (T, error) {
	var payload T
	if len(msg.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return payload, badRequest("invalid %s payload", msg.Type)
	}

	return payload, nil
}

// Dispatch handles one client request. Failures are reported to the
// client as ERROR messages carrying a stable code.
func (h *Hub) Dispatch(conn *Connection, msg messages.InboundMessage) {
	sessionID, err := h.dispatch(conn, msg)
	if err != nil {
		h.logger.Debug("Request failed",
			zap.String("type", msg.Type),
			zap.String("session_id", sessionID),
			zap.String("player_id", conn.PlayerID),
			zap.Error(err))
		conn.SendJSON(messages.NewError(sessionID, err))
	}
}

func (h *Hub) dispatch(conn *Connection, msg messages.InboundMessage) (string, error) {
	switch msg.Type {
	case messages.TypeCreateSession:
		return h.createSession(conn, msg)

	case messages.TypeJoinSession:
		payload, err := decode[messages.JoinSessionPayload](msg)
		if err != nil {
			return "", err
		}
		return payload.SessionID, h.joinSession(conn, payload)

	case messages.TypeMakeMove:
		payload, err := decode[messages.MakeMovePayload](msg)
		if err != nil {
			return "", err
		}
		return payload.SessionID, h.withSession(conn, payload.SessionID, func(s *game.Session) (any, error) {
			return s.ApplyMove(conn.PlayerID, payload.Move)
		})

	case messages.TypeSendChat:
		payload, err := decode[messages.SendChatPayload](msg)
		if err != nil {
			return "", err
		}
		return payload.SessionID, h.withSession(conn, payload.SessionID, func(s *game.Session) (any, error) {
			return s.PostChat(conn.PlayerID, payload.Text)
		})

	case messages.TypeListSessions:
		conn.SendJSON(messages.OutboundMessage{
			Event:   messages.EventSessionList,
			Payload: messages.SessionListPayload{Sessions: h.manager.List()},
		})
		return "", nil
	}

	payload, err := decode[messages.SessionPayload](msg)
	if err != nil {
		return "", err
	}
	id := payload.SessionID

	switch msg.Type {
	case messages.TypeLeaveSession:
		return id, h.manager.Leave(id, conn.PlayerID)

	case messages.TypeUndoMove:
		return id, h.withSession(conn, id, func(s *game.Session) (any, error) {
			snap := s.Snapshot()
			if snap.White != conn.PlayerID && snap.Black != conn.PlayerID {
				return nil, game.ErrInvalidActor
			}
			return s.Undo()
		})

	case messages.TypeResign:
		return id, h.withSession(conn, id, func(s *game.Session) (any, error) {
			return s.Resign(conn.PlayerID)
		})

	case messages.TypeOfferDraw:
		return id, h.withSession(conn, id, func(s *game.Session) (any, error) {
			return nil, s.OfferDraw(conn.PlayerID)
		})

	case messages.TypeAcceptDraw:
		return id, h.withSession(conn, id, func(s *game.Session) (any, error) {
			return s.AcceptDraw(conn.PlayerID)
		})

	case messages.TypeWatchSession:
		s, err := h.manager.Get(id)
		if err != nil {
			return id, err
		}
		conn.Watch(id)
		conn.SendJSON(gameState(messages.TypeWatchSession, s.Snapshot()))
		return id, nil

	case messages.TypeUnwatchSession:
		conn.Unwatch(id)
		return id, nil

	case messages.TypeGetState:
		s, err := h.manager.Get(id)
		if err != nil {
			return id, err
		}
		conn.SendJSON(gameState(messages.TypeGetState, s.Snapshot()))
		return id, nil

	default:
		return id, badRequest("unknown message type %q", msg.Type)
	}
}

// withSession runs op against a live session. Clients watching the session
// see the outcome through its events; others get the new state directly.
func (h *Hub) withSession(conn *Connection, id string, op func(*game.Session) (any, error)) error {
	s, err := h.manager.Get(id)
	if err != nil {
		return err
	}

	if _, err := op(s); err != nil {
		return err
	}

	if !conn.Watching(id) {
		conn.SendJSON(gameState("", s.Snapshot()))
	}

	return nil
}

func (h *Hub) createSession(conn *Connection, msg messages.InboundMessage) (string, error) {
	payload, err := decode[messages.CreateSessionPayload](msg)
	if err != nil {
		return "", err
	}

	tc, err := chess.ParseTimeControl(payload.TimeControl)
	if err != nil {
		return "", badRequest("%v", err)
	}

	side := chess.White
	if payload.Color != "" {
		if side, err = chess.ParseColor(payload.Color); err != nil {
			return "", badRequest("%v", err)
		}
	}

	params := manager.CreateParams{
		InitialFEN:  payload.InitialFEN,
		TimeControl: tc,
		EngineLevel: payload.EngineLevel,
	}
	if side == chess.White {
		params.White = conn.PlayerID
	} else {
		params.Black = conn.PlayerID
	}
	if payload.VsEngine {
		params.EngineSide = side.Opp()
	}

	snap, err := h.manager.Create(params)
	if err != nil {
		return "", err
	}

	conn.Watch(snap.ID)

	h.logger.Info("Session created over websocket",
		zap.String("session_id", snap.ID),
		zap.String("player_id", conn.PlayerID),
		zap.Bool("vs_engine", payload.VsEngine))

	conn.SendJSON(messages.OutboundMessage{
		Event: messages.EventGameCreated,
		Payload: messages.GameCreatedPayload{
			SessionID:   snap.ID,
			InitialFEN:  snap.FEN,
			WhiteTime:   snap.WhiteTime,
			BlackTime:   snap.BlackTime,
			CurrentTurn: snap.Turn,
			Color:       side,
		},
	})

	return snap.ID, nil
}

func (h *Hub) joinSession(conn *Connection, payload messages.JoinSessionPayload) error {
	s, err := h.manager.Get(payload.SessionID)
	if err != nil {
		return err
	}

	var side chess.Color
	if payload.Color != "" {
		if side, err = chess.ParseColor(payload.Color); err != nil {
			return badRequest("%v", err)
		}
	} else {
		snap := s.Snapshot()
		switch {
		case snap.White == "" || snap.White == conn.PlayerID:
			side = chess.White
		default:
			side = chess.Black
		}
	}

	wasWatching := conn.Watching(payload.SessionID)
	conn.Watch(payload.SessionID)

	if err := h.manager.Join(payload.SessionID, conn.PlayerID, side); err != nil {
		if !wasWatching {
			conn.Unwatch(payload.SessionID)
		}
		return err
	}

	conn.SendJSON(gameState(messages.TypeJoinSession, s.Snapshot()))

	return nil
}

func gameState(cause string, snap game.Snapshot) messages.OutboundMessage {
	return messages.OutboundMessage{
		Event:   messages.EventGameState,
		Payload: messages.NewGameState(cause, snap),
	}
}
