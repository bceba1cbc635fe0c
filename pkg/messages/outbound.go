package messages

import (
	"encoding/json"

	"github.com/tecu23/session-server/pkg/chess"
	"github.com/tecu23/session-server/pkg/events"
	"github.com/tecu23/session-server/pkg/game"
)

// Outbound events.
const (
	EventConnected    = "CONNECTED"
	EventGameCreated  = "GAME_CREATED"
	EventGameState    = "GAME_STATE"
	EventSessionList  = "SESSION_LIST"
	EventChatMessage  = "CHAT_MESSAGE"
	EventDrawOffered  = "DRAW_OFFERED"
	EventGameOver     = "GAME_OVER"
	EventError        = "ERROR"
	EventSessionEnded = "SESSION_CLOSED"
)

// OutboundMessage is how we wrap responses before sending
// them to the client
type OutboundMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	PlayerID     string `json:"player_id"`
}

// GameCreatedPayload represents the payload after a create session request
type GameCreatedPayload struct {
	SessionID   string      `json:"session_id"`
	InitialFEN  string      `json:"initial_fen"`
	WhiteTime   int64       `json:"white_time"`
	BlackTime   int64       `json:"black_time"`
	CurrentTurn chess.Color `json:"current_turn"`
	Color       chess.Color `json:"color"`
}

type GameOverPayload struct {
	SessionID string       `json:"session_id"`
	Result    game.Outcome `json:"result"`
	Reason    game.Reason  `json:"reason"`
	Winner    string       `json:"winner,omitempty"`
}

// GameStatePayload represents the payload returned after updating the game state
type GameStatePayload struct {
	SessionID   string      `json:"session_id"`
	Cause       string      `json:"cause,omitempty"`
	BoardFEN    string      `json:"board_fen"`
	Moves       []string    `json:"moves"`
	WhiteTime   int64       `json:"white_time"`
	BlackTime   int64       `json:"black_time"`
	CurrentTurn chess.Color `json:"current_turn"`
	White       string      `json:"white,omitempty"`
	Black       string      `json:"black,omitempty"`
	DrawOffer   chess.Color `json:"draw_offer,omitempty"`
	Result      game.Result `json:"result"`
	IsCheckmate bool        `json:"is_checkmate"`
	IsDraw      bool        `json:"is_draw"`
	Seq         uint64      `json:"seq"`
}

type DrawOfferedPayload struct {
	SessionID string      `json:"session_id"`
	By        chess.Color `json:"by"`
}

type SessionListPayload struct {
	Sessions []game.Summary `json:"sessions"`
}

type ErrorPayload struct {
	Code      game.Code `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	SessionID string    `json:"session_id,omitempty"`
}

// NewGameState converts a snapshot to its wire form.
func NewGameState(cause string, snap game.Snapshot) GameStatePayload {
	return GameStatePayload{
		SessionID:   snap.ID,
		Cause:       cause,
		BoardFEN:    snap.FEN,
		Moves:       snap.Moves,
		WhiteTime:   snap.WhiteTime,
		BlackTime:   snap.BlackTime,
		CurrentTurn: snap.Turn,
		White:       snap.White,
		Black:       snap.Black,
		DrawOffer:   snap.DrawOffer,
		Result:      snap.Result,
		IsCheckmate: snap.Result.Reason == game.ReasonCheckmate,
		IsDraw:      snap.Result.Outcome == game.Draw,
		Seq:         snap.Seq,
	}
}

// NewGameOver builds the game over notice for a finished snapshot.
func NewGameOver(snap game.Snapshot) GameOverPayload {
	payload := GameOverPayload{
		SessionID: snap.ID,
		Result:    snap.Result.Outcome,
		Reason:    snap.Result.Reason,
	}
	if side, ok := snap.Result.Winner(); ok {
		payload.Winner = side.String()
	}

	return payload
}

// NewError describes err for the client.
func NewError(sessionID string, err error) OutboundMessage {
	return OutboundMessage{
		Event: EventError,
		Payload: ErrorPayload{
			Code:      game.ErrorCode(err),
			Message:   err.Error(),
			Retryable: game.Retryable(err),
			SessionID: sessionID,
		},
	}
}

// FromEvent translates a session event into what watchers receive. Events
// without a client-facing form return false.
func FromEvent(ev events.Event) (OutboundMessage, bool) {
	if raw, ok := ev.Payload.(json.RawMessage); ok {
		decoded, err := decodePayload(ev.Type, raw)
		if err != nil {
			return OutboundMessage{}, false
		}
		ev.Payload = decoded
	}

	switch payload := ev.Payload.(type) {
	case game.Snapshot:
		switch ev.Type {
		case events.EventGameOver:
			return OutboundMessage{Event: EventGameOver, Payload: NewGameOver(payload)}, true
		case events.EventDrawOffered:
			return OutboundMessage{Event: EventDrawOffered, Payload: DrawOfferedPayload{
				SessionID: payload.ID,
				By:        payload.DrawOffer,
			}}, true
		default:
			return OutboundMessage{Event: EventGameState, Payload: NewGameState(string(ev.Type), payload)}, true
		}

	case game.ChatEntry:
		return OutboundMessage{Event: EventChatMessage, Payload: payload}, true

	case map[string]any:
		if ev.Type == events.EventEngineFailed {
			return OutboundMessage{Event: EventError, Payload: payload}, true
		}
	}

	if ev.Type == events.EventSessionEvicted {
		return OutboundMessage{Event: EventSessionEnded, Payload: map[string]string{"session_id": ev.SessionID}}, true
	}

	return OutboundMessage{}, false
}

// decodePayload restores the typed payload of an event relayed from
// another node.
func decodePayload(t events.EventType, raw json.RawMessage) (any, error) {
	switch t {
	case events.EventChatPosted:
		var entry game.ChatEntry
		err := json.Unmarshal(raw, &entry)
		return entry, err

	case events.EventEngineFailed:
		var payload map[string]any
		err := json.Unmarshal(raw, &payload)
		return payload, err

	case events.EventSessionEvicted, events.EventConnectionClosed:
		return nil, nil

	default:
		var snap game.Snapshot
		err := json.Unmarshal(raw, &snap)
		return snap, err
	}
}
