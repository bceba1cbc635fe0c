package messages

import "encoding/json"

// Inbound message types.
const (
	TypeCreateSession  = "CREATE_SESSION"
	TypeJoinSession    = "JOIN_SESSION"
	TypeLeaveSession   = "LEAVE_SESSION"
	TypeMakeMove       = "MAKE_MOVE"
	TypeUndoMove       = "UNDO_MOVE"
	TypeResign         = "RESIGN"
	TypeOfferDraw      = "OFFER_DRAW"
	TypeAcceptDraw     = "ACCEPT_DRAW"
	TypeSendChat       = "SEND_CHAT"
	TypeWatchSession   = "WATCH_SESSION"
	TypeUnwatchSession = "UNWATCH_SESSION"
	TypeListSessions   = "LIST_SESSIONS"
	TypeGetState       = "GET_STATE"
)

// InboundMessage is the generic wrapper for messages coming from the client.
// The "type" field tells us the action; "payload" is the data we parse further.
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CreateSessionPayload represents the payload for creating a new session.
// The creator takes Color ("white", "black" or empty for white). With
// VsEngine set the engine plays the other side at EngineLevel.
type CreateSessionPayload struct {
	TimeControl string `json:"time_control"`
	InitialFEN  string `json:"initial_fen,omitempty"`
	Color       string `json:"color"`
	VsEngine    bool   `json:"vs_engine,omitempty"`
	EngineLevel int    `json:"engine_level,omitempty"`
}

// JoinSessionPayload asks for a seat in an existing session.
type JoinSessionPayload struct {
	SessionID string `json:"session_id"`
	Color     string `json:"color"`
}

// SessionPayload names the session an action applies to.
type SessionPayload struct {
	SessionID string `json:"session_id"`
}

// MakeMovePayload represents the payload for making a move during a game
type MakeMovePayload struct {
	SessionID string `json:"session_id"`
	Move      string `json:"move"`
}

// SendChatPayload posts a chat line.
type SendChatPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}
