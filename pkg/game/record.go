package game

import (
	"fmt"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"

	"github.com/tecu23/session-server/pkg/chess"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// EngineActor is the participant id of an engine-controlled side.
const EngineActor = "engine"

// Role of a participant in a session.
type Role string

const (
	RolePlayer    Role = "player"
	RoleEngine    Role = "engine"
	RoleSpectator Role = "spectator"
)

// Participant is an identity bound to a side.
type Participant struct {
	ID   string      `json:"id"`
	Side chess.Color `json:"side"`
	Role Role        `json:"role"`
}

// Record is the durable form of a session.
type Record struct {
	ID          string     `json:"id"`
	InitialFEN  string     `json:"initial_fen,omitempty"`
	Moves       []string   `json:"move_log"`
	White       *string    `json:"white"`
	Black       *string    `json:"black"`
	EngineSide  string     `json:"engine_side,omitempty"`
	Result      *Result    `json:"result"`
	TimeControl string     `json:"time_control,omitempty"`
	Seq         uint64     `json:"seq"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

// Summary is the listing form of a session.
type Summary struct {
	ID      string  `json:"id"`
	White   *string `json:"white"`
	Black   *string `json:"black"`
	Result  *Result `json:"result"`
	Plies   int     `json:"plies"`
	Viewers int     `json:"viewers,omitempty"`
}

// ChatEntry is a single chat line. Entries are never edited or removed.
type ChatEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a consistent read of a session.
type Snapshot struct {
	ID           string      `json:"id"`
	FEN          string      `json:"fen"`
	Moves        []string    `json:"move_log"`
	Turn         chess.Color `json:"turn"`
	White        string      `json:"white,omitempty"`
	Black        string      `json:"black,omitempty"`
	EngineSide   chess.Color `json:"engine_side,omitempty"`
	EngineLevel  int         `json:"engine_level,omitempty"`
	WhiteTime    int64       `json:"white_time_ms"`
	BlackTime    int64       `json:"black_time_ms"`
	ClockRunning bool        `json:"clock_running"`
	TimeControl  string      `json:"time_control,omitempty"`
	Result       Result      `json:"result"`
	DrawOffer    chess.Color `json:"draw_offer,omitempty"`
	Seq          uint64      `json:"seq"`
	CreatedAt    time.Time   `json:"created_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// Terminal reports whether the snapshot shows a finished game.
func (s Snapshot) Terminal() bool {
	return s.Result.Over()
}

// Player returns the participant id bound to side, or "".
func (s Snapshot) Player(side chess.Color) string {
	if side == chess.White {
		return s.White
	}

	return s.Black
}

// Summary converts a record to its listing form.
func (r Record) Summary() Summary {
	return Summary{
		ID:     r.ID,
		White:  r.White,
		Black:  r.Black,
		Result: r.Result,
		Plies:  len(r.Moves),
	}
}

// Replay folds moves over the initial position. An empty initialFEN means
// the standard start.
func Replay(initialFEN string, moves []string) (*nchess.Game, error) {
	g, err := newBoard(initialFEN)
	if err != nil {
		return nil, err
	}

	for i, mv := range moves {
		if err := g.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay ply %d %q: %w", i+1, mv, err)
		}
	}

	return g, nil
}

func newBoard(fen string) (*nchess.Game, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" || fen == StartFEN {
		return nchess.NewGame(), nil
	}

	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}

	return nchess.NewGame(option), nil
}

func turnOf(g *nchess.Game) chess.Color {
	if g.Position().Turn() == nchess.White {
		return chess.White
	}

	return chess.Black
}

func isLegal(g *nchess.Game, uci string) bool {
	for _, m := range g.ValidMoves() {
		if m.String() == uci {
			return true
		}
	}

	return false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
