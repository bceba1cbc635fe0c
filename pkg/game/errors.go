package game

import (
	"errors"

	"github.com/tecu23/session-server/pkg/chess"
	"github.com/tecu23/session-server/pkg/engine"
)

// Errors returned by session operations. Each maps to a stable code via ErrorCode.
var (
	ErrIllegalMove     = errors.New("illegal move")
	ErrNotYourTurn     = errors.New("not your turn")
	ErrGameOver        = errors.New("game is over")
	ErrNothingToUndo   = errors.New("nothing to undo")
	ErrInvalidActor    = errors.New("actor is not a player in this session")
	ErrSessionNotFound = errors.New("session not found")
	ErrSideTaken       = errors.New("side already taken")
	ErrNoDrawOffer     = errors.New("no draw offer to accept")
	ErrInvalidChat     = errors.New("invalid chat message")
	ErrGameInProgress  = errors.New("game already in progress")
	ErrBadRequest      = errors.New("bad request")
	ErrMalformedMove   = chess.ErrMalformedMove
)

// Code is the machine readable form of an error.
type Code string

const (
	CodeIllegalMove       Code = "ILLEGAL_MOVE"
	CodeNotYourTurn       Code = "NOT_YOUR_TURN"
	CodeGameOver          Code = "GAME_OVER"
	CodeNothingToUndo     Code = "NOTHING_TO_UNDO"
	CodeInvalidActor      Code = "INVALID_ACTOR"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
	CodeSideTaken         Code = "SIDE_TAKEN"
	CodeEngineUnavailable Code = "ENGINE_UNAVAILABLE"
	CodeNoLegalMove       Code = "NO_LEGAL_MOVE"
	CodeMalformedMove     Code = "MALFORMED_MOVE_NOTATION"
	CodeNoDrawOffer       Code = "NO_DRAW_OFFER"
	CodeInvalidChat       Code = "INVALID_CHAT"
	CodeGameInProgress    Code = "GAME_IN_PROGRESS"
	CodeBadRequest        Code = "BAD_REQUEST"
	CodeInternal          Code = "INTERNAL"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrIllegalMove, CodeIllegalMove},
	{ErrNotYourTurn, CodeNotYourTurn},
	{ErrGameOver, CodeGameOver},
	{ErrNothingToUndo, CodeNothingToUndo},
	{ErrInvalidActor, CodeInvalidActor},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrSideTaken, CodeSideTaken},
	{engine.ErrEngineUnavailable, CodeEngineUnavailable},
	{engine.ErrNoLegalMove, CodeNoLegalMove},
	{ErrMalformedMove, CodeMalformedMove},
	{ErrNoDrawOffer, CodeNoDrawOffer},
	{ErrInvalidChat, CodeInvalidChat},
	{ErrGameInProgress, CodeGameInProgress},
	{ErrBadRequest, CodeBadRequest},
}

// ErrorCode maps err to its stable code. Unknown errors map to CodeInternal.
func ErrorCode(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	return CodeInternal
}

// Retryable reports whether the failed operation may succeed if repeated
// unchanged.
func Retryable(err error) bool {
	return errors.Is(err, engine.ErrEngineUnavailable)
}
