package game

import (
	nchess "github.com/corentings/chess/v2"

	"github.com/tecu23/session-server/pkg/chess"
)

// Outcome is the final score of a game in PGN notation.
type Outcome string

const (
	NoOutcome Outcome = ""
	WhiteWon  Outcome = "1-0"
	BlackWon  Outcome = "0-1"
	Draw      Outcome = "1/2-1/2"
)

// Reason explains how a game ended.
type Reason string

const (
	ReasonCheckmate            Reason = "checkmate"
	ReasonResignation          Reason = "resignation"
	ReasonTimeout              Reason = "timeout"
	ReasonAgreement            Reason = "agreement"
	ReasonStalemate            Reason = "stalemate"
	ReasonInsufficientMaterial Reason = "insufficient_material"
	ReasonThreefoldRepetition  Reason = "threefold_repetition"
	ReasonFivefoldRepetition   Reason = "fivefold_repetition"
	ReasonFiftyMoveRule        Reason = "fifty_move_rule"
	ReasonSeventyFiveMoveRule  Reason = "seventy_five_move_rule"
)

// Result is the terminal result of a session. The zero value means the game
// is still going.
type Result struct {
	Outcome Outcome `json:"outcome,omitempty"`
	Reason  Reason  `json:"reason,omitempty"`
}

// Over reports whether the result is terminal.
func (r Result) Over() bool {
	return r.Outcome != NoOutcome
}

// Winner returns the winning side, if the game was decisive.
func (r Result) Winner() (chess.Color, bool) {
	switch r.Outcome {
	case WhiteWon:
		return chess.White, true
	case BlackWon:
		return chess.Black, true
	default:
		return "", false
	}
}

func winFor(side chess.Color, reason Reason) Result {
	if side == chess.White {
		return Result{Outcome: WhiteWon, Reason: reason}
	}

	return Result{Outcome: BlackWon, Reason: reason}
}

// boardResult classifies the board after a move. Threefold repetition and
// the fifty-move rule are claimed as soon as they become available.
func boardResult(g *nchess.Game) Result {
	if g.Outcome() == nchess.NoOutcome {
		for _, method := range g.EligibleDraws() {
			if method == nchess.ThreefoldRepetition || method == nchess.FiftyMoveRule {
				if err := g.Draw(method); err == nil {
					break
				}
			}
		}
	}

	var outcome Outcome
	switch g.Outcome() {
	case nchess.WhiteWon:
		outcome = WhiteWon
	case nchess.BlackWon:
		outcome = BlackWon
	case nchess.Draw:
		outcome = Draw
	default:
		return Result{}
	}

	return Result{Outcome: outcome, Reason: reasonFromMethod(g.Method())}
}

func reasonFromMethod(m nchess.Method) Reason {
	switch m {
	case nchess.Checkmate:
		return ReasonCheckmate
	case nchess.Resignation:
		return ReasonResignation
	case nchess.DrawOffer:
		return ReasonAgreement
	case nchess.Stalemate:
		return ReasonStalemate
	case nchess.InsufficientMaterial:
		return ReasonInsufficientMaterial
	case nchess.ThreefoldRepetition:
		return ReasonThreefoldRepetition
	case nchess.FivefoldRepetition:
		return ReasonFivefoldRepetition
	case nchess.FiftyMoveRule:
		return ReasonFiftyMoveRule
	case nchess.SeventyFiveMoveRule:
		return ReasonSeventyFiveMoveRule
	default:
		return Reason(m.String())
	}
}
