package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineUnavailable means no engine could produce a move in time.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrNoLegalMove means the position has no legal move to search.
	ErrNoLegalMove = errors.New("no legal move in position")
)

// mateHorizon is the pawn value of a mate in zero.
const mateHorizon = 50

// Score is an evaluation from the side to move's point of view.
type Score struct {
	Centipawns int  `json:"cp,omitempty"`
	Mate       int  `json:"mate,omitempty"`
	IsMate     bool `json:"is_mate,omitempty"`
}

// Pawns converts the score to pawns. A mate in n maps to ±(50-|n|), so
// shorter mates score higher.
func (s Score) Pawns() float64 {
	if !s.IsMate {
		return float64(s.Centipawns) / 100
	}

	n := s.Mate
	if n <= 0 {
		return -float64(mateHorizon + n)
	}

	return float64(mateHorizon - n)
}

func (s Score) String() string {
	if s.IsMate {
		return fmt.Sprintf("mate %d", s.Mate)
	}

	return fmt.Sprintf("cp %d", s.Centipawns)
}

// BestMove is the outcome of one search.
type BestMove struct {
	Move   string `json:"move"`
	Ponder string `json:"ponder,omitempty"`
	Score  Score  `json:"score"`
	Depth  int    `json:"depth"`
}
