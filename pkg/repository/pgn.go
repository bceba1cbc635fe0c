package repository

import (
	"fmt"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"

	"github.com/tecu23/session-server/pkg/game"
)

// SANMoves converts the UCI move log of rec to standard algebraic notation.
func SANMoves(rec game.Record) ([]string, error) {
	g, err := game.Replay(rec.InitialFEN, nil)
	if err != nil {
		return nil, err
	}

	san := make([]string, 0, len(rec.Moves))
	for i, uci := range rec.Moves {
		pos := g.Position()
		mv, err := nchess.UCINotation{}.Decode(pos, uci)
		if err != nil {
			return nil, fmt.Errorf("decode ply %d %q: %w", i+1, uci, err)
		}

		san = append(san, nchess.AlgebraicNotation{}.Encode(pos, mv))

		if err := g.Move(mv, nil); err != nil {
			return nil, fmt.Errorf("apply ply %d %q: %w", i+1, uci, err)
		}
	}

	return san, nil
}

// BuildPGN renders rec as a PGN document.
func BuildPGN(rec game.Record) (string, error) {
	san, err := SANMoves(rec)
	if err != nil {
		return "", err
	}

	result := "*"
	termination := ""
	if rec.Result != nil && rec.Result.Over() {
		result = string(rec.Result.Outcome)
		termination = string(rec.Result.Reason)
	}

	date := rec.CreatedAt
	if date.IsZero() {
		date = time.Now()
	}

	var b strings.Builder
	b.WriteString("[Event \"Casual game\"]\n")
	b.WriteString("[Site \"session-server\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(nameOf(rec.White))))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(nameOf(rec.Black))))
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n", result))
	if rec.InitialFEN != "" && rec.InitialFEN != game.StartFEN {
		b.WriteString("[SetUp \"1\"]\n")
		b.WriteString(fmt.Sprintf("[FEN \"%s\"]\n", sanitizePGN(rec.InitialFEN)))
	}
	if rec.TimeControl != "" && rec.TimeControl != "-" {
		b.WriteString(fmt.Sprintf("[TimeControl \"%s\"]\n", sanitizePGN(rec.TimeControl)))
	}
	if termination != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(termination)))
	}
	b.WriteString("\n")

	blackFirst := strings.Contains(rec.InitialFEN, " b ")
	ply := 0
	if blackFirst && len(san) > 0 {
		b.WriteString("1... ")
		b.WriteString(san[0])
		b.WriteString(" ")
		ply = 1
	}

	for i := ply; i < len(san); i += 2 {
		turn := (i+ply)/2 + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, san[i]))
		if i+1 < len(san) {
			b.WriteString(" ")
			b.WriteString(san[i+1])
		}
		b.WriteString(" ")
	}
	b.WriteString(result)

	return b.String(), nil
}

func nameOf(id *string) string {
	if id == nil || *id == "" {
		return "?"
	}

	return *id
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
