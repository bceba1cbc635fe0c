package chess

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedMove is returned for text that is not a UCI move.
var ErrMalformedMove = errors.New("malformed move notation")

// Move is a move in UCI form: source square, destination square and an
// optional promotion piece. A Move carries no legality; that is only
// defined against a specific position.
type Move struct {
	From      string
	To        string
	Promotion byte // one of q, r, b, n, or 0
}

// ParseUCI parses strings like "e2e4" or "e7e8q". Surrounding whitespace is
// ignored and uppercase input is accepted.
func ParseUCI(s string) (Move, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 4 && len(s) != 5 {
		return Move{}, fmt.Errorf("%w: %q", ErrMalformedMove, s)
	}

	if !isSquare(s[0:2]) || !isSquare(s[2:4]) {
		return Move{}, fmt.Errorf("%w: %q", ErrMalformedMove, s)
	}

	m := Move{From: s[0:2], To: s[2:4]}
	if len(s) == 5 {
		switch s[4] {
		case 'q', 'r', 'b', 'n':
			m.Promotion = s[4]
		default:
			return Move{}, fmt.Errorf("%w: bad promotion in %q", ErrMalformedMove, s)
		}
	}

	if m.From == m.To {
		return Move{}, fmt.Errorf("%w: %q", ErrMalformedMove, s)
	}

	return m, nil
}

// String returns the canonical lowercase UCI form.
func (m Move) String() string {
	if m.Promotion == 0 {
		return m.From + m.To
	}

	return m.From + m.To + string(m.Promotion)
}

func isSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}
