package chess

import "fmt"

// Color is one side of the board, encoded the way FEN encodes the side to move.
type Color string

const (
	White Color = "w"
	Black Color = "b"
)

// Opp returns the opposite color.
func (c Color) Opp() Color {
	if c == White {
		return Black
	}

	return White
}

// Valid reports whether c is White or Black.
func (c Color) Valid() bool {
	return c == White || c == Black
}

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return "none"
	}
}

// ParseColor accepts "w", "b", "white" or "black".
func ParseColor(s string) (Color, error) {
	switch s {
	case "w", "white":
		return White, nil
	case "b", "black":
		return Black, nil
	default:
		return "", fmt.Errorf("unknown color %q", s)
	}
}
