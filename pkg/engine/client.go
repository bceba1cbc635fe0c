package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"go.uber.org/zap"
)

const (
	MinDifficulty = 1
	MaxDifficulty = 20

	// attempts is the first try plus one retry.
	attempts = 2
)

// Searcher runs a single search on one engine.
type Searcher interface {
	Search(ctx context.Context, fen string, depth int) (BestMove, error)
}

// Backend hands out searchers. A searcher released with an error is not
// handed out again.
type Backend interface {
	Acquire(ctx context.Context) (Searcher, error)
	Release(s Searcher, failure error)
}

// Client asks the engine pool for moves.
type Client struct {
	backend Backend
	logger  *zap.Logger
}

// NewClient creates a client over backend.
func NewClient(backend Backend, logger *zap.Logger) *Client {
	return &Client{backend: backend, logger: logger}
}

// ClampDifficulty maps a requested difficulty into the supported search depths.
func ClampDifficulty(d int) int {
	if d < MinDifficulty {
		return MinDifficulty
	}
	if d > MaxDifficulty {
		return MaxDifficulty
	}

	return d
}

// BestMove returns the engine's move for fen searched to the given
// difficulty. A failed search is retried once on another engine; if that
// also fails the error wraps ErrEngineUnavailable.
func (c *Client) BestMove(ctx context.Context, fen string, difficulty int) (BestMove, error) {
	legal, err := legalMoves(fen)
	if err != nil {
		return BestMove{}, err
	}
	if len(legal) == 0 {
		return BestMove{}, ErrNoLegalMove
	}

	depth := ClampDifficulty(difficulty)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		move, err := c.search(ctx, fen, depth)
		if err == nil {
			if _, ok := legal[move.Move]; !ok {
				err = fmt.Errorf("engine returned illegal move %q", move.Move)
			} else {
				return move, nil
			}
		}
		if errors.Is(err, ErrNoLegalMove) {
			return BestMove{}, err
		}

		lastErr = err
		c.logger.Warn("Engine search failed",
			zap.Int("attempt", attempt),
			zap.Int("depth", depth),
			zap.Error(err))

		if ctx.Err() != nil {
			break
		}
	}

	return BestMove{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, lastErr)
}

func (c *Client) search(ctx context.Context, fen string, depth int) (BestMove, error) {
	s, err := c.backend.Acquire(ctx)
	if err != nil {
		return BestMove{}, fmt.Errorf("acquire engine: %w", err)
	}

	move, err := s.Search(ctx, fen, depth)
	c.backend.Release(s, err)

	return move, err
}

func legalMoves(fen string) (map[string]struct{}, error) {
	g := nchess.NewGame()

	if fen = strings.TrimSpace(fen); fen != "" && fen != "startpos" {
		option, err := nchess.FEN(fen)
		if err != nil {
			return nil, fmt.Errorf("parse fen %q: %w", fen, err)
		}
		g = nchess.NewGame(option)
	}

	legal := make(map[string]struct{})
	for _, m := range g.ValidMoves() {
		legal[m.String()] = struct{}{}
	}

	return legal, nil
}
