package repository

import (
	"context"

	"github.com/tecu23/session-server/pkg/game"
)

// ErrNotFound is returned when a session has no stored record.
var ErrNotFound = game.ErrSessionNotFound

// DefaultListLimit caps listings when the caller passes no limit.
const DefaultListLimit = 100

// SessionStore persists session records.
type SessionStore interface {
	// SaveSession upserts rec. A record older than the stored one (lower
	// Seq) is ignored.
	SaveSession(ctx context.Context, rec game.Record) error
	LoadSession(ctx context.Context, id string) (game.Record, error)
	// ListSessions returns summaries, newest first.
	ListSessions(ctx context.Context, limit int) ([]game.Summary, error)
}

// ChatStore persists chat transcripts.
type ChatStore interface {
	AppendChat(ctx context.Context, entry game.ChatEntry) error
	// ListChat returns the last limit entries of a session in posting order.
	ListChat(ctx context.Context, sessionID string, limit int) ([]game.ChatEntry, error)
}

// Store is a complete persistence backend.
type Store interface {
	SessionStore
	ChatStore
}

// Composite routes sessions and chat to different backends.
type Composite struct {
	SessionStore
	ChatStore
}

func listLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}

	return limit
}
