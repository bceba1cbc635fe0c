package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tecu23/session-server/pkg/game"
)

// InMemoryRepository is an in-memory implementation of Store
type InMemoryRepository struct {
	sessions map[string]game.Record
	chat     map[string][]game.ChatEntry
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewInMemoryRepository creates a new in-memory repository
func NewInMemoryRepository(logger *zap.Logger) *InMemoryRepository {
	return &InMemoryRepository{
		sessions: make(map[string]game.Record),
		chat:     make(map[string][]game.ChatEntry),
		logger:   logger,
	}
}

// SaveSession saves a session record to the repository
func (r *InMemoryRepository) SaveSession(_ context.Context, rec game.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.sessions[rec.ID]; ok && stored.Seq > rec.Seq {
		r.logger.Debug("Ignoring stale session record",
			zap.String("session_id", rec.ID),
			zap.Uint64("seq", rec.Seq),
			zap.Uint64("stored_seq", stored.Seq))
		return nil
	}

	rec.Moves = append([]string(nil), rec.Moves...)
	r.sessions[rec.ID] = rec
	return nil
}

// LoadSession retrieves a session record by ID
func (r *InMemoryRepository) LoadSession(_ context.Context, id string) (game.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok {
		return game.Record{}, fmt.Errorf("load %s: %w", id, ErrNotFound)
	}

	rec.Moves = append([]string(nil), rec.Moves...)
	return rec, nil
}

// ListSessions returns stored sessions, newest first
func (r *InMemoryRepository) ListSessions(_ context.Context, limit int) ([]game.Summary, error) {
	r.mu.RLock()
	records := make([]game.Record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		records = append(records, rec)
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	limit = listLimit(limit)
	if len(records) > limit {
		records = records[:limit]
	}

	summaries := make([]game.Summary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.Summary())
	}

	return summaries, nil
}

// AppendChat stores a chat entry
func (r *InMemoryRepository) AppendChat(_ context.Context, entry game.ChatEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chat[entry.SessionID] = append(r.chat[entry.SessionID], entry)
	return nil
}

// ListChat returns the most recent chat entries of a session
func (r *InMemoryRepository) ListChat(_ context.Context, sessionID string, limit int) ([]game.ChatEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.chat[sessionID]
	limit = listLimit(limit)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	return append([]game.ChatEntry(nil), entries...), nil
}
