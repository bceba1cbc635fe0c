package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tecu23/session-server/pkg/game"
)

// CachedStore reads session records through a cache in front of the system
// of record. Concurrent misses for the same session share one load.
type CachedStore struct {
	primary Store
	cache   SessionStore
	sf      singleflight.Group
	logger  *zap.Logger
}

// NewCachedStore layers cache over primary.
func NewCachedStore(primary Store, cache SessionStore, logger *zap.Logger) *CachedStore {
	return &CachedStore{primary: primary, cache: cache, logger: logger}
}

// SaveSession writes through to both stores. Cache failures are logged.
func (s *CachedStore) SaveSession(ctx context.Context, rec game.Record) error {
	if err := s.primary.SaveSession(ctx, rec); err != nil {
		return err
	}

	if err := s.cache.SaveSession(ctx, rec); err != nil {
		s.logger.Warn("cache set error", zap.String("session_id", rec.ID), zap.Error(err))
	}

	return nil
}

// LoadSession tries the cache first.
func (s *CachedStore) LoadSession(ctx context.Context, id string) (game.Record, error) {
	rec, err := s.cache.LoadSession(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.logger.Warn("cache get error", zap.String("session_id", id), zap.Error(err))
	}

	result, err, _ := s.sf.Do(id, func() (any, error) {
		rec, err := s.primary.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}

		go func() {
			cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.cache.SaveSession(cacheCtx, rec); err != nil {
				s.logger.Warn("cache set error", zap.String("session_id", rec.ID), zap.Error(err))
			}
		}()

		return rec, nil
	})
	if err != nil {
		return game.Record{}, err
	}

	rec, ok := result.(game.Record)
	if !ok {
		return game.Record{}, fmt.Errorf("unexpected result type from singleflight")
	}

	return rec, nil
}

// ListSessions reads the system of record.
func (s *CachedStore) ListSessions(ctx context.Context, limit int) ([]game.Summary, error) {
	return s.primary.ListSessions(ctx, limit)
}

// AppendChat writes to the system of record.
func (s *CachedStore) AppendChat(ctx context.Context, entry game.ChatEntry) error {
	return s.primary.AppendChat(ctx, entry)
}

// ListChat reads the system of record, coalescing concurrent reads.
func (s *CachedStore) ListChat(ctx context.Context, sessionID string, limit int) ([]game.ChatEntry, error) {
	key := fmt.Sprintf("chat:%s:%d", sessionID, limit)

	result, err, _ := s.sf.Do(key, func() (any, error) {
		return s.primary.ListChat(ctx, sessionID, limit)
	})
	if err != nil {
		return nil, err
	}

	entries, ok := result.([]game.ChatEntry)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}

	return entries, nil
}
