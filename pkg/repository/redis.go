package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tecu23/session-server/pkg/game"
)

const (
	sessionKeyPrefix = "chess:session:"
	sessionIndexKey  = "chess:sessions"
	chatKeyPrefix    = "chess:chat:"
)

// saveScript stores a record only if its seq is not older than the stored one.
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`)

// RedisRepository keeps hot session snapshots and chat in Redis. Snapshots
// expire after ttl; a zero ttl keeps them forever.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRepository creates a repository over client.
func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	return &RedisRepository{client: client, ttl: ttl}
}

// SaveSession stores rec unless a newer one is already stored.
func (r *RedisRepository) SaveSession(ctx context.Context, rec game.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	keys := []string{sessionKeyPrefix + rec.ID, sessionIndexKey}
	err = saveScript.Run(ctx, r.client, keys,
		rec.Seq, data, r.ttl.Milliseconds(), rec.CreatedAt.UnixMilli(), rec.ID).Err()
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}

	return nil
}

// LoadSession reads a stored record.
func (r *RedisRepository) LoadSession(ctx context.Context, id string) (game.Record, error) {
	data, err := r.client.HGet(ctx, sessionKeyPrefix+id, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return game.Record{}, fmt.Errorf("load %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return game.Record{}, fmt.Errorf("load %s: %w", id, err)
	}

	var rec game.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return game.Record{}, fmt.Errorf("unmarshal record %s: %w", id, err)
	}

	return rec, nil
}

// ListSessions returns the newest sessions first. Index entries whose
// snapshot expired are pruned.
func (r *RedisRepository) ListSessions(ctx context.Context, limit int) ([]game.Summary, error) {
	ids, err := r.client.ZRevRange(ctx, sessionIndexKey, 0, int64(listLimit(limit)-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	summaries := make([]game.Summary, 0, len(ids))
	var expired []any

	for _, id := range ids {
		rec, err := r.LoadSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			expired = append(expired, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, rec.Summary())
	}

	if len(expired) > 0 {
		if err := r.client.ZRem(ctx, sessionIndexKey, expired...).Err(); err != nil {
			return nil, fmt.Errorf("prune index: %w", err)
		}
	}

	return summaries, nil
}

// AppendChat pushes an entry onto the session's chat list.
func (r *RedisRepository) AppendChat(ctx context.Context, entry game.ChatEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}

	key := chatKeyPrefix + entry.SessionID

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if r.ttl > 0 {
		pipe.PExpire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append chat %s: %w", entry.SessionID, err)
	}

	return nil
}

// ListChat returns the last limit entries in posting order.
func (r *RedisRepository) ListChat(ctx context.Context, sessionID string, limit int) ([]game.ChatEntry, error) {
	raw, err := r.client.LRange(ctx, chatKeyPrefix+sessionID, -int64(listLimit(limit)), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list chat: %w", err)
	}

	entries := make([]game.ChatEntry, 0, len(raw))
	for _, item := range raw {
		var e game.ChatEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("unmarshal chat: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, nil
}
