package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/tecu23/session-server/pkg/game"
)

// CassandraConfig holds the connection settings for the chat transcript store.
type CassandraConfig struct {
	Hosts          []string
	Keyspace       string
	Consistency    string
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// CassandraChatRepository stores chat transcripts partitioned by session.
//
//	CREATE TABLE chat_by_session (
//	    session_id text,
//	    message_id text,
//	    author text,
//	    body text,
//	    created_at timestamp,
//	    PRIMARY KEY (session_id, message_id)
//	) WITH CLUSTERING ORDER BY (message_id ASC);
type CassandraChatRepository struct {
	session *gocql.Session
}

// NewCassandraChatRepository connects to the cluster.
func NewCassandraChatRepository(cfg CassandraConfig) (*CassandraChatRepository, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.ConnectTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}

	// Retry policy for resilience
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}

	return &CassandraChatRepository{session: session}, nil
}

// AppendChat persists a chat entry.
func (r *CassandraChatRepository) AppendChat(ctx context.Context, entry game.ChatEntry) error {
	query := `
		INSERT INTO chat_by_session (
			session_id, message_id, author, body, created_at
		) VALUES (?, ?, ?, ?, ?)`

	err := r.session.Query(query,
		entry.SessionID,
		entry.ID,
		entry.Author,
		entry.Text,
		entry.Timestamp,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to save chat entry: %w", err)
	}

	return nil
}

// ListChat returns the last limit entries in posting order.
func (r *CassandraChatRepository) ListChat(ctx context.Context, sessionID string, limit int) ([]game.ChatEntry, error) {
	query := `SELECT message_id, session_id, author, body, created_at
		FROM chat_by_session
		WHERE session_id = ?
		ORDER BY message_id DESC
		LIMIT ?`

	iter := r.session.Query(query, sessionID, listLimit(limit)).WithContext(ctx).Iter()

	var (
		entries []game.ChatEntry
		e       game.ChatEntry
	)
	for iter.Scan(&e.ID, &e.SessionID, &e.Author, &e.Text, &e.Timestamp) {
		entries = append(entries, e)
		e = game.ChatEntry{}
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat: %w", err)
	}

	// newest first from the query; callers want posting order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}

// Close closes the Cassandra session.
func (r *CassandraChatRepository) Close() {
	if r.session != nil {
		r.session.Close()
	}
}

// parseConsistency converts a string consistency level to gocql.Consistency.
func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "THREE":
		return gocql.Three
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "EACH_QUORUM":
		return gocql.EachQuorum
	default:
		return gocql.LocalOne
	}
}
