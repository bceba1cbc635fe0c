package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/tecu23/session-server/pkg/game"
)

const schema = `
CREATE TABLE IF NOT EXISTS chess_sessions (
	session_id   TEXT PRIMARY KEY,
	initial_fen  TEXT NOT NULL DEFAULT '',
	moves        TEXT[] NOT NULL DEFAULT '{}',
	white_id     TEXT,
	black_id     TEXT,
	engine_side  TEXT NOT NULL DEFAULT '',
	result       TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	time_control TEXT NOT NULL DEFAULT '',
	pgn          TEXT NOT NULL DEFAULT '',
	seq          BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS chess_sessions_created_idx ON chess_sessions (created_at DESC);
CREATE TABLE IF NOT EXISTS chess_chat (
	message_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	author     TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chess_chat_session_idx ON chess_chat (session_id, message_id);
`

// PostgresRepository is the system of record for sessions and chat.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository opens and pings the database.
func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresRepository{db: db}, nil
}

// Migrate creates the tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	return nil
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveSession upserts a session record. Rows only move forward in seq.
func (r *PostgresRepository) SaveSession(ctx context.Context, rec game.Record) error {
	var result, reason string
	if rec.Result != nil {
		result = string(rec.Result.Outcome)
		reason = string(rec.Result.Reason)
	}

	var pgn string
	if rec.FinishedAt != nil {
		// a record that cannot be replayed is still stored, without PGN
		pgn, _ = BuildPGN(rec)
	}

	q := `INSERT INTO chess_sessions (
		session_id, initial_fen, moves, white_id, black_id, engine_side,
		result, reason, time_control, pgn, seq, created_at, finished_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
	) ON CONFLICT (session_id) DO UPDATE SET
		initial_fen=EXCLUDED.initial_fen,
		moves=EXCLUDED.moves,
		white_id=EXCLUDED.white_id,
		black_id=EXCLUDED.black_id,
		engine_side=EXCLUDED.engine_side,
		result=EXCLUDED.result,
		reason=EXCLUDED.reason,
		time_control=EXCLUDED.time_control,
		pgn=EXCLUDED.pgn,
		seq=EXCLUDED.seq,
		created_at=EXCLUDED.created_at,
		finished_at=EXCLUDED.finished_at
	WHERE chess_sessions.seq < EXCLUDED.seq`

	_, err := r.db.ExecContext(ctx, q,
		rec.ID, rec.InitialFEN, pq.Array(rec.Moves),
		nullString(rec.White), nullString(rec.Black), rec.EngineSide,
		result, reason, rec.TimeControl, pgn,
		int64(rec.Seq), rec.CreatedAt, nullTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}

	return nil
}

// LoadSession reads one session record.
func (r *PostgresRepository) LoadSession(ctx context.Context, id string) (game.Record, error) {
	q := `SELECT session_id, initial_fen, moves, white_id, black_id, engine_side,
		result, reason, time_control, seq, created_at, finished_at
		FROM chess_sessions WHERE session_id = $1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return game.Record{}, fmt.Errorf("load %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return game.Record{}, fmt.Errorf("load %s: %w", id, err)
	}

	return rec, nil
}

// ListSessions returns the newest sessions first.
func (r *PostgresRepository) ListSessions(ctx context.Context, limit int) ([]game.Summary, error) {
	q := `SELECT session_id, initial_fen, moves, white_id, black_id, engine_side,
		result, reason, time_control, seq, created_at, finished_at
		FROM chess_sessions ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, q, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []game.Summary
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		summaries = append(summaries, rec.Summary())
	}

	return summaries, rows.Err()
}

// PGN returns the stored PGN of a finished session.
func (r *PostgresRepository) PGN(ctx context.Context, id string) (string, error) {
	var pgn string
	err := r.db.QueryRowContext(ctx, `SELECT pgn FROM chess_sessions WHERE session_id = $1`, id).Scan(&pgn)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("pgn %s: %w", id, ErrNotFound)
	}

	return pgn, err
}

// AppendChat inserts a chat entry. Replays of the same entry are ignored.
func (r *PostgresRepository) AppendChat(ctx context.Context, entry game.ChatEntry) error {
	q := `INSERT INTO chess_chat (message_id, session_id, author, body, created_at)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT (message_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, q, entry.ID, entry.SessionID, entry.Author, entry.Text, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append chat %s: %w", entry.SessionID, err)
	}

	return nil
}

// ListChat returns the last limit entries in posting order.
func (r *PostgresRepository) ListChat(ctx context.Context, sessionID string, limit int) ([]game.ChatEntry, error) {
	q := `SELECT message_id, session_id, author, body, created_at FROM (
		SELECT * FROM chess_chat WHERE session_id = $1 ORDER BY message_id DESC LIMIT $2
	) recent ORDER BY message_id ASC`

	rows, err := r.db.QueryContext(ctx, q, sessionID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list chat: %w", err)
	}
	defer rows.Close()

	var entries []game.ChatEntry
	for rows.Next() {
		var e game.ChatEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Author, &e.Text, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (game.Record, error) {
	var (
		rec            game.Record
		moves          []string
		white, black   sql.NullString
		result, reason string
		seq            int64
		finished       sql.NullTime
	)

	err := row.Scan(&rec.ID, &rec.InitialFEN, pq.Array(&moves), &white, &black, &rec.EngineSide,
		&result, &reason, &rec.TimeControl, &seq, &rec.CreatedAt, &finished)
	if err != nil {
		return game.Record{}, err
	}

	rec.Moves = moves
	if rec.Moves == nil {
		rec.Moves = []string{}
	}
	if white.Valid {
		rec.White = &white.String
	}
	if black.Valid {
		rec.Black = &black.String
	}
	if result != "" {
		rec.Result = &game.Result{Outcome: game.Outcome(result), Reason: game.Reason(reason)}
	}
	rec.Seq = uint64(seq)
	if finished.Valid {
		rec.FinishedAt = &finished.Time
	}

	return rec, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
