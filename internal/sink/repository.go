package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/park285/chess-arena/internal/domain"
)

type dialect struct {
	driver string
	schema string
	// bind renders the n-th (1-based) placeholder
	bind func(n int) string
}

var postgresDialect = dialect{
	driver: "postgres",
	schema: `CREATE TABLE IF NOT EXISTS arena_games (
		session_id   TEXT PRIMARY KEY,
		first_id     TEXT NOT NULL,
		first_name   TEXT NOT NULL,
		second_id    TEXT NOT NULL,
		second_name  TEXT NOT NULL,
		category     TEXT NOT NULL,
		status       TEXT NOT NULL,
		result       TEXT NOT NULL,
		reason       TEXT NOT NULL,
		moves_uci    TEXT NOT NULL,
		moves_san    TEXT NOT NULL,
		pgn          TEXT NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		ended_at     TIMESTAMPTZ NOT NULL,
		duration_ms  BIGINT NOT NULL
	)`,
	bind: func(n int) string { return fmt.Sprintf("$%d", n) },
}

var sqliteDialect = dialect{
	driver: "sqlite",
	schema: `CREATE TABLE IF NOT EXISTS arena_games (
		session_id   TEXT PRIMARY KEY,
		first_id     TEXT NOT NULL,
		first_name   TEXT NOT NULL,
		second_id    TEXT NOT NULL,
		second_name  TEXT NOT NULL,
		category     TEXT NOT NULL,
		status       TEXT NOT NULL,
		result       TEXT NOT NULL,
		reason       TEXT NOT NULL,
		moves_uci    TEXT NOT NULL,
		moves_san    TEXT NOT NULL,
		pgn          TEXT NOT NULL,
		started_at   TIMESTAMP NOT NULL,
		ended_at     TIMESTAMP NOT NULL,
		duration_ms  INTEGER NOT NULL
	)`,
	bind: func(int) string { return "?" },
}

const gameColumns = `session_id, first_id, first_name, second_id, second_name,
	category, status, result, reason, moves_uci, moves_san, pgn,
	started_at, ended_at, duration_ms`

// Repository stores final records in a SQL table. Inserts never overwrite:
// the first record for a session wins.
type Repository struct {
	db      *sql.DB
	dialect dialect
}

func NewPostgres(ctx context.Context, databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open(postgresDialect.driver, databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	return open(ctx, db, postgresDialect)
}

// NewSQLite opens (and creates) a database file. ":memory:" works for tests.
func NewSQLite(ctx context.Context, path string) (*Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	return open(ctx, db, sqliteDialect)
}

func open(ctx context.Context, db *sql.DB, d dialect) (*Repository, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(pingCtx, d.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create arena_games: %w", err)
	}
	return &Repository{db: db, dialect: d}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = r.dialect.bind(i + 1)
	}
	return strings.Join(parts, ",")
}

func (r *Repository) Record(ctx context.Context, rec domain.FinalRecord) error {
	if r == nil || r.db == nil {
		return nil
	}
	rec = withPGN(rec)
	movesUCIRaw, _ := json.Marshal(nonNil(rec.MovesUCI))
	movesSANRaw, _ := json.Marshal(nonNil(rec.MovesSAN))
	duration := rec.Duration.Milliseconds()
	if duration < 0 {
		duration = 0
	}
	endedAt := rec.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	q := `INSERT INTO arena_games (` + gameColumns + `) VALUES (` + r.placeholders(15) + `)
		ON CONFLICT (session_id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q,
		rec.SessionID,
		rec.First.ID, rec.First.Name,
		rec.Second.ID, rec.Second.Name,
		string(rec.Category), string(rec.Status), string(rec.Result), string(rec.Reason),
		string(movesUCIRaw), string(movesSANRaw), rec.PGN,
		rec.StartedAt.UTC(), endedAt.UTC(), duration,
	)
	if err != nil {
		return fmt.Errorf("insert arena_games %s: %w", rec.SessionID, err)
	}
	return nil
}

var ErrRecordNotFound = errors.New("final record not found")

// Load reads one final record back.
func (r *Repository) Load(ctx context.Context, sessionID string) (*domain.FinalRecord, error) {
	q := `SELECT ` + gameColumns + ` FROM arena_games WHERE session_id = ` + r.dialect.bind(1)
	var (
		rec                domain.FinalRecord
		category, status   string
		result, reason     string
		movesUCI, movesSAN string
		startedAt, endedAt string
		durationMS         int64
	)
	err := r.db.QueryRowContext(ctx, q, sessionID).Scan(
		&rec.SessionID,
		&rec.First.ID, &rec.First.Name,
		&rec.Second.ID, &rec.Second.Name,
		&category, &status, &result, &reason,
		&movesUCI, &movesSAN, &rec.PGN,
		&startedAt, &endedAt, &durationMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Category = domain.Category(category)
	rec.Status = domain.Status(status)
	rec.Result = domain.Result(result)
	rec.Reason = domain.Reason(reason)
	if err := json.Unmarshal([]byte(movesUCI), &rec.MovesUCI); err != nil {
		return nil, fmt.Errorf("decode moves_uci: %w", err)
	}
	if err := json.Unmarshal([]byte(movesSAN), &rec.MovesSAN); err != nil {
		return nil, fmt.Errorf("decode moves_san: %w", err)
	}
	if rec.StartedAt, err = parseStoredTime(startedAt); err != nil {
		return nil, err
	}
	if rec.EndedAt, err = parseStoredTime(endedAt); err != nil {
		return nil, err
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return &rec, nil
}

// parseStoredTime accepts both the RFC 3339 text database/sql produces from
// a scanned time.Time and the layout the sqlite driver writes.
func parseStoredTime(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
