package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aidekit/minder/internal/journal"
)

// DB implements journal.Store for SQLite (modernc.org/sqlite driver,
// CGO-free). DSN is a filesystem path to the database file; use ":memory:"
// for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS supervisor_journal(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			event TEXT NOT NULL,
			state TEXT NOT NULL,
			pid INTEGER NOT NULL,
			port INTEGER NOT NULL,
			detail TEXT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_supervisor_journal_name ON supervisor_journal(name);`,
		`CREATE INDEX IF NOT EXISTS idx_supervisor_journal_created ON supervisor_journal(created_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Append(ctx context.Context, rec journal.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var detail sql.NullString
	if rec.Detail != "" {
		detail = sql.NullString{String: rec.Detail, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supervisor_journal(name, event, state, pid, port, detail, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		rec.Name, rec.Event, rec.State, rec.PID, rec.Port, detail, rec.CreatedAt.UTC())
	return err
}

func (s *DB) Recent(ctx context.Context, name string, limit int) ([]journal.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, event, state, pid, port, detail, created_at
		FROM supervisor_journal
		WHERE name=?
		ORDER BY id DESC
		LIMIT ?;`, name, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM supervisor_journal WHERE created_at < ?;`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]journal.Record, error) {
	out := make([]journal.Record, 0)
	for rows.Next() {
		var r journal.Record
		var detail sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Event, &r.State, &r.PID, &r.Port, &detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}
