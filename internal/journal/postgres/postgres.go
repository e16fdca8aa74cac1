package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aidekit/minder/internal/journal"
)

// DB implements journal.Store for PostgreSQL via the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS supervisor_journal(
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			event TEXT NOT NULL,
			state TEXT NOT NULL,
			pid INTEGER NOT NULL,
			port INTEGER NOT NULL,
			detail TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_supervisor_journal_name ON supervisor_journal(name);`,
		`CREATE INDEX IF NOT EXISTS idx_supervisor_journal_created ON supervisor_journal(created_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Append(ctx context.Context, rec journal.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var detail sql.NullString
	if rec.Detail != "" {
		detail = sql.NullString{String: rec.Detail, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO supervisor_journal(name, event, state, pid, port, detail, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7);`,
		rec.Name, rec.Event, rec.State, rec.PID, rec.Port, detail, rec.CreatedAt.UTC())
	return err
}

func (p *DB) Recent(ctx context.Context, name string, limit int) ([]journal.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, event, state, pid, port, detail, created_at
		FROM supervisor_journal
		WHERE name=$1
		ORDER BY id DESC
		LIMIT $2;`, name, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (p *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM supervisor_journal WHERE created_at < $1;`, olderThan.UTC())
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
