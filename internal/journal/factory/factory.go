package factory

import (
	"errors"
	"strings"

	"github.com/aidekit/minder/internal/journal"
	pg "github.com/aidekit/minder/internal/journal/postgres"
	sq "github.com/aidekit/minder/internal/journal/sqlite"
)

// NewFromDSN selects a journal store implementation based on DSN.
// Supported:
//   - sqlite:   "sqlite://<path>" or a bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (journal.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(strings.TrimPrefix(d, "sqlite://"))
	}
	// default to sqlite path
	return sq.New(d)
}
