package factory

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/aidekit/minder/internal/history"
	"github.com/aidekit/minder/internal/history/clickhouse"
	"github.com/aidekit/minder/internal/history/opensearch"
)

// NewSinkFromDSN creates a history sink based on DSN format.
// Supported formats:
//   - "clickhouse://[user:pass@]host:port?database=db&table=table"
//   - "opensearch://host:port/index" (also "elasticsearch://")
//
// Durable lifecycle persistence belongs to the journal stores; history sinks
// are export-only.
func NewSinkFromDSN(dsn string) (history.Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "clickhouse://") {
		return parseClickHouseDSN(dsn)
	}
	if strings.HasPrefix(lower, "opensearch://") || strings.HasPrefix(lower, "elasticsearch://") {
		return parseOpenSearchDSN(dsn)
	}
	return nil, errors.New("unsupported history DSN: " + dsn)
}

func parseClickHouseDSN(dsn string) (history.Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	host := u.Host
	if host == "" {
		host = "localhost:9000" // default ClickHouse native port
	}
	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	q := u.Query()
	sink, err := clickhouse.New(host, q.Get("database"), username, password, q.Get("table"))
	if err != nil {
		return nil, err
	}
	if err := sink.EnsureSchema(context.Background()); err != nil {
		_ = sink.Close()
		return nil, err
	}
	return sink, nil
}

func parseOpenSearchDSN(dsn string) (history.Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	baseURL := "http://" + u.Host
	index := strings.Trim(u.Path, "/")
	return opensearch.New(baseURL, index), nil
}
