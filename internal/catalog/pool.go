package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// connPragmas are applied to every pooled connection. WAL lets readers
// of a catalog proceed while its single writer commits.
var connPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

const defaultPoolSize = 4

// pool is a fixed-size set of connections to one catalog file.
type pool struct {
	inner  *sqlitex.Pool
	path   string
	logger *slog.Logger
}

func openPool(path string, size int, logger *slog.Logger) (*pool, error) {
	if size <= 0 {
		size = defaultPoolSize
	}
	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite pool %s: %w", path, err)
	}
	logger.Debug("catalog pool opened", "path", path, "pool_size", size)
	return &pool{inner: inner, path: path, logger: logger}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range connPragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take connection: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// close blocks until every borrowed connection is returned.
func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("catalog pool close error", "path", p.path, "error", err)
		return fmt.Errorf("close sqlite pool %s: %w", p.path, err)
	}
	p.logger.Debug("catalog pool closed", "path", p.path)
	return nil
}
