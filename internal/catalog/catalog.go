// Package catalog persists one inode table, directory-entry table, block
// store and key-value namespace per catalog file.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/user/agentfs/internal/content"
	"github.com/user/agentfs/internal/types"
)

// Options configures how catalogs are opened.
type Options struct {
	// Compression is applied to newly stored blocks.
	Compression content.Policy
	PoolSize    int
	Logger      *slog.Logger
}

// Catalog is a handle to one catalog database. It is safe for concurrent
// use; SQLite serializes writers and readers see committed snapshots.
type Catalog struct {
	name   types.CatalogName
	path   string
	pool   *pool
	policy content.Policy
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the catalog file at path.
func Open(ctx context.Context, name types.CatalogName, path string, opts Options) (*Catalog, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Compression
	if policy == "" {
		policy = content.PolicyAuto
	}
	p, err := openPool(path, opts.PoolSize, logger)
	if err != nil {
		return nil, &types.StorageError{Catalog: name, Op: "open", Err: fmt.Errorf("%w: %w", types.ErrIOFailure, err)}
	}
	c := &Catalog{
		name:   name,
		path:   path,
		pool:   p,
		policy: policy,
		logger: logger.With("catalog", string(name)),
	}
	if err := c.ensureSchema(ctx); err != nil {
		p.close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) ensureSchema(ctx context.Context) error {
	conn, err := c.pool.take(ctx)
	if err != nil {
		return c.ioError("schema", err)
	}
	defer c.pool.put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return c.ioError("schema", err)
	}
	return nil
}

func (c *Catalog) Name() types.CatalogName { return c.name }

func (c *Catalog) Path() string { return c.path }

// Update runs fn inside an immediate (write-locked) transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (c *Catalog) Update(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, err := c.pool.take(ctx)
	if err != nil {
		return c.ioError("update", err)
	}
	defer c.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return c.ioError("begin", err)
	}
	defer endTransaction(&err)

	return fn(&Tx{conn: conn, cat: c})
}

// View runs fn inside a read transaction over a consistent snapshot.
func (c *Catalog) View(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, err := c.pool.take(ctx)
	if err != nil {
		return c.ioError("view", err)
	}
	defer c.pool.put(conn)

	endTransaction := sqlitex.Transaction(conn)
	defer endTransaction(&err)

	return fn(&Tx{conn: conn, cat: c, readOnly: true})
}

// Close releases the pool. It is safe to call more than once.
func (c *Catalog) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.pool.close()
	})
	return c.closeErr
}

func (c *Catalog) ioError(op string, err error) error {
	return &types.StorageError{Catalog: c.name, Op: op, Err: fmt.Errorf("%w: %w", types.ErrIOFailure, err)}
}
