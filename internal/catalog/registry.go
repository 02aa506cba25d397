package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/user/agentfs/internal/types"
)

const catalogExt = ".db"

// Registry owns the catalog files under one directory and hands out a
// single shared handle per catalog.
type Registry struct {
	dir    string
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	open map[types.CatalogName]*Catalog
}

// NewRegistry creates dir if needed.
func NewRegistry(dir string, opts Options) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = logger
	return &Registry{
		dir:    dir,
		opts:   opts,
		logger: logger.With("component", "catalogs"),
		open:   make(map[types.CatalogName]*Catalog),
	}, nil
}

func (r *Registry) path(name types.CatalogName) string {
	return filepath.Join(r.dir, string(name)+catalogExt)
}

func validName(name types.CatalogName) error {
	s := string(name)
	if s == "" || strings.ContainsAny(s, `/\`) || strings.HasPrefix(s, ".") {
		return fmt.Errorf("invalid catalog name %q", s)
	}
	return nil
}

// Open returns the catalog, creating it when it does not exist.
func (r *Registry) Open(ctx context.Context, name types.CatalogName) (*Catalog, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.open[name]; ok {
		return c, nil
	}
	c, err := Open(ctx, name, r.path(name), r.opts)
	if err != nil {
		return nil, err
	}
	r.open[name] = c
	return c, nil
}

// Get returns an existing catalog without creating one.
func (r *Registry) Get(ctx context.Context, name types.CatalogName) (*Catalog, error) {
	if !r.Exists(name) {
		return nil, &types.StorageError{Catalog: name, Op: "open", Err: types.ErrNotFound}
	}
	return r.Open(ctx, name)
}

func (r *Registry) Exists(name types.CatalogName) bool {
	if validName(name) != nil {
		return false
	}
	r.mu.Lock()
	_, ok := r.open[name]
	r.mu.Unlock()
	if ok {
		return true
	}
	_, err := os.Stat(r.path(name))
	return err == nil
}

// Remove closes the catalog and deletes its files. Removing a catalog
// that does not exist is not an error.
func (r *Registry) Remove(name types.CatalogName) error {
	if err := validName(name); err != nil {
		return err
	}
	r.mu.Lock()
	c, ok := r.open[name]
	delete(r.open, name)
	r.mu.Unlock()

	if ok {
		if err := c.Close(); err != nil {
			return err
		}
	}
	var errs []error
	base := r.path(name)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &types.StorageError{Catalog: name, Op: "remove", Err: fmt.Errorf("%w: %w", types.ErrIOFailure, errors.Join(errs...))}
	}
	r.logger.Debug("catalog removed", "catalog", string(name))
	return nil
}

// List returns the names of every catalog file on disk, sorted.
func (r *Registry) List() ([]types.CatalogName, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	var out []types.CatalogName
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), catalogExt)
		if !ok || e.IsDir() {
			continue
		}
		out = append(out, types.CatalogName(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Close closes every open catalog.
func (r *Registry) Close() error {
	r.mu.Lock()
	open := r.open
	r.open = make(map[types.CatalogName]*Catalog)
	r.mu.Unlock()

	var errs []error
	for _, c := range open {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
