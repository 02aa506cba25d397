// Package workspace projects resolved overlay views onto real directories.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/user/agentfs/internal/overlay"
	"github.com/user/agentfs/internal/types"
)

// Materializer writes views under root/<agent_id>. Each tree is
// disposable: it is rebuilt from scratch on every call.
type Materializer struct {
	root    string
	workers int
	logger  *slog.Logger
}

func New(root string, logger *slog.Logger) (*Materializer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{root: root, workers: 8, logger: logger.With("component", "workspace")}, nil
}

// Path returns where the agent's tree lives, whether or not it exists.
func (m *Materializer) Path(id types.AgentID) string {
	return filepath.Join(m.root, string(id))
}

type file struct {
	path string
	data []byte
}

// Materialize replaces the agent's tree with the full resolved view. The
// new tree is built beside the old one and swapped in with a rename.
func (m *Materializer) Materialize(ctx context.Context, id types.AgentID, view *overlay.View) (string, error) {
	var (
		files []file
		dirs  []string
	)
	err := view.Read(ctx, func(s *overlay.Snapshot) error {
		return s.Walk("", func(p string, info types.FileInfo) error {
			if info.Kind == types.KindDir {
				dirs = append(dirs, p)
				return nil
			}
			data, err := s.Read(p)
			if err != nil {
				return err
			}
			files = append(files, file{path: p, data: data})
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("read view: %w", err)
	}

	staging, err := os.MkdirTemp(m.root, "."+string(id)+"-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(staging, filepath.FromSlash(d)), 0o755); err != nil {
			return "", fmt.Errorf("create dir %s: %w", d, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for _, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dst := filepath.Join(staging, filepath.FromSlash(f.path))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			return os.WriteFile(dst, f.data, 0o644)
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("write files: %w", err)
	}

	dst := m.Path(id)
	if err := os.RemoveAll(dst); err != nil {
		return "", fmt.Errorf("clear previous tree: %w", err)
	}
	if err := os.Rename(staging, dst); err != nil {
		return "", fmt.Errorf("swap tree: %w", err)
	}
	m.logger.Debug("materialized", "agent_id", string(id), "files", len(files), "path", dst)
	return dst, nil
}

// Remove deletes the agent's tree. Missing trees are not an error.
func (m *Materializer) Remove(id types.AgentID) error {
	if err := os.RemoveAll(m.Path(id)); err != nil {
		return fmt.Errorf("remove workspace %s: %w", id, err)
	}
	return nil
}

// Orphans returns tree names under root that do not belong to a live
// agent, including abandoned staging dirs.
func (m *Materializer) Orphans(live func(types.AgentID) bool) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !live(types.AgentID(name)) {
			out = append(out, name)
		}
	}
	return out, nil
}

// RemoveNamed deletes a tree returned by Orphans.
func (m *Materializer) RemoveNamed(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid workspace name %q", name)
	}
	return os.RemoveAll(filepath.Join(m.root, name))
}
