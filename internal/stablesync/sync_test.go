package stablesync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/overlay"
	"github.com/user/agentfs/internal/types"
)

func write(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func setup(t *testing.T) (context.Context, string, *overlay.View, *Syncer) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	reg, err := catalog.NewRegistry(filepath.Join(dir, "catalogs"), catalog.Options{PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	stable, err := reg.Open(ctx, types.StableCatalog)
	require.NoError(t, err)

	root := filepath.Join(dir, "host")
	require.NoError(t, os.MkdirAll(root, 0o755))
	s, err := New(root, overlay.NewStableWriter(stable), []string{".git", "*.log", "build/**"}, nil)
	require.NoError(t, err)
	return ctx, root, overlay.New(stable), s
}

func TestSyncMirrorsHostDirectory(t *testing.T) {
	ctx, root, stable, s := setup(t)
	write(t, root, "README.md", "hello")
	write(t, root, "src/main.go", "package main")
	write(t, root, "empty.txt", "")
	write(t, root, "debug.log", "noise")
	write(t, root, ".git/HEAD", "ref: main")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))

	res, err := s.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Written)
	require.Zero(t, res.Removed)

	got, err := stable.ReadFile(ctx, "src/main.go")
	require.NoError(t, err)
	require.Equal(t, "package main", string(got))
	info, err := stable.Stat(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, types.KindDir, info.Kind)
	_, err = stable.ReadFile(ctx, "debug.log")
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = stable.Stat(ctx, ".git")
	require.ErrorIs(t, err, types.ErrNotFound)

	res, err = s.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Unchanged: 3}, res, "second sync is a no-op")
}

func TestSyncWritesChangesAndRemovesVanished(t *testing.T) {
	ctx, root, stable, s := setup(t)
	write(t, root, "a.txt", "v1")
	write(t, root, "old/x.txt", "x")
	write(t, root, "swap", "file")
	_, err := s.Sync(ctx)
	require.NoError(t, err)

	// Written straight into stable; ignored, so sync must keep it.
	require.NoError(t, stable.WriteFile(ctx, "keep.log", []byte("k")))

	write(t, root, "a.txt", "v2")
	require.NoError(t, os.RemoveAll(filepath.Join(root, "old")))
	require.NoError(t, os.Remove(filepath.Join(root, "swap")))
	write(t, root, "swap/inner.txt", "now a dir")

	res, err := s.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Written)
	require.Equal(t, 2, res.Removed)

	got, err := stable.ReadFile(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))
	_, err = stable.Stat(ctx, "old")
	require.ErrorIs(t, err, types.ErrNotFound)
	got, err = stable.ReadFile(ctx, "swap/inner.txt")
	require.NoError(t, err)
	require.Equal(t, "now a dir", string(got))
	_, err = stable.ReadFile(ctx, "keep.log")
	require.NoError(t, err)
}

func TestMatcher(t *testing.T) {
	m, err := NewMatcher([]string{"*.log", "build/**", "node_modules"})
	require.NoError(t, err)
	for p, want := range map[string]bool{
		"x.log":                true,
		"deep/dir/x.log":       true,
		"build/out/bin":        true,
		"web/node_modules":     true,
		"src/main.go":          false,
		"buildscripts/make.sh": false,
	} {
		require.Equal(t, want, m.Ignored(p), p)
	}
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New("", nil, nil, nil)
	require.Error(t, err)
}
