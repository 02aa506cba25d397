package overlay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/types"
)

type fixture struct {
	stable  *catalog.Catalog
	top     *catalog.Catalog
	view    *View
	base    *View
	writer  *StableWriter
	context context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	reg, err := catalog.NewRegistry(filepath.Join(t.TempDir(), "catalogs"), catalog.Options{PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	stable, err := reg.Open(ctx, types.StableCatalog)
	require.NoError(t, err)
	top, err := reg.Open(ctx, types.OverlayCatalog(types.NewAgentID()))
	require.NoError(t, err)
	return &fixture{
		stable:  stable,
		top:     top,
		view:    New(top, stable),
		base:    New(stable),
		writer:  NewStableWriter(stable),
		context: ctx,
	}
}

func (f *fixture) seed(t *testing.T, files map[string]string) {
	t.Helper()
	require.NoError(t, f.writer.Apply(f.context, func(s *Snapshot) error {
		for p, body := range files {
			if err := s.Write(p, []byte(body)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (f *fixture) tree(t *testing.T, v *View) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, v.Read(f.context, func(s *Snapshot) error {
		return s.Walk("", func(p string, info types.FileInfo) error {
			if info.Kind != types.KindFile {
				return nil
			}
			data, err := s.Read(p)
			out[p] = string(data)
			return err
		})
	}))
	return out
}

func TestCleanPath(t *testing.T) {
	cases := map[string]string{"": "", "/": "", ".": "", "/a/b/": "a/b", "a//b/./c": "a/b/c", "a/../b": "b"}
	for in, want := range cases {
		got, err := Clean(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := Clean("../etc/passwd")
	require.Error(t, err)
}

func TestWriteIsolation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{"a/file.txt": "v1"})

	require.NoError(t, f.view.WriteFile(f.context, "a/file.txt", []byte("v2")))

	got, err := f.view.ReadFile(f.context, "/a/file.txt")
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))

	got, err = f.base.ReadFile(f.context, "/a/file.txt")
	require.NoError(t, err)
	require.Equal(t, "v1", string(got), "stable must be untouched by overlay writes")
}

func TestFallthrough(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{"docs/readme.md": "hello"})

	got, err := f.view.ReadFile(f.context, "docs/readme.md")
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	_, err = f.view.ReadFile(f.context, "docs/missing.md")
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.view.ReadFile(f.context, "docs")
	require.ErrorIs(t, err, types.ErrIsDir)

	_, err = f.view.ReadFile(f.context, "docs/readme.md/child")
	require.ErrorIs(t, err, types.ErrNotDir)
}

func TestRemoveLeavesWhiteout(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{"a/x.txt": "x", "a/y.txt": "y"})

	require.NoError(t, f.view.Remove(f.context, "a/x.txt"))

	_, err := f.view.ReadFile(f.context, "a/x.txt")
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.base.ReadFile(f.context, "a/x.txt")
	require.NoError(t, err, "stable still has the file")

	entries, err := f.view.List(f.context, "a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "y.txt", entries[0].Name)

	require.NoError(t, f.top.View(f.context, func(tx *catalog.Tx) error {
		a, found, err := tx.Lookup(catalog.RootIno, "a")
		require.NoError(t, err)
		require.True(t, found)
		d, found, err := tx.Lookup(a.Child, "x.txt")
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, d.Whiteout())
		return nil
	}))

	err = f.view.Remove(f.context, "a/x.txt")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestRemoveOverlayOnlyFileLeavesNoWhiteout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.view.WriteFile(f.context, "tmp.txt", []byte("t")))
	require.NoError(t, f.view.Remove(f.context, "tmp.txt"))
	require.NoError(t, f.top.View(f.context, func(tx *catalog.Tx) error {
		_, found, err := tx.Lookup(catalog.RootIno, "tmp.txt")
		require.NoError(t, err)
		require.False(t, found)
		return nil
	}))
}

func TestListUnion(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{"src/a.go": "a", "src/b.go": "b"})
	require.NoError(t, f.view.WriteFile(f.context, "src/c.go", []byte("c")))
	require.NoError(t, f.view.WriteFile(f.context, "src/a.go", []byte("a2")))

	entries, err := f.view.List(f.context, "src")
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"a.go", "b.go", "c.go"}, names)
	require.Equal(t, int64(2), entries[0].Size)
}

func TestRecreatedDirectoryIsOpaque(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{"pkg/old.go": "old"})

	require.NoError(t, f.view.Remove(f.context, "pkg"))
	require.NoError(t, f.view.WriteFile(f.context, "pkg/new.go", []byte("new")))

	entries, err := f.view.List(f.context, "pkg")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "new.go", entries[0].Name)

	_, err = f.view.ReadFile(f.context, "pkg/old.go")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestWriteOverDirectoryFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{"dir/file": "x"})
	err := f.view.WriteFile(f.context, "dir", []byte("y"))
	require.ErrorIs(t, err, types.ErrIsDir)
	err = f.view.WriteFile(f.context, "dir/file/nested", []byte("y"))
	require.ErrorIs(t, err, types.ErrNotDir)
}

func TestLinkCopiesUpAndShares(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{"orig.txt": "one"})

	require.NoError(t, f.view.Link(f.context, "orig.txt", "alias.txt"))
	require.NoError(t, f.view.WriteFile(f.context, "alias.txt", []byte("two")))

	got, err := f.view.ReadFile(f.context, "orig.txt")
	require.NoError(t, err)
	require.Equal(t, "two", string(got), "both names share one inode")

	info, err := f.view.Stat(f.context, "orig.txt")
	require.NoError(t, err)
	require.Equal(t, 2, info.LinkCount)

	got, err = f.base.ReadFile(f.context, "orig.txt")
	require.NoError(t, err)
	require.Equal(t, "one", string(got))

	err = f.view.Link(f.context, "orig.txt", "alias.txt")
	require.ErrorIs(t, err, types.ErrExists)
}

func TestKVFallthroughAndWhiteout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.base.KVPut(f.context, "cfg", "mode", []byte("stable")))
	require.NoError(t, f.base.KVPut(f.context, "cfg", "level", []byte("1")))

	got, err := f.view.KVGet(f.context, "cfg", "mode")
	require.NoError(t, err)
	require.Equal(t, "stable", string(got))

	require.NoError(t, f.view.KVPut(f.context, "cfg", "mode", []byte("overlay")))
	require.NoError(t, f.view.KVDelete(f.context, "cfg", "level"))

	got, err = f.view.KVGet(f.context, "cfg", "mode")
	require.NoError(t, err)
	require.Equal(t, "overlay", string(got))
	_, err = f.view.KVGet(f.context, "cfg", "level")
	require.ErrorIs(t, err, types.ErrNotFound)

	pairs, err := f.view.KVList(f.context, "cfg", "")
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	got, err = f.base.KVGet(f.context, "cfg", "level")
	require.NoError(t, err)
	require.Equal(t, "1", string(got))
}

func TestMergeConverges(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{
		"a/file.txt":  "v1",
		"a/gone.txt":  "bye",
		"b/keep.txt":  "keep",
		"old/one.txt": "1",
	})
	require.NoError(t, f.base.KVPut(f.context, "meta", "drop", []byte("x")))

	require.NoError(t, f.view.WriteFile(f.context, "a/file.txt", []byte("v2")))
	require.NoError(t, f.view.WriteFile(f.context, "new.py", []byte("print('hi')")))
	require.NoError(t, f.view.Remove(f.context, "a/gone.txt"))
	require.NoError(t, f.view.Remove(f.context, "old"))
	require.NoError(t, f.view.WriteFile(f.context, "old/two.txt", []byte("2")))
	require.NoError(t, f.view.Link(f.context, "new.py", "copy.py"))
	require.NoError(t, f.view.KVPut(f.context, "meta", "added", []byte("y")))
	require.NoError(t, f.view.KVDelete(f.context, "meta", "drop"))

	want := f.tree(t, f.view)

	stats, err := f.writer.Merge(f.context, f.top)
	require.NoError(t, err)
	require.Positive(t, stats.Files)

	require.Equal(t, want, f.tree(t, f.base))

	info, err := f.base.Stat(f.context, "copy.py")
	require.NoError(t, err)
	require.Equal(t, 2, info.LinkCount, "hard links survive the merge")

	_, err = f.base.KVGet(f.context, "meta", "drop")
	require.ErrorIs(t, err, types.ErrNotFound)
	got, err := f.base.KVGet(f.context, "meta", "added")
	require.NoError(t, err)
	require.Equal(t, "y", string(got))
}

func TestMergeIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{"keep.txt": "k"})
	require.NoError(t, f.view.WriteFile(f.context, "a.txt", []byte("a")))
	require.NoError(t, f.view.WriteFile(f.context, "b.txt", []byte("b")))
	require.NoError(t, f.top.Update(f.context, func(tx *catalog.Tx) error {
		return tx.PutDentry(catalog.RootIno, "b.txt", 9999)
	}))

	_, err := f.writer.Merge(f.context, f.top)
	require.ErrorIs(t, err, types.ErrNotFound)
	require.Equal(t, map[string]string{"keep.txt": "k"}, f.tree(t, f.base))
}

func TestKVListMultibytePrefix(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.base.KVPut(f.context, "ns", "été:1", []byte("stable")))
	require.NoError(t, f.view.KVPut(f.context, "ns", "été:2", []byte("overlay")))
	require.NoError(t, f.view.KVPut(f.context, "ns", "étéx", []byte("other")))

	pairs, err := f.view.KVList(f.context, "ns", "été:")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
}

func TestChanges(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]string{"same.txt": "s", "edit.txt": "e", "del.txt": "d"})

	require.NoError(t, f.view.WriteFile(f.context, "edit.txt", []byte("e2")))
	require.NoError(t, f.view.WriteFile(f.context, "same.txt", []byte("s")))
	require.NoError(t, f.view.WriteFile(f.context, "add.txt", []byte("a")))
	require.NoError(t, f.view.Remove(f.context, "del.txt"))

	changes, err := f.view.Changes(f.context)
	require.NoError(t, err)
	require.Equal(t, []types.Change{
		{Path: "add.txt", Kind: types.ChangeAdded},
		{Path: "del.txt", Kind: types.ChangeRemoved},
		{Path: "edit.txt", Kind: types.ChangeModified},
	}, changes)
}

func TestReadSnapshotRefusesWrites(t *testing.T) {
	f := newFixture(t)
	err := f.view.Read(f.context, func(s *Snapshot) error {
		return s.Write("x", []byte("y"))
	})
	require.Error(t, err)
}
