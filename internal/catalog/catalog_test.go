package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/user/agentfs/internal/content"
	"github.com/user/agentfs/internal/types"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(context.Background(), "test", filepath.Join(t.TempDir(), "test.db"), Options{PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRootExists(t *testing.T) {
	c := openTestCatalog(t)
	err := c.View(context.Background(), func(tx *Tx) error {
		root, err := tx.Inode(RootIno)
		require.NoError(t, err)
		require.True(t, root.IsDir())
		return nil
	})
	require.NoError(t, err)
}

func TestCreateReadAndReplaceContent(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	body := []byte(strings.Repeat("hello world\n", 100))

	var id int64
	require.NoError(t, c.Update(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.CreateFile(RootIno, "a.txt", body)
		return err
	}))

	require.NoError(t, c.View(ctx, func(tx *Tx) error {
		d, found, err := tx.Lookup(RootIno, "a.txt")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, id, d.Child)
		ino, err := tx.Inode(id)
		require.NoError(t, err)
		got, err := tx.ReadContent(ino)
		require.NoError(t, err)
		require.Equal(t, body, got)
		return nil
	}))

	oldRef := content.RefOf(body)
	require.NoError(t, c.Update(ctx, func(tx *Tx) error {
		return tx.SetContent(id, []byte("short"))
	}))
	require.NoError(t, c.View(ctx, func(tx *Tx) error {
		n, err := tx.BlockRefCount(oldRef)
		require.NoError(t, err)
		require.Zero(t, n, "old block should be freed")
		return nil
	}))
}

func TestEmptyFile(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.Update(ctx, func(tx *Tx) error {
		_, err := tx.CreateFile(RootIno, "empty", nil)
		return err
	}))
	require.NoError(t, c.View(ctx, func(tx *Tx) error {
		d, _, err := tx.Lookup(RootIno, "empty")
		require.NoError(t, err)
		ino, err := tx.Inode(d.Child)
		require.NoError(t, err)
		got, err := tx.ReadContent(ino)
		require.NoError(t, err)
		require.Empty(t, got)
		return nil
	}))
}

func TestBlocksAreDeduplicatedAndRefcounted(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	body := []byte("same bytes")
	ref := content.RefOf(body)

	require.NoError(t, c.Update(ctx, func(tx *Tx) error {
		if _, err := tx.CreateFile(RootIno, "one", body); err != nil {
			return err
		}
		_, err := tx.CreateFile(RootIno, "two", body)
		return err
	}))
	count := func() int {
		var n int
		require.NoError(t, c.View(ctx, func(tx *Tx) error {
			var err error
			n, err = tx.BlockRefCount(ref)
			return err
		}))
		return n
	}
	require.Equal(t, 2, count())

	require.NoError(t, c.Update(ctx, func(tx *Tx) error { return tx.Unlink(RootIno, "one") }))
	require.Equal(t, 1, count())
	require.NoError(t, c.Update(ctx, func(tx *Tx) error { return tx.Unlink(RootIno, "two") }))
	require.Equal(t, 0, count())
}

func TestHardLinkKeepsInodeAlive(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.Update(ctx, func(tx *Tx) error {
		id, err := tx.CreateFile(RootIno, "orig", []byte("data"))
		if err != nil {
			return err
		}
		return tx.Link(id, RootIno, "alias")
	}))
	require.NoError(t, c.Update(ctx, func(tx *Tx) error { return tx.Unlink(RootIno, "orig") }))
	require.NoError(t, c.View(ctx, func(tx *Tx) error {
		d, found, err := tx.Lookup(RootIno, "alias")
		require.NoError(t, err)
		require.True(t, found)
		ino, err := tx.Inode(d.Child)
		require.NoError(t, err)
		require.Equal(t, 1, ino.LinkCount)
		got, err := tx.ReadContent(ino)
		require.NoError(t, err)
		require.Equal(t, "data", string(got))
		return nil
	}))
}

func TestUnlinkDirectoryFreesSubtree(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	var fileID int64
	require.NoError(t, c.Update(ctx, func(tx *Tx) error {
		dir, err := tx.Mkdir(RootIno, "src", false)
		if err != nil {
			return err
		}
		fileID, err = tx.CreateFile(dir, "main.go", []byte("package main"))
		return err
	}))
	require.NoError(t, c.Update(ctx, func(tx *Tx) error { return tx.Unlink(RootIno, "src") }))
	require.NoError(t, c.View(ctx, func(tx *Tx) error {
		_, err := tx.Inode(fileID)
		require.True(t, errors.Is(err, types.ErrNotFound))
		return nil
	}))
}

func TestWhiteout(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.Update(ctx, func(tx *Tx) error {
		if _, err := tx.CreateFile(RootIno, "gone", []byte("x")); err != nil {
			return err
		}
		return tx.Whiteout(RootIno, "gone")
	}))
	require.NoError(t, c.View(ctx, func(tx *Tx) error {
		d, found, err := tx.Lookup(RootIno, "gone")
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, d.Whiteout())
		return nil
	}))
}

func TestFailedUpdateRollsBack(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := c.Update(ctx, func(tx *Tx) error {
		if _, err := tx.CreateFile(RootIno, "partial", []byte("x")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, c.View(ctx, func(tx *Tx) error {
		_, found, err := tx.Lookup(RootIno, "partial")
		require.NoError(t, err)
		require.False(t, found)
		return nil
	}))
}

func TestViewRefusesWrites(t *testing.T) {
	c := openTestCatalog(t)
	err := c.View(context.Background(), func(tx *Tx) error {
		_, err := tx.CreateFile(RootIno, "nope", []byte("x"))
		return err
	})
	require.ErrorIs(t, err, types.ErrIOFailure)
}

func TestKV(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.Update(ctx, func(tx *Tx) error {
		if err := tx.KVPut("ns", "a:1", []byte("one")); err != nil {
			return err
		}
		if err := tx.KVPut("ns", "a:2", []byte{}); err != nil {
			return err
		}
		if err := tx.KVPut("ns", "b:1", []byte("other")); err != nil {
			return err
		}
		return tx.KVWhiteout("ns", "a:3")
	}))
	require.NoError(t, c.View(ctx, func(tx *Tx) error {
		e, found, err := tx.KVGet("ns", "a:2")
		require.NoError(t, err)
		require.True(t, found)
		require.False(t, e.Deleted, "empty value is not a whiteout")

		list, err := tx.KVList("ns", "a:")
		require.NoError(t, err)
		require.Len(t, list, 3)
		require.Equal(t, "a:1", list[0].Key)
		require.True(t, list[2].Deleted)

		ns, err := tx.KVNamespaces()
		require.NoError(t, err)
		require.Equal(t, []string{"ns"}, ns)
		return nil
	}))
}

func TestKVListMultibytePrefix(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.Update(ctx, func(tx *Tx) error {
		for _, k := range []string{"été:1", "étéx", "ét", "ete:1"} {
			if err := tx.KVPut("ns", k, []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, c.View(ctx, func(tx *Tx) error {
		list, err := tx.KVList("ns", "été:")
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, "été:1", list[0].Key)

		list, err = tx.KVList("ns", "été")
		require.NoError(t, err)
		require.Len(t, list, 2)

		list, err = tx.KVList("ns", "")
		require.NoError(t, err)
		require.Len(t, list, 4)
		return nil
	}))
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	reg, err := NewRegistry(t.TempDir(), Options{})
	require.NoError(t, err)
	defer reg.Close()

	name := types.OverlayCatalog(types.NewAgentID())
	require.False(t, reg.Exists(name))
	_, err = reg.Get(ctx, name)
	require.ErrorIs(t, err, types.ErrNotFound)

	c, err := reg.Open(ctx, name)
	require.NoError(t, err)
	again, err := reg.Open(ctx, name)
	require.NoError(t, err)
	require.Same(t, c, again)
	require.True(t, reg.Exists(name))

	names, err := reg.List()
	require.NoError(t, err)
	require.Equal(t, []types.CatalogName{name}, names)

	require.NoError(t, reg.Remove(name))
	require.False(t, reg.Exists(name))
	require.NoError(t, reg.Remove(name), "remove is idempotent")

	_, err = reg.Open(ctx, "../escape")
	require.Error(t, err)
}
