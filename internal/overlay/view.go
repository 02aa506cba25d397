// Package overlay resolves paths and keys through a stack of catalogs:
// a writable top layer over read-only lower layers, nearest layer first.
package overlay

import (
	"context"
	"sort"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/types"
)

// View is a copy-on-write stack of catalogs. Writes and deletions land in
// the top layer only; lower layers are never modified through a View.
type View struct {
	layers []*catalog.Catalog
}

// New stacks top over lowers, nearest lower first.
func New(top *catalog.Catalog, lowers ...*catalog.Catalog) *View {
	return &View{layers: append([]*catalog.Catalog{top}, lowers...)}
}

func (v *View) Top() *catalog.Catalog { return v.layers[0] }

// Read runs fn over a consistent snapshot of every layer.
func (v *View) Read(ctx context.Context, fn func(s *Snapshot) error) error {
	return v.nest(ctx, 0, make([]*catalog.Tx, 0, len(v.layers)), false, fn)
}

// Update runs fn with the top layer in a write transaction. Every change
// fn makes commits together or not at all.
func (v *View) Update(ctx context.Context, fn func(s *Snapshot) error) error {
	return v.nest(ctx, 0, make([]*catalog.Tx, 0, len(v.layers)), true, fn)
}

func (v *View) nest(ctx context.Context, i int, txs []*catalog.Tx, write bool, fn func(s *Snapshot) error) error {
	if i == len(v.layers) {
		return fn(&Snapshot{txs: txs, writable: write})
	}
	run := v.layers[i].View
	if i == 0 && write {
		run = v.layers[i].Update
	}
	return run(ctx, func(tx *catalog.Tx) error {
		return v.nest(ctx, i+1, append(txs, tx), write, fn)
	})
}

func (v *View) ReadFile(ctx context.Context, p string) ([]byte, error) {
	var data []byte
	err := v.Read(ctx, func(s *Snapshot) error {
		var err error
		data, err = s.Read(p)
		return err
	})
	return data, err
}

func (v *View) WriteFile(ctx context.Context, p string, data []byte) error {
	return v.Update(ctx, func(s *Snapshot) error { return s.Write(p, data) })
}

func (v *View) Remove(ctx context.Context, p string) error {
	return v.Update(ctx, func(s *Snapshot) error { return s.Remove(p) })
}

func (v *View) Mkdir(ctx context.Context, p string) error {
	return v.Update(ctx, func(s *Snapshot) error { return s.Mkdir(p) })
}

func (v *View) Link(ctx context.Context, oldPath, newPath string) error {
	return v.Update(ctx, func(s *Snapshot) error { return s.Link(oldPath, newPath) })
}

func (v *View) List(ctx context.Context, p string) ([]types.DirEntry, error) {
	var out []types.DirEntry
	err := v.Read(ctx, func(s *Snapshot) error {
		var err error
		out, err = s.List(p)
		return err
	})
	return out, err
}

func (v *View) Stat(ctx context.Context, p string) (*types.FileInfo, error) {
	var out *types.FileInfo
	err := v.Read(ctx, func(s *Snapshot) error {
		var err error
		out, err = s.Stat(p)
		return err
	})
	return out, err
}

func (v *View) KVGet(ctx context.Context, ns, key string) ([]byte, error) {
	var out []byte
	err := v.Read(ctx, func(s *Snapshot) error {
		var err error
		out, err = s.KVGet(ns, key)
		return err
	})
	return out, err
}

func (v *View) KVPut(ctx context.Context, ns, key string, value []byte) error {
	return v.Update(ctx, func(s *Snapshot) error { return s.KVPut(ns, key, value) })
}

func (v *View) KVDelete(ctx context.Context, ns, key string) error {
	return v.Update(ctx, func(s *Snapshot) error { return s.KVDelete(ns, key) })
}

func (v *View) KVList(ctx context.Context, ns, prefix string) ([]KVPair, error) {
	var out []KVPair
	err := v.Read(ctx, func(s *Snapshot) error {
		var err error
		out, err = s.KVList(ns, prefix)
		return err
	})
	return out, err
}

// Files lists every file path in the resolved tree, sorted.
func (v *View) Files(ctx context.Context) ([]string, error) {
	var out []string
	err := v.Read(ctx, func(s *Snapshot) error {
		return s.Walk("", func(p string, info types.FileInfo) error {
			if info.Kind == types.KindFile {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

// Changes compares the resolved view with the resolved view of the
// lower layers alone and reports which files the top layer adds,
// modifies or removes.
func (v *View) Changes(ctx context.Context) ([]types.Change, error) {
	var out []types.Change
	err := v.Read(ctx, func(s *Snapshot) error {
		after, err := s.fileRefs(0)
		if err != nil {
			return err
		}
		before := map[string]bool{}
		if len(s.txs) > 1 {
			base, err := s.fileRefs(1)
			if err != nil {
				return err
			}
			for p, ref := range base {
				before[p] = true
				now, ok := after[p]
				switch {
				case !ok:
					out = append(out, types.Change{Path: p, Kind: types.ChangeRemoved})
				case now != ref:
					out = append(out, types.Change{Path: p, Kind: types.ChangeModified})
				}
			}
		}
		for p := range after {
			if !before[p] {
				out = append(out, types.Change{Path: p, Kind: types.ChangeAdded})
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, err
}
