package overlay

import (
	"errors"
	"sort"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/content"
	"github.com/user/agentfs/internal/types"
)

// Snapshot is a consistent view across every layer for the duration of
// one View or Update call. txs[0] is the top layer; only it is written.
type Snapshot struct {
	txs      []*catalog.Tx
	writable bool
}

// layerDir is one layer's directory participating in a merged directory.
type layerDir struct {
	layer int
	ino   int64
}

type resolveKind int

const (
	missing resolveKind = iota
	isFile
	isDir
)

// resolved is the outcome of walking a path through the layer stack.
type resolved struct {
	kind  resolveKind
	layer int
	inode *catalog.Inode
	dirs  []layerDir
}

func (s *Snapshot) top() *catalog.Tx { return s.txs[0] }

func (s *Snapshot) storageErr(op, p string, err error) error {
	return &types.StorageError{Catalog: s.top().Catalog(), Op: op, Path: "/" + p, Err: err}
}

func (s *Snapshot) rootDirs(from int) []layerDir {
	dirs := make([]layerDir, 0, len(s.txs)-from)
	for i := from; i < len(s.txs); i++ {
		dirs = append(dirs, layerDir{layer: i, ino: catalog.RootIno})
	}
	return dirs
}

// resolve walks clean through layers[from:]. The nearest layer with an
// entry for a name decides it: a whiteout hides everything below, a file
// shadows lower entries, and a directory merges with lower directories
// of the same name unless it is opaque.
func (s *Snapshot) resolve(clean string, from int) (resolved, error) {
	cur := s.rootDirs(from)
	parts := split(clean)
	if len(parts) == 0 {
		return resolved{kind: isDir, dirs: cur}, nil
	}
	for i, name := range parts {
		var (
			next []layerDir
			file *resolved
		)
	layers:
		for _, ld := range cur {
			tx := s.txs[ld.layer]
			d, found, err := tx.Lookup(ld.ino, name)
			if err != nil {
				return resolved{}, err
			}
			if !found {
				continue
			}
			if d.Whiteout() {
				break
			}
			ino, err := tx.Inode(d.Child)
			if err != nil {
				return resolved{}, err
			}
			switch {
			case ino.IsDir():
				next = append(next, layerDir{layer: ld.layer, ino: ino.ID})
				if ino.Opaque {
					break layers
				}
			case len(next) == 0:
				file = &resolved{kind: isFile, layer: ld.layer, inode: ino}
				break layers
			default:
				// a file below a directory is shadowed
				break layers
			}
		}
		if file != nil {
			if i == len(parts)-1 {
				return *file, nil
			}
			return resolved{}, s.storageErr("lookup", clean, types.ErrNotDir)
		}
		if len(next) == 0 {
			return resolved{kind: missing}, nil
		}
		cur = next
	}
	return resolved{kind: isDir, dirs: cur}, nil
}

func (s *Snapshot) mustClean(p string) (string, error) {
	clean, err := Clean(p)
	if err != nil {
		return "", &types.StorageError{Catalog: s.top().Catalog(), Op: "lookup", Path: p, Err: err}
	}
	return clean, nil
}

// Read returns the content of the file at p.
func (s *Snapshot) Read(p string) ([]byte, error) {
	clean, err := s.mustClean(p)
	if err != nil {
		return nil, err
	}
	r, err := s.resolve(clean, 0)
	if err != nil {
		return nil, err
	}
	switch r.kind {
	case missing:
		return nil, s.storageErr("read", clean, types.ErrNotFound)
	case isDir:
		return nil, s.storageErr("read", clean, types.ErrIsDir)
	}
	return s.txs[r.layer].ReadContent(r.inode)
}

// Stat describes p.
func (s *Snapshot) Stat(p string) (*types.FileInfo, error) {
	clean, err := s.mustClean(p)
	if err != nil {
		return nil, err
	}
	r, err := s.resolve(clean, 0)
	if err != nil {
		return nil, err
	}
	switch r.kind {
	case missing:
		return nil, s.storageErr("stat", clean, types.ErrNotFound)
	case isFile:
		return &types.FileInfo{
			Path:      clean,
			Kind:      types.KindFile,
			Size:      r.inode.Size,
			LinkCount: r.inode.LinkCount,
			ModTime:   r.inode.ModTime,
		}, nil
	}
	top := r.dirs[0]
	ino, err := s.txs[top.layer].Inode(top.ino)
	if err != nil {
		return nil, err
	}
	return &types.FileInfo{Path: clean, Kind: types.KindDir, LinkCount: ino.LinkCount, ModTime: ino.ModTime}, nil
}

// Exists reports whether p resolves to a live entry.
func (s *Snapshot) Exists(p string) (bool, error) {
	clean, err := s.mustClean(p)
	if err != nil {
		return false, err
	}
	r, err := s.resolve(clean, 0)
	if err != nil {
		return false, err
	}
	return r.kind != missing, nil
}

type listed struct {
	types.DirEntry
	layer int
	inode *catalog.Inode
}

func (s *Snapshot) listDirs(dirs []layerDir) ([]listed, error) {
	seen := make(map[string]bool)
	var out []listed
	for _, ld := range dirs {
		tx := s.txs[ld.layer]
		children, err := tx.Children(ld.ino)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			if c.Whiteout() {
				continue
			}
			ino, err := tx.Inode(c.Child)
			if err != nil {
				return nil, err
			}
			out = append(out, listed{
				DirEntry: types.DirEntry{Name: c.Name, Kind: ino.Kind.EntryKind(), Size: ino.Size},
				layer:    ld.layer,
				inode:    ino,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// List returns the merged entries of the directory at p, sorted by name.
func (s *Snapshot) List(p string) ([]types.DirEntry, error) {
	clean, err := s.mustClean(p)
	if err != nil {
		return nil, err
	}
	r, err := s.resolve(clean, 0)
	if err != nil {
		return nil, err
	}
	switch r.kind {
	case missing:
		return nil, s.storageErr("readdir", clean, types.ErrNotFound)
	case isFile:
		return nil, s.storageErr("readdir", clean, types.ErrNotDir)
	}
	entries, err := s.listDirs(r.dirs)
	if err != nil {
		return nil, err
	}
	out := make([]types.DirEntry, len(entries))
	for i, e := range entries {
		out[i] = e.DirEntry
	}
	return out, nil
}

// WalkFunc is called for every entry below the walk root in depth-first,
// name order. Returning SkipDir from a directory skips its children.
type WalkFunc func(p string, info types.FileInfo) error

// SkipDir is returned by a WalkFunc to skip a directory's children.
var SkipDir = errors.New("skip this directory")

// Walk visits the merged tree under p.
func (s *Snapshot) Walk(p string, fn WalkFunc) error {
	return s.walk(p, 0, func(p string, e listed) error {
		return fn(p, types.FileInfo{
			Path:      p,
			Kind:      e.Kind,
			Size:      e.Size,
			LinkCount: e.inode.LinkCount,
			ModTime:   e.inode.ModTime,
		})
	})
}

func (s *Snapshot) walk(p string, from int, fn func(p string, e listed) error) error {
	clean, err := s.mustClean(p)
	if err != nil {
		return err
	}
	r, err := s.resolve(clean, from)
	if err != nil {
		return err
	}
	switch r.kind {
	case missing:
		return s.storageErr("walk", clean, types.ErrNotFound)
	case isFile:
		return s.storageErr("walk", clean, types.ErrNotDir)
	}
	return s.walkDirs(clean, from, r.dirs, fn)
}

func (s *Snapshot) walkDirs(dir string, from int, dirs []layerDir, fn func(p string, e listed) error) error {
	entries, err := s.listDirs(dirs)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := join(dir, e.Name)
		err := fn(p, e)
		if e.Kind != types.KindDir {
			if err != nil {
				return err
			}
			continue
		}
		if err == SkipDir {
			continue
		}
		if err != nil {
			return err
		}
		r, err := s.resolve(p, from)
		if err != nil {
			return err
		}
		if err := s.walkDirs(p, from, r.dirs, fn); err != nil {
			return err
		}
	}
	return nil
}

// fileRefs maps every file path under the root of layers[from:] to its
// content ref.
func (s *Snapshot) fileRefs(from int) (map[string]content.Ref, error) {
	out := make(map[string]content.Ref)
	err := s.walk("", from, func(p string, e listed) error {
		if e.Kind == types.KindFile {
			out[p] = e.inode.Ref
		}
		return nil
	})
	return out, err
}

// Refs maps every file path in the resolved tree to its content ref.
func (s *Snapshot) Refs() (map[string]content.Ref, error) {
	return s.fileRefs(0)
}
