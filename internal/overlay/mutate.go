package overlay

import (
	"errors"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/types"
)

var errReadOnlySnapshot = errors.New("snapshot is read-only")

func (s *Snapshot) checkWritable(op, clean string) error {
	if !s.writable {
		return s.storageErr(op, clean, errReadOnlySnapshot)
	}
	return nil
}

// topDir makes sure every component of dir exists as a directory in the
// top layer and returns its inode. Directories that only exist below are
// created as plain directories so lower entries keep showing through; a
// directory created over a whiteout is opaque so the deleted lower tree
// stays hidden.
func (s *Snapshot) topDir(dir string) (int64, error) {
	top := s.top()
	cur := catalog.RootIno
	prefix := ""
	for _, name := range split(dir) {
		prefix = join(prefix, name)
		d, found, err := top.Lookup(cur, name)
		if err != nil {
			return 0, err
		}
		if found && !d.Whiteout() {
			ino, err := top.Inode(d.Child)
			if err != nil {
				return 0, err
			}
			if !ino.IsDir() {
				return 0, s.storageErr("mkdir", prefix, types.ErrNotDir)
			}
			cur = ino.ID
			continue
		}
		opaque := found
		if !found {
			r, err := s.resolve(prefix, 1)
			if err != nil {
				return 0, err
			}
			if r.kind == isFile {
				return 0, s.storageErr("mkdir", prefix, types.ErrNotDir)
			}
		}
		id, err := top.Mkdir(cur, name, opaque)
		if err != nil {
			return 0, err
		}
		cur = id
	}
	return cur, nil
}

func parentAndName(clean string) (string, string) {
	parts := split(clean)
	last := len(parts) - 1
	dir := ""
	for i, part := range parts[:last] {
		if i > 0 {
			dir += "/"
		}
		dir += part
	}
	return dir, parts[last]
}

// Write stores data at p in the top layer, creating parent directories.
func (s *Snapshot) Write(p string, data []byte) error {
	clean, err := s.mustClean(p)
	if err != nil {
		return err
	}
	if err := s.checkWritable("write", clean); err != nil {
		return err
	}
	if clean == "" {
		return s.storageErr("write", clean, types.ErrIsDir)
	}
	r, err := s.resolve(clean, 0)
	if err != nil {
		return err
	}
	if r.kind == isDir {
		return s.storageErr("write", clean, types.ErrIsDir)
	}
	dir, name := parentAndName(clean)
	parent, err := s.topDir(dir)
	if err != nil {
		return err
	}
	top := s.top()
	if r.kind == isFile && r.layer == 0 {
		return top.SetContent(r.inode.ID, data)
	}
	if err := top.Unlink(parent, name); err != nil {
		return err
	}
	_, err = top.CreateFile(parent, name, data)
	return err
}

// Mkdir creates the directory p and any missing parents. It succeeds if p
// is already a directory.
func (s *Snapshot) Mkdir(p string) error {
	clean, err := s.mustClean(p)
	if err != nil {
		return err
	}
	if err := s.checkWritable("mkdir", clean); err != nil {
		return err
	}
	r, err := s.resolve(clean, 0)
	if err != nil {
		return err
	}
	if r.kind == isFile {
		return s.storageErr("mkdir", clean, types.ErrExists)
	}
	_, err = s.topDir(clean)
	return err
}

// Remove deletes p and, for directories, everything below it. Entries
// that only exist in the top layer are dropped; anything visible from a
// lower layer is hidden by a whiteout in the top layer.
func (s *Snapshot) Remove(p string) error {
	clean, err := s.mustClean(p)
	if err != nil {
		return err
	}
	if err := s.checkWritable("remove", clean); err != nil {
		return err
	}
	if clean == "" {
		return s.storageErr("remove", clean, errors.New("cannot remove the root"))
	}
	r, err := s.resolve(clean, 0)
	if err != nil {
		return err
	}
	if r.kind == missing {
		return s.storageErr("remove", clean, types.ErrNotFound)
	}
	below, err := s.resolve(clean, 1)
	if err != nil && !errors.Is(err, types.ErrNotDir) {
		return err
	}
	dir, name := parentAndName(clean)
	parent, err := s.topDir(dir)
	if err != nil {
		return err
	}
	top := s.top()
	if below.kind != missing && len(s.txs) > 1 {
		return top.Whiteout(parent, name)
	}
	return top.Unlink(parent, name)
}

// Link makes newPath a hard link to the file at oldPath. A file that only
// exists below is first copied up so both names share one top inode.
func (s *Snapshot) Link(oldPath, newPath string) error {
	oldClean, err := s.mustClean(oldPath)
	if err != nil {
		return err
	}
	newClean, err := s.mustClean(newPath)
	if err != nil {
		return err
	}
	if err := s.checkWritable("link", newClean); err != nil {
		return err
	}
	src, err := s.resolve(oldClean, 0)
	if err != nil {
		return err
	}
	switch src.kind {
	case missing:
		return s.storageErr("link", oldClean, types.ErrNotFound)
	case isDir:
		return s.storageErr("link", oldClean, types.ErrIsDir)
	}
	dst, err := s.resolve(newClean, 0)
	if err != nil {
		return err
	}
	if dst.kind != missing {
		return s.storageErr("link", newClean, types.ErrExists)
	}

	if src.layer != 0 {
		data, err := s.txs[src.layer].ReadContent(src.inode)
		if err != nil {
			return err
		}
		if err := s.Write(oldClean, data); err != nil {
			return err
		}
		if src, err = s.resolve(oldClean, 0); err != nil {
			return err
		}
	}
	dir, name := parentAndName(newClean)
	parent, err := s.topDir(dir)
	if err != nil {
		return err
	}
	top := s.top()
	if err := top.Unlink(parent, name); err != nil {
		return err
	}
	return top.Link(src.inode.ID, parent, name)
}
