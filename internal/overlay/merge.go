package overlay

import (
	"github.com/user/agentfs/internal/catalog"
)

// MergeStats counts what a merge changed in stable.
type MergeStats struct {
	Files   int `json:"files"`
	Dirs    int `json:"dirs"`
	Removed int `json:"removed"`
	Keys    int `json:"keys"`
}

// merger replays one overlay catalog onto stable. linked maps overlay
// inodes to the stable inodes created for them so hard links stay
// shared after the merge.
type merger struct {
	src    *catalog.Tx
	dst    *catalog.Tx
	linked map[int64]int64
	stats  MergeStats
}

func (m *merger) dir(srcDir, dstDir int64) error {
	children, err := m.src.Children(srcDir)
	if err != nil {
		return err
	}
	for _, c := range children {
		existing, found, err := m.dst.Lookup(dstDir, c.Name)
		if err != nil {
			return err
		}
		if c.Whiteout() {
			if found {
				if err := m.dst.Unlink(dstDir, c.Name); err != nil {
					return err
				}
				m.stats.Removed++
			}
			continue
		}
		ino, err := m.src.Inode(c.Child)
		if err != nil {
			return err
		}
		if ino.IsDir() {
			target, err := m.targetDir(dstDir, c.Name, existing, found, ino.Opaque)
			if err != nil {
				return err
			}
			if err := m.dir(ino.ID, target); err != nil {
				return err
			}
			continue
		}
		if found {
			if err := m.dst.Unlink(dstDir, c.Name); err != nil {
				return err
			}
		}
		if id, ok := m.linked[ino.ID]; ok {
			if err := m.dst.Link(id, dstDir, c.Name); err != nil {
				return err
			}
			continue
		}
		data, err := m.src.ReadContent(ino)
		if err != nil {
			return err
		}
		id, err := m.dst.CreateFile(dstDir, c.Name, data)
		if err != nil {
			return err
		}
		m.linked[ino.ID] = id
		m.stats.Files++
	}
	return nil
}

// targetDir returns the stable directory that receives an overlay
// directory. An existing stable directory is reused; an opaque overlay
// directory first empties it.
func (m *merger) targetDir(parent int64, name string, existing catalog.Dentry, found, opaque bool) (int64, error) {
	if found {
		ino, err := m.dst.Inode(existing.Child)
		if err != nil {
			return 0, err
		}
		if ino.IsDir() {
			if opaque {
				if err := m.dst.ClearDir(ino.ID); err != nil {
					return 0, err
				}
			}
			return ino.ID, nil
		}
		if err := m.dst.Unlink(parent, name); err != nil {
			return 0, err
		}
	}
	m.stats.Dirs++
	return m.dst.Mkdir(parent, name, false)
}

func (m *merger) kv() error {
	namespaces, err := m.src.KVNamespaces()
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		entries, err := m.src.KVList(ns, "")
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Deleted {
				err = m.dst.KVDelete(ns, e.Key)
			} else {
				err = m.dst.KVPut(ns, e.Key, e.Value)
			}
			if err != nil {
				return err
			}
			m.stats.Keys++
		}
	}
	return nil
}
