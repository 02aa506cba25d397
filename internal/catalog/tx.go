package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/user/agentfs/internal/content"
	"github.com/user/agentfs/internal/types"
)

// Kind is the persisted inode kind.
type Kind int

const (
	KindFile Kind = 1
	KindDir  Kind = 2
)

func (k Kind) EntryKind() types.EntryKind {
	if k == KindDir {
		return types.KindDir
	}
	return types.KindFile
}

// Inode is one row of the inode table.
type Inode struct {
	ID        int64
	Kind      Kind
	Ref       content.Ref
	Size      int64
	LinkCount int
	ModTime   time.Time
	Opaque    bool
}

func (i *Inode) IsDir() bool { return i.Kind == KindDir }

// Dentry is one row of the directory-entry table.
type Dentry struct {
	Parent int64
	Name   string
	Child  int64
}

// Whiteout reports whether the entry marks a deleted name.
func (d Dentry) Whiteout() bool { return d.Child == 0 }

// KVEntry is one row of the kv table. Deleted marks a whiteout.
type KVEntry struct {
	Namespace string
	Key       string
	Value     []byte
	Deleted   bool
}

var errReadOnly = errors.New("write in read-only transaction")

// Tx exposes catalog primitives inside a single transaction. It is only
// valid for the duration of the Update or View callback that created it.
type Tx struct {
	conn     *sqlite.Conn
	cat      *Catalog
	readOnly bool
}

func (tx *Tx) Catalog() types.CatalogName { return tx.cat.name }

func (tx *Tx) exec(op, query string, args ...any) error {
	if tx.readOnly {
		return tx.cat.ioError(op, errReadOnly)
	}
	if err := sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return tx.cat.ioError(op, err)
	}
	return nil
}

func (tx *Tx) query(op, query string, fn func(stmt *sqlite.Stmt) error, args ...any) error {
	if err := sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{Args: args, ResultFunc: fn}); err != nil {
		return tx.cat.ioError(op, err)
	}
	return nil
}

func (tx *Tx) notFound(op, what string) error {
	return &types.StorageError{Catalog: tx.cat.name, Op: op, Path: what, Err: types.ErrNotFound}
}

// Lookup returns the entry for name under parent, including whiteouts.
func (tx *Tx) Lookup(parent int64, name string) (Dentry, bool, error) {
	var (
		d     Dentry
		found bool
	)
	err := tx.query("lookup", `SELECT child FROM dentry WHERE parent = ? AND name = ?`,
		func(stmt *sqlite.Stmt) error {
			d = Dentry{Parent: parent, Name: name, Child: stmt.ColumnInt64(0)}
			found = true
			return nil
		}, parent, name)
	return d, found, err
}

// Inode loads one inode.
func (tx *Tx) Inode(id int64) (*Inode, error) {
	var ino *Inode
	err := tx.query("stat", `SELECT kind, content_ref, size, link_count, mtime, opaque FROM inode WHERE id = ?`,
		func(stmt *sqlite.Stmt) error {
			ino = &Inode{
				ID:        id,
				Kind:      Kind(stmt.ColumnInt(0)),
				Size:      stmt.ColumnInt64(2),
				LinkCount: stmt.ColumnInt(3),
				ModTime:   time.Unix(0, stmt.ColumnInt64(4)),
				Opaque:    stmt.ColumnInt(5) != 0,
			}
			if !stmt.ColumnIsNull(1) {
				ino.Ref = content.Ref(stmt.ColumnText(1))
			}
			return nil
		}, id)
	if err != nil {
		return nil, err
	}
	if ino == nil {
		return nil, tx.notFound("stat", fmt.Sprintf("inode %d", id))
	}
	return ino, nil
}

// Children lists the entries of a directory ordered by name, whiteouts
// included.
func (tx *Tx) Children(parent int64) ([]Dentry, error) {
	var out []Dentry
	err := tx.query("readdir", `SELECT name, child FROM dentry WHERE parent = ? ORDER BY name`,
		func(stmt *sqlite.Stmt) error {
			out = append(out, Dentry{Parent: parent, Name: stmt.ColumnText(0), Child: stmt.ColumnInt64(1)})
			return nil
		}, parent)
	return out, err
}

// Mkdir creates an empty directory under parent, replacing any whiteout
// with the same name.
func (tx *Tx) Mkdir(parent int64, name string, opaque bool) (int64, error) {
	op := 0
	if opaque {
		op = 1
	}
	if err := tx.exec("mkdir", `INSERT INTO inode (kind, size, link_count, mtime, opaque) VALUES (?, 0, 1, ?, ?)`,
		int(KindDir), time.Now().UnixNano(), op); err != nil {
		return 0, err
	}
	id := tx.conn.LastInsertRowID()
	if err := tx.PutDentry(parent, name, id); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateFile stores data as a new file inode linked at parent/name.
func (tx *Tx) CreateFile(parent int64, name string, data []byte) (int64, error) {
	ref, err := tx.putBlock(data)
	if err != nil {
		return 0, err
	}
	if err := tx.exec("create", `INSERT INTO inode (kind, content_ref, size, link_count, mtime) VALUES (?, ?, ?, 1, ?)`,
		int(KindFile), refArg(ref), int64(len(data)), time.Now().UnixNano()); err != nil {
		return 0, err
	}
	id := tx.conn.LastInsertRowID()
	if err := tx.PutDentry(parent, name, id); err != nil {
		return 0, err
	}
	return id, nil
}

// SetContent replaces a file's content with a new block and releases the
// old one. Every hard link to the inode observes the new content.
func (tx *Tx) SetContent(id int64, data []byte) error {
	ino, err := tx.Inode(id)
	if err != nil {
		return err
	}
	if ino.IsDir() {
		return &types.StorageError{Catalog: tx.cat.name, Op: "write", Path: fmt.Sprintf("inode %d", id), Err: types.ErrIsDir}
	}
	ref, err := tx.putBlock(data)
	if err != nil {
		return err
	}
	if err := tx.exec("write", `UPDATE inode SET content_ref = ?, size = ?, mtime = ? WHERE id = ?`,
		refArg(ref), int64(len(data)), time.Now().UnixNano(), id); err != nil {
		return err
	}
	if ino.Ref != "" {
		return tx.decBlock(ino.Ref)
	}
	return nil
}

// ReadContent returns the plaintext of a file inode.
func (tx *Tx) ReadContent(ino *Inode) ([]byte, error) {
	if ino.IsDir() {
		return nil, &types.StorageError{Catalog: tx.cat.name, Op: "read", Path: fmt.Sprintf("inode %d", ino.ID), Err: types.ErrIsDir}
	}
	if ino.Ref == "" {
		return []byte{}, nil
	}
	return tx.ReadBlock(ino.Ref)
}

// ReadBlock decodes one block by reference.
func (tx *Tx) ReadBlock(ref content.Ref) ([]byte, error) {
	var (
		codec  content.Codec
		size   int
		stored []byte
		found  bool
	)
	err := tx.query("read", `SELECT codec, size, data FROM block WHERE ref = ?`,
		func(stmt *sqlite.Stmt) error {
			codec = content.Codec(stmt.ColumnInt(0))
			size = stmt.ColumnInt(1)
			stored = make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, stored)
			found = true
			return nil
		}, string(ref))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, tx.notFound("read", string(ref))
	}
	data, err := content.Decode(codec, stored, size)
	if err != nil {
		return nil, tx.cat.ioError("decode "+ref.Short(), err)
	}
	return data, nil
}

// PutDentry links child at parent/name, replacing any existing entry
// without releasing it. Callers unlink first when replacing live entries.
func (tx *Tx) PutDentry(parent int64, name string, child int64) error {
	return tx.exec("link", `INSERT INTO dentry (parent, name, child) VALUES (?, ?, ?)
		ON CONFLICT (parent, name) DO UPDATE SET child = excluded.child`, parent, name, child)
}

// Link adds a hard link to an existing file inode.
func (tx *Tx) Link(id, parent int64, name string) error {
	ino, err := tx.Inode(id)
	if err != nil {
		return err
	}
	if ino.IsDir() {
		return &types.StorageError{Catalog: tx.cat.name, Op: "link", Path: name, Err: types.ErrIsDir}
	}
	if err := tx.exec("link", `UPDATE inode SET link_count = link_count + 1 WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.PutDentry(parent, name, id)
}

// Whiteout marks parent/name deleted, releasing whatever it linked.
func (tx *Tx) Whiteout(parent int64, name string) error {
	if err := tx.Unlink(parent, name); err != nil {
		return err
	}
	return tx.PutDentry(parent, name, 0)
}

// Unlink removes the entry parent/name. The target inode is freed when
// its last link goes away; directories release their subtree.
func (tx *Tx) Unlink(parent int64, name string) error {
	d, found, err := tx.Lookup(parent, name)
	if err != nil || !found {
		return err
	}
	if err := tx.exec("unlink", `DELETE FROM dentry WHERE parent = ? AND name = ?`, parent, name); err != nil {
		return err
	}
	if d.Whiteout() {
		return nil
	}
	return tx.release(d.Child)
}

func (tx *Tx) release(id int64) error {
	ino, err := tx.Inode(id)
	if err != nil {
		return err
	}
	if ino.LinkCount > 1 {
		return tx.exec("unlink", `UPDATE inode SET link_count = link_count - 1 WHERE id = ?`, id)
	}
	if ino.IsDir() {
		children, err := tx.Children(id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := tx.Unlink(id, c.Name); err != nil {
				return err
			}
		}
	} else if ino.Ref != "" {
		if err := tx.decBlock(ino.Ref); err != nil {
			return err
		}
	}
	return tx.exec("unlink", `DELETE FROM inode WHERE id = ?`, id)
}

// SetOpaque marks a directory as hiding every lower-layer entry.
func (tx *Tx) SetOpaque(id int64, opaque bool) error {
	v := 0
	if opaque {
		v = 1
	}
	return tx.exec("opaque", `UPDATE inode SET opaque = ? WHERE id = ?`, v, id)
}

// ClearDir removes every entry of a directory, whiteouts included.
func (tx *Tx) ClearDir(id int64) error {
	children, err := tx.Children(id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := tx.Unlink(id, c.Name); err != nil {
			return err
		}
	}
	return nil
}

// putBlock stores data and returns its ref. Empty content has no block
// and yields an empty ref.
func (tx *Tx) putBlock(data []byte) (content.Ref, error) {
	if tx.readOnly {
		return "", tx.cat.ioError("write", errReadOnly)
	}
	if len(data) == 0 {
		return "", nil
	}
	ref := content.RefOf(data)
	if err := tx.exec("write", `UPDATE block SET refcount = refcount + 1 WHERE ref = ?`, string(ref)); err != nil {
		return "", err
	}
	if tx.conn.Changes() > 0 {
		return ref, nil
	}
	codec, stored, err := content.Encode(data, tx.cat.policy)
	if err != nil {
		return "", tx.cat.ioError("encode", err)
	}
	if err := tx.exec("write", `INSERT INTO block (ref, codec, size, data, refcount) VALUES (?, ?, ?, ?, 1)`,
		string(ref), int(codec), len(data), stored); err != nil {
		return "", err
	}
	return ref, nil
}

func refArg(ref content.Ref) any {
	if ref == "" {
		return nil
	}
	return string(ref)
}

func (tx *Tx) decBlock(ref content.Ref) error {
	if err := tx.exec("release", `UPDATE block SET refcount = refcount - 1 WHERE ref = ?`, string(ref)); err != nil {
		return err
	}
	return tx.exec("release", `DELETE FROM block WHERE ref = ? AND refcount <= 0`, string(ref))
}

// BlockRefCount reports the stored reference count of a block, or 0 if
// the block is absent.
func (tx *Tx) BlockRefCount(ref content.Ref) (int, error) {
	n := 0
	err := tx.query("stat", `SELECT refcount FROM block WHERE ref = ?`, func(stmt *sqlite.Stmt) error {
		n = stmt.ColumnInt(0)
		return nil
	}, string(ref))
	return n, err
}

// KVGet returns the entry for key, including whiteouts.
func (tx *Tx) KVGet(namespace, key string) (KVEntry, bool, error) {
	var (
		e     KVEntry
		found bool
	)
	err := tx.query("kv get", `SELECT value, deleted FROM kv WHERE namespace = ? AND key = ?`,
		func(stmt *sqlite.Stmt) error {
			e = scanKV(stmt, namespace, key)
			found = true
			return nil
		}, namespace, key)
	return e, found, err
}

// scanKV reads (value, deleted) from the first two result columns.
func scanKV(stmt *sqlite.Stmt, namespace, key string) KVEntry {
	e := KVEntry{Namespace: namespace, Key: key, Deleted: stmt.ColumnInt(1) != 0}
	if !e.Deleted {
		e.Value = make([]byte, stmt.ColumnLen(0))
		stmt.ColumnBytes(0, e.Value)
	}
	return e
}

func (tx *Tx) KVPut(namespace, key string, value []byte) error {
	return tx.exec("kv put", `INSERT INTO kv (namespace, key, value, deleted) VALUES (?, ?, ?, 0)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, deleted = 0`, namespace, key, value)
}

// KVDelete removes the row outright. Use KVWhiteout in overlays.
func (tx *Tx) KVDelete(namespace, key string) error {
	return tx.exec("kv delete", `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
}

func (tx *Tx) KVWhiteout(namespace, key string) error {
	return tx.exec("kv delete", `INSERT INTO kv (namespace, key, value, deleted) VALUES (?, ?, NULL, 1)
		ON CONFLICT (namespace, key) DO UPDATE SET value = NULL, deleted = 1`, namespace, key)
}

// KVList returns the entries of a namespace whose key starts with prefix,
// ordered by key, whiteouts included. The prefix is compared as bytes.
func (tx *Tx) KVList(namespace, prefix string) ([]KVEntry, error) {
	var out []KVEntry
	err := tx.query("kv list", `SELECT value, deleted, key FROM kv WHERE namespace = ? AND substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB) ORDER BY key`,
		func(stmt *sqlite.Stmt) error {
			out = append(out, scanKV(stmt, namespace, stmt.ColumnText(2)))
			return nil
		}, namespace, len(prefix), prefix)
	return out, err
}

// KVNamespaces lists the namespaces that hold at least one row.
func (tx *Tx) KVNamespaces() ([]string, error) {
	var out []string
	err := tx.query("kv list", `SELECT DISTINCT namespace FROM kv`, func(stmt *sqlite.Stmt) error {
		out = append(out, stmt.ColumnText(0))
		return nil
	})
	sort.Strings(out)
	return out, err
}
