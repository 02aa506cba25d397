package catalog

// RootIno is the inode of every catalog's root directory.
const RootIno int64 = 1

// schema is idempotent and applied when a catalog is opened.
//
// A dentry whose child is 0 is a whiteout: the name is deleted in this
// catalog and lookups must not fall through to lower catalogs. A kv row
// with deleted set is the same marker for keys.
const schema = `
CREATE TABLE IF NOT EXISTS inode (
	id          INTEGER PRIMARY KEY,
	kind        INTEGER NOT NULL,
	content_ref TEXT,
	size        INTEGER NOT NULL DEFAULT 0,
	link_count  INTEGER NOT NULL DEFAULT 1,
	mtime       INTEGER NOT NULL,
	opaque      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dentry (
	parent INTEGER NOT NULL,
	name   TEXT NOT NULL,
	child  INTEGER NOT NULL,
	PRIMARY KEY (parent, name)
);

CREATE INDEX IF NOT EXISTS dentry_child ON dentry(child);

CREATE TABLE IF NOT EXISTS block (
	ref      TEXT PRIMARY KEY,
	codec    INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	data     BLOB NOT NULL,
	refcount INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     BLOB,
	deleted   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, key)
);

INSERT OR IGNORE INTO inode (id, kind, size, link_count, mtime) VALUES (1, 2, 0, 1, 0);
`
