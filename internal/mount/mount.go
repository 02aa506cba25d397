// Package mount exposes an overlay view as a read-only FUSE filesystem.
package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/user/agentfs/internal/types"
)

const attrTTL = time.Second

// Source is the read side of an overlay view.
type Source interface {
	ReadFile(ctx context.Context, p string) ([]byte, error)
	List(ctx context.Context, p string) ([]types.DirEntry, error)
	Stat(ctx context.Context, p string) (*types.FileInfo, error)
}

// Options configures a mount.
type Options struct {
	Name   string
	Debug  bool
	Logger *slog.Logger
}

// Mount serves src at dir until the returned server is unmounted.
func Mount(dir string, src Source, opts Options) (*fuse.Server, error) {
	if opts.Name == "" {
		opts.Name = "agentfs"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := attrTTL
	root := &dirNode{src: src, logger: logger.With("component", "mount", "name", opts.Name)}
	server, err := fs.Mount(dir, root, &fs.Options{
		EntryTimeout: &ttl,
		AttrTimeout:  &ttl,
		MountOptions: fuse.MountOptions{
			FsName:  opts.Name,
			Name:    "agentfs",
			Options: []string{"ro"},
			Debug:   opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", dir, err)
	}
	return server, nil
}

// dirNode is a directory at path p in the view. The root has p == "".
type dirNode struct {
	fs.Inode
	src    Source
	p      string
	logger *slog.Logger
}

var _ = (fs.NodeLookuper)((*dirNode)(nil))
var _ = (fs.NodeReaddirer)((*dirNode)(nil))
var _ = (fs.NodeGetattrer)((*dirNode)(nil))

func (d *dirNode) child(name string) string {
	if d.p == "" {
		return name
	}
	return path.Join(d.p, name)
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := d.child(name)
	info, err := d.src.Stat(ctx, p)
	if err != nil {
		return nil, d.errno("lookup", p, err)
	}
	fillAttr(&out.Attr, info)
	out.SetEntryTimeout(attrTTL)
	out.SetAttrTimeout(attrTTL)
	if info.Kind == types.KindDir {
		return d.NewInode(ctx, &dirNode{src: d.src, p: p, logger: d.logger}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
	}
	return d.NewInode(ctx, &fileNode{src: d.src, p: p, logger: d.logger}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
}

func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := d.src.List(ctx, d.p)
	if err != nil {
		return nil, d.errno("readdir", d.p, err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Kind == types.KindDir {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

func (d *dirNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := d.src.Stat(ctx, d.p)
	if err != nil {
		return d.errno("getattr", d.p, err)
	}
	fillAttr(&out.Attr, info)
	out.SetTimeout(attrTTL)
	return 0
}

func (d *dirNode) errno(op, p string, err error) syscall.Errno {
	e := toErrno(err)
	if e == syscall.EIO {
		d.logger.Error(op, "path", p, "error", err)
	}
	return e
}

// fileNode reads its content from the view on every Read so that a
// mount of a live overlay follows the agent's writes.
type fileNode struct {
	fs.Inode
	src    Source
	p      string
	logger *slog.Logger
}

var _ = (fs.NodeOpener)((*fileNode)(nil))
var _ = (fs.NodeReader)((*fileNode)(nil))
var _ = (fs.NodeGetattrer)((*fileNode)(nil))

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (f *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := f.src.ReadFile(ctx, f.p)
	if err != nil {
		e := toErrno(err)
		if e == syscall.EIO {
			f.logger.Error("read", "path", f.p, "error", err)
		}
		return nil, e
	}
	return fuse.ReadResultData(readAt(data, dest, off)), 0
}

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := f.src.Stat(ctx, f.p)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, info)
	out.SetTimeout(attrTTL)
	return 0
}

func fillAttr(out *fuse.Attr, info *types.FileInfo) {
	if info.Kind == types.KindDir {
		out.Mode = fuse.S_IFDIR | 0o555
	} else {
		out.Mode = fuse.S_IFREG | 0o444
		out.Size = uint64(info.Size)
	}
	if info.LinkCount > 0 {
		out.Nlink = uint32(info.LinkCount)
	} else {
		out.Nlink = 1
	}
	setTimestamps(out, info.ModTime)
}

func setTimestamps(attr *fuse.Attr, t time.Time) {
	sec := uint64(t.Unix())
	nsec := uint32(t.Nanosecond())
	attr.Atime = sec
	attr.Atimensec = nsec
	attr.Mtime = sec
	attr.Mtimensec = nsec
	attr.Ctime = sec
	attr.Ctimensec = nsec
}

func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, types.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, types.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, types.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	}
	return syscall.EIO
}

func readAt(data, dest []byte, off int64) []byte {
	if off >= int64(len(data)) {
		return []byte{}
	}
	end := int64(len(data))
	if int64(len(dest)) < end-off {
		end = off + int64(len(dest))
	}
	return data[off:end]
}
