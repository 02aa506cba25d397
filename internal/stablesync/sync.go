// Package stablesync mirrors a host directory into the stable catalog.
package stablesync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/user/agentfs/internal/content"
	"github.com/user/agentfs/internal/overlay"
	"github.com/user/agentfs/internal/types"
)

// DefaultIgnore is used when no ignore rules are configured.
var DefaultIgnore = []string{".git", ".agentfs"}

// Matcher decides which paths a sync leaves alone. A rule matches either
// the slash-separated relative path or the base name.
type Matcher struct {
	patterns []glob.Glob
}

func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern '%s': %w", pattern, err)
		}
		m.patterns = append(m.patterns, g)
	}
	return m, nil
}

// Ignored reports whether rel matches any rule.
func (m *Matcher) Ignored(rel string) bool {
	base := path.Base(rel)
	for _, g := range m.patterns {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}

// Result counts what one sync changed.
type Result struct {
	Written   int `json:"written"`
	Removed   int `json:"removed"`
	Dirs      int `json:"dirs"`
	Unchanged int `json:"unchanged"`
}

type hostEntry struct {
	dir bool
	ref content.Ref
}

type Syncer struct {
	root   string
	writer *overlay.StableWriter
	ignore *Matcher
	logger *slog.Logger
}

// New creates a syncer for root. A nil ignore list means DefaultIgnore.
func New(root string, writer *overlay.StableWriter, ignore []string, logger *slog.Logger) (*Syncer, error) {
	if root == "" {
		return nil, fmt.Errorf("sync root is not configured")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sync root: %w", err)
	}
	if ignore == nil {
		ignore = DefaultIgnore
	}
	m, err := NewMatcher(ignore)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		root:   abs,
		writer: writer,
		ignore: m,
		logger: logger.With("component", "stablesync"),
	}, nil
}

func (s *Syncer) Root() string { return s.root }

// scan hashes every regular file under root that is not ignored.
func (s *Syncer) scan(ctx context.Context) (map[string]hostEntry, error) {
	out := make(map[string]hostEntry)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if s.ignore.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case d.IsDir():
			out[rel] = hostEntry{dir: true}
		case d.Type().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			var ref content.Ref
			if len(data) > 0 {
				ref = content.RefOf(data)
			}
			out[rel] = hostEntry{ref: ref}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.root, err)
	}
	return out, nil
}

// Sync makes stable match the host directory in one transaction: changed
// files are written, vanished ones removed. Ignored paths are untouched
// on both sides.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	host, err := s.scan(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = s.writer.Apply(ctx, func(snap *overlay.Snapshot) error {
		res = Result{}
		refs, err := snap.Refs()
		if err != nil {
			return err
		}
		stable := make(map[string]bool) // path -> is dir
		err = snap.Walk("", func(p string, info types.FileInfo) error {
			if s.ignore.Ignored(p) {
				if info.Kind == types.KindDir {
					return overlay.SkipDir
				}
				return nil
			}
			stable[p] = info.Kind == types.KindDir
			return nil
		})
		if err != nil {
			return err
		}

		// Removals first so a path can change between file and directory.
		var removed []string
		for _, p := range sortedKeys(stable) {
			h, ok := host[p]
			if ok && h.dir == stable[p] {
				continue
			}
			if under(p, removed) {
				continue
			}
			if err := snap.Remove(p); err != nil {
				return err
			}
			removed = append(removed, p)
			res.Removed++
		}
		gone := func(p string) bool { return p == "" || under(p, removed) }

		for _, p := range sortedKeys(host) {
			h := host[p]
			if h.dir {
				if isDir, ok := stable[p]; ok && isDir && !gone(p) {
					continue
				}
				if err := snap.Mkdir(p); err != nil {
					return err
				}
				res.Dirs++
				continue
			}
			if ref, ok := refs[p]; ok && ref == h.ref && !gone(p) {
				res.Unchanged++
				continue
			}
			data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(p)))
			if err != nil {
				return fmt.Errorf("read %s: %w", p, err)
			}
			if err := snap.Write(p, data); err != nil {
				return err
			}
			res.Written++
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("stable synced",
		"root", s.root,
		"written", res.Written,
		"removed", res.Removed,
		"dirs", res.Dirs,
		"unchanged", res.Unchanged,
	)
	return res, nil
}

// under reports whether p is one of roots or below one of them.
func under(p string, roots []string) bool {
	for _, r := range roots {
		if p == r || strings.HasPrefix(p, r+"/") {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
