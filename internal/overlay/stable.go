package overlay

import (
	"context"
	"sync"

	"github.com/user/agentfs/internal/catalog"
)

// StableWriter is the single writer of the stable catalog. Merges and
// host syncs both go through it, one at a time.
type StableWriter struct {
	mu     sync.Mutex
	stable *catalog.Catalog
}

func NewStableWriter(stable *catalog.Catalog) *StableWriter {
	return &StableWriter{stable: stable}
}

func (w *StableWriter) Catalog() *catalog.Catalog { return w.stable }

// Apply runs fn over a writable single-layer snapshot of stable.
func (w *StableWriter) Apply(ctx context.Context, fn func(s *Snapshot) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return New(w.stable).Update(ctx, fn)
}

// Merge copies every entry of the overlay catalog into stable in
// one transaction. The overlay wins on every path it touches.
func (w *StableWriter) Merge(ctx context.Context, overlay *catalog.Catalog) (MergeStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var stats MergeStats
	err := w.stable.Update(ctx, func(stx *catalog.Tx) error {
		return overlay.View(ctx, func(otx *catalog.Tx) error {
			m := &merger{src: otx, dst: stx, linked: make(map[int64]int64)}
			if err := m.dir(catalog.RootIno, catalog.RootIno); err != nil {
				return err
			}
			if err := m.kv(); err != nil {
				return err
			}
			stats = m.stats
			return nil
		})
	})
	if err != nil {
		return MergeStats{}, err
	}
	return stats, nil
}
