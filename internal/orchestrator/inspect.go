package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/lifecycle"
	"github.com/user/agentfs/internal/overlay"
	"github.com/user/agentfs/internal/types"
)

// Inspector opens the catalogs under a data directory for reading. It can
// run alongside a daemon that owns the same directory.
type Inspector struct {
	catalogs *catalog.Registry
	stable   *catalog.Catalog
	machine  *lifecycle.Machine
}

// OpenInspector opens stable and the agent records under dataDir.
func OpenInspector(ctx context.Context, dataDir string, logger *slog.Logger) (*Inspector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := catalog.NewRegistry(filepath.Join(dataDir, "catalogs"), catalog.Options{PoolSize: 2, Logger: logger})
	if err != nil {
		return nil, err
	}
	stable, err := reg.Open(ctx, types.StableCatalog)
	if err != nil {
		reg.Close()
		return nil, err
	}
	bin, err := reg.Open(ctx, types.BinCatalog)
	if err != nil {
		reg.Close()
		return nil, err
	}
	return &Inspector{catalogs: reg, stable: stable, machine: lifecycle.New(bin, logger)}, nil
}

// View resolves ref, a full agent id or unambiguous prefix, to the agent's
// view. An empty ref selects stable alone.
func (i *Inspector) View(ctx context.Context, ref string) (*overlay.View, error) {
	if ref == "" {
		return overlay.New(i.stable), nil
	}
	id, err := i.machine.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return agentView(ctx, i.machine, i.catalogs, i.stable, id)
}

func (i *Inspector) Close() error {
	return i.catalogs.Close()
}

// agentView stacks the agent's overlay over stable. The overlay catalog
// is only opened if it already exists.
func agentView(ctx context.Context, m *lifecycle.Machine, reg *catalog.Registry, stable *catalog.Catalog, id types.AgentID) (*overlay.View, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	top, err := reg.Get(ctx, types.OverlayCatalog(id))
	if err != nil {
		return nil, err
	}
	return overlay.New(top, stable), nil
}
