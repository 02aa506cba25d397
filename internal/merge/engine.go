// Package merge decides the fate of reviewed overlays: accept copies them
// into stable, reject discards them, and GC reclaims their storage.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/lifecycle"
	"github.com/user/agentfs/internal/overlay"
	"github.com/user/agentfs/internal/types"
	"github.com/user/agentfs/internal/workspace"
)

type Engine struct {
	machine    *lifecycle.Machine
	catalogs   *catalog.Registry
	writer     *overlay.StableWriter
	workspaces *workspace.Materializer
	logger     *slog.Logger
}

func New(machine *lifecycle.Machine, catalogs *catalog.Registry, writer *overlay.StableWriter, workspaces *workspace.Materializer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		machine:    machine,
		catalogs:   catalogs,
		writer:     writer,
		workspaces: workspaces,
		logger:     logger.With("component", "merge"),
	}
}

// decide checks that id may move to want. done is true when the agent is
// already there.
func decide(rec *types.AgentRecord, want types.State) (done bool, err error) {
	switch {
	case rec.State == want:
		return true, nil
	case rec.State.Terminal():
		return false, fmt.Errorf("agent %s is %s: %w", rec.AgentID, rec.State, types.ErrAlreadyTerminal)
	case rec.State != types.StateReviewing:
		return false, &types.TransitionError{AgentID: rec.AgentID, From: rec.State, To: want}
	}
	return false, nil
}

// Accept merges the agent's overlay into stable and marks it ACCEPTED.
// If the merge fails stable is unchanged and the agent stays REVIEWING.
func (e *Engine) Accept(ctx context.Context, id types.AgentID) (*types.AgentRecord, error) {
	unlock := e.machine.Lock(id)
	defer unlock()

	rec, err := e.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if done, err := decide(rec, types.StateAccepted); err != nil {
		return nil, err
	} else if done {
		return rec, nil
	}

	name := rec.OverlayRef
	if name == "" {
		name = types.OverlayCatalog(id)
	}
	if !e.catalogs.Exists(name) {
		return nil, &types.MergeError{AgentID: id, Err: fmt.Errorf("overlay %s: %w", name, types.ErrNotFound)}
	}
	top, err := e.catalogs.Open(ctx, name)
	if err != nil {
		return nil, &types.MergeError{AgentID: id, Err: err}
	}
	stats, err := e.writer.Merge(ctx, top)
	if err != nil {
		return nil, &types.MergeError{AgentID: id, Err: err}
	}

	rec, err = e.machine.TransitionLocked(ctx, id, types.StateAccepted, "accepted")
	if err != nil {
		return nil, err
	}
	e.logger.Info("overlay merged",
		"agent_id", string(id),
		"files", stats.Files,
		"dirs", stats.Dirs,
		"removed", stats.Removed,
		"keys", stats.Keys,
	)
	e.collect(id)
	return rec, nil
}

// Reject marks the agent REJECTED and discards its overlay. Stable is not
// touched.
func (e *Engine) Reject(ctx context.Context, id types.AgentID) (*types.AgentRecord, error) {
	unlock := e.machine.Lock(id)
	defer unlock()

	rec, err := e.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if done, err := decide(rec, types.StateRejected); err != nil {
		return nil, err
	} else if done {
		return rec, nil
	}
	rec, err = e.machine.TransitionLocked(ctx, id, types.StateRejected, "rejected")
	if err != nil {
		return nil, err
	}
	e.collect(id)
	return rec, nil
}

// GC deletes the agent's overlay catalog and workspace. It is safe to call
// any number of times and never touches the agent record.
func (e *Engine) GC(id types.AgentID) error {
	var errs []error
	if err := e.catalogs.Remove(types.OverlayCatalog(id)); err != nil {
		errs = append(errs, err)
	}
	if e.workspaces != nil {
		if err := e.workspaces.Remove(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) collect(id types.AgentID) {
	if err := e.GC(id); err != nil {
		e.logger.Warn("gc failed", "agent_id", string(id), "error", err)
	}
}
