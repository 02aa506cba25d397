// Package orchestrator assembles the storage engine, lifecycle machine,
// scheduler and merge engine into the core API every ingress calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/content"
	"github.com/user/agentfs/internal/delivery"
	"github.com/user/agentfs/internal/lifecycle"
	"github.com/user/agentfs/internal/merge"
	"github.com/user/agentfs/internal/overlay"
	"github.com/user/agentfs/internal/runtime"
	"github.com/user/agentfs/internal/scheduler"
	"github.com/user/agentfs/internal/stablesync"
	"github.com/user/agentfs/internal/types"
	"github.com/user/agentfs/internal/workspace"
)

// Options configures an Orchestrator.
type Options struct {
	DataDir       string
	MaxConcurrent int64
	Limits        types.Limits
	Review        runtime.ReviewPolicy
	Retry         *runtime.RetryPolicy
	Compression   content.Policy
	PoolSize      int

	// SyncRoot enables the stable sync adapter when set.
	SyncRoot   string
	SyncIgnore []string

	Generator types.Generator
	Executor  types.Executor
	// Delivery receives notices for agents that carry an origin.
	Delivery *delivery.Registry
	Logger   *slog.Logger
}

// SpawnRequest describes a new agent.
type SpawnRequest struct {
	Task     string
	Priority types.Priority
	Origin   types.Origin
}

// Orchestrator owns every long-lived component. It is constructed once
// at daemon start and torn down with Stop.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	catalogs   *catalog.Registry
	stable     *catalog.Catalog
	writer     *overlay.StableWriter
	machine    *lifecycle.Machine
	sched      *scheduler.Scheduler
	merge      *merge.Engine
	workspaces *workspace.Materializer
	pipeline   *runtime.Pipeline
	syncer     *stablesync.Syncer
	delivery   *delivery.Registry
}

// New opens the catalogs under DataDir and wires the components. Nothing
// runs until Start.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if opts.Generator == nil || opts.Executor == nil {
		return nil, fmt.Errorf("generator and executor are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	catalogs, err := catalog.NewRegistry(filepath.Join(opts.DataDir, "catalogs"), catalog.Options{
		Compression: opts.Compression,
		PoolSize:    opts.PoolSize,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{opts: opts, logger: logger.With("component", "orchestrator"), catalogs: catalogs, delivery: opts.Delivery}
	if err := o.init(ctx); err != nil {
		catalogs.Close()
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) init(ctx context.Context) error {
	logger := o.opts.Logger
	stable, err := o.catalogs.Open(ctx, types.StableCatalog)
	if err != nil {
		return err
	}
	bin, err := o.catalogs.Open(ctx, types.BinCatalog)
	if err != nil {
		return err
	}
	ws, err := workspace.New(filepath.Join(o.opts.DataDir, "workspaces"), logger)
	if err != nil {
		return err
	}

	o.stable = stable
	o.writer = overlay.NewStableWriter(stable)
	o.workspaces = ws
	o.machine = lifecycle.New(bin, logger)
	o.merge = merge.New(o.machine, o.catalogs, o.writer, ws, logger)
	o.pipeline = runtime.NewPipeline(runtime.Deps{
		Machine:    o.machine,
		Catalogs:   o.catalogs,
		Stable:     stable,
		Generator:  o.opts.Generator,
		Executor:   o.opts.Executor,
		Merge:      o.merge,
		Workspaces: ws,
	}, o.opts.Limits, o.opts.Review, o.opts.Retry, logger)
	o.sched = scheduler.New(o.opts.MaxConcurrent, o.pipeline.Process, logger)
	o.sched.OnFailure(o.pipeline.Fail)

	if o.opts.SyncRoot != "" {
		o.syncer, err = stablesync.New(o.opts.SyncRoot, o.writer, o.opts.SyncIgnore, logger)
		if err != nil {
			return err
		}
	}
	if o.delivery != nil {
		o.machine.Subscribe(o.notify)
	}
	return nil
}

// Start recovers persisted agents and starts the scheduler.
func (o *Orchestrator) Start(ctx context.Context) error {
	plan, err := o.recover(ctx)
	if err != nil {
		return err
	}
	o.sched.Start(ctx)
	for _, task := range plan {
		if err := o.sched.Enqueue(task); err != nil {
			return err
		}
	}
	o.logger.Info("orchestrator started",
		"data_dir", o.opts.DataDir,
		"max_concurrent", o.sched.Limit(),
		"review", string(o.opts.Review),
		"recovered", len(plan),
	)
	return nil
}

// Stop cancels running pipelines, waits for them and closes the catalogs.
func (o *Orchestrator) Stop() error {
	o.sched.Stop()
	return o.catalogs.Close()
}

// Machine exposes the lifecycle machine for jobs and tests.
func (o *Orchestrator) Machine() *lifecycle.Machine { return o.machine }

// Scheduler exposes the scheduler for status reporting.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

// Spawn records a QUEUED agent and hands it to the scheduler.
func (o *Orchestrator) Spawn(ctx context.Context, req SpawnRequest) (*types.AgentRecord, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("task is required")
	}
	rec, err := o.machine.Create(ctx, lifecycle.NewAgent{Task: req.Task, Priority: req.Priority, Origin: req.Origin})
	if err != nil {
		return nil, err
	}
	task := &types.Task{AgentID: rec.AgentID, Prompt: rec.Task, Priority: rec.Priority}
	if err := o.sched.Enqueue(task); err != nil {
		// A fresh id can never be live; this is a scheduler bug.
		panic(fmt.Sprintf("enqueue new agent: %v", err))
	}
	o.logger.Info("agent spawned", "agent_id", string(rec.AgentID), "priority", rec.Priority.String(), "origin", string(rec.Origin))
	return rec, nil
}

// Resolve expands an unambiguous id prefix.
func (o *Orchestrator) Resolve(ctx context.Context, ref string) (types.AgentID, error) {
	return o.machine.Lookup(ctx, ref)
}

func (o *Orchestrator) Accept(ctx context.Context, id types.AgentID) (*types.AgentRecord, error) {
	return o.merge.Accept(ctx, id)
}

func (o *Orchestrator) Reject(ctx context.Context, id types.AgentID) (*types.AgentRecord, error) {
	return o.merge.Reject(ctx, id)
}

// Cancel moves a live agent to ERRORED and stops its pipeline. Cancelling
// an agent that is already ERRORED is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id types.AgentID) (*types.AgentRecord, error) {
	rec, err := o.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		if rec.State == types.StateErrored {
			return rec, nil
		}
		return nil, fmt.Errorf("agent %s is %s: %w", id, rec.State, types.ErrAlreadyTerminal)
	}
	rec, err = o.machine.Transition(ctx, id, types.StateErrored, "cancelled", lifecycle.WithError("cancelled by operator"))
	if err != nil {
		return nil, err
	}
	// A running pipeline collects its own overlay when it unwinds.
	if _, running := o.sched.Cancel(id); !running {
		if err := o.merge.GC(id); err != nil {
			o.logger.Warn("gc failed", "agent_id", string(id), "error", err)
		}
	}
	o.logger.Info("agent cancelled", "agent_id", string(id))
	return rec, nil
}

func (o *Orchestrator) Status(ctx context.Context, id types.AgentID) (*types.AgentRecord, error) {
	return o.machine.Get(ctx, id)
}

// List returns agents in creation order, optionally filtered by state.
func (o *Orchestrator) List(ctx context.Context, states ...types.State) ([]*types.AgentRecord, error) {
	return o.machine.List(ctx, states...)
}

func (o *Orchestrator) Events(ctx context.Context, id types.AgentID) ([]*types.Event, error) {
	return o.machine.Events(ctx, id)
}

// View returns the resolved view of an agent's overlay over stable, or of
// stable alone when id is empty.
func (o *Orchestrator) View(ctx context.Context, id types.AgentID) (*overlay.View, error) {
	if id == "" {
		return overlay.New(o.stable), nil
	}
	return agentView(ctx, o.machine, o.catalogs, o.stable, id)
}

// Materialize projects the agent's resolved view onto a fresh directory
// and returns its path. It holds the record lock so an accept or reject
// cannot collect the agent halfway through; a cancel or pipeline failure
// collects without it, so the overlay is checked again afterwards.
func (o *Orchestrator) Materialize(ctx context.Context, id types.AgentID) (string, error) {
	unlock := o.machine.Lock(id)
	defer unlock()

	view, err := o.View(ctx, id)
	if err != nil {
		return "", err
	}
	dir, err := o.workspaces.Materialize(ctx, id, view)
	if err != nil {
		return "", err
	}
	name := types.OverlayCatalog(id)
	if !o.catalogs.Exists(name) {
		if err := o.workspaces.Remove(id); err != nil {
			o.logger.Warn("remove stale workspace", "agent_id", string(id), "error", err)
		}
		return "", &types.StorageError{Catalog: name, Op: "materialize", Err: types.ErrNotFound}
	}
	return dir, nil
}

// Diff lists the paths the agent's overlay adds, modifies or removes.
func (o *Orchestrator) Diff(ctx context.Context, id types.AgentID) ([]types.Change, error) {
	view, err := o.View(ctx, id)
	if err != nil {
		return nil, err
	}
	return view.Changes(ctx)
}

// ErrSyncDisabled is returned by Sync when no sync root is configured.
var ErrSyncDisabled = errors.New("stable sync is not configured")

// Sync mirrors the configured host directory into stable.
func (o *Orchestrator) Sync(ctx context.Context) (stablesync.Result, error) {
	if o.syncer == nil {
		return stablesync.Result{}, ErrSyncDisabled
	}
	return o.syncer.Sync(ctx)
}

// Prune removes terminal records older than window.
func (o *Orchestrator) Prune(ctx context.Context, window time.Duration) (int, error) {
	return o.machine.Prune(ctx, window)
}

// recover builds the startup plan from non-terminal records. Agents that
// were mid-pipeline cannot resume and are failed.
func (o *Orchestrator) recover(ctx context.Context) ([]*types.Task, error) {
	live, err := o.machine.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover agents: %w", err)
	}
	var plan []*types.Task
	keep := make(map[types.AgentID]bool)
	for _, rec := range live {
		switch {
		case rec.State == types.StateQueued:
			plan = append(plan, &types.Task{AgentID: rec.AgentID, Prompt: rec.Task, Priority: rec.Priority})
			keep[rec.AgentID] = true
		case rec.State == types.StateReviewing:
			plan = append(plan, &types.Task{AgentID: rec.AgentID, Prompt: rec.Task, Priority: rec.Priority, Resume: true})
			keep[rec.AgentID] = true
		case rec.State.InFlight():
			if _, err := o.machine.Transition(ctx, rec.AgentID, types.StateErrored, "interrupted",
				lifecycle.WithError(fmt.Sprintf("interrupted in %s by restart", rec.State))); err != nil {
				return nil, err
			}
			o.logger.Warn("agent interrupted by restart", "agent_id", string(rec.AgentID), "state", string(rec.State))
		}
	}
	o.collectOrphans(func(id types.AgentID) bool { return keep[id] })
	return plan, nil
}

// collectOrphans removes overlay catalogs and workspaces of agents that
// are not live.
func (o *Orchestrator) collectOrphans(live func(types.AgentID) bool) {
	names, err := o.catalogs.List()
	if err != nil {
		o.logger.Warn("list catalogs", "error", err)
	}
	for _, name := range names {
		id, ok := types.AgentFromCatalog(name)
		if !ok || live(id) {
			continue
		}
		if err := o.catalogs.Remove(name); err != nil {
			o.logger.Warn("remove orphan catalog", "catalog", string(name), "error", err)
			continue
		}
		o.logger.Info("removed orphan catalog", "catalog", string(name))
	}
	trees, err := o.workspaces.Orphans(live)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		o.logger.Warn("list workspaces", "error", err)
	}
	for _, name := range trees {
		if err := o.workspaces.RemoveNamed(name); err != nil {
			o.logger.Warn("remove orphan workspace", "name", name, "error", err)
		}
	}
}

// notify routes a notice to the agent's origin when it needs review or
// has finished.
func (o *Orchestrator) notify(rec *types.AgentRecord, ev *types.Event) {
	if rec.Origin == "" || !(rec.State == types.StateReviewing || rec.State.Terminal()) {
		return
	}
	if !o.delivery.Handles(rec.Origin) {
		return
	}
	msg := delivery.Notice(rec)
	go func() {
		if err := o.delivery.Deliver(rec.Origin, msg); err != nil {
			o.logger.Warn("deliver notice", "agent_id", string(rec.AgentID), "origin", string(rec.Origin), "error", err)
		}
	}()
}
