package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/agentfs/internal/orchestrator"
	"github.com/user/agentfs/internal/stablesync"
	"github.com/user/agentfs/internal/state"
	"github.com/user/agentfs/internal/types"
)

// Core is the API a Dispatcher drives. *orchestrator.Orchestrator
// implements it.
type Core interface {
	Spawn(ctx context.Context, req orchestrator.SpawnRequest) (*types.AgentRecord, error)
	Resolve(ctx context.Context, ref string) (types.AgentID, error)
	Accept(ctx context.Context, id types.AgentID) (*types.AgentRecord, error)
	Reject(ctx context.Context, id types.AgentID) (*types.AgentRecord, error)
	Cancel(ctx context.Context, id types.AgentID) (*types.AgentRecord, error)
	Status(ctx context.Context, id types.AgentID) (*types.AgentRecord, error)
	List(ctx context.Context, states ...types.State) ([]*types.AgentRecord, error)
	Events(ctx context.Context, id types.AgentID) ([]*types.Event, error)
	Materialize(ctx context.Context, id types.AgentID) (string, error)
	Diff(ctx context.Context, id types.AgentID) ([]types.Change, error)
	Sync(ctx context.Context) (stablesync.Result, error)
}

// ErrTemplateDisabled is returned when a disabled template is run.
var ErrTemplateDisabled = errors.New("template is disabled")

// Dispatcher executes commands against the core.
type Dispatcher struct {
	core      Core
	templates *state.TemplateStore
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. templates may be nil, in which case
// run commands fail.
func NewDispatcher(core Core, templates *state.TemplateStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{core: core, templates: templates, logger: logger.With("component", "dispatcher")}
}

// Dispatch validates and executes cmd.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	d.logger.Debug("dispatch", "kind", string(cmd.Kind), "agent", cmd.Agent, "origin", string(cmd.Origin))

	switch cmd.Kind {
	case KindSpawn:
		prio, _ := types.ParsePriority(cmd.Priority)
		rec, err := d.core.Spawn(ctx, orchestrator.SpawnRequest{Task: cmd.Task, Priority: prio, Origin: cmd.Origin})
		if err != nil {
			return nil, err
		}
		return &Result{Agent: rec}, nil

	case KindQueue:
		res := &Result{}
		for _, t := range cmd.Tasks {
			prio, _ := types.ParsePriority(t.Priority)
			rec, err := d.core.Spawn(ctx, orchestrator.SpawnRequest{Task: t.Task, Priority: prio, Origin: cmd.Origin})
			if err != nil {
				return res, fmt.Errorf("queue %q: %w", firstWords(t.Task), err)
			}
			res.Agents = append(res.Agents, rec)
		}
		return res, nil

	case KindList:
		recs, err := d.core.List(ctx, cmd.States...)
		if err != nil {
			return nil, err
		}
		if recs == nil {
			recs = []*types.AgentRecord{}
		}
		return &Result{Agents: recs}, nil

	case KindSync:
		sr, err := d.core.Sync(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Sync: &sr}, nil

	case KindRun:
		return d.run(ctx, cmd)
	}

	id, err := d.core.Resolve(ctx, cmd.Agent)
	if err != nil {
		return nil, err
	}
	switch cmd.Kind {
	case KindAccept:
		return record(d.core.Accept(ctx, id))
	case KindReject:
		return record(d.core.Reject(ctx, id))
	case KindCancel:
		return record(d.core.Cancel(ctx, id))
	case KindStatus:
		return record(d.core.Status(ctx, id))
	case KindEvents:
		events, err := d.core.Events(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Result{Events: events}, nil
	case KindDiff:
		changes, err := d.core.Diff(ctx, id)
		if err != nil {
			return nil, err
		}
		if changes == nil {
			changes = []types.Change{}
		}
		return &Result{Changes: changes}, nil
	case KindMaterialize:
		path, err := d.core.Materialize(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Result{Path: path}, nil
	}
	return nil, badCommand("unknown kind %q", cmd.Kind)
}

// run spawns an agent from a named template. A task in the command
// overrides the template prompt; the template origin wins over the
// command's.
func (d *Dispatcher) run(ctx context.Context, cmd Command) (*Result, error) {
	if d.templates == nil {
		return nil, fmt.Errorf("templates are not configured")
	}
	tpl, err := d.templates.Get(cmd.Template)
	if err != nil {
		return nil, err
	}
	if !tpl.Enabled {
		return nil, fmt.Errorf("template %s: %w", tpl.Name, ErrTemplateDisabled)
	}
	prompt := tpl.Prompt
	if cmd.Task != "" {
		prompt = cmd.Task
	}
	origin := tpl.Origin
	if origin == "" {
		origin = cmd.Origin
	}
	rec, err := d.core.Spawn(ctx, orchestrator.SpawnRequest{Task: prompt, Priority: tpl.Priority, Origin: origin})
	if err != nil {
		return nil, err
	}
	return &Result{Agent: rec}, nil
}

func record(rec *types.AgentRecord, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	return &Result{Agent: rec}, nil
}

func firstWords(s string) string {
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return strings.ReplaceAll(s, "\n", " ")
}
