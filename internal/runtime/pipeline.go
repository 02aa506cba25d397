// Package runtime drives one agent from QUEUED to a decision: overlay
// creation, code generation, sandboxed execution, submission and review.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/lifecycle"
	"github.com/user/agentfs/internal/merge"
	"github.com/user/agentfs/internal/overlay"
	"github.com/user/agentfs/internal/sandbox"
	"github.com/user/agentfs/internal/types"
	"github.com/user/agentfs/internal/workspace"
)

// ReviewPolicy decides what happens when an agent reaches REVIEWING.
type ReviewPolicy string

const (
	ReviewManual ReviewPolicy = "manual"
	ReviewAccept ReviewPolicy = "accept"
	ReviewReject ReviewPolicy = "reject"
)

func ParseReviewPolicy(s string) (ReviewPolicy, error) {
	switch p := ReviewPolicy(s); p {
	case "":
		return ReviewManual, nil
	case ReviewManual, ReviewAccept, ReviewReject:
		return p, nil
	}
	return "", fmt.Errorf("unknown review policy %q", s)
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Machine    *lifecycle.Machine
	Catalogs   *catalog.Registry
	Stable     *catalog.Catalog
	Generator  types.Generator
	Executor   types.Executor
	Merge      *merge.Engine
	Workspaces *workspace.Materializer
}

type Pipeline struct {
	Deps
	limits types.Limits
	policy ReviewPolicy
	retry  *RetryPolicy
	logger *slog.Logger
}

func NewPipeline(deps Deps, limits types.Limits, policy ReviewPolicy, retry *RetryPolicy, logger *slog.Logger) *Pipeline {
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Deps:   deps,
		limits: limits,
		policy: policy,
		retry:  retry,
		logger: logger.With("component", "pipeline"),
	}
}

// Process is the scheduler's processor. Any error it returns is handed to
// Fail, which moves the agent to ERRORED.
func (p *Pipeline) Process(ctx context.Context, task *types.Task) error {
	id := task.AgentID
	if task.Resume {
		return p.review(ctx, id)
	}

	name := types.OverlayCatalog(id)
	if _, err := p.Machine.Transition(ctx, id, types.StateSpawning, "slot acquired", lifecycle.WithOverlay(name)); err != nil {
		return err
	}
	top, err := p.Catalogs.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("create overlay: %w", err)
	}
	view := overlay.New(top, p.Stable)

	if _, err := p.Machine.Transition(ctx, id, types.StateGenerating, "overlay ready"); err != nil {
		return err
	}
	code, err := p.generate(ctx, id, task.Prompt, view)
	if err != nil {
		return err
	}

	if _, err := p.Machine.Transition(ctx, id, types.StateExecuting, "code generated"); err != nil {
		return err
	}
	caps, err := sandbox.NewCapabilities(ctx, view, p.limits)
	if err != nil {
		return err
	}
	sub, err := p.Executor.Run(ctx, code, caps, p.limits)
	if err != nil {
		return err
	}

	if _, err := p.Machine.Transition(ctx, id, types.StateSubmitting, "result submitted"); err != nil {
		return err
	}
	changes, err := view.Changes(ctx)
	if err != nil {
		return fmt.Errorf("diff overlay: %w", err)
	}
	for _, c := range changes {
		sub.Changed = append(sub.Changed, string(c.Kind)+" "+c.Path)
	}
	if p.Workspaces != nil {
		preview, err := p.Workspaces.Materialize(ctx, id, view)
		if err != nil {
			return fmt.Errorf("materialize preview: %w", err)
		}
		sub.Preview = preview
	}

	if _, err := p.Machine.Transition(ctx, id, types.StateReviewing, "ready for review", lifecycle.WithSubmission(sub)); err != nil {
		return err
	}
	return p.review(ctx, id)
}

func (p *Pipeline) generate(ctx context.Context, id types.AgentID, prompt string, view *overlay.View) (string, error) {
	files, err := view.Files(ctx)
	if err != nil {
		return "", fmt.Errorf("list workspace: %w", err)
	}
	req := &types.GenerateRequest{
		AgentID: id,
		Prompt:  prompt,
		Files:   files,
		Read:    func(path string) ([]byte, error) { return view.ReadFile(ctx, path) },
	}
	var code string
	attempt := 0
	err = p.retry.Execute(ctx, func() error {
		attempt++
		var err error
		code, err = p.Generator.Generate(ctx, req)
		if err != nil {
			p.logger.Warn("generation attempt failed", "agent_id", string(id), "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrGeneration, err)
	}
	return code, nil
}

// review waits for, or makes, the decision on an agent in REVIEWING. The
// pipeline keeps its slot until the agent is terminal.
func (p *Pipeline) review(ctx context.Context, id types.AgentID) error {
	switch p.policy {
	case ReviewAccept:
		_, err := p.Merge.Accept(ctx, id)
		if err == nil || !errors.Is(err, types.ErrMerge) {
			return err
		}
		// The agent is still REVIEWING; leave the decision to a human.
		p.logger.Error("automatic accept failed", "agent_id", string(id), "error", err)
	case ReviewReject:
		_, err := p.Merge.Reject(ctx, id)
		return err
	}

	rec, err := p.Machine.WaitTerminal(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			return err
		}
		// Shutdown or cancel. A REVIEWING agent is resumed on restart.
		rec, err = p.Machine.Get(context.Background(), id)
		if err != nil || !rec.State.Terminal() {
			return nil
		}
	}
	// Accept and reject already collected; a cancel during review did not.
	if rec.State == types.StateErrored {
		return p.Merge.GC(id)
	}
	return nil
}

// Fail records a pipeline failure and reclaims the agent's overlay. Agents
// already terminal, such as cancelled ones, keep their state.
func (p *Pipeline) Fail(task *types.Task, cause error) {
	ctx := context.Background()
	id := task.AgentID
	rec, err := p.Machine.Get(ctx, id)
	switch {
	case err != nil:
		p.logger.Error("load failed agent", "agent_id", string(id), "error", err)
	case !rec.State.Terminal():
		reason := "pipeline failed"
		var ee *types.ExecutionError
		switch {
		case errors.Is(cause, types.ErrGeneration):
			reason = "generation failed"
		case errors.As(cause, &ee):
			reason = "execution failed"
		case errors.Is(cause, types.ErrMerge):
			reason = "merge failed"
		case errors.Is(cause, context.Canceled):
			reason = "interrupted"
		}
		if _, err := p.Machine.Transition(ctx, id, types.StateErrored, reason, lifecycle.WithError(cause.Error())); err != nil {
			p.logger.Error("mark agent errored", "agent_id", string(id), "error", err)
		}
	}
	if err := p.Merge.GC(id); err != nil {
		p.logger.Warn("gc failed", "agent_id", string(id), "error", err)
	}
}
