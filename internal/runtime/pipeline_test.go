package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/lifecycle"
	"github.com/user/agentfs/internal/merge"
	"github.com/user/agentfs/internal/overlay"
	"github.com/user/agentfs/internal/types"
	"github.com/user/agentfs/internal/workspace"
)

type stubGenerator struct {
	code  string
	err   error
	calls int
}

func (g *stubGenerator) Generate(_ context.Context, req *types.GenerateRequest) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.code, nil
}

// stubExecutor ignores the code and performs a fixed edit.
type stubExecutor struct {
	files map[string]string
	err   error
}

func (e *stubExecutor) Run(_ context.Context, _ string, caps types.Capabilities, _ types.Limits) (*types.Submission, error) {
	if e.err != nil {
		return nil, e.err
	}
	for p, body := range e.files {
		if err := caps.WriteFile(p, []byte(body)); err != nil {
			return nil, err
		}
	}
	if err := caps.SubmitResult("wrote files"); err != nil {
		return nil, err
	}
	return &types.Submission{Summary: "wrote files", CreatedAt: time.Now()}, nil
}

type rig struct {
	ctx      context.Context
	catalogs *catalog.Registry
	stable   *catalog.Catalog
	machine  *lifecycle.Machine
	merge    *merge.Engine
	gen      *stubGenerator
	exec     *stubExecutor
	deps     Deps
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	reg, err := catalog.NewRegistry(filepath.Join(dir, "catalogs"), catalog.Options{PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	stable, err := reg.Open(ctx, types.StableCatalog)
	require.NoError(t, err)
	bin, err := reg.Open(ctx, types.BinCatalog)
	require.NoError(t, err)
	ws, err := workspace.New(filepath.Join(dir, "workspaces"), nil)
	require.NoError(t, err)
	machine := lifecycle.New(bin, nil)
	engine := merge.New(machine, reg, overlay.NewStableWriter(stable), ws, nil)
	gen := &stubGenerator{code: "package main"}
	exec := &stubExecutor{files: map[string]string{"new.py": "print('hi')"}}
	return &rig{
		ctx:      ctx,
		catalogs: reg,
		stable:   stable,
		machine:  machine,
		merge:    engine,
		gen:      gen,
		exec:     exec,
		deps: Deps{
			Machine:    machine,
			Catalogs:   reg,
			Stable:     stable,
			Generator:  gen,
			Executor:   exec,
			Merge:      engine,
			Workspaces: ws,
		},
	}
}

func (r *rig) pipeline(policy ReviewPolicy) *Pipeline {
	retry := &RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	return NewPipeline(r.deps, types.Limits{Timeout: time.Second}, policy, retry, nil)
}

func (r *rig) task(t *testing.T) *types.Task {
	t.Helper()
	rec, err := r.machine.Create(r.ctx, lifecycle.NewAgent{Task: "add new.py"})
	require.NoError(t, err)
	return &types.Task{AgentID: rec.AgentID, Prompt: rec.Task}
}

func states(t *testing.T, m *lifecycle.Machine, id types.AgentID) []types.State {
	t.Helper()
	events, err := m.Events(context.Background(), id)
	require.NoError(t, err)
	var out []types.State
	for _, ev := range events {
		out = append(out, ev.To)
	}
	return out
}

func TestPipelineAutoAccept(t *testing.T) {
	r := newRig(t)
	task := r.task(t)

	require.NoError(t, r.pipeline(ReviewAccept).Process(r.ctx, task))

	rec, err := r.machine.Get(r.ctx, task.AgentID)
	require.NoError(t, err)
	require.Equal(t, types.StateAccepted, rec.State)
	require.NotNil(t, rec.Submission)
	require.Equal(t, []string{"added new.py"}, rec.Submission.Changed)
	require.Equal(t, types.OverlayCatalog(task.AgentID), rec.OverlayRef)

	got, err := overlay.New(r.stable).ReadFile(r.ctx, "new.py")
	require.NoError(t, err)
	require.Equal(t, "print('hi')", string(got))
	require.False(t, r.catalogs.Exists(types.OverlayCatalog(task.AgentID)))

	require.Equal(t, []types.State{
		types.StateQueued, types.StateSpawning, types.StateGenerating, types.StateExecuting,
		types.StateSubmitting, types.StateReviewing, types.StateAccepted,
	}, states(t, r.machine, task.AgentID))
}

func TestPipelineManualReviewWaitsForReject(t *testing.T) {
	r := newRig(t)
	task := r.task(t)
	p := r.pipeline(ReviewManual)

	done := make(chan error, 1)
	go func() { done <- p.Process(r.ctx, task) }()

	waitCtx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()
	rec, err := r.machine.WaitFor(waitCtx, task.AgentID, func(s types.State) bool { return s == types.StateReviewing })
	require.NoError(t, err)
	require.NotEmpty(t, rec.Submission.Preview)
	preview, err := os.ReadFile(filepath.Join(rec.Submission.Preview, "new.py"))
	require.NoError(t, err)
	require.Equal(t, "print('hi')", string(preview))

	select {
	case err := <-done:
		t.Fatalf("pipeline returned before a decision: %v", err)
	default:
	}

	_, err = r.merge.Reject(r.ctx, task.AgentID)
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not finish after reject")
	}

	_, err = overlay.New(r.stable).ReadFile(r.ctx, "new.py")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestPipelineGenerationFailure(t *testing.T) {
	r := newRig(t)
	r.gen.err = errors.New("invalid request")
	task := r.task(t)
	p := r.pipeline(ReviewManual)

	err := p.Process(r.ctx, task)
	require.ErrorIs(t, err, types.ErrGeneration)
	require.Equal(t, 1, r.gen.calls, "permanent errors are not retried")

	p.Fail(task, err)
	rec, err := r.machine.Get(r.ctx, task.AgentID)
	require.NoError(t, err)
	require.Equal(t, types.StateErrored, rec.State)
	require.Contains(t, rec.Error, "invalid request")
	require.False(t, r.catalogs.Exists(types.OverlayCatalog(task.AgentID)))
}

func TestPipelineRetriesTransientGeneration(t *testing.T) {
	r := newRig(t)
	r.gen.err = errors.New("connection reset by peer")
	task := r.task(t)

	err := r.pipeline(ReviewManual).Process(r.ctx, task)
	require.ErrorIs(t, err, types.ErrGeneration)
	require.Equal(t, 2, r.gen.calls)
}

func TestPipelineExecutionFailure(t *testing.T) {
	r := newRig(t)
	r.exec.err = &types.ExecutionError{Kind: types.ErrTimeout, Err: context.DeadlineExceeded}
	task := r.task(t)
	p := r.pipeline(ReviewManual)

	err := p.Process(r.ctx, task)
	require.ErrorIs(t, err, types.ErrTimeout)
	p.Fail(task, err)

	rec, err := r.machine.Get(r.ctx, task.AgentID)
	require.NoError(t, err)
	require.Equal(t, types.StateErrored, rec.State)
	events, err := r.machine.Events(r.ctx, task.AgentID)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, types.StateExecuting, last.From)
	require.Equal(t, "execution failed", last.Cause)
}

func TestFailKeepsCancelledState(t *testing.T) {
	r := newRig(t)
	task := r.task(t)
	_, err := r.machine.Transition(r.ctx, task.AgentID, types.StateErrored, "cancelled", lifecycle.WithError("cancelled by operator"))
	require.NoError(t, err)

	r.pipeline(ReviewManual).Fail(task, context.Canceled)
	rec, err := r.machine.Get(r.ctx, task.AgentID)
	require.NoError(t, err)
	require.Equal(t, "cancelled by operator", rec.Error)
}

func TestParseReviewPolicy(t *testing.T) {
	for in, want := range map[string]ReviewPolicy{"": ReviewManual, "manual": ReviewManual, "accept": ReviewAccept, "reject": ReviewReject} {
		got, err := ParseReviewPolicy(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseReviewPolicy("maybe")
	require.Error(t, err)
}
