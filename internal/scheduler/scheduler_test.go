package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/agentfs/internal/types"
)

func newTask(p types.Priority) *types.Task {
	return &types.Task{AgentID: types.NewAgentID(), Prompt: "task", Priority: p}
}

func TestConcurrencyBound(t *testing.T) {
	var running, maxSeen, done int32
	s := New(3, func(ctx context.Context, task *types.Task) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&done, 1)
		return nil
	}, nil)
	s.Start(context.Background())
	defer s.Stop()

	for i := 0; i < 10; i++ {
		if err := s.Enqueue(newTask(types.PriorityNormal)); err != nil {
			t.Fatal(err)
		}
	}
	if !s.WaitIdle(5 * time.Second) {
		t.Fatal("scheduler did not drain")
	}
	if m := atomic.LoadInt32(&maxSeen); m > 3 {
		t.Errorf("expected at most 3 concurrent pipelines, saw %d", m)
	}
	if d := atomic.LoadInt32(&done); d != 10 {
		t.Errorf("expected 10 completed pipelines, got %d", d)
	}
}

func TestPriorityThenFIFO(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	labels := map[types.AgentID]string{}

	blocker := newTask(types.PriorityLow)
	s := New(1, func(ctx context.Context, task *types.Task) error {
		if task.AgentID == blocker.AgentID {
			close(started)
			<-gate
			return nil
		}
		mu.Lock()
		order = append(order, labels[task.AgentID])
		mu.Unlock()
		return nil
	}, nil)
	s.Start(context.Background())
	defer s.Stop()

	if err := s.Enqueue(blocker); err != nil {
		t.Fatal(err)
	}
	<-started

	add := func(label string, p types.Priority) {
		task := newTask(p)
		labels[task.AgentID] = label
		if err := s.Enqueue(task); err != nil {
			t.Fatal(err)
		}
	}
	add("low", types.PriorityLow)
	add("normal-1", types.PriorityNormal)
	add("urgent", types.PriorityUrgent)
	add("high", types.PriorityHigh)
	add("normal-2", types.PriorityNormal)
	close(gate)

	if !s.WaitIdle(5 * time.Second) {
		t.Fatal("scheduler did not drain")
	}
	want := []string{"urgent", "high", "normal-1", "normal-2", "low"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestDoubleScheduleRefused(t *testing.T) {
	gate := make(chan struct{})
	s := New(1, func(ctx context.Context, task *types.Task) error {
		<-gate
		return nil
	}, nil)
	s.Start(context.Background())
	defer s.Stop()

	task := newTask(types.PriorityNormal)
	if err := s.Enqueue(task); err != nil {
		t.Fatal(err)
	}
	dup := &types.Task{AgentID: task.AgentID, Priority: types.PriorityHigh}
	if err := s.Enqueue(dup); !errors.Is(err, types.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency, got %v", err)
	}
	close(gate)
	if !s.WaitIdle(5 * time.Second) {
		t.Fatal("scheduler did not drain")
	}
	if err := s.Enqueue(dup); err != nil {
		t.Fatalf("re-enqueue after completion: %v", err)
	}
}

func TestPanicReleasesSlot(t *testing.T) {
	var failures atomic.Int32
	var ran atomic.Int32
	s := New(1, func(ctx context.Context, task *types.Task) error {
		if task.Prompt == "boom" {
			panic("boom")
		}
		ran.Add(1)
		return nil
	}, nil)
	s.OnFailure(func(task *types.Task, err error) { failures.Add(1) })
	s.Start(context.Background())
	defer s.Stop()

	bad := newTask(types.PriorityUrgent)
	bad.Prompt = "boom"
	if err := s.Enqueue(bad); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(newTask(types.PriorityNormal)); err != nil {
		t.Fatal(err)
	}
	if !s.WaitIdle(5 * time.Second) {
		t.Fatal("scheduler did not drain")
	}
	if failures.Load() != 1 {
		t.Errorf("expected 1 failure, got %d", failures.Load())
	}
	if ran.Load() != 1 {
		t.Errorf("expected the second pipeline to run, got %d", ran.Load())
	}
}

func TestErrorCallsFailureHandler(t *testing.T) {
	got := make(chan error, 1)
	s := New(2, func(ctx context.Context, task *types.Task) error {
		return errors.New("generator down")
	}, nil)
	s.OnFailure(func(task *types.Task, err error) { got <- err })
	s.Start(context.Background())
	defer s.Stop()

	if err := s.Enqueue(newTask(types.PriorityNormal)); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-got:
		if err.Error() != "generator down" {
			t.Errorf("unexpected error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("failure handler not called")
	}
}

func TestCancelQueuedAndRunning(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	s := New(1, func(ctx context.Context, task *types.Task) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, nil)
	s.Start(context.Background())
	defer s.Stop()

	first := newTask(types.PriorityNormal)
	second := newTask(types.PriorityNormal)
	if err := s.Enqueue(first); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Enqueue(second); err != nil {
		t.Fatal(err)
	}

	found, running := s.Cancel(second.AgentID)
	if !found || running {
		t.Fatalf("queued cancel: found=%v running=%v", found, running)
	}
	if s.Pending() != 0 {
		t.Errorf("expected empty queue, got %d", s.Pending())
	}

	found, running = s.Cancel(first.AgentID)
	if !found || !running {
		t.Fatalf("running cancel: found=%v running=%v", found, running)
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline context was not cancelled")
	}
	if !s.WaitIdle(5 * time.Second) {
		t.Fatal("scheduler did not drain")
	}
	if found, _ := s.Cancel(first.AgentID); found {
		t.Error("finished agent should be unknown")
	}
}
