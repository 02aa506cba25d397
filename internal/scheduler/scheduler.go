// Package scheduler runs agent pipelines from a priority queue under a
// fixed concurrency limit.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/agentfs/internal/types"
)

// Processor drives one agent to the end of its pipeline. ctx is cancelled
// when the agent is cancelled or the scheduler stops.
type Processor func(ctx context.Context, task *types.Task) error

// FailureHandler is told about a pipeline that returned an error or
// panicked. It runs before the slot is released.
type FailureHandler func(task *types.Task, err error)

type pipeline struct {
	cancel  context.CancelFunc
	started time.Time
}

// Scheduler owns the registry of queued and running pipelines. A slot is
// taken before a task is dequeued, so the highest-priority oldest task at
// the moment a slot frees up is the one that starts.
type Scheduler struct {
	sem       *semaphore.Weighted
	limit     int64
	processor Processor
	onFailure FailureHandler
	logger    *slog.Logger

	mu     sync.Mutex
	queue  taskQueue
	queued map[types.AgentID]bool
	active map[types.AgentID]*pipeline
	seq    uint64
	wake   chan struct{}

	running atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler that runs at most maxConcurrent pipelines.
func New(maxConcurrent int64, processor Processor, logger *slog.Logger) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sem:       semaphore.NewWeighted(maxConcurrent),
		limit:     maxConcurrent,
		processor: processor,
		logger:    logger.With("component", "scheduler"),
		queued:    make(map[types.AgentID]bool),
		active:    make(map[types.AgentID]*pipeline),
		wake:      make(chan struct{}, 1),
	}
}

// OnFailure sets the handler for failed pipelines. Call before Start.
func (s *Scheduler) OnFailure(fn FailureHandler) { s.onFailure = fn }

// Limit returns the concurrency limit.
func (s *Scheduler) Limit() int64 { return s.limit }

// Start launches the coordinating loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("scheduler started", "max_concurrent", s.limit)
}

// Stop cancels every pipeline and waits for them to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Enqueue adds a task. An agent that is already queued or running is
// refused with ErrConcurrency.
func (s *Scheduler) Enqueue(task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[task.AgentID] || s.active[task.AgentID] != nil {
		return fmt.Errorf("enqueue agent %s: %w", task.AgentID, types.ErrConcurrency)
	}
	s.seq++
	task.Seq = s.seq
	heap.Push(&s.queue, task)
	s.queued[task.AgentID] = true

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel removes a queued task or cancels a running pipeline. It reports
// whether the agent was known to the scheduler and whether it was running.
func (s *Scheduler) Cancel(id types.AgentID) (found, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[id] {
		s.queue.remove(id)
		delete(s.queued, id)
		return true, false
	}
	if p, ok := s.active[id]; ok {
		p.cancel()
		return true, true
	}
	return false, false
}

// Active returns the ids of running pipelines.
func (s *Scheduler) Active() []types.AgentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]types.AgentID, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// IsActive reports whether id is queued or running.
func (s *Scheduler) IsActive(id types.AgentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued[id] || s.active[id] != nil
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Running returns the number of pipelines holding a slot.
func (s *Scheduler) Running() int64 { return s.running.Load() }

// WaitIdle blocks until nothing is queued or running, or the timeout
// expires. Returns true if idle.
func (s *Scheduler) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if s.running.Load() == 0 && s.Pending() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		task, ctx, ok := s.next()
		if !ok {
			s.sem.Release(1)
			return
		}
		s.launch(ctx, task)
	}
}

// next blocks until a task is queued or the scheduler stops.
func (s *Scheduler) next() (*types.Task, context.Context, bool) {
	for {
		s.mu.Lock()
		if s.queue.Len() > 0 {
			task := heap.Pop(&s.queue).(*types.Task)
			delete(s.queued, task.AgentID)
			ctx, cancel := context.WithCancel(s.ctx)
			s.active[task.AgentID] = &pipeline{cancel: cancel, started: time.Now()}
			s.running.Add(1)
			s.mu.Unlock()
			return task, ctx, true
		}
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return nil, nil, false
		}
	}
}

func (s *Scheduler) launch(ctx context.Context, task *types.Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(task.AgentID)
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("pipeline panic: %v", r)
				s.logger.Error("pipeline panicked", "agent_id", string(task.AgentID), "error", err, "stack", string(debug.Stack()))
				s.fail(task, err)
			}
		}()

		s.logger.Debug("pipeline started", "agent_id", string(task.AgentID), "priority", task.Priority.String())
		if err := s.processor(ctx, task); err != nil {
			s.logger.Error("pipeline failed", "agent_id", string(task.AgentID), "error", err)
			s.fail(task, err)
		}
	}()
}

func (s *Scheduler) fail(task *types.Task, err error) {
	if s.onFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("failure handler panicked", "agent_id", string(task.AgentID), "panic", r)
		}
	}()
	s.onFailure(task, err)
}

// release frees the agent's slot exactly once.
func (s *Scheduler) release(id types.AgentID) {
	s.mu.Lock()
	p, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	s.running.Add(-1)
	s.sem.Release(1)
	s.logger.Debug("pipeline finished", "agent_id", string(id), "elapsed", time.Since(p.started).Round(time.Millisecond))
}
