package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"wecombot/internal/metrics"
)

// TaskStatus represents the status of a background task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// BackgroundTask is one detached unit of work, usually the handling of a
// single inbound callback.
type BackgroundTask struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    TaskStatus `json:"status"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	Progress  int        `json:"progress"` // 0-100
	StartedAt time.Time  `json:"started_at"`
	DoneAt    time.Time  `json:"done_at,omitempty"`
}

// TaskFunc is the body of a background task.
type TaskFunc func(ctx context.Context, progress func(int)) (string, error)

// ExecutorConfig configures a BackgroundExecutor.
type ExecutorConfig struct {
	MaxConcurrent int64         // default 10
	TaskTimeout   time.Duration // 0 = no per-task deadline
	Logger        *slog.Logger
}

// BackgroundExecutor runs tasks detached from the caller, at most
// MaxConcurrent at a time. A failing or panicking task is logged and never
// affects the submitter.
type BackgroundExecutor struct {
	mu      sync.RWMutex
	tasks   map[string]*BackgroundTask
	sem     *semaphore.Weighted
	timeout time.Duration
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewBackgroundExecutor(cfg ExecutorConfig) *BackgroundExecutor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BackgroundExecutor{
		tasks:   make(map[string]*BackgroundTask),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		timeout: cfg.TaskTimeout,
		logger:  cfg.Logger,
	}
}

// Submit starts taskFn in the background and returns its id immediately.
// The task keeps ctx's values but not its cancellation, so it survives the
// HTTP request that spawned it.
func (be *BackgroundExecutor) Submit(ctx context.Context, name string, taskFn TaskFunc) string {
	id := uuid.NewString()
	task := &BackgroundTask{
		ID:        id,
		Name:      name,
		Status:    TaskPending,
		StartedAt: time.Now(),
	}
	be.mu.Lock()
	be.tasks[id] = task
	be.mu.Unlock()

	be.logger.Debug("background task submitted", "id", id, "name", name)

	ctx = context.WithoutCancel(ctx)
	be.wg.Add(1)
	go func() {
		defer be.wg.Done()
		// Acquire cannot fail on a context without cancellation.
		_ = be.sem.Acquire(ctx, 1)
		defer be.sem.Release(1)

		metrics.ActiveTasks.Inc()
		defer metrics.ActiveTasks.Dec()

		be.mu.Lock()
		task.Status = TaskRunning
		be.mu.Unlock()

		result, err := be.run(ctx, task, taskFn)

		be.mu.Lock()
		task.DoneAt = time.Now()
		if err != nil {
			task.Status = TaskFailed
			task.Error = err.Error()
		} else {
			task.Status = TaskComplete
			task.Result = result
			task.Progress = 100
		}
		be.mu.Unlock()

		if err != nil {
			be.logger.Error("background task failed", "id", id, "name", name, "err", err)
		} else {
			be.logger.Debug("background task completed", "id", id, "name", name, "duration", time.Since(task.StartedAt))
		}
	}()

	return id
}

func (be *BackgroundExecutor) run(ctx context.Context, task *BackgroundTask, taskFn TaskFunc) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskPanics.Inc()
			be.logger.Error("background task panicked", "id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if be.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, be.timeout)
		defer cancel()
	}

	progressFn := func(pct int) {
		be.mu.Lock()
		task.Progress = pct
		be.mu.Unlock()
	}
	return taskFn(ctx, progressFn)
}

// Wait blocks until every submitted task has finished or ctx is done.
func (be *BackgroundExecutor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		be.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d background tasks: %w", len(be.ListActive()), ctx.Err())
	}
}

// Get returns a copy of the current state of a task.
func (be *BackgroundExecutor) Get(id string) (*BackgroundTask, bool) {
	be.mu.RLock()
	defer be.mu.RUnlock()
	task, ok := be.tasks[id]
	if !ok {
		return nil, false
	}
	copy := *task
	return &copy, true
}

func (be *BackgroundExecutor) List() []BackgroundTask {
	be.mu.RLock()
	defer be.mu.RUnlock()
	result := make([]BackgroundTask, 0, len(be.tasks))
	for _, t := range be.tasks {
		result = append(result, *t)
	}
	return result
}

// ListActive returns tasks that are still running or pending.
func (be *BackgroundExecutor) ListActive() []BackgroundTask {
	be.mu.RLock()
	defer be.mu.RUnlock()
	var result []BackgroundTask
	for _, t := range be.tasks {
		if t.Status == TaskPending || t.Status == TaskRunning {
			result = append(result, *t)
		}
	}
	return result
}

// Clean removes completed/failed tasks older than the given duration.
func (be *BackgroundExecutor) Clean(maxAge time.Duration) int {
	be.mu.Lock()
	defer be.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, t := range be.tasks {
		if (t.Status == TaskComplete || t.Status == TaskFailed) && !t.DoneAt.After(cutoff) {
			delete(be.tasks, id)
			removed++
		}
	}
	return removed
}

// RunJanitor periodically drops finished tasks older than maxAge until ctx
// is done.
func (be *BackgroundExecutor) RunJanitor(ctx context.Context, every, maxAge time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := be.Clean(maxAge); n > 0 {
				be.logger.Debug("background tasks cleaned", "removed", n)
			}
		}
	}
}
