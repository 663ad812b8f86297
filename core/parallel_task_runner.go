package core

import (
	"context"
	"fmt"
	"log"
	"maps"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxAllowedConcurrency is the maximum allowed value for maxConcurrency parameter.
	// Values higher than this could lead to excessive goroutine creation and memory exhaustion.
	maxAllowedConcurrency = 10000
)

var observedTaskSeq atomic.Uint64

// resolveTaskName returns explicit if set, else the task function's symbol
// name, falling back to "anonymous" for closures the runtime can't name.
func resolveTaskName(task Task, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if task == nil {
		return "anonymous"
	}
	v := reflect.ValueOf(task)
	if v.Kind() != reflect.Func {
		return "anonymous"
	}
	pc := v.Pointer()
	if pc == 0 {
		return "anonymous"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil || fn.Name() == "" {
		return "anonymous"
	}
	return fn.Name()
}

// wrapObservedTask wraps task so that, on completion (including a panic,
// which it re-panics after recording), record — if non-nil — receives a
// TaskExecutionRecord describing the run. Used to feed a pool or runner's
// RecentTasks/Stats view.
func wrapObservedTask(
	task Task,
	explicitName string,
	traits TaskTraits,
	runnerName string,
	runnerType string,
	record func(TaskExecutionRecord),
) Task {
	taskID := observedTaskSeq.Add(1)
	name := resolveTaskName(task, explicitName)
	if runnerName == "" {
		runnerName = runnerType
	}

	return func(ctx context.Context) {
		startedAt := time.Now()
		panicked := false

		defer func() {
			if record == nil {
				if rec := recover(); rec != nil {
					panic(rec)
				}
				return
			}

			rec := recover()
			if rec != nil {
				panicked = true
			}
			finishedAt := time.Now()
			record(TaskExecutionRecord{
				TaskID:     taskID,
				Name:       name,
				RunnerName: runnerName,
				RunnerType: runnerType,
				Priority:   traits.Priority,
				StartedAt:  startedAt,
				FinishedAt: finishedAt,
				Duration:   finishedAt.Sub(startedAt),
				Panicked:   panicked,
			})
			if panicked {
				panic(rec)
			}
		}()

		if task != nil {
			task(ctx)
		}
	}
}

// ParallelTaskRunner executes up to maxConcurrency tasks simultaneously.
// Tasks are queued and dispatched as slots become available.
//
// The Pool scheduler uses one of these per pool, with maxConcurrency
// set to PoolOptions.MaxWorkers: "find an available handler and dispatch"
// is posted to it as one task, so the same claim-a-slot/track-running-count
// discipline that bounds thread-pool fan-out here also bounds how many
// concurrent dispatch attempts the pool makes, independent of how many
// WorkerHandlers it happens to have spawned.
type ParallelTaskRunner struct {
	// Internal SingleThreadTaskRunner for serializing scheduling operations
	// Using SingleThreadTaskRunner ensures scheduling operations are never blocked
	// by thread pool congestion - the scheduler has its own dedicated goroutine.
	scheduler *SingleThreadTaskRunner

	threadPool     ThreadPool
	queue          TaskQueue
	maxConcurrency int
	runningCount   atomic.Int32
	closed         atomic.Bool
	shutdownChan   chan struct{}
	shutdownOnce   sync.Once

	// Metadata
	name       string
	metadata   map[string]any
	metadataMu sync.Mutex
}

// NewParallelTaskRunner creates a new ParallelTaskRunner with the specified concurrency limit.
// Panics if threadPool is nil or maxConcurrency is out of valid range [1, 10000].
func NewParallelTaskRunner(threadPool ThreadPool, maxConcurrency int) *ParallelTaskRunner {
	if threadPool == nil {
		panic("ParallelTaskRunner: threadPool must not be nil")
	}
	if maxConcurrency < 1 {
		panic("ParallelTaskRunner: maxConcurrency must be at least 1")
	}
	if maxConcurrency > maxAllowedConcurrency {
		panic(fmt.Sprintf("ParallelTaskRunner: maxConcurrency must not exceed %d", maxAllowedConcurrency))
	}

	// Create internal SingleThreadTaskRunner for serializing scheduling operations
	// SingleThreadTaskRunner has its own dedicated goroutine, ensuring scheduling
	// operations are never blocked by thread pool congestion.
	scheduler := NewSingleThreadTaskRunner()
	scheduler.SetName("parallel-scheduler")

	r := &ParallelTaskRunner{
		scheduler:      scheduler,
		threadPool:     threadPool,
		queue:          NewFIFOTaskQueue(),
		maxConcurrency: maxConcurrency,
		shutdownChan:   make(chan struct{}),
		metadata:       make(map[string]any),
	}
	return r
}

// MaxConcurrency returns the maximum number of concurrent tasks.
func (r *ParallelTaskRunner) MaxConcurrency() int {
	return r.maxConcurrency
}

// PendingTaskCount returns the number of queued tasks waiting to run.
func (r *ParallelTaskRunner) PendingTaskCount() int {
	return r.queue.Len()
}

// RunningTaskCount returns the number of currently executing tasks.
func (r *ParallelTaskRunner) RunningTaskCount() int {
	return int(r.runningCount.Load())
}

// Stats returns current observability data for this runner.
func (r *ParallelTaskRunner) Stats() RunnerStats {
	return RunnerStats{
		Name:    r.observabilityName(),
		Type:    "parallel",
		Pending: r.PendingTaskCount(),
		Running: r.RunningTaskCount(),
		Closed:  r.IsClosed(),
	}
}

func (r *ParallelTaskRunner) observabilityName() string {
	name := r.Name()
	if name == "" {
		return "parallel"
	}
	return name
}

func (r *ParallelTaskRunner) emitQueueDepth(depth int) {
	type schedulerGetter interface {
		GetScheduler() *TaskScheduler
	}
	if tp, ok := r.threadPool.(schedulerGetter); ok {
		if scheduler := tp.GetScheduler(); scheduler != nil {
			if metrics := scheduler.GetMetrics(); metrics != nil {
				metrics.RecordPendingRequests(r.observabilityName(), depth)
			}
		}
	}
}

// IsClosed returns true if the runner has been shut down.
func (r *ParallelTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Name returns the name of the task runner
func (r *ParallelTaskRunner) Name() string {
	r.metadataMu.Lock()
	defer r.metadataMu.Unlock()
	return r.name
}

// SetName sets the name of the task runner
func (r *ParallelTaskRunner) SetName(name string) {
	r.metadataMu.Lock()
	defer r.metadataMu.Unlock()
	r.name = name
}

// Metadata returns the metadata associated with the task runner
func (r *ParallelTaskRunner) Metadata() map[string]any {
	r.metadataMu.Lock()
	defer r.metadataMu.Unlock()
	// Return a copy to prevent external modification
	metadata := make(map[string]any, len(r.metadata))
	maps.Copy(metadata, r.metadata)
	return metadata
}

// SetMetadata sets a metadata key-value pair
func (r *ParallelTaskRunner) SetMetadata(key string, value any) {
	r.metadataMu.Lock()
	defer r.metadataMu.Unlock()
	r.metadata[key] = value
}

// GetThreadPool returns the underlying ThreadPool used by this runner
func (r *ParallelTaskRunner) GetThreadPool() ThreadPool {
	return r.threadPool
}

// PostTask submits a task with default traits.
func (r *ParallelTaskRunner) PostTask(task Task) {
	r.PostTaskWithTraits(task, DefaultTaskTraits())
}

// PostTaskWithTraits submits a task with specified traits. Returns
// immediately; the task runs once a concurrency slot is free.
func (r *ParallelTaskRunner) PostTaskWithTraits(task Task, traits TaskTraits) {
	r.PostTaskWithTraitsNamed("", task, traits)
}

// PostTaskNamed submits a task with a caller-provided display name.
func (r *ParallelTaskRunner) PostTaskNamed(name string, task Task) {
	r.PostTaskWithTraitsNamed(name, task, DefaultTaskTraits())
}

// PostTaskWithTraitsNamed submits a named task with specified traits.
func (r *ParallelTaskRunner) PostTaskWithTraitsNamed(name string, task Task, traits TaskTraits) {
	wrapped := wrapObservedTask(task, name, traits, r.observabilityName(), "parallel", nil)

	// Submit scheduling operation to internal SingleThreadTaskRunner
	// This guarantees all queue/scheduling operations run sequentially
	// on the scheduler's dedicated goroutine.
	r.scheduler.PostTask(func(ctx context.Context) {
		if r.closed.Load() {
			return
		}
		// Queue and schedule (executed serially on scheduler)
		r.queue.Push(wrapped, traits)
		r.emitQueueDepth(r.queue.Len())
		r.tryScheduleInternal(ctx)
	})
}

// PostDelayedTask submits a task to execute after a delay.
func (r *ParallelTaskRunner) PostDelayedTask(task Task, delay time.Duration) {
	r.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

// PostDelayedTaskWithTraits submits a delayed task with specified traits.
func (r *ParallelTaskRunner) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) {
	r.PostDelayedTaskWithTraitsNamed("", task, delay, traits)
}

// PostDelayedTaskNamed submits a delayed named task.
func (r *ParallelTaskRunner) PostDelayedTaskNamed(name string, task Task, delay time.Duration) {
	r.PostDelayedTaskWithTraitsNamed(name, task, delay, DefaultTaskTraits())
}

// PostDelayedTaskWithTraitsNamed submits a delayed named task with specified traits.
func (r *ParallelTaskRunner) PostDelayedTaskWithTraitsNamed(name string, task Task, delay time.Duration, traits TaskTraits) {
	// Check closed flag before submitting to thread pool
	if r.closed.Load() {
		return
	}
	wrapped := wrapObservedTask(task, name, traits, r.observabilityName(), "parallel", nil)
	// Delegate to thread pool's delayed task mechanism
	// When delay expires, the task will be posted back to this runner via PostTask
	r.threadPool.PostDelayedInternal(wrapped, delay, traits, r)
}

// =============================================================================
// Repeating Task Implementation
// =============================================================================

// parallelRepeatingTaskHandle implements RepeatingTaskHandle interface for ParallelTaskRunner
type parallelRepeatingTaskHandle struct {
	task     Task
	interval time.Duration
	traits   TaskTraits
	stopped  atomic.Bool
}

func (h *parallelRepeatingTaskHandle) Stop() {
	h.stopped.Store(true)
}

func (h *parallelRepeatingTaskHandle) IsStopped() bool {
	return h.stopped.Load()
}

// createRepeatingTask creates a self-scheduling repeating task
func (h *parallelRepeatingTaskHandle) createRepeatingTask() Task {
	return func(ctx context.Context) {
		// Get the current runner from context
		runner := GetCurrentTaskRunner(ctx)

		// Check if runner is closed (automatic cleanup)
		if r, ok := runner.(*ParallelTaskRunner); ok && r.IsClosed() {
			return
		}

		// Check if handle is manually stopped
		if h.IsStopped() {
			return
		}

		// Execute the original task
		h.task(ctx)

		// After execution, reschedule if not stopped and runner is still open
		if !h.IsStopped() && runner != nil {
			// Check again before rescheduling
			if r, ok := runner.(*ParallelTaskRunner); ok && r.IsClosed() {
				return
			}
			// Reschedule itself
			runner.PostDelayedTaskWithTraits(h.createRepeatingTask(), h.interval, h.traits)
		}
	}
}

// PostRepeatingTask submits a repeating task
func (r *ParallelTaskRunner) PostRepeatingTask(task Task, interval time.Duration) RepeatingTaskHandle {
	return r.PostRepeatingTaskWithTraits(task, interval, DefaultTaskTraits())
}

// PostRepeatingTaskWithTraits submits a repeating task with specific traits
func (r *ParallelTaskRunner) PostRepeatingTaskWithTraits(
	task Task,
	interval time.Duration,
	traits TaskTraits,
) RepeatingTaskHandle {
	return r.PostRepeatingTaskWithInitialDelay(task, 0, interval, traits)
}

// PostRepeatingTaskWithInitialDelay submits a repeating task with an initial delay
func (r *ParallelTaskRunner) PostRepeatingTaskWithInitialDelay(
	task Task,
	initialDelay, interval time.Duration,
	traits TaskTraits,
) RepeatingTaskHandle {
	handle := &parallelRepeatingTaskHandle{
		task:     task,
		interval: interval,
		traits:   traits,
	}

	// Create the self-scheduling repeating task
	repeatingTask := handle.createRepeatingTask()

	// Schedule first execution based on initialDelay
	if initialDelay > 0 {
		r.PostDelayedTaskWithTraits(repeatingTask, initialDelay, traits)
	} else {
		r.PostTaskWithTraits(repeatingTask, traits)
	}

	return handle
}

// tryScheduleInternal attempts to start tasks from the queue if slots are available.
// IMPORTANT: This must only be called from the internal scheduler (serial execution).
// The scheduler's dedicated goroutine ensures this is never blocked by thread pool congestion.
func (r *ParallelTaskRunner) tryScheduleInternal(ctx context.Context) {
	// tryScheduleInternal must be called from the internal scheduler
	currentTaskRunner := GetCurrentTaskRunner(ctx)
	if currentTaskRunner != r.scheduler {
		// Wrong context - must be called from internal scheduler
		panic("ParallelTaskRunner: tryScheduleInternal must be called from internal scheduler")
	}

	// This runs on scheduler which guarantees serial execution
	for r.runningCount.Load() < int32(r.maxConcurrency) {
		if r.queue.IsEmpty() {
			return
		}

		item, ok := r.queue.Pop()
		if !ok {
			return
		}
		r.emitQueueDepth(r.queue.Len())

		r.runningCount.Add(1)
		r.threadPool.PostInternal(r.runLoop(item.Task), item.Traits)
	}
}

// runLoop wraps a task with cleanup logic.
func (r *ParallelTaskRunner) runLoop(task Task) Task {
	return func(ctx context.Context) {
		defer r.onTaskComplete()

		// Inject current runner into context
		runCtx := context.WithValue(ctx, taskRunnerKey, r)

		// Execute with panic recovery
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					// Try to get panic handler from thread pool
					if tp, ok := r.threadPool.(interface{ GetScheduler() *TaskScheduler }); ok {
						if handler := tp.GetScheduler().GetPanicHandler(); handler != nil {
							handler.HandlePanic(runCtx, r.Name(), -1, rec, debug.Stack())
						}
						if metrics := tp.GetScheduler().GetMetrics(); metrics != nil {
							metrics.RecordWorkerCrash(r.Name(), rec)
						}
					} else {
						// Fallback to basic logging
						log.Printf("[ParallelTaskRunner] Task panic recovered: %v\nStack trace:\n%s",
							rec, debug.Stack())
					}
				}
			}()
			task(runCtx)
		}()
	}
}

// onTaskComplete is called when a task finishes.
func (r *ParallelTaskRunner) onTaskComplete() {
	r.runningCount.Add(-1)

	// Trigger next scheduling via internal SingleThreadTaskRunner
	r.scheduler.PostTask(func(ctx context.Context) {
		r.tryScheduleInternal(ctx)
	})
}

// WaitIdle blocks until all currently queued tasks have completed execution.
//
// This method waits until both the queue is empty AND no tasks are currently
// executing (runningCount == 0).
//
// Returns error if:
// - Context is cancelled or deadline exceeded
// - Runner is closed when WaitIdle is called
//
// Note: Tasks posted after WaitIdle is called are not waited for.
func (r *ParallelTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return fmt.Errorf("runner is closed")
	}

	done := make(chan struct{})

	var poll func()
	poll = func() {
		r.scheduler.PostTask(func(ctx context.Context) {
			if r.IsClosed() {
				close(done)
				return
			}
			if r.queue.IsEmpty() && r.runningCount.Load() == 0 {
				close(done)
				return
			}
			time.AfterFunc(time.Millisecond, poll)
		})
	}
	poll()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.shutdownChan:
		return fmt.Errorf("runner shutdown during WaitIdle")
	}
}

// Shutdown marks the runner as closed and clears all pending tasks.
// This method is non-blocking and can be safely called from within a task.
//
// Shutdown does NOT interrupt currently executing tasks - they will run to completion.
// However, no new tasks will be started from the queue after Shutdown is called.
func (r *ParallelTaskRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		// Mark as closed first to stop accepting new tasks
		r.closed.Store(true)

		// Clear the queue
		r.queue.Clear()
		r.emitQueueDepth(0)

		close(r.shutdownChan)

		// Shutdown the internal scheduler
		r.scheduler.Shutdown()
	})
}

// WaitShutdown blocks until Shutdown() is called on this runner.
// Returns error if context is cancelled.
func (r *ParallelTaskRunner) WaitShutdown(ctx context.Context) error {
	select {
	case <-r.shutdownChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
