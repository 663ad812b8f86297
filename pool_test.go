package workerpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/swind/workerpool-engine/core"
)

func testPoolOptions(minWorkers, maxWorkers int) PoolOptions {
	return PoolOptions{
		HandlerOptions: core.HandlerOptions{WorkerType: "goroutine", Concurrency: 1},
		MinWorkers:     minWorkers,
		MaxWorkers:     maxWorkers,
	}
}

func TestNewPool_SpawnsMinWorkersEagerly(t *testing.T) {
	p := NewPool("", testPoolOptions(2, 4))
	defer p.Terminate(true)

	stats := p.Stats()
	if stats.HandlerCount != 2 {
		t.Errorf("HandlerCount = %d, want 2", stats.HandlerCount)
	}
}

func TestPool_ExecResolves(t *testing.T) {
	p := NewPool("", testPoolOptions(1, 1))
	defer p.Terminate(true)

	v, err := p.Exec(context.Background(), "echo", []any{"hi"}, core.ExecOptions{}).Wait(time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if v != "hi" {
		t.Errorf("got %v, want %q", v, "hi")
	}
}

func TestPool_GrowsUpToMaxWorkers(t *testing.T) {
	p := NewPool("", testPoolOptions(0, 3))
	defer p.Terminate(true)

	release := make(chan struct{})
	p.opts.HandlerOptions.GoroutineWorker = blockingWorker{release: release}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Exec(context.Background(), "block", nil, core.ExecOptions{}).Wait(2 * time.Second)
		}()
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.Stats().HandlerCount < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.Stats().HandlerCount; got != 3 {
		t.Errorf("HandlerCount = %d, want 3 once load exceeds MinWorkers", got)
	}

	close(release)
	wg.Wait()
}

func TestPool_QueuesBeyondMaxWorkers(t *testing.T) {
	p := NewPool("", testPoolOptions(0, 1))
	defer p.Terminate(true)

	release := make(chan struct{})
	p.opts.HandlerOptions.GoroutineWorker = blockingWorker{release: release}

	first := p.Exec(context.Background(), "block", nil, core.ExecOptions{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.Stats().HandlerCount == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	second := p.Exec(context.Background(), "block", nil, core.ExecOptions{})

	if got := p.Stats().QueueDepth; got != 1 {
		t.Errorf("QueueDepth = %d, want 1 while the sole handler is busy", got)
	}

	close(release)
	if _, err := first.Wait(2 * time.Second); err != nil {
		t.Fatalf("first Exec: %v", err)
	}
	if _, err := second.Wait(2 * time.Second); err != nil {
		t.Fatalf("second (queued) Exec: %v", err)
	}
}

func TestPool_MaxQueueSizeRejectsOverflow(t *testing.T) {
	p := NewPool("", PoolOptions{
		HandlerOptions: core.HandlerOptions{WorkerType: "goroutine", Concurrency: 1},
		MinWorkers:     0,
		MaxWorkers:     1,
		MaxQueueSize:   1,
	})
	defer p.Terminate(true)

	release := make(chan struct{})
	p.opts.HandlerOptions.GoroutineWorker = blockingWorker{release: release}

	p.Exec(context.Background(), "block", nil, core.ExecOptions{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.Stats().HandlerCount == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	p.Exec(context.Background(), "block", nil, core.ExecOptions{})
	_, err := p.Exec(context.Background(), "block", nil, core.ExecOptions{}).Wait(time.Second)
	if err == nil {
		t.Error("expected the task beyond MaxQueueSize to be rejected")
	}

	close(release)
}

func TestPool_ExecAfterTerminateIsRejected(t *testing.T) {
	p := NewPool("", testPoolOptions(1, 1))
	if err := p.Terminate(false); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	_, err := p.Exec(context.Background(), "echo", []any{1}, core.ExecOptions{}).Wait(time.Second)
	if err == nil {
		t.Error("expected Exec after Terminate to be rejected")
	}
}

func TestPool_TerminateRejectsQueuedTasks(t *testing.T) {
	p := NewPool("", testPoolOptions(0, 1))

	release := make(chan struct{})
	p.opts.HandlerOptions.GoroutineWorker = blockingWorker{release: release}

	p.Exec(context.Background(), "block", nil, core.ExecOptions{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.Stats().HandlerCount == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	queued := p.Exec(context.Background(), "block", nil, core.ExecOptions{})

	if err := p.Terminate(true); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	if _, err := queued.Wait(time.Second); err == nil {
		t.Error("expected a queued task to be rejected by Terminate")
	}
	close(release)
}

func TestPool_SpawnHandlerRetriesOnFailure(t *testing.T) {
	logger := &warnCountingLogger{}

	p := NewPool("/nonexistent/workerpool-test-script", PoolOptions{
		HandlerOptions: core.HandlerOptions{
			WorkerType: "process",
			Logger:     logger,
		},
		MinWorkers: 0,
		MaxWorkers: 1,
		SpawnRetry: core.RetryPolicy{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			BackoffRatio: 2.0,
		},
	})
	defer p.Terminate(true)

	h := p.spawnHandler()
	if h != nil {
		t.Fatalf("expected spawn to fail for a nonexistent script, got a handler")
	}

	if got := logger.warnCount(); got != 2 {
		t.Errorf("retry attempts logged = %d, want 2", got)
	}
}

type warnCountingLogger struct {
	mu    sync.Mutex
	count int
}

func (l *warnCountingLogger) Debug(msg string, fields ...core.Field) {}
func (l *warnCountingLogger) Info(msg string, fields ...core.Field)  {}
func (l *warnCountingLogger) Error(msg string, fields ...core.Field) {}
func (l *warnCountingLogger) Warn(msg string, fields ...core.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
}

func (l *warnCountingLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// blockingWorker blocks "block" calls until release is closed, letting
// tests force the pool into a busy/queued state deterministically.
type blockingWorker struct {
	release chan struct{}
}

func (w blockingWorker) Handle(method string, params []any, emit func(any)) (any, error) {
	<-w.release
	return "done", nil
}

func (w blockingWorker) MethodNames() []string { return []string{"block"} }
