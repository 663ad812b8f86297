package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/swind/workerpool-engine/core"
)

// PoolOptions configures a Pool. HandlerOptions is applied to every handler
// the pool spawns; MinWorkers are spawned eagerly at construction, and the
// pool grows lazily up to MaxWorkers as load demands.
type PoolOptions struct {
	core.HandlerOptions

	MinWorkers   int
	MaxWorkers   int
	MaxQueueSize int

	// SpawnRetry governs how many times spawnHandler re-attempts
	// core.NewWorkerHandler after a spawn failure, and how long it waits
	// between attempts. Zero value (MaxRetries 0) means spawn failures are
	// not retried, matching core.NoRetry.
	SpawnRetry core.RetryPolicy
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 1
	}
	if o.MinWorkers < 0 {
		o.MinWorkers = 0
	}
	if o.MinWorkers > o.MaxWorkers {
		o.MinWorkers = o.MaxWorkers
	}
	return o
}

// PoolStats is a point-in-time snapshot of a Pool's handler set.
type PoolStats struct {
	HandlerCount int
	Busy         int
	Available    int
	QueueDepth   int
}

// poolTask is one Exec call buffered because every handler was busy and the
// pool was already at MaxWorkers when it arrived.
type poolTask struct {
	ctx    context.Context
	method string
	params []any
	opts   core.ExecOptions
	result *core.Deferred[any]
}

// Pool owns a set of WorkerHandlers spawned from the same script. Each Exec
// call picks the first available handler in spawn order, spawns a new
// handler if none is available and the pool has room to grow, or queues the
// call if the pool is already at MaxWorkers; it decommissions handlers on
// their onWorkerExit and drains the queue as capacity reopens. Once a
// handler has been chosen, running its call to completion and draining
// whatever backlog that frees up is itself posted to a ParallelTaskRunner
// backed by an Engine, rather than a bare goroutine per call — the same
// claim-a-slot discipline that bounds an Engine's own worker fan-out also
// bounds how many of these continuations run at once.
type Pool struct {
	id      string
	script  string
	opts    PoolOptions
	logger  core.Logger
	metrics core.Metrics

	engine     *core.Engine
	dispatcher *core.ParallelTaskRunner

	mu         sync.RWMutex
	handlers   []*core.WorkerHandler
	queue      []*poolTask
	terminated bool
}

// NewPool constructs a Pool and eagerly spawns PoolOptions.MinWorkers
// handlers.
func NewPool(script string, opts PoolOptions) *Pool {
	opts = opts.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &core.NilMetrics{}
	}

	p := &Pool{id: uuid.NewString(), script: script, opts: opts, logger: logger, metrics: metrics}

	p.engine = core.NewEngine(p.id+"-dispatch", opts.MaxWorkers)
	p.engine.Start(context.Background())
	p.dispatcher = core.NewParallelTaskRunner(p.engine, opts.MaxWorkers)
	p.dispatcher.SetName(p.id + "-dispatch")

	for i := 0; i < opts.MinWorkers; i++ {
		p.spawnHandler()
	}

	return p
}

// Exec dispatches one task to an available handler, growing or queueing the
// pool as needed.
func (p *Pool) Exec(ctx context.Context, method string, params []any, opts core.ExecOptions) *core.Deferred[any] {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		d := core.NewDeferred[any](nil)
		d.Reject(fmt.Errorf("workerpool: pool is terminated"))
		return d
	}
	h := p.firstAvailableLocked()
	p.mu.Unlock()

	if h != nil {
		return p.dispatch(h, ctx, method, params, opts)
	}

	if h := p.spawnHandler(); h != nil {
		return p.dispatch(h, ctx, method, params, opts)
	}

	p.mu.Lock()
	if p.opts.MaxQueueSize > 0 && len(p.queue) >= p.opts.MaxQueueSize {
		p.mu.Unlock()
		d := core.NewDeferred[any](nil)
		d.Reject(fmt.Errorf("workerpool: task queue is full"))
		return d
	}
	d := core.NewDeferred[any](nil)
	p.queue = append(p.queue, &poolTask{ctx: ctx, method: method, params: params, opts: opts, result: d})
	p.mu.Unlock()

	return d
}

// Stats returns a snapshot of the pool's handler set and backlog.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{HandlerCount: len(p.handlers), QueueDepth: len(p.queue)}
	for _, h := range p.handlers {
		busy := h.Busy()
		p.metrics.RecordHandlerBusy(h.ID(), busy)
		if busy {
			stats.Busy++
		} else {
			stats.Available++
		}
	}
	p.metrics.RecordPendingRequests(p.id, stats.QueueDepth)
	return stats
}

// Terminate tears down every handler in the pool and rejects any queued
// tasks. force is passed through to each handler's Terminate.
func (p *Pool) Terminate(force bool) error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	handlers := p.handlers
	p.handlers = nil
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, t := range queue {
		t.result.Reject(fmt.Errorf("workerpool: pool terminated"))
	}

	// Handlers terminate independently of one another, so tear them down
	// concurrently rather than paying each one's shutdown timeout in series.
	var g errgroup.Group
	for _, h := range handlers {
		h := h
		g.Go(func() error {
			return h.Terminate(force, nil)
		})
	}
	err := g.Wait()

	p.dispatcher.Shutdown()
	p.engine.Stop()

	return err
}

func (p *Pool) firstAvailableLocked() *core.WorkerHandler {
	for _, h := range p.handlers {
		if h.Available() {
			return h
		}
	}
	return nil
}

// spawnHandler grows the pool by one handler if MaxWorkers allows, wiring
// its onWorkerReady/onWorkerExit so the pool drains its queue and
// decommissions the handler on exit. Returns nil if the pool is already at
// capacity or the handler failed to construct.
func (p *Pool) spawnHandler() *core.WorkerHandler {
	p.mu.Lock()
	if len(p.handlers) >= p.opts.MaxWorkers {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	hOpts := p.opts.HandlerOptions
	userReady := hOpts.OnWorkerReady
	userExit := hOpts.OnWorkerExit

	hOpts.OnWorkerReady = func(h *core.WorkerHandler) {
		if userReady != nil {
			userReady(h)
		}
		p.drainQueue()
	}
	hOpts.OnWorkerExit = func(h *core.WorkerHandler, err error) {
		p.decommission(h)
		reason := "graceful"
		if err != nil {
			reason = "error"
		}
		p.metrics.RecordWorkerTerminated(p.id, reason)
		if userExit != nil {
			userExit(h, err)
		}
	}

	handler, err := p.newWorkerHandlerWithRetry(hOpts)
	if err != nil {
		p.logger.Error("workerpool: failed to spawn worker", core.F("error", err))
		return nil
	}

	p.mu.Lock()
	if len(p.handlers) >= p.opts.MaxWorkers {
		p.mu.Unlock()
		handler.Terminate(true, nil)
		return nil
	}
	p.handlers = append(p.handlers, handler)
	p.mu.Unlock()

	p.metrics.RecordWorkerSpawned(p.id)

	return handler
}

// newWorkerHandlerWithRetry calls core.NewWorkerHandler, retrying on failure
// (e.g. exec.Start on a missing binary, a dial failure) per
// PoolOptions.SpawnRetry before giving up on this slot.
func (p *Pool) newWorkerHandlerWithRetry(hOpts core.HandlerOptions) (*core.WorkerHandler, error) {
	retry := p.opts.SpawnRetry

	handler, err := core.NewWorkerHandler(p.script, hOpts)
	if err == nil {
		return handler, nil
	}

	for attempt := 0; attempt < retry.MaxRetries; attempt++ {
		if delay := retry.Delay(attempt); delay > 0 {
			time.Sleep(delay)
		}
		p.logger.Warn("workerpool: retrying worker spawn",
			core.F("attempt", attempt+1), core.F("error", err))

		handler, err = core.NewWorkerHandler(p.script, hOpts)
		if err == nil {
			return handler, nil
		}
	}

	return nil, err
}

func (p *Pool) decommission(h *core.WorkerHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, hh := range p.handlers {
		if hh == h {
			p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
			return
		}
	}
}

// dispatch hands a task straight to handler and, once it settles, posts the
// queue-drain attempt to the pool's dispatcher instead of spawning a
// dedicated goroutine for it.
func (p *Pool) dispatch(h *core.WorkerHandler, ctx context.Context, method string, params []any, opts core.ExecOptions) *core.Deferred[any] {
	d := h.Exec(ctx, method, params, opts)
	p.dispatcher.PostTask(func(context.Context) {
		<-d.Done()
		p.drainQueue()
	})
	return d
}

func (p *Pool) drainQueue() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		h := p.firstAvailableLocked()
		if h == nil {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		inner := p.dispatch(h, task.ctx, task.method, task.params, task.opts)
		outer := task.result
		p.dispatcher.PostTask(func(context.Context) {
			v, err := inner.Wait(0)
			if err != nil {
				outer.Reject(err)
				return
			}
			outer.Resolve(v)
		})
	}
}
