package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swind/workerpool-engine/transport"
)

// childProcessExitTimeout bounds how long a graceful termination request
// waits for a process- or network-substrate worker to exit on its own
// before the handler force-kills it.
const childProcessExitTimeout = 1000 * time.Millisecond

// statsResetInterval is how often a handler's min/max timing window resets.
const statsResetInterval = 5 * time.Minute

// WorkerID labels one handler's worker for diagnostics, metrics, and log
// fields — distinct from the per-handler monotone task id.
type WorkerID = string

// HandlerOptions configures one WorkerHandler.
type HandlerOptions struct {
	// WorkerType selects the substrate: "process", "goroutine", "network",
	// or "auto" (the default). "auto" picks "goroutine" when Script is
	// empty, else "process".
	WorkerType string

	ProcessArgs []string
	ProcessEnv  []string

	// GoroutineWorker is the in-process implementation used by the
	// goroutine substrate; nil uses the built-in reference worker.
	GoroutineWorker transport.GoroutineWorker
	GoroutineBuffer int

	NetworkURL    string
	NetworkDialer *websocket.Dialer

	DebugPort int

	Concurrency int
	MaxExec     int

	MarkNotReadyAfterExec bool
	ReadyTimeout          time.Duration
	InitReadyTimeout      time.Duration

	OnWorkerReady func(*WorkerHandler)
	OnWorkerExit  func(*WorkerHandler, error)

	Logger  Logger
	Metrics Metrics
}

func (o HandlerOptions) withDefaults() HandlerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.InitReadyTimeout == 0 {
		o.InitReadyTimeout = o.ReadyTimeout
	}
	if o.Logger == nil {
		o.Logger = &NoOpLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = &NilMetrics{}
	}
	return o
}

// ExecOptions configures one Exec call.
type ExecOptions struct {
	// On, if non-nil, receives every streamed isEvent payload for this task,
	// strictly before the terminal response settles it.
	On func(payload any)
}

// inflightEntry is one in-flight task record.
type inflightEntry struct {
	deferred *Deferred[any]
	on       func(any)
	started  time.Time
}

// pendingExec is one Exec call buffered because the handler was not yet
// ready to accept requests.
type pendingExec struct {
	request transport.Request
	entry   *inflightEntry
}

// defaultGoroutineWorker is the built-in reference worker used when neither
// a script nor a custom GoroutineWorker is supplied.
// It answers "echo" by returning its first argument verbatim.
type defaultGoroutineWorker struct{}

func (defaultGoroutineWorker) Handle(method string, params []any, emit func(payload any)) (any, error) {
	switch method {
	case "echo":
		if len(params) == 0 {
			return nil, nil
		}
		return params[0], nil
	default:
		return nil, fmt.Errorf("workerpool: default worker has no method %q", method)
	}
}

func (defaultGoroutineWorker) MethodNames() []string {
	return []string{"echo", "methods"}
}

// WorkerHandler owns one worker's full lifecycle: spawn, readiness, request
// multiplexing, statistics, and graceful/forced termination.
//
// All state mutation happens behind mu rather than being serialized by a
// TaskRunner: transport callbacks arrive on whatever goroutine that
// substrate's adapter uses (a process's stdout-reading goroutine, a
// goroutine worker's own loop, a websocket read loop), and
// Exec/Busy/Available are called from arbitrary caller goroutines, so a
// plain mutex covering the in-flight table, the pending queue, and the
// state flags is the simplest fit for a substrate that can preempt at any
// point.
type WorkerHandler struct {
	id        WorkerID
	script    string
	substrate string
	opts      HandlerOptions

	transport transport.Transport

	mu                sync.Mutex
	ready             bool
	terminating       bool
	terminated        bool
	suppressBootReady bool
	nextTaskID        uint64
	inflight          map[uint64]*inflightEntry
	pending           *pendingQueue

	readyTimer  *time.Timer
	killTimer   *time.Timer
	exitAwaiter func(transport.ExitInfo)

	terminationHandler func(error, *WorkerHandler)
	exitFired          bool

	stats *handlerStats

	statsResetTicker *time.Ticker
	statsResetDone   chan struct{}
}

// NewWorkerHandler constructs a handler, resolves and spawns its substrate
// transport, and starts the readiness/stats-reset timers.
func NewWorkerHandler(script string, opts HandlerOptions) (*WorkerHandler, error) {
	opts = opts.withDefaults()

	h := &WorkerHandler{
		id:       uuid.NewString(),
		script:   script,
		opts:     opts,
		inflight: make(map[uint64]*inflightEntry),
		pending:  newPendingQueue(),
		stats:    newHandlerStats(),
	}

	substrate, err := h.resolveSubstrate()
	if err != nil {
		return nil, err
	}
	h.substrate = substrate

	if script == "" && substrate == "goroutine" {
		h.suppressBootReady = true
	}

	tr, err := h.buildTransport(context.Background(), substrate)
	if err != nil {
		return nil, err
	}
	h.transport = tr

	tr.On("message", h.onMessage)
	tr.On("error", h.onError)
	tr.On("exit", h.onExit)

	if script == "" {
		h.ready = true
		if h.opts.OnWorkerReady != nil {
			h.opts.OnWorkerReady(h)
		}
	} else {
		h.setReadyTimeout(h.opts.InitReadyTimeout)
	}

	h.startStatsReset()

	return h, nil
}

func (h *WorkerHandler) ID() WorkerID { return h.id }

func (h *WorkerHandler) resolveSubstrate() (string, error) {
	wt := h.opts.WorkerType
	if wt == "" {
		wt = "auto"
	}
	if wt == "auto" {
		if h.script == "" {
			return "goroutine", nil
		}
		return "process", nil
	}
	switch wt {
	case "process", "goroutine", "network":
		return wt, nil
	default:
		return "", &UnsupportedSubstrateError{WorkerType: wt}
	}
}

func (h *WorkerHandler) buildTransport(ctx context.Context, substrate string) (transport.Transport, error) {
	switch substrate {
	case "process":
		if h.script == "" {
			return nil, &UnsupportedSubstrateError{WorkerType: "process"}
		}
		return transport.NewProcessTransport(ctx, transport.ProcessOptions{
			Script:    h.script,
			Args:      h.opts.ProcessArgs,
			Env:       h.opts.ProcessEnv,
			DebugPort: h.opts.DebugPort,
		})
	case "goroutine":
		worker := h.opts.GoroutineWorker
		if worker == nil {
			worker = defaultGoroutineWorker{}
		}
		return transport.NewGoroutineTransport(transport.GoroutineOptions{
			Worker: worker,
			Buffer: h.opts.GoroutineBuffer,
		}), nil
	case "network":
		if h.opts.NetworkURL == "" {
			return nil, &UnsupportedSubstrateError{WorkerType: "network"}
		}
		return transport.NewNetworkTransport(ctx, transport.NetworkOptions{
			URL:    h.opts.NetworkURL,
			Dialer: h.opts.NetworkDialer,
		})
	default:
		return nil, &UnsupportedSubstrateError{WorkerType: substrate}
	}
}

// =============================================================================
// Public contract
// =============================================================================

// Exec enqueues one task and returns a Deferred settled by the worker's
// terminal response. ctx cancellation force-terminates the owning handler,
// cancellation policy (tasks are not individually cancellable on
// the worker side).
func (h *WorkerHandler) Exec(ctx context.Context, method string, params []any, opts ExecOptions) *Deferred[any] {
	h.mu.Lock()

	if h.terminated {
		h.mu.Unlock()
		d := NewDeferred[any](nil)
		d.Reject(&WorkerTerminatedError{WorkerID: h.id})
		return d
	}

	taskID := h.nextTaskID + 1
	h.nextTaskID = taskID

	entry := &inflightEntry{on: opts.On, started: time.Now()}
	d := NewDeferred[any](func() { h.forceTerminateForCancellation(taskID) })
	entry.deferred = d

	h.inflight[taskID] = entry
	h.stats.incrementRequests()

	req := transport.Request{ID: transport.TaskID(taskID), Method: method, Params: params}

	ready := h.ready
	tr := h.transport
	if !ready {
		h.pending.push(&pendingExec{request: req, entry: entry})
		h.mu.Unlock()
	} else {
		h.mu.Unlock()
		if err := tr.Send(req); err != nil {
			h.mu.Lock()
			delete(h.inflight, taskID)
			h.mu.Unlock()
			d.Reject(fmt.Errorf("workerpool: send request: %w", err))
		}
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				d.Cancel()
			case <-d.Done():
			}
		}()
	}

	return d
}

// Methods is syntactic sugar for Exec("methods").
func (h *WorkerHandler) Methods(ctx context.Context) *Deferred[[]string] {
	inner := h.Exec(ctx, "methods", nil, ExecOptions{})
	out := NewDeferred[[]string](nil)

	go func() {
		v, err := inner.Wait(0)
		if err != nil {
			out.Reject(err)
			return
		}
		switch names := v.(type) {
		case []string:
			out.Resolve(names)
		case []any:
			result := make([]string, 0, len(names))
			for _, n := range names {
				if s, ok := n.(string); ok {
					result = append(result, s)
				}
			}
			out.Resolve(result)
		default:
			out.Resolve(nil)
		}
	}()

	return out
}

// Busy reports |in-flight| >= concurrency.
func (h *WorkerHandler) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inflight) >= h.opts.Concurrency
}

// Available reports the availability invariant.
func (h *WorkerHandler) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated || h.terminating || !h.ready {
		return false
	}
	if h.opts.MaxExec > 0 && h.stats.requests() >= uint64(h.opts.MaxExec) {
		return false
	}
	return len(h.inflight) < h.opts.Concurrency
}

// Stats returns a snapshot of this handler's request/timing counters.
func (h *WorkerHandler) Stats() HandlerStats {
	return h.stats.snapshot()
}

// =============================================================================
// Inbound transport events
// =============================================================================

func (h *WorkerHandler) onMessage(raw any) {
	resp, ok := raw.(transport.Response)
	if !ok {
		return
	}

	if resp.IsEvent && resp.ID == 0 {
		if s, ok := resp.Payload.(string); ok && s == transport.Ready {
			h.handleReady()
			return
		}
	}

	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	entry, exists := h.inflight[uint64(resp.ID)]
	if !exists {
		h.mu.Unlock()
		return
	}

	if resp.IsEvent {
		h.mu.Unlock()
		if entry.on != nil {
			entry.on(resp.Payload)
		}
		return
	}

	timeSpent := time.Since(entry.started)
	delete(h.inflight, uint64(resp.ID))
	h.mu.Unlock()

	h.stats.recordResponse(timeSpent)
	h.opts.Metrics.RecordTaskDuration(h.id, TaskPriorityUserVisible, timeSpent)

	if h.opts.MarkNotReadyAfterExec {
		h.mu.Lock()
		h.ready = false
		h.mu.Unlock()
		h.setReadyTimeout(h.opts.ReadyTimeout)
	}

	if h.opts.MaxExec > 0 && h.stats.responses() >= uint64(h.opts.MaxExec) {
		h.mu.Lock()
		alreadyTerminating := h.terminating
		h.terminating = true
		h.mu.Unlock()
		if !alreadyTerminating {
			h.fireWorkerExit(nil)
		}
	}

	h.mu.Lock()
	shouldCleanup := h.terminating && len(h.inflight) == 0
	h.mu.Unlock()
	if shouldCleanup {
		h.shutdownTransport()
	}

	if resp.Error != nil {
		entry.deferred.Reject(DecodeError(resp.Error))
	} else {
		entry.deferred.Resolve(resp.Result)
	}
}

func (h *WorkerHandler) handleReady() {
	h.mu.Lock()
	if h.suppressBootReady {
		h.suppressBootReady = false
		h.mu.Unlock()
		return
	}
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.ready = true
	drained := h.pending.drain()
	h.mu.Unlock()

	h.clearReadyTimeout()

	if h.opts.OnWorkerReady != nil {
		h.opts.OnWorkerReady(h)
	}

	for _, p := range drained {
		if err := h.transport.Send(p.request); err != nil {
			h.mu.Lock()
			delete(h.inflight, uint64(p.request.ID))
			h.mu.Unlock()
			p.entry.deferred.Reject(fmt.Errorf("workerpool: send queued request: %w", err))
		}
	}
}

func (h *WorkerHandler) onError(raw any) {
	err, ok := raw.(error)
	if !ok {
		err = fmt.Errorf("workerpool: %v", raw)
	}
	h.failAll(&WorkerError{WorkerID: h.id, Cause: err})
}

func (h *WorkerHandler) onExit(raw any) {
	info, _ := raw.(transport.ExitInfo)

	h.mu.Lock()
	awaiter := h.exitAwaiter
	h.exitAwaiter = nil
	already := h.terminated
	wasTerminating := h.terminating
	h.mu.Unlock()

	if already {
		return
	}

	if awaiter != nil {
		awaiter(info)
		return
	}

	var err error
	if !wasTerminating {
		err = &UnexpectedExitError{
			WorkerID:   h.id,
			Script:     h.script,
			ExitCode:   info.ExitCode,
			SignalCode: info.SignalCode,
			Diagnostic: info.Diagnostic,
		}
	}
	h.failAll(err)
}

// failAll handles a transport-level failure: terminate, reject every in-flight task, clear the table, fire
// onWorkerExit exactly once.
func (h *WorkerHandler) failAll(err error) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	entries := h.inflight
	h.inflight = make(map[uint64]*inflightEntry)
	h.pending = newPendingQueue()
	h.mu.Unlock()

	h.clearReadyTimeout()
	h.stopKillTimer()
	h.stopStatsReset()

	rejection := err
	if _, readyTimeout := err.(*ReadyTimeoutError); rejection == nil || readyTimeout {
		rejection = &WorkerTerminatedError{WorkerID: h.id}
	}
	for _, e := range entries {
		e.deferred.Reject(rejection)
	}

	h.fireWorkerExit(err)
}

func (h *WorkerHandler) fireWorkerExit(err error) {
	h.mu.Lock()
	if h.exitFired {
		h.mu.Unlock()
		return
	}
	h.exitFired = true
	h.mu.Unlock()

	if h.opts.OnWorkerExit != nil {
		h.opts.OnWorkerExit(h, err)
	}
}

func (h *WorkerHandler) forceTerminateForCancellation(taskID uint64) {
	h.mu.Lock()
	delete(h.inflight, taskID)
	h.mu.Unlock()
	h.Terminate(true, nil)
}

// =============================================================================
// Readiness timeout
// =============================================================================

func (h *WorkerHandler) setReadyTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	if h.readyTimer != nil {
		h.readyTimer.Stop()
	}
	h.readyTimer = time.AfterFunc(d, func() {
		h.opts.Logger.Warn("worker readiness timed out", F("workerID", h.id), F("timeout", d))
		h.failAll(&ReadyTimeoutError{WorkerID: h.id, Timeout: d.String()})
		h.transport.Kill()
	})
	h.mu.Unlock()
}

func (h *WorkerHandler) clearReadyTimeout() {
	h.mu.Lock()
	if h.readyTimer != nil {
		h.readyTimer.Stop()
		h.readyTimer = nil
	}
	h.mu.Unlock()
}

// =============================================================================
// Termination state machine
// =============================================================================

// Terminate drives the running -> terminating -> terminated transition.
// force rejects every in-flight task immediately; otherwise termination
// waits for the last in-flight response before shutting down the transport.
func (h *WorkerHandler) Terminate(force bool, cb func(error, *WorkerHandler)) error {
	h.clearReadyTimeout()

	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		if cb != nil {
			cb(&WorkerTerminatedError{WorkerID: h.id}, h)
		}
		return nil
	}
	if cb != nil {
		h.terminationHandler = cb
	}
	h.mu.Unlock()

	if force {
		h.mu.Lock()
		entries := h.inflight
		h.inflight = make(map[uint64]*inflightEntry)
		h.pending = newPendingQueue()
		h.mu.Unlock()
		for _, e := range entries {
			e.deferred.Reject(&WorkerTerminatedError{WorkerID: h.id})
		}
	} else {
		h.mu.Lock()
		busy := len(h.inflight) > 0
		if busy {
			h.terminating = true
		}
		h.mu.Unlock()
		if busy {
			return nil
		}
	}

	return h.shutdownTransport()
}

// TerminateAndNotify is the future-returning form of Terminate; timeout (if
// positive) bounds the wait and rejects the returned Deferred with
// *TimeoutError on expiry without interrupting the underlying shutdown.
func (h *WorkerHandler) TerminateAndNotify(force bool, timeout time.Duration) *Deferred[*WorkerHandler] {
	d := NewDeferred[*WorkerHandler](nil)

	err := h.Terminate(force, func(termErr error, handler *WorkerHandler) {
		if termErr != nil {
			d.Reject(termErr)
			return
		}
		d.Resolve(handler)
	})
	if err != nil {
		d.Reject(err)
		return d
	}

	if timeout > 0 {
		time.AfterFunc(timeout, func() {
			d.Reject(&TimeoutError{})
		})
	}

	return d
}

// shutdownTransport performs the substrate-specific shutdown step of the
// termination state machine: graceful-then-forced for process/network
// substrates, whether or not the worker has signalled readiness (a
// childProcessExitTimeout fallback kills the worker if it ignores the
// Terminate signal), immediate Kill for the goroutine substrate
// (there is no OS-level handshake to wait on).
func (h *WorkerHandler) shutdownTransport() error {
	tr := h.transport

	if !tr.Alive() {
		h.cleanup(&AlreadyKilledError{WorkerID: h.id})
		return nil
	}

	if h.substrate == "goroutine" {
		err := tr.Kill()
		h.cleanup(nil)
		return err
	}

	h.mu.Lock()
	h.exitAwaiter = func(transport.ExitInfo) {
		h.stopKillTimer()
		h.cleanup(nil)
	}
	h.killTimer = time.AfterFunc(childProcessExitTimeout, func() {
		tr.Kill()
	})
	h.mu.Unlock()

	if err := tr.Terminate(); err != nil {
		tr.Kill()
	}
	return nil
}

func (h *WorkerHandler) stopKillTimer() {
	h.mu.Lock()
	if h.killTimer != nil {
		h.killTimer.Stop()
		h.killTimer = nil
	}
	h.mu.Unlock()
}

// cleanup is the final step of termination: mark terminated,
// fire onWorkerExit (single-shot) and the per-call terminationHandler.
func (h *WorkerHandler) cleanup(err error) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	h.terminating = false
	cb := h.terminationHandler
	h.terminationHandler = nil
	h.mu.Unlock()

	h.stopStatsReset()
	h.fireWorkerExit(err)

	if cb != nil {
		cb(err, h)
	} else if err != nil {
		h.opts.Logger.Error("worker termination error", F("workerID", h.id), F("error", err))
	}
}

// =============================================================================
// Periodic stats reset
// =============================================================================

func (h *WorkerHandler) startStatsReset() {
	ticker := time.NewTicker(statsResetInterval)
	done := make(chan struct{})

	h.mu.Lock()
	h.statsResetTicker = ticker
	h.statsResetDone = done
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				h.stats.resetWindow()
			case <-done:
				return
			}
		}
	}()
}

func (h *WorkerHandler) stopStatsReset() {
	h.mu.Lock()
	ticker := h.statsResetTicker
	done := h.statsResetDone
	h.statsResetTicker = nil
	h.statsResetDone = nil
	h.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if done != nil {
		close(done)
	}
}
