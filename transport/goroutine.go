package transport

import (
	"fmt"
	"sync"
)

// GoroutineWorker is the in-process worker contract a goroutine-substrate
// transport drives: given a method and params, produce a result or error,
// optionally streaming events through emit before returning.
type GoroutineWorker interface {
	// Handle executes one request. emit(payload) may be called any number
	// of times before Handle returns to deliver streamed events.
	Handle(method string, params []any, emit func(payload any)) (result any, err error)

	// MethodNames lists the methods this worker answers to, for the
	// protocol's "methods" introspection call.
	MethodNames() []string
}

// GoroutineOptions configures a goroutine-substrate worker.
type GoroutineOptions struct {
	// Worker is the in-process implementation driving this substrate.
	Worker GoroutineWorker

	// Buffer sizes the request channel (HandlerOptions.GoroutineBuffer).
	Buffer int
}

// GoroutineTransport runs a worker on a dedicated goroutine communicating
// over buffered channels rather than serialized IPC — no encode/decode
// occurs; values pass by reference through an in-process queue.
type GoroutineTransport struct {
	mu     sync.Mutex
	reqCh  chan Request
	worker GoroutineWorker
	onMsg  func(any)
	onErr  func(any)
	onExit func(any)
	alive  bool
	killed bool
	done   chan struct{}
}

// NewGoroutineTransport starts the worker's dedicated goroutine, whose first
// act is to emit the Ready message, mirroring a process worker's own first
// act on boot.
func NewGoroutineTransport(opts GoroutineOptions) *GoroutineTransport {
	buf := opts.Buffer
	if buf <= 0 {
		buf = 1
	}
	gt := &GoroutineTransport{
		reqCh:  make(chan Request, buf),
		worker: opts.Worker,
		alive:  true,
		done:   make(chan struct{}),
	}
	go gt.loop()
	return gt
}

func (gt *GoroutineTransport) loop() {
	defer close(gt.done)
	gt.emit("message", Response{IsEvent: true, Payload: Ready})

	for req := range gt.reqCh {
		if req.Method == Terminate {
			gt.finish(ExitInfo{Diagnostic: "terminated"})
			return
		}
		gt.run(req)
	}
	gt.finish(ExitInfo{Diagnostic: "killed"})
}

func (gt *GoroutineTransport) run(req Request) {
	defer func() {
		if r := recover(); r != nil {
			gt.emit("message", Response{ID: req.ID, Error: fmt.Sprintf("panic: %v", r)})
		}
	}()

	emit := func(payload any) {
		gt.emit("message", Response{ID: req.ID, IsEvent: true, Payload: payload})
	}

	var result any
	var err error
	if req.Method == "methods" {
		result = gt.worker.MethodNames()
	} else {
		result, err = gt.worker.Handle(req.Method, req.Params, emit)
	}

	if err != nil {
		gt.emit("message", Response{ID: req.ID, Error: err.Error()})
		return
	}
	gt.emit("message", Response{ID: req.ID, Result: result})
}

func (gt *GoroutineTransport) finish(info ExitInfo) {
	gt.mu.Lock()
	gt.alive = false
	gt.mu.Unlock()
	gt.emit("exit", info)
}

func (gt *GoroutineTransport) emit(event string, payload any) {
	gt.mu.Lock()
	var cb func(any)
	switch event {
	case "message":
		cb = gt.onMsg
	case "error":
		cb = gt.onErr
	case "exit":
		cb = gt.onExit
	}
	gt.mu.Unlock()
	if cb != nil {
		cb(payload)
	}
}

func (gt *GoroutineTransport) Send(req Request) error {
	gt.mu.Lock()
	if !gt.alive {
		gt.mu.Unlock()
		return fmt.Errorf("workerpool: goroutine transport not alive")
	}
	gt.mu.Unlock()
	gt.reqCh <- req
	return nil
}

func (gt *GoroutineTransport) On(event string, cb func(any)) {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	switch event {
	case "message":
		gt.onMsg = cb
	case "error":
		gt.onErr = cb
	case "exit":
		gt.onExit = cb
	}
}

// Terminate queues the Terminate request behind any earlier requests; the
// loop goroutine exits when it reaches it. There is no process to signal.
func (gt *GoroutineTransport) Terminate() error {
	return gt.Send(Request{Method: Terminate})
}

// Kill is equivalent to Terminate for this substrate: there is no forceful
// OS-level action available, only stopping delivery of further requests.
func (gt *GoroutineTransport) Kill() error {
	gt.mu.Lock()
	if gt.killed {
		gt.mu.Unlock()
		return fmt.Errorf("workerpool: goroutine worker already killed")
	}
	gt.killed = true
	gt.mu.Unlock()
	close(gt.reqCh)
	return nil
}

func (gt *GoroutineTransport) Alive() bool {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	return gt.alive
}
