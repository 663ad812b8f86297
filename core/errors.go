package core

import (
	"fmt"

	"github.com/swind/workerpool-engine/transport"
)

// =============================================================================
// Error kinds. Each is a small, comparable-by-type error so callers can
// branch on it with errors.As. Anything the caller cannot reasonably act on
// (a panic inside a user callback, a malformed config) stays a plain
// fmt.Errorf("...: %w", err).
// =============================================================================

// UnsupportedSubstrateError is returned when the requested workerType has no
// adapter available on this host (e.g. "network" with no NetworkURL configured).
type UnsupportedSubstrateError struct {
	WorkerType string
}

func (e *UnsupportedSubstrateError) Error() string {
	return fmt.Sprintf("workerpool: unsupported substrate %q", e.WorkerType)
}

// WorkerTerminatedError is returned when an operation is attempted against a
// terminated handler, or a task is rejected during forced termination.
type WorkerTerminatedError struct {
	WorkerID string
}

func (e *WorkerTerminatedError) Error() string {
	return fmt.Sprintf("workerpool: worker %s is terminated", e.WorkerID)
}

// AlreadyKilledError is returned when termination is requested on a worker
// whose transport reports it has already been killed.
type AlreadyKilledError struct {
	WorkerID string
}

func (e *AlreadyKilledError) Error() string {
	return fmt.Sprintf("workerpool: worker %s already killed", e.WorkerID)
}

// CannotTerminateError is returned when the transport exposes neither Kill
// nor Terminate.
type CannotTerminateError struct {
	WorkerID string
}

func (e *CannotTerminateError) Error() string {
	return fmt.Sprintf("workerpool: worker %s transport cannot be terminated", e.WorkerID)
}

// UnexpectedExitError describes a worker that exited without a prior
// graceful-termination request.
type UnexpectedExitError struct {
	WorkerID   string
	Script     string
	ExitCode   int
	SignalCode string
	Diagnostic string
}

func (e *UnexpectedExitError) Error() string {
	msg := fmt.Sprintf("workerpool: worker %s (script=%s) exited unexpectedly: exitCode=%d", e.WorkerID, e.Script, e.ExitCode)
	if e.SignalCode != "" {
		msg += fmt.Sprintf(" signal=%s", e.SignalCode)
	}
	if e.Diagnostic != "" {
		msg += " " + e.Diagnostic
	}
	return msg
}

// WorkerError wraps an asynchronous error signalled by the transport outside
// the request/response cycle (e.g. a decode failure on the wire).
type WorkerError struct {
	WorkerID string
	Cause    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("workerpool: worker %s error: %v", e.WorkerID, e.Cause)
}

func (e *WorkerError) Unwrap() error { return e.Cause }

// TaskError is decoded from a response's error field and delivered to the
// caller of Exec. Name/Message/Stack/Extra round-trip whatever the worker
// sent.
type TaskError struct {
	Name    string
	Message string
	Stack   string
	Extra   map[string]any
}

func (e *TaskError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// ReadyTimeoutError surfaces a readiness handshake that expired. It is never
// delivered to a caller directly — it is the cause passed to OnWorkerExit when
// the handler forces the worker down, while in-flight tasks are rejected with
// *WorkerTerminatedError.
type ReadyTimeoutError struct {
	WorkerID string
	Timeout  string
}

func (e *ReadyTimeoutError) Error() string {
	return fmt.Sprintf("workerpool: worker %s did not become ready within %s", e.WorkerID, e.Timeout)
}

// CancellationError is produced by a Deferred when Cancel is called before
// it settles.
type CancellationError struct{}

func (e *CancellationError) Error() string { return "workerpool: task canceled" }

// TimeoutError is produced by a Deferred when its timeout elapses before it
// settles.
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "workerpool: task timed out" }

// =============================================================================
// Error codec
// =============================================================================

// EncodeError serialises err into the wire ErrorDescriptor shape: a string
// value if err carries no structured fields we recognise, otherwise an
// object with name/message/stack and any TaskError.Extra fields.
func EncodeError(err error) transport.ErrorDescriptor {
	if err == nil {
		return nil
	}

	if te, ok := err.(*TaskError); ok {
		obj := map[string]any{}
		for k, v := range te.Extra {
			obj[k] = v
		}
		if te.Name != "" {
			obj["name"] = te.Name
		}
		obj["message"] = te.Message
		if te.Stack != "" {
			obj["stack"] = te.Stack
		}
		return obj
	}

	return err.Error()
}

// DecodeError reconstructs an error from a wire ErrorDescriptor. A string
// value becomes a *TaskError with that string as Message. An object value
// becomes a *TaskError whose Name/Message/Stack/Extra are populated from its
// enumerable keys.
func DecodeError(desc transport.ErrorDescriptor) error {
	if desc == nil {
		return nil
	}

	switch v := desc.(type) {
	case string:
		return &TaskError{Message: v}
	case map[string]any:
		te := &TaskError{Extra: map[string]any{}}
		for k, val := range v {
			switch k {
			case "name":
				te.Name, _ = val.(string)
			case "message":
				te.Message, _ = val.(string)
			case "stack":
				te.Stack, _ = val.(string)
			default:
				te.Extra[k] = val
			}
		}
		if len(te.Extra) == 0 {
			te.Extra = nil
		}
		return te
	default:
		return &TaskError{Message: fmt.Sprintf("%v", v)}
	}
}
