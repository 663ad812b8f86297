// Package workerpool dispatches units of work to a pool of long-lived
// worker processes, goroutines, or network peers, addressed uniformly
// through a small RPC-shaped protocol (methods, params, results, streamed
// events). The design is inspired by Chromium's Threading and Tasks system,
// generalized from "post a closure to a virtual thread" to "call a method on
// whichever worker is free".
//
// # Quick Start
//
// Construct a Pool from a worker script and call Exec:
//
//	pool := workerpool.NewPool("./worker.js", workerpool.PoolOptions{
//		MinWorkers: 2,
//		MaxWorkers: 8,
//	})
//	defer pool.Terminate(false)
//
//	result, err := pool.Exec(ctx, "transform", []any{payload}, core.ExecOptions{}).Wait(5 * time.Second)
//
// # Key Concepts
//
// WorkerHandler: owns one worker's lifecycle end to end — spawning its
// transport, tracking readiness, matching in-flight requests to responses,
// and driving graceful or forced termination.
//
// Pool: picks the first available WorkerHandler for each Exec call, grows
// the handler set up to MaxWorkers on demand, and queues calls beyond that
// until a handler frees up.
//
// Transport: the substrate a WorkerHandler talks to — a child process over
// stdio, a goroutine implementing the worker's methods directly, or a
// websocket peer. All three speak the same Request/Response protocol.
//
// Pool picks a handler and hands it a call on the caller's goroutine; the
// follow-up step — wait for that call to settle, then drain the queue —
// runs through a ParallelTaskRunner backed by an Engine, the same
// goroutine-pool/scheduler pair this package re-exports from core for
// callers who want Chromium-style task scheduling directly. WorkerHandler
// does not: its state mutations arrive as callbacks on whatever goroutine
// its transport already uses, so it serializes them with its own mutex
// instead of routing through a TaskRunner.
//
// # Thread Safety
//
// A Pool and its WorkerHandlers are safe for concurrent use from multiple
// goroutines. Each handler serializes its own state behind a mutex; the pool
// serializes its handler set and queue behind its own.
//
// # Example
//
//	import (
//		"context"
//		"time"
//
//		workerpool "github.com/swind/workerpool-engine"
//		"github.com/swind/workerpool-engine/core"
//	)
//
//	func main() {
//		pool := workerpool.NewPool("./worker.js", workerpool.PoolOptions{
//			MinWorkers: 1,
//			MaxWorkers: 4,
//		})
//		defer pool.Terminate(false)
//
//		ctx := context.Background()
//		result, err := pool.Exec(ctx, "echo", []any{"hello"}, core.ExecOptions{}).Wait(2 * time.Second)
//		if err != nil {
//			panic(err)
//		}
//		println(result)
//	}
//
// For more details, see https://github.com/swind/workerpool-engine
package workerpool
