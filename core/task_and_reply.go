package core

import (
	"context"
	"fmt"
	"time"
)

// TaskWithResult is a task that produces a value of type T alongside an
// error, for use with PostTaskAndReplyWithResult. Not defined anywhere in
// the original package this was ported from, despite being used as a
// parameter type there; reconstructed here from its call sites.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the value produced by a TaskWithResult once the
// originating task has completed.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// =============================================================================
// PostTaskAndReply Internal Helpers
// =============================================================================

// postTaskAndReplyInternalWithTraits wraps task so that, once it completes
// without panicking, reply is posted to replyRunner. A panic in task
// suppresses the reply.
func postTaskAndReplyInternalWithTraits(
	targetRunner TaskRunner,
	task Task,
	taskTraits TaskTraits,
	reply Task,
	replyTraits TaskTraits,
	replyRunner TaskRunner,
) {
	if replyRunner == nil {
		targetRunner.PostTaskWithTraits(task, taskTraits)
		return
	}

	wrappedTask := func(ctx context.Context) {
		panicked := true

		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Printf("[TaskAndReply] Task panicked, reply will not run: %v\n", r)
				}
			}()
			task(ctx)
			panicked = false
		}()

		if !panicked {
			replyRunner.PostTaskWithTraits(reply, replyTraits)
		}
	}

	targetRunner.PostTaskWithTraits(wrappedTask, taskTraits)
}

// postTaskAndReplyInternal is postTaskAndReplyInternalWithTraits with the
// reply posted at default traits.
func postTaskAndReplyInternal(
	targetRunner TaskRunner,
	task Task,
	reply Task,
	replyRunner TaskRunner,
	traits TaskTraits,
) {
	postTaskAndReplyInternalWithTraits(
		targetRunner,
		task,
		traits,
		reply,
		DefaultTaskTraits(),
		replyRunner,
	)
}

// =============================================================================
// Generic PostTaskAndReply with Result
// =============================================================================

// PostTaskAndReplyWithResult executes task on targetRunner, then posts reply
// with its result to replyRunner. The handoff is safe without additional
// synchronization: task always finishes before reply starts, by the same
// happens-before guarantee postTaskAndReplyInternalWithTraits provides.
func PostTaskAndReplyWithResult[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	reply ReplyWithResult[T],
	replyRunner TaskRunner,
) {
	PostTaskAndReplyWithResultAndTraits(
		targetRunner,
		task,
		DefaultTaskTraits(),
		reply,
		DefaultTaskTraits(),
		replyRunner,
	)
}

// PostTaskAndReplyWithResultAndTraits is PostTaskAndReplyWithResult with
// separate traits for task and reply (e.g. BestEffort task, UserVisible
// reply).
func PostTaskAndReplyWithResultAndTraits[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	taskTraits TaskTraits,
	reply ReplyWithResult[T],
	replyTraits TaskTraits,
	replyRunner TaskRunner,
) {
	var result T
	var err error

	wrappedTask := func(ctx context.Context) {
		result, err = task(ctx)
	}

	wrappedReply := func(ctx context.Context) {
		reply(ctx, result, err)
	}

	postTaskAndReplyInternalWithTraits(
		targetRunner,
		wrappedTask,
		taskTraits,
		wrappedReply,
		replyTraits,
		replyRunner,
	)
}

// =============================================================================
// Delayed Task and Reply
// =============================================================================

// PostDelayedTaskAndReplyWithResult delays task by delay, then posts reply
// with its result immediately on completion (the reply itself is not
// delayed).
func PostDelayedTaskAndReplyWithResult[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	delay time.Duration,
	reply ReplyWithResult[T],
	replyRunner TaskRunner,
) {
	PostDelayedTaskAndReplyWithResultAndTraits(
		targetRunner,
		task,
		delay,
		DefaultTaskTraits(),
		reply,
		DefaultTaskTraits(),
		replyRunner,
	)
}

// PostDelayedTaskAndReplyWithResultAndTraits is the delayed, traits-explicit
// form of PostDelayedTaskAndReplyWithResult.
func PostDelayedTaskAndReplyWithResultAndTraits[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	delay time.Duration,
	taskTraits TaskTraits,
	reply ReplyWithResult[T],
	replyTraits TaskTraits,
	replyRunner TaskRunner,
) {
	var result T
	var err error

	wrappedTask := func(ctx context.Context) {
		result, err = task(ctx)
	}

	wrappedReply := func(ctx context.Context) {
		reply(ctx, result, err)
	}

	delayedWrapper := func(ctx context.Context) {
		panicked := true
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Printf("[DelayedTaskAndReply] Task panicked: %v\n", r)
				}
			}()
			wrappedTask(ctx)
			panicked = false
		}()

		if !panicked && replyRunner != nil {
			replyRunner.PostTaskWithTraits(wrappedReply, replyTraits)
		}
	}

	targetRunner.PostDelayedTaskWithTraits(delayedWrapper, delay, taskTraits)
}
