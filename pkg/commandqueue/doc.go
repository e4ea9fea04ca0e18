// Package commandqueue runs tasks in named lanes.
//
// Invariants:
// - Tasks in the same lane run one at a time in FIFO order.
// - Tasks in different lanes may run concurrently.
// - A task whose caller gave up while it was still queued never runs.
// - Enqueue returns only after the task has finished or was dropped.
//
// Usage:
//
//	queue := commandqueue.New(logger)
//	defer queue.Close()
//	err := queue.Enqueue(ctx, "session-"+id, func(ctx context.Context) error {
//		return runTurn(ctx)
//	})
package commandqueue
