package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/screencraft/internal/observability"
	"github.com/harun/screencraft/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for tasks submitted to, or still queued in, a closed
// queue.
var ErrClosed = errors.New("command queue closed")

// Task is a unit of work. Its context is cancelled when the submitter's
// context is or when the queue closes.
type Task func(ctx context.Context) error

type record struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	done       chan error
}

type lane struct {
	name    string
	queue   []*record
	running int
}

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Queue serializes tasks per lane. Idle lanes are dropped so per-session
// lane names do not accumulate.
type Queue struct {
	mu        sync.Mutex
	lanes     map[string]*lane
	seq       uint64
	closed    bool
	logger    zerolog.Logger
	warnAfter time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithWarnAfter logs a warning when a task waits in its lane longer than d.
func WithWarnAfter(d time.Duration) Option {
	return func(q *Queue) { q.warnAfter = d }
}

// New creates an empty queue.
func New(logger zerolog.Logger, opts ...Option) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*lane),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends task to laneName and blocks until it completes. If ctx ends
// while the task is still queued, the task is dropped and ctx.Err() returned;
// if it is already running, Enqueue waits for it to return.
func (q *Queue) Enqueue(ctx context.Context, laneName string, task Task) error {
	ctx, span := tracing.StartSpan(ctx, "screencraft.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", laneName),
	)
	defer span.End()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		tracing.Fail(span, ErrClosed)
		return ErrClosed
	}
	l, ok := q.lanes[laneName]
	if !ok {
		l = &lane{name: laneName}
		q.lanes[laneName] = l
	}
	q.seq++
	rec := &record{
		id:         fmt.Sprintf("%s-%d", laneName, q.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	}
	l.queue = append(l.queue, rec)
	queued := len(l.queue)
	q.pump(l)
	q.dropIfIdle(l)
	q.mu.Unlock()

	observability.RecordQueueEnqueue(laneName, queued)
	logger := tracing.LoggerFromContext(ctx, q.logger)
	logger.Debug().Str("lane", laneName).Str("task_id", rec.id).Int("queued", queued).Msg("Task enqueued")

	err := q.wait(ctx, l, rec, logger)
	if err != nil {
		tracing.Fail(span, err)
	}
	return err
}

func (q *Queue) wait(ctx context.Context, l *lane, rec *record, logger zerolog.Logger) error {
	var warn <-chan time.Time
	if q.warnAfter > 0 {
		timer := time.NewTimer(q.warnAfter)
		defer timer.Stop()
		warn = timer.C
	}

	for {
		select {
		case err := <-rec.done:
			return err

		case <-warn:
			warn = nil
			q.mu.Lock()
			pos := position(l, rec)
			q.mu.Unlock()
			if pos >= 0 {
				logger.Warn().
					Str("lane", l.name).
					Str("task_id", rec.id).
					Dur("waited", time.Since(rec.enqueuedAt)).
					Int("position", pos).
					Msg("Task waiting longer than expected")
			}

		case <-ctx.Done():
			q.mu.Lock()
			if pos := position(l, rec); pos >= 0 {
				l.queue = append(l.queue[:pos], l.queue[pos+1:]...)
				q.dropIfIdle(l)
				q.mu.Unlock()
				logger.Debug().Str("lane", l.name).Str("task_id", rec.id).Msg("Queued task abandoned")
				return ctx.Err()
			}
			q.mu.Unlock()
			return <-rec.done
		}
	}
}

func position(l *lane, rec *record) int {
	for i, r := range l.queue {
		if r == rec {
			return i
		}
	}
	return -1
}

// pump starts queued tasks while the lane is free. Caller holds q.mu.
func (q *Queue) pump(l *lane) {
	for l.running == 0 && len(l.queue) > 0 {
		rec := l.queue[0]
		l.queue = l.queue[1:]

		if rec.ctx.Err() != nil {
			rec.done <- rec.ctx.Err()
			continue
		}

		l.running++
		q.wg.Add(1)
		go q.execute(l, rec)
	}
}

// dropIfIdle forgets an idle lane. Caller holds q.mu.
func (q *Queue) dropIfIdle(l *lane) {
	if l.running == 0 && len(l.queue) == 0 && q.lanes[l.name] == l {
		delete(q.lanes, l.name)
	}
}

func (q *Queue) execute(l *lane, rec *record) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(rec.ctx, "screencraft.commandqueue", "commandqueue.execute",
		attribute.String("lane", l.name),
		attribute.String("task_id", rec.id),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)

	start := time.Now()
	err := q.run(runCtx, rec.task)
	duration := time.Since(start)

	stop()
	cancel()

	q.mu.Lock()
	l.running--
	q.pump(l)
	queued := len(l.queue)
	q.dropIfIdle(l)
	q.mu.Unlock()

	rec.done <- err

	logger := tracing.LoggerFromContext(ctx, q.logger)
	if err != nil {
		tracing.Fail(span, err)
		logger.Warn().Str("lane", l.name).Str("task_id", rec.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", l.name).Str("task_id", rec.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(l.name, duration, err == nil, queued)
}

func (q *Queue) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Stats returns a snapshot of the active lanes.
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]LaneStats, len(q.lanes))
	for name, l := range q.lanes {
		stats[name] = LaneStats{Queued: len(l.queue), Running: l.running}
	}
	return stats
}

// WaitForActive waits until no task is running or queued, up to timeout.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		idle := len(q.lanes) == 0
		q.mu.Unlock()

		if idle {
			return true
		}
		if time.Now().After(deadline) {
			q.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, l := range q.lanes {
		for _, rec := range l.queue {
			rec.done <- ErrClosed
		}
		l.queue = nil
		q.dropIfIdle(l)
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
