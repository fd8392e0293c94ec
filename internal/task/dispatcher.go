package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appLog "calsync/internal/log"
)

// ErrClosed is returned by Schedule after the dispatcher stopped.
var ErrClosed = errors.New("dispatcher closed")

// Options tune a Dispatcher. Zero values pick the defaults.
type Options struct {
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	Metrics     *Metrics
}

// Dispatcher runs tasks on a fixed pool of workers. Each task runs
// sequentially on one worker and is retried in place up to MaxAttempts.
type Dispatcher struct {
	opts  Options
	queue *queue
}

var _ Scheduler = (*Dispatcher)(nil)

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Dispatcher{opts: opts, queue: newQueue()}
}

// Schedule enqueues t. It never blocks on workers.
func (d *Dispatcher) Schedule(_ context.Context, t Task) error {
	if t == nil {
		return errors.New("schedule: nil task")
	}
	depth, ok := d.queue.push(t)
	if !ok {
		return ErrClosed
	}
	d.opts.Metrics.accepted(t.Kind(), depth)
	return nil
}

// Run starts the workers and blocks until ctx is cancelled. Queued tasks
// that have not started by then are dropped.
func (d *Dispatcher) Run(ctx context.Context, h Handler) {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, h, id)
		}(i)
	}
	appLog.Info("task dispatcher started", "workers", d.opts.Workers, "max_attempts", d.opts.MaxAttempts)

	<-ctx.Done()
	dropped := d.queue.close()
	wg.Wait()
	appLog.Info("task dispatcher stopped", "dropped", dropped)
}

// WaitIdle blocks until no task is queued or running.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.queue.idleCh():
		return nil
	}
}

func (d *Dispatcher) work(ctx context.Context, h Handler, id int) {
	for {
		t, ok := d.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.queue.signal:
				continue
			}
		}
		d.opts.Metrics.queued(d.queue.len())
		d.run(ctx, h, t, id)
		d.queue.done()
	}
}

func (d *Dispatcher) run(ctx context.Context, h Handler, t Task, worker int) {
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := safeHandle(ctx, h, t)
		elapsed := time.Since(start)
		if err == nil {
			d.opts.Metrics.observe(t.Kind(), "ok", elapsed)
			appLog.Debug("task done", "kind", t.Kind(), "worker", worker, "attempt", attempt, "elapsed", elapsed)
			return
		}
		if attempt >= d.opts.MaxAttempts || IsPermanent(err) || ctx.Err() != nil {
			d.opts.Metrics.observe(t.Kind(), "failed", elapsed)
			appLog.Error("task failed", err, "kind", t.Kind(), "attempts", attempt, "task", fmt.Sprintf("%+v", t))
			return
		}
		d.opts.Metrics.observe(t.Kind(), "retry", elapsed)
		appLog.Warn("task attempt failed, retrying", "kind", t.Kind(), "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.opts.Backoff * time.Duration(attempt)):
		}
	}
}

func safeHandle(ctx context.Context, h Handler, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Kind(), r)
		}
	}()
	return h.Handle(ctx, t)
}

// queue is an unbounded FIFO with a coalescing signal channel. It also
// tracks in-flight work so callers can wait for idleness.
type queue struct {
	mu       sync.Mutex
	tasks    []Task
	inflight int
	closed   bool
	signal   chan struct{}
	idle     chan struct{}
}

func newQueue() *queue {
	idle := make(chan struct{})
	close(idle)
	return &queue{signal: make(chan struct{}, 1), idle: idle}
}

func (q *queue) push(t Task) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, false
	}
	if q.isIdle() {
		q.idle = make(chan struct{})
	}
	q.tasks = append(q.tasks, t)
	q.notify()
	return len(q.tasks), true
}

func (q *queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.inflight++
	// Another worker may be waiting on the coalesced signal.
	if len(q.tasks) > 0 {
		q.notify()
	}
	return t, true
}

func (q *queue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	if q.inflight == 0 && len(q.tasks) == 0 {
		close(q.idle)
	}
}

func (q *queue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	dropped := len(q.tasks)
	q.tasks = nil
	if q.inflight == 0 && dropped > 0 {
		close(q.idle)
	}
	return dropped
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *queue) idleCh() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

func (q *queue) isIdle() bool {
	select {
	case <-q.idle:
		return true
	default:
		return false
	}
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
