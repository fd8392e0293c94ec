package task

import (
	"context"
	"sync"
)

// Recorder is a Scheduler that only remembers what it was given. Failures
// can be queued per kind to exercise rollback paths.
type Recorder struct {
	mu       sync.Mutex
	tasks    []Task
	failures map[Kind][]error
}

var _ Scheduler = (*Recorder)(nil)

func (r *Recorder) Schedule(_ context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q := r.failures[t.Kind()]; len(q) > 0 {
		r.failures[t.Kind()] = q[1:]
		return q[0]
	}
	r.tasks = append(r.tasks, t)
	return nil
}

// FailNext makes the next Schedule of kind return err.
func (r *Recorder) FailNext(kind Kind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures == nil {
		r.failures = make(map[Kind][]error)
	}
	r.failures[kind] = append(r.failures[kind], err)
}

// Tasks returns the accepted tasks in order.
func (r *Recorder) Tasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.tasks...)
}

// OfKind returns the accepted tasks of one kind.
func (r *Recorder) OfKind(kind Kind) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Task
	for _, t := range r.tasks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Drain returns and forgets the accepted tasks.
func (r *Recorder) Drain() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.tasks
	r.tasks = nil
	return out
}
