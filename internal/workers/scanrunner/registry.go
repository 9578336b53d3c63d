package scanrunner

import (
	"context"
	"sync"
)

// Registry maps the id of every admitted job to the cancel function of its
// context. Entries are added on admission, before a worker picks the job up,
// and removed by the worker once the job returns. A job still waiting in a
// lane backlog is therefore already cancelable: it starts with its context
// canceled and its session records the cancellation without running the
// engine. It is process local: a restart forgets every entry.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]context.CancelCauseFunc
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]context.CancelCauseFunc)}
}

func (r *Registry) add(id string, cancel context.CancelCauseFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[id]; exists {
		return false
	}
	r.jobs[id] = cancel
	return true
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

// Cancel raises the cancellation signal of job id. It returns false when no
// such job is live, whether it never existed or already finished.
func (r *Registry) Cancel(id string) bool {
	r.mu.RLock()
	cancel, ok := r.jobs[id]
	r.mu.RUnlock()
	if ok {
		cancel(ErrCancelRequested)
	}
	return ok
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
