package worker

import (
	"context"
	"sync"
)

// Registry tracks the cancel functions of running jobs and remembers jobs
// canceled before a worker picked them up. It is shared by all workers.
type Registry struct {
	mu       sync.Mutex
	running  map[string]context.CancelFunc
	canceled map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		running:  make(map[string]context.CancelFunc),
		canceled: make(map[string]struct{}),
	}
}

// Start derives a cancelable context for jobID. The returned func must be
// called when the phase ends.
func (r *Registry) Start(ctx context.Context, jobID string) (context.Context, func()) {
	jobCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[jobID] = cancel
	r.mu.Unlock()
	return jobCtx, func() {
		r.mu.Lock()
		delete(r.running, jobID)
		r.mu.Unlock()
		cancel()
	}
}

// Cancel stops jobID if it is running and prevents its queued phases from
// starting. It reports whether a running phase was interrupted.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled[jobID] = struct{}{}
	cancel, ok := r.running[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Canceled reports whether Cancel was called for jobID.
func (r *Registry) Canceled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.canceled[jobID]
	return ok
}

// Running returns the IDs of jobs with a phase in progress.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	return ids
}
