package engine

import (
	"context"
	"sync"
)

// runner owns the single managed request slot. Starting a new invocation
// cancels the previous one and waits for it to exit, so at most one request
// is ever in flight. Every start and stop bumps the generation; results
// tagged with an older generation are stale.
type runner struct {
	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// start cancels the running invocation and launches fn with a fresh
// generation.
func (r *runner) start(parent context.Context, fn func(ctx context.Context, gen uint64)) {
	r.stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	gen := r.gen
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		defer cancel()
		fn(ctx, gen)
	}()
}

// stop cancels the running invocation, if any, and waits for it to exit.
func (r *runner) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.gen++
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// current reports whether gen belongs to the running invocation.
func (r *runner) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil && gen == r.gen
}
