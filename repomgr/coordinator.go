package repomgr

import (
	"context"
	"sync"
)

// Coordinator guarantees that at most one fetch operation per specifier
// runs at any instant, regardless of how many callers concurrently look
// it up. It is the single piece of this package with a genuinely
// non-obvious shape: a naive per-key mutex deadlocks as soon as the fetch
// itself needs to touch shared state (the handle store) that other,
// unrelated keys also touch, so instead a table of in-flight operations is
// kept under one short-held lock, and waiters join an existing entry
// rather than blocking on a per-key lock.
type Coordinator struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFetch
}

// NewCoordinator returns an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{inFlight: make(map[string]*inFlightFetch)}
}

type inFlightFetch struct {
	done chan struct{}
	err  error
}

// Do runs fn for key, coalescing concurrent calls for the same key into a
// single execution. Every caller joined to the same execution observes its
// terminal error.
//
// fn always runs to completion once started, regardless of ctx: a
// canceled ctx only stops this particular call from waiting on the
// result (Do returns ctx.Err() early), it never aborts fn itself or
// punishes the other callers joined to it. This is deliberate — fn runs
// against context.Background() internally so that no single waiter's
// cancellation can tear down work other waiters still depend on.
func (c *Coordinator) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	c.mu.Lock()
	if f, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		return f.wait(ctx)
	}

	f := &inFlightFetch{done: make(chan struct{})}
	c.inFlight[key] = f
	c.mu.Unlock()

	f.err = fn(context.Background())

	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()

	close(f.done)
	return f.err
}

func (f *inFlightFetch) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
