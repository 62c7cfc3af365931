package circulation

import (
	"context"
	"sync"
)

// Runner serializes all shared view-state mutation onto one goroutine, the
// way the interactive surface serializes it onto its event loop. Background
// work (bulk population, remote lookups) runs off that goroutine but its
// result is applied back on it, so the registry and the materialized page
// never see a concurrent writer.
type Runner struct {
	apply chan func()
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewRunner builds an idle runner; Start launches the apply loop.
func NewRunner() *Runner {
	return &Runner{
		apply: make(chan func(), 64),
		done:  make(chan struct{}),
	}
}

// Start launches the single-writer apply loop. It stops when ctx is done
// or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go func() {
			for {
				select {
				case fn, ok := <-r.apply:
					if !ok {
						return
					}
					fn()
				case <-ctx.Done():
					return
				case <-r.done:
					return
				}
			}
		}()
	})
}

// Do runs fn on the apply loop and waits for it to finish. Callers already
// on the loop must not call Do; that is a deadlock, not a queue.
func (r *Runner) Do(fn func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	r.apply <- func() {
		defer wg.Done()
		fn()
	}
	wg.Wait()
}

// Go runs task on a background goroutine; the function task returns is then
// applied on the single-writer loop. Submit returns immediately.
func (r *Runner) Go(task func() func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		applyFn := task()
		if applyFn == nil {
			return
		}
		select {
		case r.apply <- applyFn:
		case <-r.done:
		}
	}()
}

// Stop waits for in-flight background tasks and shuts the loop down.
func (r *Runner) Stop() {
	r.wg.Wait()
	r.stopOnce.Do(func() { close(r.done) })
}
