package server

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// workerPool runs handlers on at most size goroutines at a time.
// Submitting never blocks; work waits for a slot on its own goroutine.
type workerPool struct {
	ctx context.Context
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newWorkerPool(ctx context.Context, size int) *workerPool {
	return &workerPool{
		ctx: ctx,
		sem: semaphore.NewWeighted(int64(size)),
	}
}

// submit runs fn once a slot is free. If the pool context ends first, reject is called instead.
func (p *workerPool) submit(fn func(), reject func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			reject(err)
			return
		}
		defer p.sem.Release(1)
		fn()
	}()
}

func (p *workerPool) wait() {
	p.wg.Wait()
}
