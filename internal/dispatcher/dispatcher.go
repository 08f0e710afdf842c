// Package dispatcher bounds how many probes of a sweep run at once.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool is a fixed-size worker pool. A slot stays held until the submitted
// function returns, so anything the function reports happens before the
// slot can be reused.
type Pool struct {
	size int
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

// New creates a Pool with size slots (minimum one).
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return p.size
}

// Acquire blocks until a slot is free or ctx ends.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire pool slot: %w", err)
	}
	return nil
}

// Release returns a slot taken with Acquire that was not handed to Go.
func (p *Pool) Release() {
	p.sem.Release(1)
}

// Go runs fn on a slot already taken with Acquire and frees it when fn returns.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
}

// Submit acquires a slot and runs fn on it.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	p.Go(func() { fn(ctx) })
	return nil
}

// Wait blocks until every submitted function has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// ForEach runs fn for every item with at most size in flight and waits for
// all of them. It stops submitting when ctx ends and returns ctx's error.
func ForEach[T any](ctx context.Context, size int, items []T, fn func(context.Context, T)) error {
	pool := New(size)
	var err error
	for _, item := range items {
		if err = pool.Submit(ctx, func(ctx context.Context) { fn(ctx, item) }); err != nil {
			break
		}
	}
	pool.Wait()
	return err
}
