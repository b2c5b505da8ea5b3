// Package workpool runs blocking calls on a bounded number of goroutines so
// request handlers never pile up behind slow disks.
package workpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

const DefaultSize = 10

type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size is the maximum number of concurrently running calls.
func (p *Pool) Size() int { return int(p.size) }

// Do runs fn once a worker is free. It returns ctx.Err() if ctx ends first;
// once started, fn runs to completion even if ctx is cancelled meanwhile.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer p.sem.Release(1)
		defer close(done)
		fn()
	}()
	<-done
	return nil
}

// Call is Do for functions that produce a value.
func Call[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	if perr := p.Do(ctx, func() { v, err = fn() }); perr != nil {
		return v, perr
	}
	return v, err
}
