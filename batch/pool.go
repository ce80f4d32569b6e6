package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolClosed is returned by Do after Close.
var ErrPoolClosed = errors.New("worker pool closed")

type task struct {
	fn   func() error
	done chan error
}

// Pool runs functions on a fixed number of worker goroutines. A function
// handed to a worker always runs to completion.
type Pool struct {
	tasks chan task
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool starts workers goroutines, at least one.
func NewPool(workers int) *Pool {
	p := &Pool{
		tasks: make(chan task),
		quit:  make(chan struct{}),
	}
	for range max(workers, 1) {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			t.done <- call(t.fn)
		case <-p.quit:
			return
		}
	}
}

func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Do waits for a free worker, runs fn on it and returns fn's error. It gives
// up with ctx's error only while still waiting for a worker.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
	return <-t.done
}

// Close stops the workers once their current function returns.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
