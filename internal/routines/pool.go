// Package routines provides a fixed-size goroutine pool.
package routines

import "sync"

// Pool runs queued functions on a fixed number of goroutines.
type Pool struct {
	work     chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool starts size goroutines that execute queued functions.
func NewPool(size int) *Pool {
	p := Pool{
		work: make(chan func()),
	}

	p.wg.Add(size)

	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()

			for fn := range p.work {
				fn()
			}
		}()
	}

	return &p
}

// Queue schedules fn for execution.
// It blocks until a goroutine of the pool is free.
// Calling Queue after Wait panics.
func (p *Pool) Queue(fn func()) {
	p.work <- fn
}

// Wait stops accepting new functions and blocks until all queued functions
// finished. It can be called multiple times.
func (p *Pool) Wait() {
	p.stopOnce.Do(func() {
		close(p.work)
	})

	p.wg.Wait()
}
