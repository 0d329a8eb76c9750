// Package worker runs tasks pinned to lock contexts. A task borrows one
// worker identity for its whole run, which is what makes the per-worker block
// pools safe without any runtime synchronization.
package worker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sorabase/kurodb/core/concurrency/mcslock"
)

// Task is a unit of work executed under a worker's lock context.
type Task func(ctx *mcslock.Context)

// Pool dispatches tasks over the registry's worker identities. At most one
// task runs per identity at a time; submission blocks while all identities
// are busy.
type Pool struct {
	logger *zap.Logger
	idle   chan *mcslock.Context
	wg     sync.WaitGroup
}

// NewPool wraps every worker of the registry into a dispatchable context.
func NewPool(reg *mcslock.Registry, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		logger: logger,
		idle:   make(chan *mcslock.Context, reg.Workers()),
	}
	for i := 0; i < reg.Workers(); i++ {
		p.idle <- reg.Context(i)
	}
	return p
}

// Submit runs the task on the next free worker identity in its own
// goroutine. The context is bound to that goroutine for the duration of the
// task, so pool misuse from elsewhere fails fast.
func (p *Pool) Submit(task Task) {
	ctx := <-p.idle
	p.wg.Add(1)
	go func() {
		defer func() {
			ctx.Unbind()
			p.idle <- ctx
			p.wg.Done()
		}()
		ctx.Bind()
		task(ctx)
	}()
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() { p.wg.Wait() }
