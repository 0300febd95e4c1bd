// Package pool runs units of work on a fixed number of execution slots.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const defaultSize = 4

// ErrClosed is returned by Submit once the pool has been shut down.
var ErrClosed = errors.New("worker pool is closed")

// WorkFunc is one unit of work. A true result means success; false with a nil
// error means the unit stopped cooperatively.
type WorkFunc func(ctx context.Context) (bool, error)

// DoneFunc is invoked exactly once per submitted unit, before its handle's
// Done channel is closed.
type DoneFunc func(h *Handle, res Result)

// Result is the resolved outcome of a unit of work.
type Result struct {
	OK        bool
	Err       error
	Cancelled bool
}

// Pool bounds the number of concurrently executing units.
type Pool struct {
	size   int
	slots  *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a pool with size slots. Non-positive sizes fall back to 4.
func New(size int, logger *zerolog.Logger) *Pool {
	if size <= 0 {
		size = defaultSize
	}
	if logger == nil {
		logger = &log.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   size,
		slots:  semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
}

// Size reports the number of execution slots.
func (p *Pool) Size() int { return p.size }

// Submit queues fn and returns immediately. onDone may be nil.
func (p *Pool) Submit(fn WorkFunc, onDone DoneFunc) (*Handle, error) {
	if fn == nil {
		return nil, errors.New("nil work func")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(p.ctx)
	h := &Handle{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		h.resolve(p.execute(h, fn), onDone, p.log)
	}()

	return h, nil
}

// execute waits for a free slot and runs fn unless the handle was cancelled first.
func (p *Pool) execute(h *Handle, fn WorkFunc) Result {
	if err := p.slots.Acquire(h.ctx, 1); err != nil {
		h.state.CompareAndSwap(int32(statePending), int32(stateCancelled))
		return Result{Cancelled: true, Err: err}
	}
	defer p.slots.Release(1)

	if !h.state.CompareAndSwap(int32(statePending), int32(stateRunning)) {
		return Result{Cancelled: true, Err: context.Canceled}
	}
	h.started.Store(true)

	ok, err := p.run(h.ctx, fn)
	if !ok && err == nil && h.ctx.Err() != nil {
		return Result{Cancelled: true, Err: h.ctx.Err()}
	}
	return Result{OK: ok, Err: err}
}

func (p *Pool) run(ctx context.Context, fn WorkFunc) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("work unit panicked")
			ok, err = false, fmt.Errorf("work unit panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Shutdown stops accepting work. Without wait every unit's context is cancelled:
// pending units never start and running ones are asked to stop. With wait it
// blocks until every submitted unit has been resolved.
func (p *Pool) Shutdown(wait bool) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if !wait {
		p.cancel()
		return
	}
	p.wg.Wait()
	p.cancel()
}

// Wait blocks until every submitted unit has been resolved or ctx is done.
// Returns true if all units finished.
func (p *Pool) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
