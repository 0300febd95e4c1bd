package pool

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type state int32

const (
	statePending state = iota
	stateRunning
	stateCancelled
	stateDone
)

// Handle tracks one submitted unit of work.
type Handle struct {
	state   atomic.Int32
	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	res     Result
}

// Cancel requests cancellation. It returns true only when the unit had not
// started yet, in which case it is guaranteed never to run. For a running unit
// the context is cancelled and false is returned; stopping is up to the unit.
func (h *Handle) Cancel() bool {
	if h.state.CompareAndSwap(int32(statePending), int32(stateCancelled)) {
		h.cancel()
		return true
	}
	if state(h.state.Load()) == stateRunning {
		h.cancel()
	}
	return false
}

// Running reports whether the unit currently occupies a slot.
func (h *Handle) Running() bool { return state(h.state.Load()) == stateRunning }

// Started reports whether the unit ever took a slot. A unit cancelled while
// pending never starts.
func (h *Handle) Started() bool { return h.started.Load() }

// Pending reports whether the unit is still waiting for a slot.
func (h *Handle) Pending() bool { return state(h.state.Load()) == statePending }

// Done returns a channel closed once the unit is resolved and its DoneFunc returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result blocks until the unit is resolved.
func (h *Handle) Result() Result {
	<-h.done
	return h.res
}

func (h *Handle) resolve(res Result, onDone DoneFunc, logger *zerolog.Logger) {
	if res.Cancelled {
		h.state.Store(int32(stateCancelled))
	} else {
		h.state.Store(int32(stateDone))
	}
	h.res = res
	defer func() {
		h.cancel()
		close(h.done)
	}()

	if onDone == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("completion callback panicked")
		}
	}()
	onDone(h, res)
}
