package task

import (
	"sync"

	"github.com/rs/zerolog"
)

// notifier delivers events to the observer in enqueue order on its own
// goroutine, so observers may call back into the Manager.
type notifier struct {
	observer Observer
	log      *zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
	done    chan struct{}
}

func newNotifier(observer Observer, logger *zerolog.Logger) *notifier {
	n := &notifier{observer: observer, log: logger, done: make(chan struct{})}
	n.cond = sync.NewCond(&n.mu)
	go n.loop()
	return n
}

// emit queues ev. It never blocks on the observer.
func (n *notifier) emit(ev Event) {
	if n.observer == nil {
		return
	}
	n.mu.Lock()
	if !n.closed {
		n.pending = append(n.pending, ev)
		n.cond.Signal()
	}
	n.mu.Unlock()
}

// close stops accepting events; queued ones are still delivered.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Signal()
	n.mu.Unlock()
}

// wait blocks until every queued event was delivered after close.
func (n *notifier) wait() { <-n.done }

func (n *notifier) loop() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.pending) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.pending) == 0 {
			n.mu.Unlock()
			return
		}
		ev := n.pending[0]
		n.pending = n.pending[1:]
		n.mu.Unlock()

		n.deliver(ev)
	}
}

func (n *notifier) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().Interface("panic", r).Str("event", string(ev.Kind)).Str("task_id", ev.TaskID.String()).Msg("observer panicked")
		}
	}()
	n.observer(ev)
}
