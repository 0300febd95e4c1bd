package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	logger := zerolog.Nop()
	p := New(size, &logger)
	t.Cleanup(func() { p.Shutdown(false) })
	return p
}

func TestSubmitResolvesResult(t *testing.T) {
	p := newTestPool(t, 2)

	var called atomic.Int32
	h, err := p.Submit(func(context.Context) (bool, error) { return true, nil }, func(_ *Handle, res Result) {
		called.Add(1)
		if !res.OK {
			t.Errorf("expected ok result in callback")
		}
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := h.Result()
	if !res.OK || res.Err != nil || res.Cancelled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if called.Load() != 1 {
		t.Fatalf("expected callback once before done, got %d", called.Load())
	}

	boom := errors.New("boom")
	h, _ = p.Submit(func(context.Context) (bool, error) { return false, boom }, nil)
	if res := h.Result(); res.OK || !errors.Is(res.Err, boom) {
		t.Fatalf("expected boom error, got %+v", res)
	}
}

func TestAtMostSizeUnitsRunConcurrently(t *testing.T) {
	const size = 3
	p := newTestPool(t, size)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		_, err := p.Submit(func(context.Context) (bool, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return true, nil
		}, func(*Handle, Result) { wg.Done() })
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	if peak.Load() > size {
		t.Fatalf("expected at most %d concurrent units, saw %d", size, peak.Load())
	}
}

func TestCancelPendingUnitNeverRuns(t *testing.T) {
	p := newTestPool(t, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	blocker, _ := p.Submit(func(context.Context) (bool, error) {
		close(started)
		<-release
		return true, nil
	}, nil)
	<-started

	var ran atomic.Bool
	pending, _ := p.Submit(func(context.Context) (bool, error) {
		ran.Store(true)
		return true, nil
	}, nil)

	if !pending.Cancel() {
		t.Fatalf("expected pending unit cancellation to be acknowledged")
	}
	if pending.Cancel() {
		t.Fatalf("second cancel must not be acknowledged")
	}
	res := pending.Result()
	if !res.Cancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	if pending.Started() {
		t.Fatalf("unit cancelled while pending must not report started")
	}

	close(release)
	if !blocker.Result().OK {
		t.Fatalf("blocker should complete")
	}
	if ran.Load() {
		t.Fatalf("cancelled unit must not run")
	}
}

func TestCancelRunningUnitIsAdvisory(t *testing.T) {
	p := newTestPool(t, 1)

	started := make(chan struct{})
	h, _ := p.Submit(func(ctx context.Context) (bool, error) {
		close(started)
		<-ctx.Done()
		return false, nil
	}, nil)
	<-started

	if !h.Running() {
		t.Fatalf("expected unit to be running")
	}
	if h.Cancel() {
		t.Fatalf("running unit cancellation must not be acknowledged")
	}
	if res := h.Result(); !res.Cancelled {
		t.Fatalf("cooperative stop should resolve as cancelled, got %+v", res)
	}
	if !h.Started() {
		t.Fatalf("a unit that ran must report started")
	}
}

func TestPanicIsRecoveredAsError(t *testing.T) {
	p := newTestPool(t, 1)
	h, _ := p.Submit(func(context.Context) (bool, error) { panic("kaboom") }, nil)
	if res := h.Result(); res.OK || res.Err == nil {
		t.Fatalf("expected panic to surface as error, got %+v", res)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := newTestPool(t, 1)
	p.Shutdown(true)
	if _, err := p.Submit(func(context.Context) (bool, error) { return true, nil }, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWaitBlocksUntilDrained(t *testing.T) {
	p := newTestPool(t, 2)
	release := make(chan struct{})
	_, _ = p.Submit(func(context.Context) (bool, error) {
		<-release
		return true, nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if p.Wait(ctx) {
		t.Fatalf("wait should time out while a unit is blocked")
	}
	close(release)
	if !p.Wait(context.Background()) {
		t.Fatalf("expected wait to finish")
	}
}
