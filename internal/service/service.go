// Package service defines the download-service capability and the registry
// that picks a variant for a URL.
package service

import (
	"context"
	"sync"
	"sync/atomic"
)

// Credentials authenticate against protected resources.
type Credentials struct {
	User     string
	Password string
}

// Request carries everything a variant needs to build one execution attempt.
type Request struct {
	TaskID      string
	URL         string
	Dir         string
	Credentials *Credentials
	// Checksum is an optional hex encoded SHA-1 of the expected content.
	Checksum string
}

// Service is one execution attempt of a download.
//
// Execute returns true on success and false when it stopped because it was
// cancelled; any transfer problem is returned as an error. Cancel may be called
// at any time, any number of times.
type Service interface {
	Execute(ctx context.Context) (bool, error)
	Cancel()
	Running() bool
}

// Variant is a class of download sources.
type Variant interface {
	Name() string
	// Supported must be free of side effects.
	Supported(rawURL string) bool
	// FileSize returns false when the size cannot be determined. It must honor
	// ctx and never fail for ordinary network problems.
	FileSize(ctx context.Context, rawURL string, creds *Credentials) (int64, bool)
	New(req Request) (Service, error)
}

// lifecycle implements the running flag and idempotent cancellation shared by
// the built-in services.
type lifecycle struct {
	running   atomic.Bool
	cancelled atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// begin marks the service running and returns the attempt context. The
// returned func must be deferred; it clears the running flag.
func (l *lifecycle) begin(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	if l.cancelled.Load() {
		cancel()
	}

	l.running.Store(true)
	return ctx, func() {
		l.running.Store(false)
		cancel()
	}
}

// Cancel is safe before, during and after Execute.
func (l *lifecycle) Cancel() {
	l.cancelled.Store(true)
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *lifecycle) Running() bool { return l.running.Load() }

// stopped reports whether a failed attempt ended because of cancellation.
func (l *lifecycle) stopped(ctx context.Context) bool {
	return l.cancelled.Load() || ctx.Err() != nil
}
