package service

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrMustNotBeZero = errors.New("must be greater than zero")
	ErrWaitingFailed = errors.New("limiter waiting failed")
)

// throttle is an http.RoundTripper restricting outbound calls with a token
// bucket limiter.
type throttle struct {
	limiter *rate.Limiter
	rps     int
	burst   int
	next    http.RoundTripper
	log     *zerolog.Logger
}

func newThrottle(rps, burst int, logger *zerolog.Logger, next http.RoundTripper) (http.RoundTripper, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, ErrMustNotBeZero)
	}
	if next == nil {
		next = http.DefaultTransport
	}
	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		rps:     rps,
		burst:   burst,
		next:    next,
		log:     logger,
	}, nil
}

func (t *throttle) RoundTrip(r *http.Request) (*http.Response, error) {
	if !t.limiter.Allow() {
		start := time.Now()
		if err := t.limiter.Wait(r.Context()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWaitingFailed, err)
		}
		t.log.Debug().Dur("waited", time.Since(start)).Int("rate", t.rps).Int("burst", t.burst).Str("host", r.URL.Host).Msg("throttle wait complete")
	}
	return t.next.RoundTrip(r)
}
