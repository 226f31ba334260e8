package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Limited throttles submissions to a steady rate.
type Limited struct {
	next    Dispatcher
	limiter *rate.Limiter
}

// NewLimited wraps next with a token bucket of perSecond and burst.
func NewLimited(next Dispatcher, perSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Submit waits for a token, bounded by ctx, then submits.
func (l *Limited) Submit(ctx context.Context, job Job) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limit: %v", ErrUnavailable, err)
	}
	return l.next.Submit(ctx, job)
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	OnChange    func(name string, from, to gobreaker.State)
}

// Breaker stops submitting after repeated failures so that a dead queue
// fails fast instead of stalling every request.
type Breaker struct {
	next Dispatcher
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Dispatcher, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := cfg.MaxFailures
	settings := gobreaker.Settings{
		Name:        "dispatch",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limit
		},
	}
	if cfg.OnChange != nil {
		settings.OnStateChange = cfg.OnChange
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Submit forwards the job unless the breaker is open.
func (b *Breaker) Submit(ctx context.Context, job Job) (string, error) {
	id, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Submit(ctx, job)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
