package advisor

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/coderwave/wave/internal/safety"
)

// Provider-boundary defaults. Advisory traffic is one query per worker task
// at most, so the limits are loose; they exist to keep a misbehaving loop
// from burning budget against the provider.
const (
	defaultPerMinute    = 30
	defaultBurst        = 5
	defaultTripAfter    = 3
	defaultOpenDuration = 30 * time.Second
)

type (
	// Limited applies a token-bucket rate limit in front of an advisor.
	// Callers block until capacity is available or their context expires.
	Limited struct {
		next    safety.Advisor
		limiter *rate.Limiter
	}

	// Breaker short-circuits advisor calls after repeated failures so a
	// degraded provider does not stall every safety check for the full
	// advisor timeout. While open, queries fail fast and the scorer falls
	// back to its pattern verdict.
	Breaker struct {
		next safety.Advisor
		cb   *gobreaker.CircuitBreaker
	}

	// HardenOptions tunes the composed provider-boundary protections.
	HardenOptions struct {
		// PerMinute is the sustained query rate. Defaults to 30.
		PerMinute float64
		// Burst is the token-bucket depth. Defaults to 5.
		Burst int
		// TripAfter is the consecutive-failure count that opens the
		// breaker. Defaults to 3.
		TripAfter uint32
		// OpenFor is how long the breaker stays open before probing.
		// Defaults to 30s.
		OpenFor time.Duration
	}
)

// Limit wraps next with a token-bucket rate limit of perMinute sustained
// queries and the given burst.
func Limit(next safety.Advisor, perMinute float64, burst int) *Limited {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
	}
}

// Query waits for bucket capacity then delegates to the wrapped advisor.
func (l *Limited) Query(ctx context.Context, prompt, systemPrompt string) (safety.AdvisorReply, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return safety.AdvisorReply{Err: err.Error()}, fmt.Errorf("advisor rate limit: %w", err)
	}
	return l.next.Query(ctx, prompt, systemPrompt)
}

// Break wraps next with a circuit breaker that opens after tripAfter
// consecutive failures and stays open for openFor.
func Break(next safety.Advisor, name string, tripAfter uint32, openFor time.Duration) *Breaker {
	if tripAfter == 0 {
		tripAfter = defaultTripAfter
	}
	if openFor <= 0 {
		openFor = defaultOpenDuration
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= tripAfter
		},
	})
	return &Breaker{next: next, cb: cb}
}

// Query delegates through the breaker. While open it returns
// gobreaker.ErrOpenState without touching the provider.
func (b *Breaker) Query(ctx context.Context, prompt, systemPrompt string) (safety.AdvisorReply, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.next.Query(ctx, prompt, systemPrompt)
	})
	if err != nil {
		if rep, ok := out.(safety.AdvisorReply); ok && rep.Err != "" {
			return rep, err
		}
		return safety.AdvisorReply{Err: err.Error()}, fmt.Errorf("advisor breaker: %w", err)
	}
	return out.(safety.AdvisorReply), nil
}

// Harden applies the standard provider-boundary protections to an advisor:
// a rate limit feeding a circuit breaker.
func Harden(next safety.Advisor, name string, opts HardenOptions) safety.Advisor {
	return Break(Limit(next, opts.PerMinute, opts.Burst), name, opts.TripAfter, opts.OpenFor)
}
