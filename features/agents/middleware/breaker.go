package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"agentflow.dev/agentflow/runtime/workflow/agents"
)

type (
	// BreakerOptions tunes the circuit breaker. Zero values pick the
	// defaults below.
	BreakerOptions struct {
		// FailureThreshold is the number of consecutive failed turns that
		// opens the circuit. Defaults to 5.
		FailureThreshold uint32
		// Cooldown is how long the circuit stays open before probing the
		// backend again. Defaults to 30s.
		Cooldown time.Duration
		// HalfOpenTurns is how many turns may probe a half-open circuit.
		// Defaults to 1.
		HalfOpenTurns uint32
	}

	// Breaker sheds load when an agent backend fails repeatedly, so a dead
	// provider fails workflow nodes fast instead of tying up the scheduler
	// in doomed turns.
	Breaker struct {
		cb *gobreaker.TwoStepCircuitBreaker
	}

	guardedAgent struct {
		next agents.Agent
		cb   *gobreaker.TwoStepCircuitBreaker
	}
)

// NewBreaker constructs a circuit breaker named after the backend it guards.
func NewBreaker(name string, opts BreakerOptions) *Breaker {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.HalfOpenTurns == 0 {
		opts.HalfOpenTurns = 1
	}
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: opts.HalfOpenTurns,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.FailureThreshold
		},
	})}
}

// Middleware returns an agents.Agent middleware that accounts every turn
// against the circuit.
func (b *Breaker) Middleware() func(agents.Agent) agents.Agent {
	return func(next agents.Agent) agents.Agent {
		if next == nil {
			return nil
		}
		return &guardedAgent{next: next, cb: b.cb}
	}
}

// Run reserves a slot on the circuit and settles it with the turn outcome.
func (a *guardedAgent) Run(ctx context.Context, in agents.Input) (agents.Stream, error) {
	done, err := a.cb.Allow()
	if err != nil {
		return nil, fmt.Errorf("agent backend unavailable: %w", err)
	}
	st, err := a.next.Run(ctx, in)
	if err != nil {
		done(excused(err))
		return nil, err
	}
	return watch(st, func(terminal error) { done(excused(terminal)) }), nil
}

// excused reports whether a turn outcome should not count against backend
// health: caller cancellations are the consumer's doing and throttling is
// the rate limiter's to absorb.
func excused(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, agents.ErrRateLimited)
}
