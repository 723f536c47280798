package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"agentflow.dev/agentflow/runtime/workflow/agents"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style token budget in front of an
	// agent backend. Each Run blocks until the estimated token cost of the
	// turn fits the current tokens-per-minute budget. Provider throttling
	// halves the budget; every clean turn recovers a fixed step back toward
	// the ceiling.
	//
	// Construct one limiter per backend and wrap the agent with Middleware
	// before registering it with the engine.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	limitedAgent struct {
		next    agents.Agent
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with a
// tokens-per-minute budget. When m and key are set, the budget is shared
// across processes through a Pulse replicated map; otherwise the limiter is
// process-local.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns an agents.Agent middleware enforcing the adaptive
// tokens-per-minute limit on every turn.
func (l *AdaptiveRateLimiter) Middleware() func(agents.Agent) agents.Agent {
	return func(next agents.Agent) agents.Agent {
		if next == nil {
			return nil
		}
		return &limitedAgent{next: next, limiter: l}
	}
}

// Run blocks on the limiter, delegates, and observes the turn outcome from
// the stream terminal.
func (a *limitedAgent) Run(ctx context.Context, in agents.Input) (agents.Stream, error) {
	if err := a.limiter.wait(ctx, in); err != nil {
		return nil, err
	}
	st, err := a.next.Run(ctx, in)
	if err != nil {
		a.limiter.observe(err)
		return nil, err
	}
	return watch(st, a.limiter.observe), nil
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, in agents.Input) error {
	return l.limiter.WaitN(ctx, estimateTokens(in))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	switch {
	case err == nil:
		l.probe()
	case errors.Is(err, agents.ErrRateLimited):
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	next := l.currentTPM * 0.5
	if next < l.minTPM {
		next = l.minTPM
	}
	cb := l.onBackoff
	changed := l.setLocked(next)
	l.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	next := l.currentTPM + l.recoveryRate
	if next > l.maxTPM {
		next = l.maxTPM
	}
	cb := l.onProbe
	changed := l.setLocked(next)
	l.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
}

// replaceTPM adopts an externally published budget, clamped to the
// configured range.
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	l.setLocked(tpm)
}

// setLocked updates the effective budget. Callers hold l.mu.
func (l *AdaptiveRateLimiter) setLocked(tpm float64) bool {
	if tpm == l.currentTPM {
		return false
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	return true
}

func (l *AdaptiveRateLimiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

// estimateTokens computes a cheap heuristic for the token cost of a turn
// from its prompt and system prompt, roughly one token per three characters
// plus a fixed buffer for transcript replay and provider framing.
func estimateTokens(in agents.Input) int {
	chars := len(in.Prompt) + len(in.SystemPrompt)
	if chars <= 0 {
		// Minimal non-zero estimate so empty turns still pay the limiter.
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	// Seed the shared budget when absent. A concurrent writer may win; the
	// read below adopts whatever the cluster settled on.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// Shared state is unavailable; a process-local limiter keeps
			// callers making progress.
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)

	floor := l.minTPM
	ceiling := l.maxTPM
	step := l.recoveryRate

	l.setClusterCallbacks(
		func(float64) {
			go publishBudget(context.Background(), m, key, func(cur float64) float64 {
				next := cur * 0.5
				if next < floor {
					next = floor
				}
				return next
			})
		},
		func(float64) {
			go publishBudget(context.Background(), m, key, func(cur float64) float64 {
				if cur >= ceiling {
					return cur
				}
				next := cur + step
				if next > ceiling {
					next = ceiling
				}
				return next
			})
		},
	)

	// Reconcile the local limiter whenever another process moves the shared
	// budget.
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

// publishBudget applies fn to the shared budget with a bounded
// compare-and-swap loop so concurrent publishers converge without clobbering
// each other.
func publishBudget(ctx context.Context, m clusterMap, key string, fn func(cur float64) float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := fn(cur)
		if next == cur {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}
