package chat

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"
)

// ErrRateLimited is wrapped by providers when the upstream API throttles a
// request.
var ErrRateLimited = errors.New("rate limited")

type (
	// AdaptiveRateLimiter applies an AIMD token bucket in front of a
	// Provider. It estimates the token cost of each request, blocks callers
	// until capacity is available and halves its tokens-per-minute budget
	// when the provider reports rate limiting.
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

	limitedProvider struct {
		next    Provider
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used to share the budget.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

// NewAdaptiveRateLimiter returns a limiter with a tokens-per-minute budget.
// When m is not nil and key is set, the budget is shared by every instance
// joined to the same replicated map.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = m
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

// newAdaptiveRateLimiter returns a process-local limiter. A maxTPM below
// initialTPM is clamped to initialTPM.
func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := max(initialTPM*0.1, 1)
	recoveryRate := max(initialTPM*0.05, 1)
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns a Provider that waits for capacity before delegating to next.
func (l *AdaptiveRateLimiter) Wrap(next Provider) Provider {
	return &limitedProvider{next: next, limiter: l}
}

// TPM returns the current tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (p *limitedProvider) Name() string { return p.next.Name() }

func (p *limitedProvider) Stream(ctx context.Context, req Request, delta func(string) error) (Completion, error) {
	if err := p.limiter.limiter.WaitN(ctx, estimateTokens(req)); err != nil {
		return Completion{}, err
	}
	c, err := p.next.Stream(ctx, req, delta)
	p.limiter.observe(err)
	return c, err
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	newTPM := max(l.currentTPM*0.5, l.minTPM)
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setLocked(newTPM)
	cb := l.onBackoff
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	newTPM := min(l.currentTPM+l.recoveryRate, l.maxTPM)
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setLocked(newTPM)
	cb := l.onProbe
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// replaceTPM adopts a budget published by another instance, clamped to the
// configured range.
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm != l.currentTPM {
		l.setLocked(tpm)
	}
}

func (l *AdaptiveRateLimiter) setLocked(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens approximates one token per three characters plus a fixed
// allowance for the system prompt and framing.
func estimateTokens(req Request) int {
	chars := len(req.System)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	if chars == 0 {
		return 500
	}
	return max(chars/3, 1) + 500
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}
	shared := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			shared = v
		}
	}
	l := newAdaptiveRateLimiter(shared, maxTPM)

	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate
	l.onBackoff = func(float64) {
		go updateShared(context.Background(), m, key, func(cur float64) float64 { return max(cur*0.5, floor) })
	}
	l.onProbe = func(float64) {
		go updateShared(context.Background(), m, key, func(cur float64) float64 { return min(cur+step, ceiling) })
	}

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
				l.replaceTPM(v)
			}
		}
	}()
	return l
}

// updateShared applies next to the shared budget with optimistic retries.
func updateShared(ctx context.Context, m clusterMap, key string, next func(float64) float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for range maxAttempts {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		n := next(cur)
		if n == cur {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(n)))
		if err != nil || prev == curStr {
			return
		}
	}
}
