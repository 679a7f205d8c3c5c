package exchange

import (
	"math/rand"
	"sync"
	"time"

	"orderflow/config"
)

// reconnectPolicy owns the backoff state: how many consecutive attempts have
// failed, the current minimum inter-attempt interval, and whether the
// exchange has ever signalled throttling. The attempt counter resets on a
// successful connection; the rate-limit escalated minimum interval does NOT.
// That asymmetry is a deliberate safety margin against repeated throttling.
type reconnectPolicy struct {
	mu sync.Mutex

	base        time.Duration
	rlBase      time.Duration
	maxDelay    time.Duration
	minInterval time.Duration
	maxAttempts int

	attempts    int
	rateLimited bool
	lastAttempt time.Time
	lastDelay   time.Duration
	lastErr     error

	now    func() time.Time
	jitter func() float64
}

func newReconnectPolicy(cfg config.BackoffConfig) *reconnectPolicy {
	return &reconnectPolicy{
		base:        time.Duration(cfg.BaseMs) * time.Millisecond,
		rlBase:      time.Duration(cfg.RateLimitedBaseMs) * time.Millisecond,
		maxDelay:    time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		minInterval: time.Duration(cfg.MinIntervalMs) * time.Millisecond,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
		jitter:      func() float64 { return 0.5 + rand.Float64() },
	}
}

// markAttempt records the outcome of a connect attempt.
func (p *reconnectPolicy) markAttempt(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastAttempt = p.now()
	p.lastErr = err
	if err == nil {
		p.attempts = 0
		p.lastDelay = 0
		return
	}
	p.attempts++
	if isRateLimited(err) {
		p.escalateLocked()
	}
}

// noteRateLimit escalates the policy after a throttling signal observed
// outside a connect attempt (close frames, error events).
func (p *reconnectPolicy) noteRateLimit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.escalateLocked()
}

func (p *reconnectPolicy) escalateLocked() {
	p.rateLimited = true
	p.minInterval *= 2
	if p.minInterval > p.maxDelay {
		p.minInterval = p.maxDelay
	}
}

// exhausted reports whether the maximum number of consecutive failures has
// been reached.
func (p *reconnectPolicy) exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts >= p.maxAttempts
}

// resetAttempts clears the failure counter after a terminal report so a later
// manual connect starts fresh. The escalated minimum interval is kept.
func (p *reconnectPolicy) resetAttempts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.lastDelay = 0
}

// nextDelay computes the wait before the next reconnect attempt:
// base * 2^(attempts-1) * jitter, jitter in [0.5, 1.5), capped, and clamped so
// consecutive delays never shrink while failures continue.
func (p *reconnectPolicy) nextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.base
	if p.rateLimited {
		base = p.rlBase
	}

	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.maxDelay {
			break
		}
	}
	d = time.Duration(float64(d) * p.jitter())
	if d > p.maxDelay {
		d = p.maxDelay
	}
	if d < p.lastDelay {
		d = p.lastDelay
	}
	p.lastDelay = d
	return d
}

// holdoff returns how much of the minimum inter-attempt interval is still
// outstanding since the last attempt.
func (p *reconnectPolicy) holdoff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastAttempt.IsZero() {
		return 0
	}
	elapsed := p.now().Sub(p.lastAttempt)
	if elapsed >= p.minInterval {
		return 0
	}
	return p.minInterval - elapsed
}

// snapshot for stats reporting.
func (p *reconnectPolicy) snapshot() (attempts int, minInterval time.Duration, rateLimited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts, p.minInterval, p.rateLimited
}
