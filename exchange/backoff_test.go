package exchange

import (
	"errors"
	"testing"
	"time"

	"orderflow/config"
)

func testBackoffConfig() config.BackoffConfig {
	return config.BackoffConfig{
		BaseMs:            30000,
		RateLimitedBaseMs: 60000,
		MaxAttempts:       5,
		MaxDelayMs:        300000,
		MinIntervalMs:     30000,
	}
}

func fixedPolicy() *reconnectPolicy {
	p := newReconnectPolicy(testBackoffConfig())
	p.jitter = func() float64 { return 1.0 }
	return p
}

func TestBackoffDoubling(t *testing.T) {
	p := fixedPolicy()
	failure := errors.New("refused")

	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second, 300 * time.Second}
	for i, w := range want {
		p.markAttempt(failure)
		if got := p.nextDelay(); got != w {
			t.Errorf("delay after %d failures = %s, want %s", i+1, got, w)
		}
	}
	if !p.exhausted() {
		t.Error("policy not exhausted after max attempts")
	}
}

func TestBackoffDelaysNeverShrink(t *testing.T) {
	p := fixedPolicy()
	jitters := []float64{1.4, 0.5, 0.6, 1.0}
	i := 0
	p.jitter = func() float64 { j := jitters[i%len(jitters)]; i++; return j }

	failure := errors.New("refused")
	var prev time.Duration
	for n := 0; n < 4; n++ {
		p.markAttempt(failure)
		d := p.nextDelay()
		if d < prev {
			t.Fatalf("delay %d = %s shrank below previous %s", n+1, d, prev)
		}
		prev = d
	}
}

func TestBackoffSuccessResetsAttempts(t *testing.T) {
	p := fixedPolicy()
	failure := errors.New("refused")

	p.markAttempt(failure)
	p.markAttempt(failure)
	p.markAttempt(nil)

	if p.exhausted() {
		t.Error("exhausted after success")
	}
	if got := p.nextDelay(); got != 30*time.Second {
		t.Errorf("delay after success = %s, want base 30s", got)
	}
}

func TestRateLimitEscalationSurvivesSuccess(t *testing.T) {
	p := fixedPolicy()

	_, before, _ := p.snapshot()
	p.noteRateLimit()
	_, after, limited := p.snapshot()
	if !limited {
		t.Fatal("policy not marked rate limited")
	}
	if after != 2*before {
		t.Errorf("min interval = %s, want doubled %s", after, 2*before)
	}

	// a successful connection clears the attempt counter but keeps the
	// escalated interval and base
	p.markAttempt(nil)
	attempts, interval, limited := p.snapshot()
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0 after success", attempts)
	}
	if interval != after || !limited {
		t.Errorf("escalation reset by success: interval=%s limited=%v", interval, limited)
	}

	p.markAttempt(errors.New("refused"))
	if got := p.nextDelay(); got != 60*time.Second {
		t.Errorf("delay = %s, want rate-limited base 60s", got)
	}
}

func TestRateLimitedAttemptEscalates(t *testing.T) {
	p := fixedPolicy()
	p.markAttempt(errors.New("429 too many requests"))

	_, interval, limited := p.snapshot()
	if !limited || interval != 60*time.Second {
		t.Errorf("interval=%s limited=%v after rate-limited failure, want 60s/true", interval, limited)
	}
}

func TestMinIntervalCappedAtMaxDelay(t *testing.T) {
	p := fixedPolicy()
	for i := 0; i < 10; i++ {
		p.noteRateLimit()
	}
	_, interval, _ := p.snapshot()
	if interval != 5*time.Minute {
		t.Errorf("min interval = %s, want capped at 5m", interval)
	}
}

func TestHoldoff(t *testing.T) {
	p := fixedPolicy()
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	if got := p.holdoff(); got != 0 {
		t.Errorf("holdoff before any attempt = %s, want 0", got)
	}

	p.markAttempt(errors.New("refused"))
	now = now.Add(10 * time.Second)
	if got := p.holdoff(); got != 20*time.Second {
		t.Errorf("holdoff = %s, want 20s", got)
	}
	now = now.Add(25 * time.Second)
	if got := p.holdoff(); got != 0 {
		t.Errorf("holdoff after interval elapsed = %s, want 0", got)
	}
}

func TestResetAttemptsKeepsEscalation(t *testing.T) {
	p := fixedPolicy()
	failure := errors.New("refused")
	for i := 0; i < 5; i++ {
		p.markAttempt(failure)
	}
	p.noteRateLimit()
	p.resetAttempts()

	attempts, interval, limited := p.snapshot()
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
	if !limited || interval == 30*time.Second {
		t.Errorf("escalation lost on reset: interval=%s limited=%v", interval, limited)
	}
}
