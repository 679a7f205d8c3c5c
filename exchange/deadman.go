package exchange

import (
	"context"
	"sync"
	"time"

	"orderflow/logger"
)

const deadmanMaxFailures = 3

// deadmanSwitch keeps a server-side cancel-on-timeout armed by renewing it on
// a fixed cadence. If this process dies or the link drops, the exchange
// cancels all open orders when the countdown lapses. The switch disarms
// itself when the exchange leaves the online state or when renewal fails
// repeatedly, so it never reports protection it cannot maintain; a forced
// disarm also clears the countdown server-side so orders are not mass
// cancelled later by a lapsed timer nobody is watching.
type deadmanSwitch struct {
	log   *logger.Log
	renew func(ctx context.Context, timeout time.Duration) error
	clear func(ctx context.Context) error

	mu       sync.Mutex
	armed    bool
	timeout  time.Duration
	failures int
	stopCh   chan struct{}
}

func newDeadmanSwitch(log *logger.Log, renew func(ctx context.Context, timeout time.Duration) error, clear func(ctx context.Context) error) *deadmanSwitch {
	return &deadmanSwitch{log: log, renew: renew, clear: clear}
}

// renewCadence is how often the countdown is refreshed: a third of the
// timeout, floored at 15s to avoid hammering the exchange and capped at 30s
// so long timeouts still get regular proof of liveness.
func renewCadence(timeout time.Duration) time.Duration {
	cadence := timeout / 3
	if cadence < 15*time.Second {
		cadence = 15 * time.Second
	}
	if cadence > 30*time.Second {
		cadence = 30 * time.Second
	}
	return cadence
}

// arm starts (or restarts) the renewal schedule for the given timeout. The
// initial countdown is assumed to have been set by the caller.
func (d *deadmanSwitch) arm(timeout time.Duration) {
	d.mu.Lock()
	if d.stopCh != nil {
		close(d.stopCh)
	}
	d.armed = true
	d.timeout = timeout
	d.failures = 0
	stopCh := make(chan struct{})
	d.stopCh = stopCh
	d.mu.Unlock()

	d.log.WithComponent("deadman").WithFields(logger.Fields{
		"timeout": timeout.String(),
		"cadence": renewCadence(timeout).String(),
	}).Info("dead man's switch armed")

	go d.loop(timeout, stopCh)
}

// disarm stops the renewal schedule and clears the failure counter. The
// schedule must not outlive the decision, whatever the outcome of any
// accompanying countdown clear.
func (d *deadmanSwitch) disarm(reason string) bool {
	d.mu.Lock()
	wasArmed := d.armed
	d.armed = false
	d.failures = 0
	if d.stopCh != nil {
		close(d.stopCh)
		d.stopCh = nil
	}
	d.mu.Unlock()

	if wasArmed {
		d.log.WithComponent("deadman").WithFields(logger.Fields{"reason": reason}).Info("dead man's switch disarmed")
	}
	return wasArmed
}

// forceDisarm stops the schedule and clears the server-side countdown in the
// background. Used when the switch decides on its own that it can no longer
// maintain protection.
func (d *deadmanSwitch) forceDisarm(reason string) {
	if !d.disarm(reason) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.clear(ctx); err != nil {
			d.log.WithComponent("deadman").WithError(err).Warn("failed to clear countdown during forced disarm")
		}
	}()
}

// shutdown is the intentional-disconnect path: clear the countdown while the
// connection is still up, then stop the schedule.
func (d *deadmanSwitch) shutdown(ctx context.Context) {
	d.mu.Lock()
	armed := d.armed
	d.mu.Unlock()
	if !armed {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.clear(ctx); err != nil {
		d.log.WithComponent("deadman").WithError(err).Warn("failed to clear countdown on shutdown")
	}
	d.disarm("client disconnecting")
}

// isArmed reports whether the renewal schedule is live.
func (d *deadmanSwitch) isArmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

// onSystemState reacts to exchange status transitions. Renewing against a
// non-online exchange only burns the failure budget, so the switch clears the
// countdown and stops; the operator re-arms once trading resumes.
func (d *deadmanSwitch) onSystemState(state string) {
	if state == "online" {
		return
	}
	d.forceDisarm("exchange state " + state)
}

func (d *deadmanSwitch) loop(timeout time.Duration, stopCh chan struct{}) {
	ticker := time.NewTicker(renewCadence(timeout))
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			d.renewOnce(timeout, stopCh)
		}
	}
}

func (d *deadmanSwitch) renewOnce(timeout time.Duration, stopCh chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), renewCadence(timeout))
	err := d.renew(ctx, timeout)
	cancel()

	d.mu.Lock()
	if d.stopCh != stopCh {
		// a newer arm/disarm superseded this schedule
		d.mu.Unlock()
		return
	}
	if err == nil {
		d.failures = 0
		d.mu.Unlock()
		return
	}
	d.failures++
	failures := d.failures
	d.mu.Unlock()

	d.log.WithComponent("deadman").WithFields(logger.Fields{
		"failures": failures,
		"max":      deadmanMaxFailures,
	}).WithError(err).Warn("dead man's switch renewal failed")

	if failures >= deadmanMaxFailures {
		d.log.WithComponent("deadman").Error("dead man's switch renewal failing repeatedly, forcing disarm")
		d.forceDisarm("renewal failed repeatedly")
	}
}
