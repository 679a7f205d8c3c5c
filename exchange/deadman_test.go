package exchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"orderflow/logger"
)

func TestRenewCadence(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{30 * time.Second, 15 * time.Second},
		{45 * time.Second, 15 * time.Second},
		{60 * time.Second, 20 * time.Second},
		{90 * time.Second, 30 * time.Second},
		{5 * time.Minute, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := renewCadence(tt.timeout); got != tt.want {
			t.Errorf("renewCadence(%s) = %s, want %s", tt.timeout, got, tt.want)
		}
	}
}

func noRenew(context.Context, time.Duration) error { return nil }
func noClear(context.Context) error                { return nil }

func TestDeadmanArmDisarm(t *testing.T) {
	d := newDeadmanSwitch(logger.GetLogger(), noRenew, noClear)

	if d.isArmed() {
		t.Fatal("armed before arm")
	}
	d.arm(time.Minute)
	if !d.isArmed() {
		t.Fatal("not armed after arm")
	}
	if !d.disarm("test") {
		t.Fatal("disarm did not report the armed schedule")
	}
	if d.isArmed() {
		t.Fatal("still armed after disarm")
	}
	// disarm again must be a quiet no-op
	if d.disarm("test") {
		t.Fatal("second disarm reported an armed schedule")
	}
}

func TestDeadmanForcedDisarmAfterRepeatedFailures(t *testing.T) {
	var renews, clears atomic.Int32
	d := newDeadmanSwitch(logger.GetLogger(),
		func(context.Context, time.Duration) error {
			renews.Add(1)
			return errors.New("send failed")
		},
		func(context.Context) error {
			clears.Add(1)
			return nil
		})

	d.arm(time.Minute)
	d.mu.Lock()
	stopCh := d.stopCh
	d.mu.Unlock()

	for i := 0; i < deadmanMaxFailures; i++ {
		d.renewOnce(time.Minute, stopCh)
	}

	if d.isArmed() {
		t.Fatal("still armed after repeated renewal failures")
	}
	if got := renews.Load(); got != deadmanMaxFailures {
		t.Errorf("renew calls = %d, want %d", got, deadmanMaxFailures)
	}
	waitFor(t, time.Second, func() bool { return clears.Load() == 1 })

	d.mu.Lock()
	failures := d.failures
	d.mu.Unlock()
	if failures != 0 {
		t.Errorf("failure counter = %d after disarm, want 0", failures)
	}
}

func TestDeadmanSuccessResetsFailureCount(t *testing.T) {
	var fail atomic.Bool
	d := newDeadmanSwitch(logger.GetLogger(),
		func(context.Context, time.Duration) error {
			if fail.Load() {
				return errors.New("send failed")
			}
			return nil
		},
		noClear)

	d.arm(time.Minute)
	d.mu.Lock()
	stopCh := d.stopCh
	d.mu.Unlock()

	fail.Store(true)
	d.renewOnce(time.Minute, stopCh)
	d.renewOnce(time.Minute, stopCh)
	fail.Store(false)
	d.renewOnce(time.Minute, stopCh)

	d.mu.Lock()
	failures := d.failures
	d.mu.Unlock()
	if failures != 0 {
		t.Errorf("failure counter = %d after success, want 0", failures)
	}
	if !d.isArmed() {
		t.Error("disarmed despite recovery before the failure budget")
	}
	d.disarm("test")
}

func TestDeadmanDisarmsWhenExchangeNotOnline(t *testing.T) {
	var clears atomic.Int32
	d := newDeadmanSwitch(logger.GetLogger(), noRenew, func(context.Context) error {
		clears.Add(1)
		return nil
	})

	d.arm(time.Minute)
	d.onSystemState("online")
	if !d.isArmed() {
		t.Fatal("disarmed on online state")
	}
	d.onSystemState("cancel_only")
	if d.isArmed() {
		t.Fatal("still armed after exchange left online state")
	}
	waitFor(t, time.Second, func() bool { return clears.Load() == 1 })

	// state updates while disarmed are no-ops
	d.onSystemState("maintenance")
	time.Sleep(10 * time.Millisecond)
	if got := clears.Load(); got != 1 {
		t.Errorf("clears = %d, want 1 (no clear while disarmed)", got)
	}
}

func TestDeadmanShutdownClearsCountdown(t *testing.T) {
	var clears atomic.Int32
	d := newDeadmanSwitch(logger.GetLogger(), noRenew, func(context.Context) error {
		clears.Add(1)
		return nil
	})

	d.shutdown(context.Background())
	if got := clears.Load(); got != 0 {
		t.Fatalf("clears = %d on an unarmed switch, want 0", got)
	}

	d.arm(time.Minute)
	d.shutdown(context.Background())
	if got := clears.Load(); got != 1 {
		t.Errorf("clears = %d, want 1", got)
	}
	if d.isArmed() {
		t.Error("still armed after shutdown")
	}
}

func TestDeadmanStaleScheduleIgnored(t *testing.T) {
	d := newDeadmanSwitch(logger.GetLogger(),
		func(context.Context, time.Duration) error { return errors.New("send failed") },
		noClear)

	d.arm(time.Minute)
	d.mu.Lock()
	oldStop := d.stopCh
	d.mu.Unlock()

	d.arm(2 * time.Minute) // supersedes the first schedule

	for i := 0; i < deadmanMaxFailures; i++ {
		d.renewOnce(time.Minute, oldStop)
	}
	if !d.isArmed() {
		t.Fatal("stale schedule results disarmed the live schedule")
	}
	d.disarm("test")
}
