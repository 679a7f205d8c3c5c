package exchange

import (
	"sync"
	"time"
)

// heartbeatMonitor proves liveness of an open connection: every interval it
// sends a ping and arms a response timeout. Any inbound heartbeat clears the
// timeout; if the timeout fires the connection is declared dead. One monitor
// instance serves one connection; a reconnect gets a fresh monitor.
type heartbeatMonitor struct {
	interval time.Duration
	timeout  time.Duration

	send      func() error
	onDead    func(error)
	onLatency func(time.Duration)

	mu       sync.Mutex
	stopped  bool
	stopCh   chan struct{}
	deadline *time.Timer
	sentAt   time.Time
}

func newHeartbeatMonitor(interval, timeout time.Duration, send func() error, onDead func(error), onLatency func(time.Duration)) *heartbeatMonitor {
	return &heartbeatMonitor{
		interval:  interval,
		timeout:   timeout,
		send:      send,
		onDead:    onDead,
		onLatency: onLatency,
		stopCh:    make(chan struct{}),
	}
}

func (h *heartbeatMonitor) start() {
	go h.loop()
}

func (h *heartbeatMonitor) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.probe()
		}
	}
}

func (h *heartbeatMonitor) probe() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.sentAt = time.Now()
	if h.deadline == nil {
		h.deadline = time.AfterFunc(h.timeout, h.expire)
	} else {
		h.deadline.Reset(h.timeout)
	}
	h.mu.Unlock()

	if err := h.send(); err != nil {
		h.expireWith(err)
	}
}

// beat clears the pending response timeout. Called by the router on any
// inbound heartbeat frame.
func (h *heartbeatMonitor) beat() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	var latency time.Duration
	if h.deadline != nil && h.deadline.Stop() && !h.sentAt.IsZero() {
		latency = time.Since(h.sentAt)
	}
	h.mu.Unlock()

	if latency > 0 && h.onLatency != nil {
		h.onLatency(latency)
	}
}

func (h *heartbeatMonitor) expire() {
	h.expireWith(ErrHeartbeatTimeout)
}

func (h *heartbeatMonitor) expireWith(err error) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.stopCh)
	h.mu.Unlock()

	h.onDead(err)
}

// stop cancels all timers. Safe to call repeatedly and concurrently with
// expiry; whichever wins, the dead callback fires at most once.
func (h *heartbeatMonitor) stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	if h.deadline != nil {
		h.deadline.Stop()
	}
	close(h.stopCh)
	h.mu.Unlock()
}
