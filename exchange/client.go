package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"orderflow/config"
	"orderflow/internal/stream"
	"orderflow/logger"
	"orderflow/models"
)

// Connection states as reported on the status stream.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateTerminal     = "terminal"
)

// TokenProvider returns the authorization token for private channels and
// order commands. It is consulted per use so rotated tokens take effect
// without a restart.
type TokenProvider func(ctx context.Context) (string, error)

// EnvTokenProvider reads the token from an environment variable.
func EnvTokenProvider(name string) TokenProvider {
	return func(context.Context) (string, error) {
		return os.Getenv(name), nil
	}
}

// Streams are the client's public event outputs. Every stream is fan-out:
// each Subscribe call gets an independent buffered channel.
type Streams struct {
	Status    *stream.Stream[models.StatusUpdate]
	System    *stream.Stream[models.SystemStatus]
	Ticker    *stream.Stream[models.TickerUpdate]
	Market    *stream.Stream[models.MarketUpdate]
	Book      *stream.Stream[models.BookUpdate]
	Level3    *stream.Stream[models.Level3Update]
	Trade     *stream.Stream[models.TradeUpdate]
	Execution *stream.Stream[models.ExecutionUpdate]
}

// connectAttempt collapses concurrent Connect calls: the first caller runs
// the dial, everyone else waits on the same outcome.
type connectAttempt struct {
	done chan struct{}
	err  error
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return a.err
	}
}

// Client owns one persistent connection to the exchange and everything that
// rides on it: subscriptions, correlated order commands, heartbeat, the
// reconnect policy and the dead man's switch.
type Client struct {
	cfg    *config.Config
	log    *logger.Log
	dialer Dialer
	token  TokenProvider

	wsURL          string
	connectTimeout time.Duration
	writeTimeout   time.Duration

	corr    *correlator
	reg     *registry
	policy  *reconnectPolicy
	deadman *deadmanSwitch
	limiter *rate.Limiter

	Streams Streams

	mu           sync.Mutex
	conn         Conn
	epoch        uint64
	state        string
	attempt      *connectAttempt
	heartbeat    *heartbeatMonitor
	reconnecting bool
	intentional  bool
	closed       bool

	writeMu sync.Mutex

	execSubOnce sync.Once
	execSub     *Handle

	systemMu    sync.Mutex
	systemState string

	latencyMs atomic.Int64
}

// New builds a client from configuration. No network activity happens until
// Connect.
func New(cfg *config.Config, token TokenProvider) *Client {
	log := logger.GetLogger()
	buf := cfg.Streams.Buffer

	c := &Client{
		cfg:            cfg,
		log:            log,
		dialer:         &wsDialer{handshakeTimeout: time.Duration(cfg.Exchange.ConnectTimeoutMs) * time.Millisecond},
		token:          token,
		wsURL:          cfg.Exchange.WSURL,
		connectTimeout: time.Duration(cfg.Exchange.ConnectTimeoutMs) * time.Millisecond,
		writeTimeout:   time.Duration(cfg.Exchange.WriteTimeoutMs) * time.Millisecond,
		corr:           newCorrelator(log),
		policy:         newReconnectPolicy(cfg.Backoff),
		limiter:        rate.NewLimiter(rate.Limit(cfg.Orders.RateLimit.RequestsPerSecond), cfg.Orders.RateLimit.BurstSize),
		state:          StateDisconnected,
		systemState:    "unknown",
		Streams: Streams{
			Status:    stream.New[models.StatusUpdate]("status", buf),
			System:    stream.New[models.SystemStatus]("system", buf),
			Ticker:    stream.New[models.TickerUpdate]("ticker", buf),
			Market:    stream.New[models.MarketUpdate]("market", buf),
			Book:      stream.New[models.BookUpdate]("book", buf),
			Level3:    stream.New[models.Level3Update]("level3", buf),
			Trade:     stream.New[models.TradeUpdate]("trade", buf),
			Execution: stream.New[models.ExecutionUpdate]("execution", buf),
		},
	}
	c.reg = newRegistry(log, c.sendFrame, c.isOpen, c.tokenFor)
	c.deadman = newDeadmanSwitch(log, c.renewDeadman, c.clearDeadman)
	return c
}

func (c *Client) tokenFor(ctx context.Context) (string, error) {
	if c.token == nil {
		return "", nil
	}
	return c.token(ctx)
}

// Connect establishes the connection. It is idempotent while connected, and
// concurrent calls collapse onto a single dial attempt. The minimum
// inter-attempt interval from the reconnect policy is honored before dialing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.attempt != nil {
		a := c.attempt
		c.mu.Unlock()
		return a.wait(ctx)
	}
	a := &connectAttempt{done: make(chan struct{})}
	c.attempt = a
	c.state = StateConnecting
	c.intentional = false
	c.mu.Unlock()

	err := c.doConnect(ctx)

	c.mu.Lock()
	a.err = err
	c.attempt = nil
	c.mu.Unlock()
	close(a.done)
	return err
}

func (c *Client) doConnect(ctx context.Context) error {
	if hold := c.policy.holdoff(); hold > 0 {
		c.log.WithComponent("connection").WithFields(logger.Fields{"holdoff": hold.String()}).Info("waiting before connect attempt")
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected, ctx.Err())
			return ctx.Err()
		case <-time.After(hold):
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	start := time.Now()
	conn, err := c.dialer.Dial(dialCtx, c.wsURL)
	c.policy.markAttempt(err)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", ErrConnectTimeout, c.connectTimeout)
		}
		c.setState(StateDisconnected, err)
		c.log.WithComponent("connection").WithError(err).Error("connect attempt failed")
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.state = StateDisconnected
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.epoch++
	epoch := c.epoch
	c.state = StateConnected
	hb := newHeartbeatMonitor(
		time.Duration(c.cfg.Heartbeat.IntervalMs)*time.Millisecond,
		time.Duration(c.cfg.Heartbeat.TimeoutMs)*time.Millisecond,
		c.sendPing,
		func(err error) { c.handleDisconnect(epoch, err) },
		c.recordLatency,
	)
	c.heartbeat = hb
	c.mu.Unlock()

	hb.start()
	go c.readLoop(conn, epoch)

	c.log.WithComponent("connection").WithFields(logger.Fields{"url": c.wsURL}).Info("connected")
	logger.LogPerformanceEntry(c.log.WithComponent("connection"), "connection", "connect", time.Since(start), logger.Fields{"url": c.wsURL})
	c.publishStatus(StateConnected, nil)
	c.reg.resubscribeAll(ctx)
	return nil
}

func (c *Client) readLoop(conn Conn, epoch uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(epoch, err)
			return
		}
		logger.IncrementFrameRead(len(data))
		c.routeFrame(data)
	}
}

// handleDisconnect tears down the connection for the given epoch. A stale
// epoch means a newer connection already replaced this one and the event is
// ignored, so the read loop and heartbeat expiry cannot double-fire teardown.
func (c *Client) handleDisconnect(epoch uint64, cause error) {
	c.mu.Lock()
	if c.epoch != epoch || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	hb := c.heartbeat
	c.heartbeat = nil
	intentional := c.intentional
	closed := c.closed
	if intentional || closed {
		c.state = StateDisconnected
	} else {
		c.state = StateReconnecting
	}
	startReconnect := !intentional && !closed && !c.reconnecting
	if startReconnect {
		c.reconnecting = true
	}
	c.mu.Unlock()

	if hb != nil {
		hb.stop()
	}
	conn.Close()
	c.corr.failAll(ErrConnectionLost)

	if isRateLimited(cause) {
		c.policy.noteRateLimit()
		c.log.WithComponent("connection").Warn("exchange signalled rate limiting on close")
	}

	if intentional || closed {
		c.log.WithComponent("connection").Info("disconnected")
		c.publishStatus(StateDisconnected, nil)
		return
	}

	c.log.WithComponent("connection").WithError(cause).Warn("connection lost")
	c.publishStatus(StateReconnecting, cause)
	if startReconnect {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		stop := c.closed || c.intentional
		c.mu.Unlock()
		if stop {
			return
		}
		if c.policy.exhausted() {
			attempts, _, _ := c.policy.snapshot()
			c.log.WithComponent("connection").WithFields(logger.Fields{"attempts": attempts}).Error("reconnect attempts exhausted, giving up")
			c.setState(StateTerminal, ErrTooManyAttempts)
			c.policy.resetAttempts()
			return
		}

		delay := c.policy.nextDelay()
		c.log.WithComponent("connection").WithFields(logger.Fields{"delay": delay.String()}).Info("scheduling reconnect attempt")
		time.Sleep(delay)

		if err := c.Connect(context.Background()); err == nil {
			logger.IncrementReconnect()
			return
		}
	}
}

// Disconnect closes the connection deliberately: the server-side countdown
// is cleared while the link is still up, the status channel is unsubscribed,
// no reconnection is attempted, and calling it again or on a never-connected
// client is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.intentional = true
	conn := c.conn
	epoch := c.epoch
	c.mu.Unlock()

	if conn == nil {
		c.deadman.disarm("disconnect")
		return nil
	}

	c.deadman.shutdown(ctx)

	// best effort: the connection is going away regardless
	c.sendFrame(models.Request{
		Method: "unsubscribe",
		Params: models.SubscribeParams{Channel: string(ChannelStatus)},
	})

	conn.Close()
	c.handleDisconnect(epoch, nil)
	return nil
}

// Close shuts the client down for good. Subsequent Connect calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.Disconnect(context.Background())
}

// Subscribe registers interest in a channel. The same (channel, options)
// tuple is shared on the wire between all subscribers; channel data also
// flows to the typed stream for that channel regardless of callbacks.
func (c *Client) Subscribe(ctx context.Context, channel ChannelKind, opts SubscribeOptions, cb Callback) (*Handle, error) {
	if cb == nil {
		cb = func(string, json.RawMessage) {}
	}
	return c.reg.subscribe(ctx, channel, opts, cb)
}

func (c *Client) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// State returns the current connection state.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SystemState returns the last exchange-reported system status.
func (c *Client) SystemState() string {
	c.systemMu.Lock()
	defer c.systemMu.Unlock()
	return c.systemState
}

func (c *Client) setSystemState(status models.SystemStatus) {
	c.systemMu.Lock()
	changed := c.systemState != status.System
	c.systemState = status.System
	c.systemMu.Unlock()

	if changed {
		c.log.WithComponent("connection").WithFields(logger.Fields{"system": status.System}).Info("exchange system status changed")
	}
	c.deadman.onSystemState(status.System)
	c.Streams.System.Publish(status)
}

func (c *Client) setState(state string, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.publishStatus(state, err)
}

func (c *Client) publishStatus(state string, err error) {
	u := models.StatusUpdate{
		State:     state,
		System:    c.SystemState(),
		LatencyMs: c.latencyMs.Load(),
	}
	if err != nil {
		u.Error = err.Error()
	}
	c.Streams.Status.Publish(u)
}

func (c *Client) recordLatency(d time.Duration) {
	c.latencyMs.Store(d.Milliseconds())
	c.log.LogMetric("heartbeat", "HeartbeatLatencyMs", d.Milliseconds(), "gauge", nil)
}

func (c *Client) sendPing() error {
	return c.sendFrame(models.Request{Method: "ping"})
}

// sendFrame marshals and writes one request on the current connection.
func (c *Client) sendFrame(req models.Request) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", req.Method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s request: %w", req.Method, err)
	}
	logger.IncrementFrameSent(len(data))
	return nil
}

// sendWithRetry sends a frame, and on a disconnected client makes exactly one
// implicit connect-and-retry. A second failure is reported, never looped on.
func (c *Client) sendWithRetry(ctx context.Context, req models.Request) error {
	err := c.sendFrame(req)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotConnected) {
		return err
	}
	if cerr := c.Connect(ctx); cerr != nil {
		return fmt.Errorf("implicit connect for %s: %w", req.Method, cerr)
	}
	return c.sendFrame(req)
}

// Stats is a point-in-time snapshot of client health.
type Stats struct {
	State             string
	SystemState       string
	PendingOps        int
	Subscriptions     int
	ReconnectAttempts int
	MinInterval       time.Duration
	RateLimited       bool
	DeadmanArmed      bool
	HeartbeatLatency  time.Duration
}

func (c *Client) Stats() Stats {
	attempts, minInterval, rateLimited := c.policy.snapshot()
	return Stats{
		State:             c.State(),
		SystemState:       c.SystemState(),
		PendingOps:        c.corr.len(),
		Subscriptions:     c.reg.len(),
		ReconnectAttempts: attempts,
		MinInterval:       minInterval,
		RateLimited:       rateLimited,
		DeadmanArmed:      c.deadman.isArmed(),
		HeartbeatLatency:  time.Duration(c.latencyMs.Load()) * time.Millisecond,
	}
}
