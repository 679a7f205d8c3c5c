package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"orderflow/logger"
)

// opKind is the wire method of a correlated command.
type opKind string

const (
	opAddOrder       opKind = "add_order"
	opAmendOrder     opKind = "amend_order"
	opCancelOrder    opKind = "cancel_order"
	opCancelAll      opKind = "cancel_all"
	opBatchAdd       opKind = "batch_add"
	opBatchCancel    opKind = "batch_cancel"
	opCancelAllAfter opKind = "cancel_all_orders_after"
)

// pendingOp is one in-flight command awaiting its tagged response. Resolution
// happens at most once; later attempts are logged no-ops.
type pendingOp struct {
	id      int64
	kind    opKind
	created time.Time

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	errMsg string
	err    error
}

func (op *pendingOp) complete(result json.RawMessage, errMsg string, err error) bool {
	resolved := false
	op.once.Do(func() {
		op.result = result
		op.errMsg = errMsg
		op.err = err
		close(op.done)
		resolved = true
	})
	return resolved
}

// wait blocks until the operation resolves or the context ends. On
// resolution it returns the raw result and the exchange-reported error text;
// err is non-nil only for local failures (context, connection lost).
func (op *pendingOp) wait(ctx context.Context) (json.RawMessage, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-op.done:
		return op.result, op.errMsg, op.err
	}
}

// correlator allocates correlation ids and owns the pending-operation map.
// Ids increase monotonically and are never reused while an operation with
// that id is pending.
type correlator struct {
	log *logger.Log

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingOp
}

func newCorrelator(log *logger.Log) *correlator {
	return &correlator{
		log:     log,
		pending: make(map[int64]*pendingOp),
	}
}

// track allocates a fresh id and registers a pending operation for it.
func (c *correlator) track(kind opKind) *pendingOp {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	op := &pendingOp{
		id:      c.nextID,
		kind:    kind,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	c.pending[op.id] = op
	return op
}

// resolve completes the operation registered under id, if any.
func (c *correlator) resolve(id int64, result json.RawMessage, errMsg string) bool {
	c.mu.Lock()
	op, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if !op.complete(result, errMsg, nil) {
		c.log.WithComponent("correlator").WithFields(logger.Fields{"req_id": id}).Warn("duplicate resolution for pending operation")
	}
	logger.IncrementOrderResolved()
	return true
}

// discard removes a registration whose command was never sent.
func (c *correlator) discard(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAll rejects every pending operation. Called the moment the connection
// leaves the open state so callers are never left waiting on a dead socket.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	ops := make([]*pendingOp, 0, len(c.pending))
	for _, op := range c.pending {
		ops = append(ops, op)
	}
	c.pending = make(map[int64]*pendingOp)
	c.mu.Unlock()

	for _, op := range ops {
		op.complete(nil, "", err)
	}
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
