package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"orderflow/logger"
	"orderflow/models"
)

const (
	batchAddMin    = 2
	batchAddMax    = 15
	batchCancelMin = 2
	batchCancelMax = 50

	defaultBatchDeadline = 60 * time.Second
)

type addOrderParams struct {
	models.OrderRequest
	Token string `json:"token,omitempty"`
}

type amendOrderParams struct {
	models.EditRequest
	Token string `json:"token,omitempty"`
}

type cancelOrderParams struct {
	OrderID string `json:"order_id"`
	Token   string `json:"token,omitempty"`
}

type cancelAllParams struct {
	Token string `json:"token,omitempty"`
}

type batchAddParams struct {
	models.BatchAddRequest
	Token string `json:"token,omitempty"`
}

type batchCancelParams struct {
	Orders []string `json:"orders"`
	Token  string   `json:"token,omitempty"`
}

type cancelAfterParams struct {
	Timeout int    `json:"timeout"`
	Token   string `json:"token,omitempty"`
}

// PlaceOrder submits a single order and waits for the tagged acknowledgement.
// The ack only confirms acceptance; fills and terminal states arrive later on
// the executions channel.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}
	return c.execute(ctx, opAddOrder, func(token string) interface{} {
		return addOrderParams{OrderRequest: req, Token: token}
	})
}

// EditOrder amends the price and/or quantity of a resting order.
func (c *Client) EditOrder(ctx context.Context, req models.EditRequest) (*models.OrderResult, error) {
	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", ErrInvalidOrder)
	}
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if req.OrderQty <= 0 && req.LimitPrice <= 0 {
		return nil, fmt.Errorf("%w: amend must change order_qty or limit_price", ErrInvalidOrder)
	}
	return c.execute(ctx, opAmendOrder, func(token string) interface{} {
		return amendOrderParams{EditRequest: req, Token: token}
	})
}

// CancelOrder cancels one resting order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", ErrInvalidOrder)
	}
	return c.execute(ctx, opCancelOrder, func(token string) interface{} {
		return cancelOrderParams{OrderID: orderID, Token: token}
	})
}

// CancelAllOrders cancels every open order on the account.
func (c *Client) CancelAllOrders(ctx context.Context) (*models.OrderResult, error) {
	return c.execute(ctx, opCancelAll, func(token string) interface{} {
		return cancelAllParams{Token: token}
	})
}

// BatchAddOrders places 2-15 limit orders on one symbol in a single command.
// A batch can succeed partially: the returned result may carry both accepted
// orders and an error string, and is never converted to a rejection.
func (c *Client) BatchAddOrders(ctx context.Context, req models.BatchAddRequest) (*models.OrderResult, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if n := len(req.Orders); n < batchAddMin || n > batchAddMax {
		return nil, fmt.Errorf("%w: batch_add takes %d-%d orders, got %d", ErrInvalidOrder, batchAddMin, batchAddMax, n)
	}
	for i, o := range req.Orders {
		if o.OrderType != "limit" {
			return nil, fmt.Errorf("%w: batch order %d: only limit orders allowed in batch_add", ErrInvalidOrder, i)
		}
		if o.Side != "buy" && o.Side != "sell" {
			return nil, fmt.Errorf("%w: batch order %d: side must be buy or sell", ErrInvalidOrder, i)
		}
		if o.OrderQty <= 0 {
			return nil, fmt.Errorf("%w: batch order %d: order_qty must be positive", ErrInvalidOrder, i)
		}
		if o.LimitPrice <= 0 {
			return nil, fmt.Errorf("%w: batch order %d: limit_price must be positive", ErrInvalidOrder, i)
		}
	}
	if req.Deadline == "" {
		req.Deadline = time.Now().UTC().Add(defaultBatchDeadline).Format(time.RFC3339)
	}
	return c.execute(ctx, opBatchAdd, func(token string) interface{} {
		return batchAddParams{BatchAddRequest: req, Token: token}
	})
}

// BatchCancelOrders cancels 2-50 orders by id in a single command. Like
// BatchAddOrders it resolves with a per-order error string on partial failure.
func (c *Client) BatchCancelOrders(ctx context.Context, orderIDs []string) (*models.OrderResult, error) {
	if n := len(orderIDs); n < batchCancelMin || n > batchCancelMax {
		return nil, fmt.Errorf("%w: batch_cancel takes %d-%d order ids, got %d", ErrInvalidOrder, batchCancelMin, batchCancelMax, n)
	}
	for i, id := range orderIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: batch cancel entry %d: empty order id", ErrInvalidOrder, i)
		}
	}
	return c.execute(ctx, opBatchCancel, func(token string) interface{} {
		return batchCancelParams{Orders: orderIDs, Token: token}
	})
}

// SetCancelAllOrdersAfter sets the server-side cancel-on-timeout countdown.
// A positive timeout arms the dead man's switch renewal schedule; a zero
// timeout clears the countdown and disarms it. The schedule stops on a zero
// timeout even when the clear cannot be delivered.
func (c *Client) SetCancelAllOrdersAfter(ctx context.Context, timeout time.Duration) (*models.OrderResult, error) {
	if timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidOrder)
	}
	seconds := int(timeout / time.Second)
	if timeout > 0 && seconds == 0 {
		return nil, fmt.Errorf("%w: timeout below one second", ErrInvalidOrder)
	}

	result, err := c.sendCancelAfter(ctx, seconds)
	if seconds == 0 {
		// a failed wire clear still stops the renewal schedule
		if c.deadman.disarm("cleared by caller") && err != nil {
			c.log.WithComponent("orders").WithError(err).Warn("countdown clear not delivered, renewal schedule stopped anyway")
		}
	}
	if err != nil {
		return nil, err
	}
	if seconds > 0 {
		c.deadman.arm(timeout)
	}
	return result, nil
}

// renewDeadman refreshes the countdown without touching the renewal schedule.
func (c *Client) renewDeadman(ctx context.Context, timeout time.Duration) error {
	_, err := c.sendCancelAfter(ctx, int(timeout/time.Second))
	return err
}

// clearDeadman zeroes the countdown on behalf of the switch itself.
func (c *Client) clearDeadman(ctx context.Context) error {
	_, err := c.sendCancelAfter(ctx, 0)
	return err
}

func (c *Client) sendCancelAfter(ctx context.Context, seconds int) (*models.OrderResult, error) {
	return c.execute(ctx, opCancelAllAfter, func(token string) interface{} {
		return cancelAfterParams{Timeout: seconds, Token: token}
	})
}

func validateOrder(req models.OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if req.Side != "buy" && req.Side != "sell" {
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	}
	if req.OrderQty <= 0 {
		return fmt.Errorf("%w: order_qty must be positive", ErrInvalidOrder)
	}
	switch req.OrderType {
	case "limit":
		if req.LimitPrice <= 0 {
			return fmt.Errorf("%w: limit order requires a positive limit_price", ErrInvalidOrder)
		}
	case "market":
		if req.LimitPrice != 0 {
			return fmt.Errorf("%w: market order must not set limit_price", ErrInvalidOrder)
		}
		if req.PostOnly {
			return fmt.Errorf("%w: post_only is only valid on limit orders", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: order_type must be limit or market", ErrInvalidOrder)
	}
	return nil
}

// execute runs one correlated command end to end: implicit executions
// subscription, rate limiting, correlation tracking, send with a single
// implicit reconnect, then waiting for the tagged response.
func (c *Client) execute(ctx context.Context, kind opKind, params func(token string) interface{}) (*models.OrderResult, error) {
	token, err := c.tokenFor(ctx)
	if err != nil {
		return nil, fmt.Errorf("token provider: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("%s: %w", kind, ErrTokenRequired)
	}

	c.ensureExecutionsSub(ctx)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	op := c.corr.track(kind)
	req := models.Request{Method: string(kind), Params: params(token), ReqID: op.id}

	logger.IncrementOrderSent()
	if err := c.sendWithRetry(ctx, req); err != nil {
		c.corr.discard(op.id)
		return nil, err
	}

	raw, errMsg, err := op.wait(ctx)
	if err != nil {
		c.corr.discard(op.id)
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	result := &models.OrderResult{Method: string(kind), Raw: raw, Err: errMsg}
	if errMsg != "" && kind != opBatchAdd && kind != opBatchCancel {
		return nil, &CommandError{Method: string(kind), Message: errMsg}
	}
	return result, nil
}

// ensureExecutionsSub subscribes to the executions channel the first time an
// order command goes out, so confirmations are never missed. Failure to
// subscribe is logged but does not block the order.
func (c *Client) ensureExecutionsSub(ctx context.Context) {
	c.execSubOnce.Do(func() {
		h, err := c.reg.subscribe(ctx, ChannelExecutions, SubscribeOptions{}, func(string, json.RawMessage) {})
		if err != nil {
			c.log.WithComponent("orders").WithError(err).Warn("implicit executions subscription failed")
			return
		}
		c.execSub = h
	})
}
