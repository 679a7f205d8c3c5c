package exchange

import (
	"encoding/json"

	"orderflow/logger"
	"orderflow/models"
)

// routeFrame classifies one inbound frame and hands it to the right consumer.
// Precedence: heartbeats first, then connection-level error events, then
// tagged command responses, then channel data. Anything else is logged and
// dropped; a malformed frame never takes the connection down.
func (c *Client) routeFrame(data []byte) {
	var f models.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.WithComponent("router").WithError(err).Warn("dropping malformed frame")
		return
	}

	switch {
	case f.IsHeartbeat():
		c.mu.Lock()
		hb := c.heartbeat
		c.mu.Unlock()
		if hb != nil {
			hb.beat()
		}
		if f.Channel == "heartbeat" {
			// echo; a failed write surfaces through the next probe
			c.sendFrame(models.Request{Method: "ping"})
		}

	case f.IsErrorEvent():
		if containsRateLimitText(f.Error) {
			c.policy.noteRateLimit()
		}
		c.log.WithComponent("router").WithFields(logger.Fields{"error": f.Error}).Error("exchange error event")
		c.Streams.Status.Publish(models.StatusUpdate{
			State:     c.State(),
			System:    c.SystemState(),
			Error:     f.Error,
			LatencyMs: c.latencyMs.Load(),
		})

	case f.IsResponse():
		errMsg := ""
		if f.Rejected() {
			errMsg = f.Error
			if errMsg == "" {
				errMsg = "request failed"
			}
		}
		if !c.corr.resolve(f.ReqID, f.Result, errMsg) {
			c.log.WithComponent("router").WithFields(logger.Fields{
				"req_id": f.ReqID,
				"method": f.Method,
			}).Warn("response with no pending operation")
		}

	case f.Channel != "":
		c.routeChannelData(&f)

	default:
		c.log.WithComponent("router").WithFields(logger.Fields{
			"event":  f.Event,
			"method": f.Method,
		}).Debug("dropping unrecognized frame")
	}
}

// routeChannelData decodes channel payloads into typed events, publishes them
// on the matching stream and fans them out to registered callbacks.
func (c *Client) routeChannelData(f *models.Frame) {
	channel := ChannelKind(f.Channel)

	switch channel {
	case ChannelStatus:
		var updates []models.SystemStatus
		if !c.decodeData(f, &updates) {
			return
		}
		for _, u := range updates {
			c.setSystemState(u)
		}

	case ChannelTicker:
		var updates []models.TickerUpdate
		if !c.decodeData(f, &updates) {
			return
		}
		for _, u := range updates {
			u.Type = f.Type
			c.Streams.Ticker.Publish(u)
			c.Streams.Market.Publish(models.MarketUpdate{
				Symbol:    u.Symbol,
				Price:     u.Last,
				Volume:    u.Volume,
				High:      u.High,
				Low:       u.Low,
				ChangePct: u.ChangePct,
			})
		}

	case ChannelBook:
		var updates []models.BookUpdate
		if !c.decodeData(f, &updates) {
			return
		}
		for _, u := range updates {
			u.Type = f.Type
			c.Streams.Book.Publish(u)
		}

	case ChannelLevel3:
		var updates []models.Level3Update
		if !c.decodeData(f, &updates) {
			return
		}
		for _, u := range updates {
			u.Type = f.Type
			c.Streams.Level3.Publish(u)
		}

	case ChannelTrade:
		var updates []models.TradeUpdate
		if !c.decodeData(f, &updates) {
			return
		}
		for _, u := range updates {
			c.Streams.Trade.Publish(u)
		}

	case ChannelExecutions:
		var updates []models.ExecutionUpdate
		if !c.decodeData(f, &updates) {
			return
		}
		for _, u := range updates {
			c.Streams.Execution.Publish(u)
		}

	default:
		c.log.WithComponent("router").WithFields(logger.Fields{"channel": f.Channel}).Debug("data for unknown channel")
		return
	}

	c.reg.dispatch(channel, f.Type, f.Data)
}

func (c *Client) decodeData(f *models.Frame, v interface{}) bool {
	if len(f.Data) == 0 {
		return false
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		c.log.WithComponent("router").WithFields(logger.Fields{"channel": f.Channel}).WithError(err).Warn("dropping undecodable channel data")
		return false
	}
	return true
}
