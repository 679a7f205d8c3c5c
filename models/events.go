package models

import "time"

// StatusUpdate is published on the status stream whenever the connection
// state, the exchange-side system state, or the measured latency changes.
type StatusUpdate struct {
	State     string `json:"state"`
	System    string `json:"system,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// SystemStatus is the data payload of the exchange status channel.
type SystemStatus struct {
	System       string `json:"system"`
	APIVersion   string `json:"api_version,omitempty"`
	ConnectionID uint64 `json:"connection_id,omitempty"`
	Version      string `json:"version,omitempty"`
}

// TickerUpdate carries the full ticker fields for one symbol.
type TickerUpdate struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	BidQty    float64 `json:"bid_qty"`
	Ask       float64 `json:"ask"`
	AskQty    float64 `json:"ask_qty"`
	Last      float64 `json:"last"`
	Volume    float64 `json:"volume"`
	VWAP      float64 `json:"vwap"`
	Low       float64 `json:"low"`
	High      float64 `json:"high"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
	Type      string  `json:"-"` // snapshot or update
}

// MarketUpdate is the condensed per-symbol view derived from ticker data.
type MarketUpdate struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	ChangePct float64 `json:"change_pct"`
}

// BookLevel is one price level of an L2 order book.
type BookLevel struct {
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// BookUpdate is an L2 order book snapshot or delta for one symbol.
type BookUpdate struct {
	Symbol   string      `json:"symbol"`
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
	Checksum uint32      `json:"checksum,omitempty"`
	Type     string      `json:"-"` // snapshot or update
}

// Level3Order is one resting order of an L3 book.
type Level3Order struct {
	OrderID    string    `json:"order_id"`
	LimitPrice float64   `json:"limit_price"`
	OrderQty   float64   `json:"order_qty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
	Event      string    `json:"event,omitempty"`
}

// Level3Update is a per-order book snapshot or delta for one symbol.
type Level3Update struct {
	Symbol string        `json:"symbol"`
	Bids   []Level3Order `json:"bids"`
	Asks   []Level3Order `json:"asks"`
	Type   string        `json:"-"` // snapshot or update
}

// TradeUpdate is one public trade.
type TradeUpdate struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	Side      string    `json:"side"`
	OrdType   string    `json:"ord_type,omitempty"`
	TradeID   int64     `json:"trade_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ExecutionUpdate is one own-order execution event. Execution confirmations
// for order commands arrive asynchronously on the executions channel, not in
// the command's direct response.
type ExecutionUpdate struct {
	OrderID     string    `json:"order_id"`
	ExecType    string    `json:"exec_type,omitempty"`
	OrderStatus string    `json:"order_status"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}
