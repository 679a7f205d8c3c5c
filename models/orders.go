package models

import "encoding/json"

// OrderRequest describes a single new order.
type OrderRequest struct {
	OrderType   string  `json:"order_type"`
	Side        string  `json:"side"`
	OrderQty    float64 `json:"order_qty"`
	Symbol      string  `json:"symbol"`
	LimitPrice  float64 `json:"limit_price,omitempty"`
	TimeInForce string  `json:"time_in_force,omitempty"`
	PostOnly    bool    `json:"post_only,omitempty"`
	ReduceOnly  bool    `json:"reduce_only,omitempty"`
	ClOrdID     string  `json:"cl_ord_id,omitempty"`
}

// EditRequest amends the price and/or quantity of a resting order.
type EditRequest struct {
	OrderID    string  `json:"order_id"`
	Symbol     string  `json:"symbol"`
	OrderQty   float64 `json:"order_qty,omitempty"`
	LimitPrice float64 `json:"limit_price,omitempty"`
}

// BatchOrder is one entry of a batch add. Batch entries are always limit
// orders; the shared symbol lives on the batch request.
type BatchOrder struct {
	OrderType  string  `json:"order_type"`
	Side       string  `json:"side"`
	OrderQty   float64 `json:"order_qty"`
	LimitPrice float64 `json:"limit_price"`
	ClOrdID    string  `json:"cl_ord_id,omitempty"`
}

// BatchAddRequest places 2-15 limit orders on one symbol in a single command.
type BatchAddRequest struct {
	Symbol   string       `json:"symbol"`
	Orders   []BatchOrder `json:"orders"`
	Deadline string       `json:"deadline,omitempty"`
	Validate bool         `json:"validate"`
}

// OrderResult is the resolved outcome of a correlated order command. For the
// two batch commands Err may be non-empty while the result still contains
// accepted sub-orders; callers inspect Raw per order in that case.
type OrderResult struct {
	Method string          `json:"method"`
	Raw    json.RawMessage `json:"result,omitempty"`
	Err    string          `json:"error,omitempty"`
}

// OrderAck is the minimal decoded result of a single-order command.
type OrderAck struct {
	OrderID string `json:"order_id"`
	ClOrdID string `json:"cl_ord_id,omitempty"`
	Status  string `json:"order_status,omitempty"`
}

// Ack decodes the raw result as a single-order acknowledgement.
func (r *OrderResult) Ack() (OrderAck, error) {
	var ack OrderAck
	err := json.Unmarshal(r.Raw, &ack)
	return ack, err
}
