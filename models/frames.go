package models

import "encoding/json"

// Request is an outbound command frame. Commands that expect a reply carry a
// ReqID; the exchange echoes it in the matching response frame.
type Request struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
	ReqID  int64       `json:"req_id,omitempty"`
}

// Frame is the inbound tagged union. Exactly which fields are populated
// identifies the frame kind: Channel for market data and heartbeats, Method
// plus ReqID for command replies, a bare Error for connection-level error
// events.
type Frame struct {
	Event   string          `json:"event,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Type    string          `json:"type,omitempty"`
	Method  string          `json:"method,omitempty"`
	ReqID   int64           `json:"req_id,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsResponse reports whether the frame is a reply to a correlated command.
func (f *Frame) IsResponse() bool {
	return f.ReqID != 0 && f.Method != ""
}

// IsHeartbeat reports whether the frame is a liveness frame.
func (f *Frame) IsHeartbeat() bool {
	return f.Channel == "heartbeat" || f.Method == "pong"
}

// IsErrorEvent reports whether the frame is a connection-level error event,
// as opposed to a rejected command (which carries a ReqID).
func (f *Frame) IsErrorEvent() bool {
	return f.Error != "" && f.ReqID == 0 && f.Channel == ""
}

// Rejected reports whether a response frame carries an exchange-side error.
func (f *Frame) Rejected() bool {
	if f.Error != "" {
		return true
	}
	return f.Success != nil && !*f.Success
}

// SubscribeParams is the params payload of subscribe/unsubscribe requests.
type SubscribeParams struct {
	Channel      string   `json:"channel"`
	Symbol       []string `json:"symbol,omitempty"`
	Depth        int      `json:"depth,omitempty"`
	Snapshot     *bool    `json:"snapshot,omitempty"`
	EventTrigger string   `json:"event_trigger,omitempty"`
	Token        string   `json:"token,omitempty"`
}
