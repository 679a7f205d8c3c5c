package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionLost   = errors.New("connection lost before response")
	ErrConnectTimeout   = errors.New("connect attempt timed out")
	ErrTooManyAttempts  = errors.New("reconnect attempts exhausted")
	ErrHeartbeatTimeout = errors.New("no heartbeat response")
	ErrTokenRequired    = errors.New("authentication token required")
	ErrAlreadyClosed    = errors.New("client closed")
	ErrInvalidOrder     = errors.New("invalid order request")
)

// CommandError is an exchange-side rejection of a single correlated command.
// Only the operation whose req_id the rejection names fails; the connection
// stays up.
type CommandError struct {
	Method  string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Method, e.Message)
}

// isRateLimited classifies a disconnect cause as a throttling signal so the
// backoff policy can escalate. Both close codes and error text are checked
// since the exchange reports throttling either way.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseTryAgainLater || ce.Code == 429 || ce.Code == 4029 {
			return true
		}
		if containsRateLimitText(ce.Text) {
			return true
		}
	}
	return containsRateLimitText(err.Error())
}

func containsRateLimitText(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "429")
}
