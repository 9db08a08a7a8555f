package domain

import (
	"errors"
	"time"
)

// CompletionToken is the idempotency guard for completion reports. A token
// is consumed at most once; replaying it is a recorded no-op, never an
// error. Tokens are persisted before the state transition they authorize
// and survive until garbage-collected well outside any retry window.
type CompletionToken struct {
	Token       string      `json:"token"`
	OperationID OperationID `json:"operation_id"`
	WorkOrderID WorkOrderID `json:"work_order_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

var (
	// ErrTokenSeen signals that a completion token was already consumed.
	// The scheduler treats it as "report the original outcome, touch
	// nothing".
	ErrTokenSeen = errors.New("completion token already consumed")

	ErrTokenNotFound = errors.New("completion token not found")
	ErrTokenRequired = errors.New("completion token required")
)
