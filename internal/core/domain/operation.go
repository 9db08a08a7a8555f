package domain

import (
	"errors"
	"time"
)

type OperationID string

type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusClaimed    OperationStatus = "claimed"
	OperationStatusRunning    OperationStatus = "running"
	OperationStatusAwaiting   OperationStatus = "awaiting_completion"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
	OperationStatusStale      OperationStatus = "stale"
	OperationStatusSuperseded OperationStatus = "superseded"
)

// ExecType tags how a stage executes: one agent session, or an ordered
// loop of stories.
type ExecType string

const (
	ExecTypeSingle ExecType = "single"
	ExecTypeLoop   ExecType = "loop"
)

// DefaultMaxRetries is the per-operation and per-story retry budget when
// the workflow stage does not override it.
const DefaultMaxRetries = 2

// Operation is one stage-attempt of a work order's workflow. It is the
// unit that gets claimed and dispatched; rows are kept forever as audit
// history.
type Operation struct {
	ID             OperationID     `json:"id"`
	WorkOrderID    WorkOrderID     `json:"work_order_id"`
	WorkflowID     WorkflowID      `json:"workflow_id"`
	StageIndex     int             `json:"stage_index"`
	ExecType       ExecType        `json:"exec_type"`
	LoopConfig     Payload         `json:"loop_config,omitempty"`
	CurrentStoryID *StoryID        `json:"current_story_id,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	ClaimedBy      *string         `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time      `json:"claim_expires_at,omitempty"`
	LastClaimedAt  *time.Time      `json:"last_claimed_at,omitempty"`
	TimeoutCount   int             `json:"timeout_count"`
	Status         OperationStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Active reports whether the operation still occupies its work order's
// single execution slot.
func (o *Operation) Active() bool {
	switch o.Status {
	case OperationStatusCompleted, OperationStatusFailed, OperationStatusSuperseded:
		return false
	}
	return true
}

// ClaimExpired reports whether the lease, if any, has lapsed at the
// given instant.
func (o *Operation) ClaimExpired(now time.Time) bool {
	return o.ClaimExpiresAt != nil && o.ClaimExpiresAt.Before(now)
}

// RetriesExhausted reports whether another retry would exceed the budget.
func (o *Operation) RetriesExhausted() bool {
	return o.RetryCount > o.MaxRetries
}

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrInvalidStatus     = errors.New("invalid completion status")
	ErrClaimNotAcquired  = errors.New("claim not acquired")
)
