package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type WorkOrderID string

type WorkOrderStatus string

const (
	WorkOrderStatusCreated   WorkOrderStatus = "created"
	WorkOrderStatusRunning   WorkOrderStatus = "running"
	WorkOrderStatusBlocked   WorkOrderStatus = "blocked"
	WorkOrderStatusCompleted WorkOrderStatus = "completed"
	WorkOrderStatusFailed    WorkOrderStatus = "failed"
)

// Reserved work-order codes. Sentinel orders carry conversation/system
// context but never execute a workflow.
const (
	CodeSystem  = "system"
	CodeConsole = "console"
)

type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Rank orders priorities for queue scans: lower rank schedules first.
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	default:
		return 3
	}
}

// Payload is an opaque JSON document the scheduler stores and forwards
// without interpreting. Stage-specific semantics live with the agents.
type Payload = json.RawMessage

// WorkOrder is the top-level unit of requested outcome. It progresses
// through one workflow's stages to completion or failure.
type WorkOrder struct {
	ID         WorkOrderID     `json:"id"`
	Code       string          `json:"code"`
	Title      string          `json:"title"`
	GoalMD     string          `json:"goal_md"`
	Priority   Priority        `json:"priority"`
	Owner      string          `json:"owner"`
	Tags       []string        `json:"tags"`
	WorkflowID WorkflowID      `json:"workflow_id"`
	Status     WorkOrderStatus `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Sentinel reports whether this order is one of the reserved codes that
// must never be scheduled.
func (w *WorkOrder) Sentinel() bool {
	return w.Code == CodeSystem || w.Code == CodeConsole
}

// Terminal reports whether the order reached a final state.
func (w *WorkOrder) Terminal() bool {
	return w.Status == WorkOrderStatusCompleted || w.Status == WorkOrderStatusFailed
}

// HasTag reports whether the order carries the given tag.
func (w *WorkOrder) HasTag(tag string) bool {
	for _, t := range w.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

var (
	ErrWorkOrderNotFound = errors.New("work order not found")
	ErrSentinelWorkOrder = errors.New("sentinel work orders cannot be scheduled")
	ErrAlreadyRunning    = errors.New("work order already has an active operation")
)
