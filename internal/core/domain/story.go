package domain

import (
	"errors"
	"time"
)

type StoryID string

type StoryStatus string

const (
	StoryStatusPending StoryStatus = "pending"
	StoryStatusRunning StoryStatus = "running"
	StoryStatusDone    StoryStatus = "done"
	StoryStatusFailed  StoryStatus = "failed"
)

// Story is one ordered sub-step inside a loop-type operation. Indices are
// contiguous per operation and processed strictly in order; a story never
// starts while an earlier one is not done.
type Story struct {
	ID          StoryID     `json:"id"`
	OperationID OperationID `json:"operation_id"`
	WorkOrderID WorkOrderID `json:"work_order_id"`
	StoryIndex  int         `json:"story_index"`
	StoryKey    string      `json:"story_key"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Acceptance  []string    `json:"acceptance"`
	Status      StoryStatus `json:"status"`
	Output      Payload     `json:"output,omitempty"`
	RetryCount  int         `json:"retry_count"`
	MaxRetries  int         `json:"max_retries"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// RetriesExhausted reports whether another retry would exceed the budget.
func (s *Story) RetriesExhausted() bool {
	return s.RetryCount > s.MaxRetries
}

var ErrStoryNotFound = errors.New("story not found")

// StorySeed is the declarative source a loop stage materializes its
// stories from: either the workflow stage's static seed list or the
// story plan emitted by the previous stage's completion output.
type StorySeed struct {
	Key         string   `json:"key" yaml:"key"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Acceptance  []string `json:"acceptance,omitempty" yaml:"acceptance,omitempty"`
	MaxRetries  int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}
