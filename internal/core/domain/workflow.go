package domain

import "errors"

type WorkflowID string

// WorkflowConfig is an immutable workflow definition: an ordered list of
// stages plus the selection rules that route work orders to it. Loaded
// once at process start, never mutated by the scheduler.
type WorkflowConfig struct {
	ID          WorkflowID    `json:"id" yaml:"id"`
	Description string        `json:"description" yaml:"description"`
	Stages      []StageConfig `json:"stages" yaml:"stages"`
}

// StageConfig describes one stage of a workflow. Stories seeds a loop
// stage statically; a loop stage without seeds takes its story plan from
// the previous stage's completion output instead.
type StageConfig struct {
	Type       ExecType    `json:"type" yaml:"type"`
	Station    string      `json:"station" yaml:"station"` // target agent role
	MaxRetries int         `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Stories    []StorySeed `json:"stories,omitempty" yaml:"stories,omitempty"`
}

// SelectionRule routes work orders to a workflow. Rules are evaluated in
// declaration order; the first match wins, so broader rules must be
// declared after narrower ones.
type SelectionRule struct {
	ID            string     `json:"id" yaml:"id"`
	Priority      Priority   `json:"priority,omitempty" yaml:"priority,omitempty"`
	TagsAll       []string   `json:"tags_all,omitempty" yaml:"tags_all,omitempty"`
	TitleContains string     `json:"title_contains,omitempty" yaml:"title_contains,omitempty"`
	GoalContains  string     `json:"goal_contains,omitempty" yaml:"goal_contains,omitempty"`
	WorkflowID    WorkflowID `json:"workflow_id" yaml:"workflow_id"`
}

// SelectionInput is what the registry sees of a work order when routing it.
type SelectionInput struct {
	RequestedWorkflowID WorkflowID `json:"requested_workflow_id,omitempty"`
	Title               string     `json:"title"`
	GoalMD              string     `json:"goal_md"`
	Tags                []string   `json:"tags"`
	Priority            Priority   `json:"priority"`
}

// SelectionReason records why a workflow was chosen.
type SelectionReason string

const (
	SelectionExplicit SelectionReason = "explicit"
	SelectionRuleHit  SelectionReason = "rule"
	SelectionDefault  SelectionReason = "default"
)

// Selection is the registry's routing verdict.
type Selection struct {
	WorkflowID  WorkflowID      `json:"workflow_id"`
	Reason      SelectionReason `json:"reason"`
	MatchedRule string          `json:"matched_rule,omitempty"`
}

var (
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrRegistryLoad    = errors.New("workflow registry load failed")
)
