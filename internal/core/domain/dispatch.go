package domain

// CompletionStatus is the verdict an external agent reports back for a
// dispatched operation.
type CompletionStatus string

const (
	CompletionApproved  CompletionStatus = "approved"
	CompletionRejected  CompletionStatus = "rejected"
	CompletionVetoed    CompletionStatus = "vetoed"
	CompletionCompleted CompletionStatus = "completed"
)

// Valid reports whether the status is a known enum value. Anything else is
// a caller error, not a race to absorb.
func (s CompletionStatus) Valid() bool {
	switch s {
	case CompletionApproved, CompletionRejected, CompletionVetoed, CompletionCompleted:
		return true
	}
	return false
}

// Success reports whether the verdict advances the stage rather than
// retrying it.
func (s CompletionStatus) Success() bool {
	return s == CompletionApproved || s == CompletionCompleted
}

// CompletionReport is the payload of a completion callback.
type CompletionReport struct {
	Status    CompletionStatus `json:"status"`
	Output    Payload          `json:"output,omitempty"`
	Feedback  string           `json:"feedback,omitempty"`
	Artifacts []string         `json:"artifacts,omitempty"`
}

// AgentTask is what the dispatcher hands to an executing agent. The
// scheduler fills it from its own records and forwards Context untouched.
type AgentTask struct {
	WorkOrderID WorkOrderID `json:"work_order_id"`
	OperationID OperationID `json:"operation_id"`
	WorkflowID  WorkflowID  `json:"workflow_id"`
	StageIndex  int         `json:"stage_index"`
	Station     string      `json:"station"`
	Title       string      `json:"title"`
	GoalMD      string      `json:"goal_md"`
	Story       *Story      `json:"story,omitempty"` // set for loop stages
	Context     Payload     `json:"context,omitempty"`
}

// DispatchRequest asks the agent runtime to start or resume an execution
// context for one operation.
type DispatchRequest struct {
	OperationID OperationID `json:"operation_id"`
	SessionKey  string      `json:"session_key"`
	Task        AgentTask   `json:"task"`
	Context     Payload     `json:"context,omitempty"`
}

// DispatchResult identifies the agent session that picked the work up.
// SessionID may be empty when the runtime defers session creation.
type DispatchResult struct {
	SessionKey string `json:"session_key"`
	SessionID  string `json:"session_id,omitempty"`
}
