package pipeline

// Bus topics the task pipeline publishes and consumes. Dot-namespaced;
// the same string doubles as the durable stream key (prefixed by the
// transport).
const (
	TopicTaskCreated   = "task.created"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"

	TopicApprovalRequested = "approval.requested"
	TopicApprovalDecided   = "approval.decided"
	TopicApprovalEscalated = "approval.escalated"
)

// TaskResultEvent is the payload published on task.completed/task.failed.
type TaskResultEvent struct {
	TaskID  string         `json:"task_id"`
	AgentID string         `json:"agent_id,omitempty"`
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ApprovalRequestedEvent is published when the decision engine gates a
// task behind human approval.
type ApprovalRequestedEvent struct {
	ApprovalID string `json:"approval_id"`
	TaskID     string `json:"task_id"`
	TaskType   string `json:"task_type"`
	RiskLevel  string `json:"risk_level"`
	Reasoning  string `json:"reasoning"`
}

// ApprovalDecidedEvent re-enters the pipeline when a human responds.
type ApprovalDecidedEvent struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
	DecidedBy  string `json:"decided_by"`
}
