package models

import (
	"time"
)

// TaskStatus enumerates task lifecycle states persisted in Postgres.
const (
	StatusPending         = "pending"
	StatusInProgress      = "in_progress"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusPendingApproval = "pending_approval"
)

// Task is a unit of work routed through the decision engine and orchestrator.
// Status transitions: pending -> (pending_approval) -> in_progress -> completed|failed.
// Terminal status is set exactly once, by the executing agent's result.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`     // dotted namespace, e.g. "marketing.email.campaign"
	Priority    int            `json:"priority"` // 0..3, higher is more urgent
	Data        map[string]any `json:"data"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	AgentID     *string        `json:"agent_id,omitempty"`
	RequestedBy string         `json:"requested_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TaskResult is what an agent execution produces. Agent errors are folded
// into Success/Error rather than propagated, so callers never need to
// catch anything to learn a task failed.
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	AgentID     string         `json:"agent_id,omitempty"`
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Unassigned  bool           `json:"unassigned,omitempty"` // no registered agent could handle the task
	CompletedAt time.Time      `json:"completed_at"`
}

// RiskLevel is the ordinal risk classification driving approval policy.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; unknown levels rank highest so a typo in a rule
// fails toward more caution, not less.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 4
	}
}

// Valid reports whether r is one of the four defined levels.
func (r RiskLevel) Valid() bool {
	return r.Rank() < 4
}

// Condition operators.
const (
	OpAlways   = "always"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpEq       = "eq"
	OpNeq      = "neq"
	OpContains = "contains"
)

// RuleCondition is a structured predicate: a field path resolved against
// the task (data, metadata, priority) or historical context, an operator,
// and a threshold operand. OpAlways matches unconditionally.
type RuleCondition struct {
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// DecisionRule gates task types behind risk/approval policy. Rules are
// evaluated most-specific task type first, then declaration order; the
// first active match wins outright.
type DecisionRule struct {
	RuleID           string        `json:"rule_id"`
	TaskTypes        []string      `json:"task_types"` // exact types, "prefix.*", or "*"
	Condition        RuleCondition `json:"condition"`
	RiskLevel        RiskLevel     `json:"risk_level"`
	RequiresApproval bool          `json:"requires_approval"`
	Description      string        `json:"description,omitempty"`
	Active           bool          `json:"active"`
}

// DecisionAction is the outcome of evaluating a task.
type DecisionAction string

const (
	ActionAutoApprove     DecisionAction = "auto_approve"
	ActionRequestApproval DecisionAction = "request_approval"
	ActionReject          DecisionAction = "reject"
)

// Decision is the engine's verdict on a task.
type Decision struct {
	Action           DecisionAction `json:"action"`
	RiskLevel        RiskLevel      `json:"risk_level"`
	Confidence       float64        `json:"confidence"`
	RequiresApproval bool           `json:"requires_approval"`
	Reasoning        string         `json:"reasoning"`
	RuleID           string         `json:"rule_id,omitempty"`
	ApprovalID       string         `json:"approval_id,omitempty"`
}

// History summarizes prior outcomes for a task type, fed to the
// confidence heuristic and available to rule conditions under "history.".
type History struct {
	TotalTasks     int     `json:"total_tasks"`
	SuccessRate    float64 `json:"success_rate"` // 0..1, meaningful when TotalTasks > 0
	RecentFailures int     `json:"recent_failures"`
}

// ApprovalDecision is the human verdict on an approval record.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
	DecisionModified ApprovalDecision = "modified"
)

// Valid reports whether d is a recordable verdict (pending is the absence
// of a verdict, not a verdict).
func (d ApprovalDecision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionModified:
		return true
	}
	return false
}

// ApprovalRecord is a persisted request for a human decision on a gated
// task. Decision empty means pending; it is set at most once.
type ApprovalRecord struct {
	ID              string           `json:"id"`
	TaskID          string           `json:"task_id"`
	TaskType        string           `json:"task_type"`
	RequestedAction string           `json:"requested_action"`
	Reasoning       string           `json:"reasoning"`
	RiskLevel       RiskLevel        `json:"risk_level"`
	EstimatedImpact string           `json:"estimated_impact,omitempty"`
	Alternatives    []string         `json:"alternatives,omitempty"`
	Decision        ApprovalDecision `json:"decision,omitempty"`
	RespondedBy     string           `json:"responded_by,omitempty"`
	Feedback        string           `json:"feedback,omitempty"`
	Modifications   map[string]any   `json:"modifications,omitempty"`
	RequestedAt     time.Time        `json:"requested_at"`
	RespondedAt     *time.Time       `json:"responded_at,omitempty"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// Decided reports whether a human verdict has been recorded.
func (a ApprovalRecord) Decided() bool {
	return a.Decision != ""
}

// Expired reports whether the record is undecided and past its deadline.
func (a ApprovalRecord) Expired(now time.Time) bool {
	return !a.Decided() && a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}
