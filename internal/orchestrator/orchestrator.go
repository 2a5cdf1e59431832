// Package orchestrator routes tasks to capability-matched agents and
// escalates multi-step work to the plan runner.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orchestration-core/internal/models"
	"orchestration-core/internal/telemetry"
)

// Agent is the execution contract a worker declares to the orchestrator.
// Implementations live outside this core.
type Agent interface {
	ID() string
	SupportedTaskTypes() []string
	CanHandle(task models.Task) bool
	Execute(ctx context.Context, task models.Task) (models.TaskResult, error)
}

// AuditEntry snapshots a task around an execution attempt.
type AuditEntry struct {
	TaskID   string
	AgentID  string
	Phase    string // "assigned" or "finished"
	Status   string
	Success  bool
	Error    string
	Recorded time.Time
}

// Orchestrator owns agent registration and task assignment state. It
// never owns task content; a task goes in, a TaskResult comes out.
type Orchestrator struct {
	mu       sync.Mutex
	agents   []Agent
	audit    []AuditEntry
	closed   bool
	inflight sync.WaitGroup
	log      *slog.Logger
	clock    func() time.Time
}

// New returns an empty orchestrator.
func New(log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{log: log, clock: time.Now}
}

// RegisterAgent adds an agent. Registration order is assignment order.
func (o *Orchestrator) RegisterAgent(agent Agent) error {
	if agent == nil || agent.ID() == "" {
		return fmt.Errorf("orchestrator: agent must have an id")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("orchestrator: shut down")
	}
	for _, existing := range o.agents {
		if existing.ID() == agent.ID() {
			return fmt.Errorf("orchestrator: agent %q already registered", agent.ID())
		}
	}
	o.agents = append(o.agents, agent)
	return nil
}

// AssignAgent returns the first registered agent whose CanHandle accepts
// the task, or nil when none match. A nil return is a routing miss the
// caller must treat as a result, not an error.
func (o *Orchestrator) AssignAgent(task models.Task) Agent {
	o.mu.Lock()
	agents := make([]Agent, len(o.agents))
	copy(agents, o.agents)
	o.mu.Unlock()

	for _, agent := range agents {
		if agent.CanHandle(task) {
			return agent
		}
	}
	return nil
}

// Execute runs a task to a TaskResult. Complex tasks (flagged in
// metadata or carrying a multi-step plan) go through the plan runner;
// everything else is a single capability-matched agent call. Agent
// errors and panics are folded into the result, never propagated.
func (o *Orchestrator) Execute(ctx context.Context, task models.Task) models.TaskResult {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return failedResult(task.ID, "", "orchestrator is shutting down", o.clock())
	}
	o.inflight.Add(1)
	o.mu.Unlock()
	defer o.inflight.Done()

	if plan, ok := planFromTask(task); ok {
		return o.runPlan(ctx, task, plan)
	}
	return o.runSingle(ctx, task)
}

func (o *Orchestrator) runSingle(ctx context.Context, task models.Task) models.TaskResult {
	agent := o.AssignAgent(task)
	if agent == nil {
		telemetry.TasksUnassigned.Inc()
		o.log.Warn("no agent for task", "task_id", task.ID, "task_type", task.Type)
		res := failedResult(task.ID, "", fmt.Sprintf("no registered agent handles %q", task.Type), o.clock())
		res.Unassigned = true
		return res
	}

	o.record(AuditEntry{
		TaskID: task.ID, AgentID: agent.ID(), Phase: "assigned",
		Status: models.StatusInProgress, Recorded: o.clock(),
	})

	res := o.callAgent(ctx, agent, task)
	res.TaskID = task.ID
	res.AgentID = agent.ID()
	if res.CompletedAt.IsZero() {
		res.CompletedAt = o.clock()
	}

	status := models.StatusCompleted
	if !res.Success {
		status = models.StatusFailed
		telemetry.TasksFailed.Inc()
	} else {
		telemetry.TasksExecuted.Inc()
	}
	o.record(AuditEntry{
		TaskID: task.ID, AgentID: agent.ID(), Phase: "finished",
		Status: status, Success: res.Success, Error: res.Error, Recorded: o.clock(),
	})
	return res
}

// callAgent isolates the agent call: a returned error or a panic becomes
// a failed result.
func (o *Orchestrator) callAgent(ctx context.Context, agent Agent, task models.Task) (res models.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("agent panicked", "agent_id", agent.ID(), "task_id", task.ID, "panic", r)
			res = failedResult(task.ID, agent.ID(), fmt.Sprintf("agent panic: %v", r), o.clock())
		}
	}()
	res, err := agent.Execute(ctx, task)
	if err != nil {
		return failedResult(task.ID, agent.ID(), err.Error(), o.clock())
	}
	return res
}

// AuditTrail returns a copy of the recorded before/after entries.
func (o *Orchestrator) AuditTrail() []AuditEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]AuditEntry, len(o.audit))
	copy(out, o.audit)
	return out
}

// Shutdown refuses new work and waits for in-flight executions, up to
// ctx's deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: shutdown interrupted: %w", ctx.Err())
	}
}

func (o *Orchestrator) record(e AuditEntry) {
	o.mu.Lock()
	o.audit = append(o.audit, e)
	o.mu.Unlock()
}

func failedResult(taskID, agentID, msg string, now time.Time) models.TaskResult {
	return models.TaskResult{
		TaskID:      taskID,
		AgentID:     agentID,
		Success:     false,
		Error:       msg,
		CompletedAt: now,
	}
}
