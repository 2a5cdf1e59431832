// Package pipeline wires the task flow: incoming tasks through the
// decision engine, gated ones into the approval queue, cleared ones to
// the orchestrator, results back onto the bus.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"orchestration-core/internal/approval"
	"orchestration-core/internal/bus"
	"orchestration-core/internal/decision"
	"orchestration-core/internal/envelope"
	"orchestration-core/internal/models"
	"orchestration-core/internal/orchestrator"
)

// HistorySource supplies per-type execution history to the decision
// engine. The store implements it; tests use a stub.
type HistorySource interface {
	TaskHistory(ctx context.Context, taskType string) (models.History, error)
}

// TaskSink persists task state transitions as the pipeline moves a task
// along. Optional: a nil sink keeps the pipeline purely event-driven.
type TaskSink interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string, agentID *string) error
	RecordTaskResult(ctx context.Context, res models.TaskResult) error
}

// Coordinator subscribes to the pipeline topics and drives tasks from
// creation to a terminal result event.
type Coordinator struct {
	bus       *bus.Bus
	engine    *decision.Engine
	approvals approval.Queue
	orch      *orchestrator.Orchestrator
	history   HistorySource
	sink      TaskSink
	log       *slog.Logger
}

// New builds a coordinator. history may be nil (empty history is used);
// sink may be nil.
func New(b *bus.Bus, engine *decision.Engine, approvals approval.Queue, orch *orchestrator.Orchestrator, history HistorySource, sink TaskSink, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		bus:       b,
		engine:    engine,
		approvals: approvals,
		orch:      orch,
		history:   history,
		sink:      sink,
		log:       log,
	}
}

// Start subscribes the coordinator to its topics. Stop by disconnecting
// the bus.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.bus.Subscribe(ctx, TopicTaskCreated, c.onTaskCreated); err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicTaskCreated, err)
	}
	if err := c.bus.Subscribe(ctx, TopicApprovalDecided, c.onApprovalDecided); err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicApprovalDecided, err)
	}
	return nil
}

func (c *Coordinator) onTaskCreated(ctx context.Context, env *envelope.Envelope) error {
	var task models.Task
	if err := json.Unmarshal(env.Payload, &task); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	if task.ID == "" || task.Type == "" {
		return fmt.Errorf("task event missing id or type")
	}

	history := models.History{}
	if c.history != nil {
		h, err := c.history.TaskHistory(ctx, task.Type)
		if err != nil {
			// Degrade to an empty history rather than stalling the task:
			// the engine treats unknown history conservatively.
			c.log.Warn("history lookup failed", "task_id", task.ID, "error", err)
		} else {
			history = h
		}
	}

	d, err := c.engine.Evaluate(ctx, task, history)
	if err != nil {
		return fmt.Errorf("evaluate task %s: %w", task.ID, err)
	}

	switch d.Action {
	case models.ActionAutoApprove:
		return c.execute(ctx, task, env.TraceID)
	case models.ActionRequestApproval:
		c.updateStatus(ctx, task.ID, models.StatusPendingApproval, nil)
		_, err := c.bus.Publish(ctx, TopicApprovalRequested, ApprovalRequestedEvent{
			ApprovalID: d.ApprovalID,
			TaskID:     task.ID,
			TaskType:   task.Type,
			RiskLevel:  string(d.RiskLevel),
			Reasoning:  d.Reasoning,
		}, bus.WithTraceID(env.TraceID))
		return err
	case models.ActionReject:
		return c.publishResult(ctx, models.TaskResult{
			TaskID: task.ID, Success: false, Error: d.Reasoning,
		}, env.TraceID)
	default:
		return fmt.Errorf("unknown decision action %q", d.Action)
	}
}

func (c *Coordinator) onApprovalDecided(ctx context.Context, env *envelope.Envelope) error {
	var ev ApprovalDecidedEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return fmt.Errorf("decode approval decision: %w", err)
	}
	rec, err := c.approvals.Get(ctx, ev.ApprovalID)
	if err != nil {
		return fmt.Errorf("load approval %s: %w", ev.ApprovalID, err)
	}

	d := c.engine.ResolveApproval(rec)
	switch d.Action {
	case models.ActionAutoApprove:
		task := models.Task{
			ID:       rec.TaskID,
			Type:     rec.TaskType,
			Status:   models.StatusPending,
			Metadata: rec.Metadata,
		}
		if c.sink != nil {
			if stored, err := c.sink.GetTask(ctx, rec.TaskID); err == nil {
				task = stored
			} else {
				c.log.Warn("task lookup failed, executing from approval record", "task_id", rec.TaskID, "error", err)
			}
		}
		// A modified approval carries amended inputs that override the
		// original data field by field.
		if rec.Decision == models.DecisionModified && len(rec.Modifications) > 0 {
			if task.Data == nil {
				task.Data = make(map[string]any, len(rec.Modifications))
			}
			for k, v := range rec.Modifications {
				task.Data[k] = v
			}
		}
		return c.execute(ctx, task, env.TraceID)
	case models.ActionReject:
		return c.publishResult(ctx, models.TaskResult{
			TaskID: rec.TaskID, Success: false, Error: d.Reasoning,
		}, env.TraceID)
	default:
		// Still pending: nothing to do until a real decision lands.
		return nil
	}
}

func (c *Coordinator) execute(ctx context.Context, task models.Task, traceID string) error {
	var agentID *string
	c.updateStatus(ctx, task.ID, models.StatusInProgress, agentID)

	res := c.orch.Execute(ctx, task)
	if c.sink != nil {
		if err := c.sink.RecordTaskResult(ctx, res); err != nil {
			c.log.Warn("persist result failed", "task_id", task.ID, "error", err)
		}
	}
	return c.publishResult(ctx, res, traceID)
}

func (c *Coordinator) publishResult(ctx context.Context, res models.TaskResult, traceID string) error {
	topic := TopicTaskCompleted
	if !res.Success {
		topic = TopicTaskFailed
	}
	_, err := c.bus.Publish(ctx, topic, TaskResultEvent{
		TaskID:  res.TaskID,
		AgentID: res.AgentID,
		Success: res.Success,
		Output:  res.Output,
		Error:   res.Error,
	}, bus.WithTraceID(traceID))
	return err
}

func (c *Coordinator) updateStatus(ctx context.Context, id, status string, agentID *string) {
	if c.sink == nil {
		return
	}
	if err := c.sink.UpdateTaskStatus(ctx, id, status, agentID); err != nil {
		c.log.Warn("persist status failed", "task_id", id, "status", status, "error", err)
	}
}
