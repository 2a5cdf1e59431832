package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"orchestration-core/internal/models"
)

// PlanStep is one node of a multi-step plan. Steps run in dependency
// order; a step whose dependency failed is skipped, not executed.
type PlanStep struct {
	ID        string         `json:"id"`
	TaskType  string         `json:"task_type"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Plan is a directed multi-step execution graph.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// planFromTask extracts a plan from task metadata. A task is complex when
// metadata carries "complex": true together with a "plan", or a "plan"
// with more than one step.
func planFromTask(task models.Task) (Plan, bool) {
	raw, ok := task.Metadata["plan"]
	if !ok {
		return Plan{}, false
	}
	// Round-trip through JSON: metadata arrives as decoded map[string]any.
	data, err := json.Marshal(map[string]any{"steps": rawSteps(raw)})
	if err != nil {
		return Plan{}, false
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil || len(plan.Steps) == 0 {
		return Plan{}, false
	}
	if complex, _ := task.Metadata["complex"].(bool); complex || len(plan.Steps) > 1 {
		return plan, true
	}
	return Plan{}, false
}

func rawSteps(raw any) any {
	if m, ok := raw.(map[string]any); ok {
		if steps, ok := m["steps"]; ok {
			return steps
		}
	}
	return raw
}

// runPlan sequences the plan's steps and aggregates their results. Each
// step becomes a subtask routed through normal agent assignment; partial
// results survive a mid-plan failure.
func (o *Orchestrator) runPlan(ctx context.Context, task models.Task, plan Plan) models.TaskResult {
	order, err := topoOrder(plan.Steps)
	if err != nil {
		return failedResult(task.ID, "", err.Error(), o.clock())
	}

	stepResults := make(map[string]models.TaskResult, len(plan.Steps))
	failed := make(map[string]bool)
	var skipped []string

	for _, step := range order {
		if blockedBy(step, failed) != "" {
			skipped = append(skipped, step.ID)
			failed[step.ID] = true // dependents of a skipped step skip too
			continue
		}

		sub := models.Task{
			ID:          task.ID + "/" + step.ID,
			Type:        step.TaskType,
			Priority:    task.Priority,
			Data:        step.Data,
			Status:      models.StatusInProgress,
			RequestedBy: task.RequestedBy,
			Metadata:    map[string]any{"parent_task": task.ID, "plan_step": step.ID},
		}
		if trace, ok := task.Metadata["trace_id"]; ok {
			sub.Metadata["trace_id"] = trace
		}

		res := o.runSingle(ctx, sub)
		stepResults[step.ID] = res
		if !res.Success {
			failed[step.ID] = true
		}
	}

	output := map[string]any{"steps": stepResults}
	if len(skipped) > 0 {
		output["skipped"] = skipped
	}

	res := models.TaskResult{
		TaskID:      task.ID,
		Success:     len(failed) == 0,
		Output:      output,
		CompletedAt: o.clock(),
	}
	if !res.Success {
		res.Error = fmt.Sprintf("%d of %d plan steps did not complete", len(failed), len(plan.Steps))
	}
	return res
}

func blockedBy(step PlanStep, failed map[string]bool) string {
	for _, dep := range step.DependsOn {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

// topoOrder sequences steps so every dependency precedes its dependents,
// breaking ties by declaration order so execution is deterministic.
func topoOrder(steps []PlanStep) ([]PlanStep, error) {
	byID := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return nil, fmt.Errorf("orchestrator: plan step %d has no id", i)
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate plan step %q", s.ID)
		}
		byID[s.ID] = i
	}

	indegree := make([]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("orchestrator: step %q depends on unknown step %q", s.ID, dep)
			}
			indegree[i]++
		}
	}

	done := make([]bool, len(steps))
	out := make([]PlanStep, 0, len(steps))
	for len(out) < len(steps) {
		next := -1
		for i := range steps {
			if done[i] || indegree[i] != 0 {
				continue
			}
			next = i
			break
		}
		if next == -1 {
			return nil, fmt.Errorf("orchestrator: plan has a dependency cycle")
		}
		done[next] = true
		out = append(out, steps[next])
		for i, s := range steps {
			if done[i] {
				continue
			}
			for _, dep := range s.DependsOn {
				if dep == steps[next].ID {
					indegree[i]--
				}
			}
		}
	}
	return out, nil
}
