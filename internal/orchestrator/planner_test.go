package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestration-core/internal/models"
)

// recordingAgent accepts every type and records execution order.
type recordingAgent struct {
	mu    sync.Mutex
	order []string
	fail  map[string]bool
}

func (a *recordingAgent) ID() string                   { return "recorder" }
func (a *recordingAgent) SupportedTaskTypes() []string { return []string{"*"} }
func (a *recordingAgent) CanHandle(models.Task) bool   { return true }

func (a *recordingAgent) Executed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.order...)
}

func (a *recordingAgent) Execute(_ context.Context, task models.Task) (models.TaskResult, error) {
	a.mu.Lock()
	step, _ := task.Metadata["plan_step"].(string)
	a.order = append(a.order, step)
	fail := a.fail[step]
	a.mu.Unlock()
	if fail {
		return models.TaskResult{}, errors.New("step failed")
	}
	return models.TaskResult{Success: true}, nil
}

func planTask(steps []map[string]any) models.Task {
	return models.Task{
		ID:   "parent",
		Type: "journey.multi_step",
		Metadata: map[string]any{
			"complex": true,
			"plan":    map[string]any{"steps": anySlice(steps)},
		},
	}
}

func anySlice(steps []map[string]any) []any {
	out := make([]any, len(steps))
	for i, s := range steps {
		out[i] = s
	}
	return out
}

func TestRunPlanDependencyOrder(t *testing.T) {
	agent := &recordingAgent{}
	o := New(nil)
	require.NoError(t, o.RegisterAgent(agent))

	task := planTask([]map[string]any{
		{"id": "publish", "task_type": "marketing.social.post", "depends_on": []any{"draft", "review"}},
		{"id": "draft", "task_type": "marketing.content.draft"},
		{"id": "review", "task_type": "marketing.content.review", "depends_on": []any{"draft"}},
	})

	res := o.Execute(context.Background(), task)
	require.True(t, res.Success, "plan should succeed: %s", res.Error)
	assert.Equal(t, []string{"draft", "review", "publish"}, agent.Executed())

	steps, ok := res.Output["steps"].(map[string]models.TaskResult)
	require.True(t, ok)
	assert.Len(t, steps, 3)
}

func TestRunPlanSkipsDependentsOfFailedStep(t *testing.T) {
	agent := &recordingAgent{fail: map[string]bool{"review": true}}
	o := New(nil)
	require.NoError(t, o.RegisterAgent(agent))

	task := planTask([]map[string]any{
		{"id": "draft", "task_type": "marketing.content.draft"},
		{"id": "review", "task_type": "marketing.content.review", "depends_on": []any{"draft"}},
		{"id": "publish", "task_type": "marketing.social.post", "depends_on": []any{"review"}},
		{"id": "metrics", "task_type": "analytics.report.build"}, // independent branch
	})

	res := o.Execute(context.Background(), task)
	assert.False(t, res.Success)

	executed := agent.Executed()
	assert.Contains(t, executed, "draft")
	assert.Contains(t, executed, "review")
	assert.Contains(t, executed, "metrics", "independent steps still run")
	assert.NotContains(t, executed, "publish", "dependents of a failed step are skipped")

	skipped, _ := res.Output["skipped"].([]string)
	assert.Equal(t, []string{"publish"}, skipped)
}

func TestRunPlanRejectsCycles(t *testing.T) {
	o := New(nil)
	require.NoError(t, o.RegisterAgent(&recordingAgent{}))

	task := planTask([]map[string]any{
		{"id": "a", "task_type": "x", "depends_on": []any{"b"}},
		{"id": "b", "task_type": "y", "depends_on": []any{"a"}},
	})

	res := o.Execute(context.Background(), task)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cycle")
}

func TestRunPlanRejectsUnknownDependency(t *testing.T) {
	o := New(nil)
	require.NoError(t, o.RegisterAgent(&recordingAgent{}))

	task := planTask([]map[string]any{
		{"id": "a", "task_type": "x", "depends_on": []any{"ghost"}},
	})

	res := o.Execute(context.Background(), task)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "ghost")
}

func TestPlanFromTask(t *testing.T) {
	// No metadata: simple task.
	_, ok := planFromTask(models.Task{ID: "t"})
	assert.False(t, ok)

	// Multi-step plan counts as complex even without the flag.
	multi := models.Task{ID: "t", Metadata: map[string]any{
		"plan": map[string]any{"steps": []any{
			map[string]any{"id": "a", "task_type": "x"},
			map[string]any{"id": "b", "task_type": "y"},
		}},
	}}
	plan, ok := planFromTask(multi)
	require.True(t, ok)
	assert.Len(t, plan.Steps, 2)

	// Single-step plan needs the explicit complex flag.
	single := models.Task{ID: "t", Metadata: map[string]any{
		"plan": map[string]any{"steps": []any{map[string]any{"id": "a", "task_type": "x"}}},
	}}
	_, ok = planFromTask(single)
	assert.False(t, ok)

	single.Metadata["complex"] = true
	_, ok = planFromTask(single)
	assert.True(t, ok)
}
