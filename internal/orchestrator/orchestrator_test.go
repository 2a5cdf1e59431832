package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestration-core/internal/models"
)

// stubAgent handles a fixed set of task types.
type stubAgent struct {
	id      string
	types   []string
	execute func(ctx context.Context, task models.Task) (models.TaskResult, error)
}

func (a *stubAgent) ID() string                   { return a.id }
func (a *stubAgent) SupportedTaskTypes() []string { return a.types }

func (a *stubAgent) CanHandle(task models.Task) bool {
	for _, t := range a.types {
		if t == task.Type {
			return true
		}
	}
	return false
}

func (a *stubAgent) Execute(ctx context.Context, task models.Task) (models.TaskResult, error) {
	if a.execute != nil {
		return a.execute(ctx, task)
	}
	return models.TaskResult{Success: true, Output: map[string]any{"agent": a.id}}, nil
}

func TestAssignAgentFirstMatchWins(t *testing.T) {
	o := New(nil)
	first := &stubAgent{id: "first", types: []string{"sales.lead.outreach"}}
	second := &stubAgent{id: "second", types: []string{"marketing.email.campaign"}}
	third := &stubAgent{id: "third", types: []string{"marketing.email.campaign"}}
	require.NoError(t, o.RegisterAgent(first))
	require.NoError(t, o.RegisterAgent(second))
	require.NoError(t, o.RegisterAgent(third))

	got := o.AssignAgent(models.Task{Type: "marketing.email.campaign"})
	require.NotNil(t, got)
	assert.Equal(t, "second", got.ID(), "only the second agent's CanHandle is true first")

	assert.Nil(t, o.AssignAgent(models.Task{Type: "support.ticket.reply"}))
}

func TestRegisterAgentRejectsDuplicates(t *testing.T) {
	o := New(nil)
	require.NoError(t, o.RegisterAgent(&stubAgent{id: "a", types: []string{"x"}}))
	assert.Error(t, o.RegisterAgent(&stubAgent{id: "a", types: []string{"y"}}))
}

func TestExecuteRoutingMissIsAResult(t *testing.T) {
	o := New(nil)
	res := o.Execute(context.Background(), models.Task{ID: "t", Type: "nobody.handles.this"})
	assert.False(t, res.Success)
	assert.True(t, res.Unassigned)
	assert.Contains(t, res.Error, "nobody.handles.this")
}

func TestExecuteWrapsAgentError(t *testing.T) {
	o := New(nil)
	require.NoError(t, o.RegisterAgent(&stubAgent{
		id: "flaky", types: []string{"x.y.z"},
		execute: func(context.Context, models.Task) (models.TaskResult, error) {
			return models.TaskResult{}, errors.New("downstream unavailable")
		},
	}))

	res := o.Execute(context.Background(), models.Task{ID: "t", Type: "x.y.z"})
	assert.False(t, res.Success)
	assert.Equal(t, "downstream unavailable", res.Error)
	assert.Equal(t, "flaky", res.AgentID)
	assert.False(t, res.CompletedAt.IsZero())
}

func TestExecuteWrapsAgentPanic(t *testing.T) {
	o := New(nil)
	require.NoError(t, o.RegisterAgent(&stubAgent{
		id: "crashy", types: []string{"x.y.z"},
		execute: func(context.Context, models.Task) (models.TaskResult, error) {
			panic("boom")
		},
	}))

	res := o.Execute(context.Background(), models.Task{ID: "t", Type: "x.y.z"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
}

func TestExecuteRecordsAudit(t *testing.T) {
	o := New(nil)
	require.NoError(t, o.RegisterAgent(&stubAgent{id: "a", types: []string{"x.y.z"}}))

	res := o.Execute(context.Background(), models.Task{ID: "t", Type: "x.y.z"})
	require.True(t, res.Success)

	trail := o.AuditTrail()
	require.Len(t, trail, 2)
	assert.Equal(t, "assigned", trail[0].Phase)
	assert.Equal(t, models.StatusInProgress, trail[0].Status)
	assert.Equal(t, "finished", trail[1].Phase)
	assert.Equal(t, models.StatusCompleted, trail[1].Status)
	assert.True(t, trail[1].Success)
}

func TestShutdownWaitsForInflight(t *testing.T) {
	o := New(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, o.RegisterAgent(&stubAgent{
		id: "slow", types: []string{"x.y.z"},
		execute: func(context.Context, models.Task) (models.TaskResult, error) {
			close(started)
			<-release
			return models.TaskResult{Success: true}, nil
		},
	}))

	resCh := make(chan models.TaskResult, 1)
	go func() {
		resCh <- o.Execute(context.Background(), models.Task{ID: "t", Type: "x.y.z"})
	}()
	<-started

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownDone <- o.Shutdown(ctx)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown finished while an execution was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-shutdownDone)
	res := <-resCh
	assert.True(t, res.Success)

	// New work is refused after shutdown.
	after := o.Execute(context.Background(), models.Task{ID: "t2", Type: "x.y.z"})
	assert.False(t, after.Success)
	assert.True(t, strings.Contains(after.Error, "shutting down"))
}
