package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestration-core/internal/approval"
	"orchestration-core/internal/bus"
	"orchestration-core/internal/decision"
	"orchestration-core/internal/envelope"
	"orchestration-core/internal/models"
	"orchestration-core/internal/orchestrator"
)

type stubHistory struct {
	history models.History
}

func (s *stubHistory) TaskHistory(context.Context, string) (models.History, error) {
	return s.history, nil
}

type memorySink struct {
	mu       sync.Mutex
	tasks    map[string]models.Task
	statuses map[string][]string
	results  []models.TaskResult
}

func newMemorySink() *memorySink {
	return &memorySink{tasks: make(map[string]models.Task), statuses: make(map[string][]string)}
}

func (s *memorySink) put(task models.Task) {
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
}

func (s *memorySink) GetTask(_ context.Context, id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, assert.AnError
	}
	return task, nil
}

func (s *memorySink) UpdateTaskStatus(_ context.Context, id, status string, _ *string) error {
	s.mu.Lock()
	s.statuses[id] = append(s.statuses[id], status)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) RecordTaskResult(_ context.Context, res models.TaskResult) error {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
	return nil
}

type echoAgent struct {
	id    string
	types []string
}

func (a *echoAgent) ID() string                   { return a.id }
func (a *echoAgent) SupportedTaskTypes() []string { return a.types }

func (a *echoAgent) CanHandle(task models.Task) bool {
	for _, t := range a.types {
		if t == task.Type {
			return true
		}
	}
	return false
}

func (a *echoAgent) Execute(_ context.Context, task models.Task) (models.TaskResult, error) {
	return models.TaskResult{
		TaskID:  task.ID,
		AgentID: a.id,
		Success: true,
		Output:  map[string]any{"echo": task.Data},
	}, nil
}

type fixture struct {
	bus       *bus.Bus
	approvals *approval.MemoryQueue
	sink      *memorySink
	coord     *Coordinator
}

func newFixture(t *testing.T, rules []models.DecisionRule, history models.History) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := bus.New(bus.NewPubSubTransport(client, nil), envelope.NewSigner("test-secret"), nil, "test", nil)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })

	queue := approval.NewMemoryQueue()
	engine, err := decision.NewEngine(rules, queue)
	require.NoError(t, err)

	orch := orchestrator.New(nil)
	require.NoError(t, orch.RegisterAgent(&echoAgent{id: "agent-1", types: []string{"reports.generate"}}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	sink := newMemorySink()
	coord := New(b, engine, queue, orch, &stubHistory{history: history}, sink, nil)
	require.NoError(t, coord.Start(ctx))
	return &fixture{bus: b, approvals: queue, sink: sink, coord: coord}
}

func goodHistory() models.History {
	return models.History{TotalTasks: 50, SuccessRate: 0.98, RecentFailures: 0}
}

func TestTaskFlowsStraightThroughWhenConfident(t *testing.T) {
	f := newFixture(t, nil, goodHistory())
	ctx := context.Background()

	task := models.Task{
		ID:   "task-1",
		Type: "reports.generate",
		Data: map[string]any{"report": "weekly"},
	}

	done := make(chan *envelope.Envelope, 1)
	go func() {
		env, err := f.bus.WaitForEvent(ctx, TopicTaskCompleted, 3*time.Second)
		if err == nil {
			done <- env
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := f.bus.Publish(ctx, TopicTaskCreated, task)
	require.NoError(t, err)

	env, ok := <-done
	require.True(t, ok, "task.completed never published")

	var res TaskResultEvent
	require.NoError(t, json.Unmarshal(env.Payload, &res))
	assert.Equal(t, "task-1", res.TaskID)
	assert.Equal(t, "agent-1", res.AgentID)
	assert.True(t, res.Success)

	// No approval record for an auto-approved task.
	pending, err := f.approvals.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Contains(t, f.sink.statuses["task-1"], models.StatusInProgress)
	require.Len(t, f.sink.results, 1)
	assert.True(t, f.sink.results[0].Success)
}

func TestGatedTaskWaitsForApproval(t *testing.T) {
	rules := []models.DecisionRule{{
		RuleID:           "gate-reports",
		TaskTypes:        []string{"reports.generate"},
		Condition:        models.RuleCondition{Operator: models.OpAlways},
		RiskLevel:        models.RiskHigh,
		RequiresApproval: true,
		Active:           true,
	}}
	f := newFixture(t, rules, goodHistory())
	ctx := context.Background()

	task := models.Task{ID: "task-2", Type: "reports.generate", Data: map[string]any{}}

	done := make(chan *envelope.Envelope, 1)
	go func() {
		env, err := f.bus.WaitForEvent(ctx, TopicApprovalRequested, 3*time.Second)
		if err == nil {
			done <- env
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := f.bus.Publish(ctx, TopicTaskCreated, task)
	require.NoError(t, err)

	env, ok := <-done
	require.True(t, ok, "approval.requested never published")

	var ev ApprovalRequestedEvent
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "task-2", ev.TaskID)
	assert.Equal(t, string(models.RiskHigh), ev.RiskLevel)
	assert.NotEmpty(t, ev.ApprovalID)

	pending, err := f.approvals.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ev.ApprovalID, pending[0].ID)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Contains(t, f.sink.statuses["task-2"], models.StatusPendingApproval)
	assert.Empty(t, f.sink.results, "gated task must not run before the decision")
}

func decideAndReenter(t *testing.T, f *fixture, approvalID string, d models.ApprovalDecision, mods map[string]any) {
	t.Helper()
	ctx := context.Background()
	_, err := f.approvals.Decide(ctx, approvalID, d, "ops@example.com", "", mods)
	require.NoError(t, err)
	_, err = f.bus.Publish(ctx, TopicApprovalDecided, ApprovalDecidedEvent{
		ApprovalID: approvalID,
		Decision:   string(d),
		DecidedBy:  "ops@example.com",
	})
	require.NoError(t, err)
}

func gateTask(t *testing.T, f *fixture, task models.Task) models.ApprovalRecord {
	t.Helper()
	ctx := context.Background()
	f.sink.put(task)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.bus.WaitForEvent(ctx, TopicApprovalRequested, 3*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	_, err := f.bus.Publish(ctx, TopicTaskCreated, task)
	require.NoError(t, err)
	<-done

	pending, err := f.approvals.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func TestApprovedTaskExecutes(t *testing.T) {
	rules := []models.DecisionRule{{
		RuleID:           "gate-reports",
		TaskTypes:        []string{"reports.generate"},
		Condition:        models.RuleCondition{Operator: models.OpAlways},
		RiskLevel:        models.RiskHigh,
		RequiresApproval: true,
		Active:           true,
	}}
	f := newFixture(t, rules, goodHistory())
	ctx := context.Background()

	task := models.Task{ID: "task-3", Type: "reports.generate", Data: map[string]any{"report": "q3"}}
	rec := gateTask(t, f, task)

	done := make(chan *envelope.Envelope, 1)
	go func() {
		env, err := f.bus.WaitForEvent(ctx, TopicTaskCompleted, 3*time.Second)
		if err == nil {
			done <- env
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	decideAndReenter(t, f, rec.ID, models.DecisionApproved, nil)

	env, ok := <-done
	require.True(t, ok, "approved task never completed")
	var res TaskResultEvent
	require.NoError(t, json.Unmarshal(env.Payload, &res))
	assert.Equal(t, "task-3", res.TaskID)
	assert.True(t, res.Success)
}

func TestRejectedTaskFails(t *testing.T) {
	rules := []models.DecisionRule{{
		RuleID:           "gate-reports",
		TaskTypes:        []string{"reports.generate"},
		Condition:        models.RuleCondition{Operator: models.OpAlways},
		RiskLevel:        models.RiskHigh,
		RequiresApproval: true,
		Active:           true,
	}}
	f := newFixture(t, rules, goodHistory())
	ctx := context.Background()

	task := models.Task{ID: "task-4", Type: "reports.generate"}
	rec := gateTask(t, f, task)

	done := make(chan *envelope.Envelope, 1)
	go func() {
		env, err := f.bus.WaitForEvent(ctx, TopicTaskFailed, 3*time.Second)
		if err == nil {
			done <- env
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	decideAndReenter(t, f, rec.ID, models.DecisionRejected, nil)

	env, ok := <-done
	require.True(t, ok, "rejected task never published task.failed")
	var res TaskResultEvent
	require.NoError(t, json.Unmarshal(env.Payload, &res))
	assert.Equal(t, "task-4", res.TaskID)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Empty(t, f.sink.results, "rejected task must never reach an agent")
}

func TestModifiedApprovalOverlaysTaskData(t *testing.T) {
	rules := []models.DecisionRule{{
		RuleID:           "gate-reports",
		TaskTypes:        []string{"reports.generate"},
		Condition:        models.RuleCondition{Operator: models.OpAlways},
		RiskLevel:        models.RiskHigh,
		RequiresApproval: true,
		Active:           true,
	}}
	f := newFixture(t, rules, goodHistory())
	ctx := context.Background()

	task := models.Task{
		ID:   "task-5",
		Type: "reports.generate",
		Data: map[string]any{"report": "q3", "recipients": float64(500)},
	}
	rec := gateTask(t, f, task)

	done := make(chan *envelope.Envelope, 1)
	go func() {
		env, err := f.bus.WaitForEvent(ctx, TopicTaskCompleted, 3*time.Second)
		if err == nil {
			done <- env
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	decideAndReenter(t, f, rec.ID, models.DecisionModified, map[string]any{"recipients": float64(50)})

	env, ok := <-done
	require.True(t, ok, "modified task never completed")
	var res TaskResultEvent
	require.NoError(t, json.Unmarshal(env.Payload, &res))
	require.True(t, res.Success)

	echo, ok := res.Output["echo"].(map[string]any)
	require.True(t, ok, "agent echo output missing")
	assert.Equal(t, float64(50), echo["recipients"], "modification must override original data")
	assert.Equal(t, "q3", echo["report"], "untouched fields must survive")
}

func TestTraceIDFlowsThroughPipeline(t *testing.T) {
	f := newFixture(t, nil, goodHistory())
	ctx := context.Background()

	done := make(chan *envelope.Envelope, 1)
	go func() {
		env, err := f.bus.WaitForEvent(ctx, TopicTaskCompleted, 3*time.Second)
		if err == nil {
			done <- env
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	sent, err := f.bus.Publish(ctx, TopicTaskCreated, models.Task{
		ID: "task-6", Type: "reports.generate",
	})
	require.NoError(t, err)

	env, ok := <-done
	require.True(t, ok, "task.completed never published")
	assert.Equal(t, sent.TraceID, env.TraceID, "result event must carry the originating trace")
}

func TestUnroutableTaskFails(t *testing.T) {
	f := newFixture(t, nil, goodHistory())
	ctx := context.Background()

	done := make(chan *envelope.Envelope, 1)
	go func() {
		env, err := f.bus.WaitForEvent(ctx, TopicTaskFailed, 3*time.Second)
		if err == nil {
			done <- env
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := f.bus.Publish(ctx, TopicTaskCreated, models.Task{
		ID: "task-7", Type: "unknown.task.type",
	})
	require.NoError(t, err)

	env, ok := <-done
	require.True(t, ok, "unroutable task never published task.failed")
	var res TaskResultEvent
	require.NoError(t, json.Unmarshal(env.Payload, &res))
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}
