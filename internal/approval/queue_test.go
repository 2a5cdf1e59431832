package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestration-core/internal/models"
)

func pendingRecord(taskID string, expiresAt *time.Time) models.ApprovalRecord {
	return models.ApprovalRecord{
		TaskID:          taskID,
		TaskType:        "marketing.email.campaign",
		RequestedAction: "send campaign",
		Reasoning:       "recipient count above rule threshold",
		RiskLevel:       models.RiskHigh,
		ExpiresAt:       expiresAt,
	}
}

func TestDecideOnce(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	id, err := q.Create(ctx, pendingRecord("task-1", nil))
	require.NoError(t, err)

	rec, err := q.Decide(ctx, id, models.DecisionApproved, "alex", "looks fine", nil)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, rec.Decision)
	assert.Equal(t, "alex", rec.RespondedBy)
	require.NotNil(t, rec.RespondedAt)

	// Second decision must conflict and leave the first untouched.
	_, err = q.Decide(ctx, id, models.DecisionRejected, "sam", "", nil)
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, got.Decision)
	assert.Equal(t, "alex", got.RespondedBy)
}

func TestDecideConcurrentRespondersOneWins(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	id, err := q.Create(ctx, pendingRecord("task-1", nil))
	require.NoError(t, err)

	const responders = 16
	var wg sync.WaitGroup
	errs := make([]error, responders)
	for i := 0; i < responders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = q.Decide(ctx, id, models.DecisionApproved, "responder", "", nil)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyDecided)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one responder may win")
}

func TestDecideValidation(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	_, err := q.Decide(ctx, "missing", models.DecisionApproved, "alex", "", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := q.Create(ctx, pendingRecord("task-1", nil))
	require.NoError(t, err)
	_, err = q.Decide(ctx, id, models.ApprovalDecision("maybe"), "alex", "", nil)
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestListPendingAndExpired(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	q := NewMemoryQueue().WithClock(func() time.Time { return now })

	past := base.Add(-time.Hour)
	future := base.Add(time.Hour)

	expiredID, err := q.Create(ctx, pendingRecord("task-expired", &past))
	require.NoError(t, err)
	now = now.Add(time.Second)
	liveID, err := q.Create(ctx, pendingRecord("task-live", &future))
	require.NoError(t, err)
	now = now.Add(time.Second)
	decidedID, err := q.Create(ctx, pendingRecord("task-decided", &past))
	require.NoError(t, err)
	_, err = q.Decide(ctx, decidedID, models.DecisionRejected, "alex", "", nil)
	require.NoError(t, err)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, expiredID, pending[0].ID, "pending list is oldest first")
	assert.Equal(t, liveID, pending[1].ID)

	expired, err := q.ListExpired(ctx, base)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, expiredID, expired[0].ID, "decided records never count as expired")
}

func TestSweeperPolicies(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := base.Add(-time.Minute)

	t.Run("keep leaves records pending", func(t *testing.T) {
		q := NewMemoryQueue().WithClock(func() time.Time { return base })
		id, err := q.Create(ctx, pendingRecord("t", &past))
		require.NoError(t, err)

		s, err := NewSweeper(q, PolicyKeep, nil, nil)
		require.NoError(t, err)
		swept, err := s.WithClock(func() time.Time { return base }).Sweep(ctx)
		require.NoError(t, err)
		require.Len(t, swept, 1)

		rec, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, rec.Decided())
	})

	t.Run("reject decides on behalf of the system", func(t *testing.T) {
		q := NewMemoryQueue().WithClock(func() time.Time { return base })
		id, err := q.Create(ctx, pendingRecord("t", &past))
		require.NoError(t, err)

		s, err := NewSweeper(q, PolicyReject, nil, nil)
		require.NoError(t, err)
		_, err = s.WithClock(func() time.Time { return base }).Sweep(ctx)
		require.NoError(t, err)

		rec, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.DecisionRejected, rec.Decision)
		assert.Equal(t, "system", rec.RespondedBy)
	})

	t.Run("escalate invokes the callback without deciding", func(t *testing.T) {
		q := NewMemoryQueue().WithClock(func() time.Time { return base })
		id, err := q.Create(ctx, pendingRecord("t", &past))
		require.NoError(t, err)

		var escalated []string
		s, err := NewSweeper(q, PolicyEscalate, func(_ context.Context, rec models.ApprovalRecord) error {
			escalated = append(escalated, rec.ID)
			return nil
		}, nil)
		require.NoError(t, err)
		_, err = s.WithClock(func() time.Time { return base }).Sweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, []string{id}, escalated)
		rec, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, rec.Decided())
	})

	t.Run("escalate without callback is a config error", func(t *testing.T) {
		_, err := NewSweeper(NewMemoryQueue(), PolicyEscalate, nil, nil)
		assert.Error(t, err)
	})
}
