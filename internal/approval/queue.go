// Package approval holds pending human-in-the-loop approval requests and
// enforces single-decision semantics.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestration-core/internal/models"
	"orchestration-core/internal/telemetry"
)

var (
	// ErrNotFound is returned for an unknown approval id.
	ErrNotFound = errors.New("approval: record not found")
	// ErrAlreadyDecided is returned when a second decision is attempted.
	// The first decision is never overwritten.
	ErrAlreadyDecided = errors.New("approval: record already decided")
	// ErrInvalidDecision is returned for a verdict outside
	// approved/rejected/modified.
	ErrInvalidDecision = errors.New("approval: invalid decision")
)

// Queue persists approval records. Decide must be atomic: the
// undecided check and the write happen in one step so two concurrent
// responders cannot both succeed.
type Queue interface {
	Create(ctx context.Context, rec models.ApprovalRecord) (string, error)
	Get(ctx context.Context, id string) (models.ApprovalRecord, error)
	Decide(ctx context.Context, id string, decision models.ApprovalDecision, respondedBy, feedback string, modifications map[string]any) (models.ApprovalRecord, error)
	ListPending(ctx context.Context) ([]models.ApprovalRecord, error)
	// ListExpired is a pure read: records still undecided whose deadline
	// passed before now. Acting on them is the Sweeper's job.
	ListExpired(ctx context.Context, now time.Time) ([]models.ApprovalRecord, error)
}

// MemoryQueue is the in-process Queue used in tests and single-node
// deployments. Safe for concurrent use.
type MemoryQueue struct {
	mu      sync.Mutex
	records map[string]models.ApprovalRecord
	clock   func() time.Time
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		records: make(map[string]models.ApprovalRecord),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.clock = clock
	return q
}

func (q *MemoryQueue) Create(_ context.Context, rec models.ApprovalRecord) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, exists := q.records[rec.ID]; exists {
		return "", fmt.Errorf("approval: duplicate record id %q", rec.ID)
	}
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = q.clock()
	}
	q.records[rec.ID] = rec
	telemetry.ApprovalsPending.Inc()
	return rec.ID, nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (models.ApprovalRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return models.ApprovalRecord{}, ErrNotFound
	}
	return rec, nil
}

func (q *MemoryQueue) Decide(_ context.Context, id string, decision models.ApprovalDecision, respondedBy, feedback string, modifications map[string]any) (models.ApprovalRecord, error) {
	if !decision.Valid() {
		return models.ApprovalRecord{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return models.ApprovalRecord{}, ErrNotFound
	}
	if rec.Decided() {
		return models.ApprovalRecord{}, ErrAlreadyDecided
	}
	now := q.clock()
	rec.Decision = decision
	rec.RespondedBy = respondedBy
	rec.Feedback = feedback
	rec.Modifications = modifications
	rec.RespondedAt = &now
	q.records[id] = rec
	telemetry.ApprovalsPending.Dec()
	telemetry.ApprovalsDecided.WithLabelValues(string(decision)).Inc()
	return rec, nil
}

func (q *MemoryQueue) ListPending(_ context.Context) ([]models.ApprovalRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.ApprovalRecord
	for _, rec := range q.records {
		if !rec.Decided() {
			out = append(out, rec)
		}
	}
	sortByRequestedAt(out)
	return out, nil
}

func (q *MemoryQueue) ListExpired(_ context.Context, now time.Time) ([]models.ApprovalRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.ApprovalRecord
	for _, rec := range q.records {
		if rec.Expired(now) {
			out = append(out, rec)
		}
	}
	sortByRequestedAt(out)
	return out, nil
}

func sortByRequestedAt(recs []models.ApprovalRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].RequestedAt.Equal(recs[j].RequestedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].RequestedAt.Before(recs[j].RequestedAt)
	})
}
