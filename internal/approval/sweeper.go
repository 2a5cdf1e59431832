package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"orchestration-core/internal/models"
)

// ExpiryPolicy says what a sweep does with an expired, undecided record.
type ExpiryPolicy string

const (
	// PolicyKeep leaves expired records pending; they stay discoverable
	// through ListExpired.
	PolicyKeep ExpiryPolicy = "keep"
	// PolicyReject records a rejection on behalf of the system.
	PolicyReject ExpiryPolicy = "reject"
	// PolicyEscalate hands each expired record to the escalate callback
	// (typically an event publish) without deciding it.
	PolicyEscalate ExpiryPolicy = "escalate"
)

// EscalateFunc receives an expired record under PolicyEscalate.
type EscalateFunc func(ctx context.Context, rec models.ApprovalRecord) error

// Sweeper applies the configured expiry policy to overdue approvals. The
// queue itself never runs a timer; callers drive Sweep from their own
// ticker so the policy stays a deployment choice.
type Sweeper struct {
	queue    Queue
	policy   ExpiryPolicy
	escalate EscalateFunc
	log      *slog.Logger
	clock    func() time.Time
}

// NewSweeper builds a sweeper. escalate may be nil unless policy is
// PolicyEscalate.
func NewSweeper(queue Queue, policy ExpiryPolicy, escalate EscalateFunc, log *slog.Logger) (*Sweeper, error) {
	switch policy {
	case PolicyKeep, PolicyReject:
	case PolicyEscalate:
		if escalate == nil {
			return nil, fmt.Errorf("approval: policy %q requires an escalate callback", policy)
		}
	default:
		return nil, fmt.Errorf("approval: unknown expiry policy %q", policy)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		queue:    queue,
		policy:   policy,
		escalate: escalate,
		log:      log,
		clock:    time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Sweep applies the policy once and returns the records it found expired.
// Under PolicyKeep that is the whole effect. A conflict on reject (a
// human decided between the read and the write) is not an error.
func (s *Sweeper) Sweep(ctx context.Context) ([]models.ApprovalRecord, error) {
	expired, err := s.queue.ListExpired(ctx, s.clock())
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}

	for _, rec := range expired {
		switch s.policy {
		case PolicyKeep:
		case PolicyReject:
			_, err := s.queue.Decide(ctx, rec.ID, models.DecisionRejected, "system", "expired without a decision", nil)
			if err != nil && !errorsIsConflict(err) {
				s.log.Warn("sweep reject failed", "approval_id", rec.ID, "error", err)
			}
		case PolicyEscalate:
			if err := s.escalate(ctx, rec); err != nil {
				s.log.Warn("sweep escalation failed", "approval_id", rec.ID, "error", err)
			}
		}
	}
	return expired, nil
}

func errorsIsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyDecided) || errors.Is(err, ErrNotFound)
}
