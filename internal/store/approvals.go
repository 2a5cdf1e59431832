package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"orchestration-core/internal/approval"
	"orchestration-core/internal/models"
	"orchestration-core/internal/telemetry"
)

// ApprovalQueue implements approval.Queue on the approvals table.
type ApprovalQueue struct {
	s *Store
}

// Approvals adapts the store to the approval.Queue interface.
func (s *Store) Approvals() *ApprovalQueue {
	return &ApprovalQueue{s: s}
}

func (q *ApprovalQueue) Create(ctx context.Context, rec models.ApprovalRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = time.Now().UTC()
	}
	altJSON, err := json.Marshal(rec.Alternatives)
	if err != nil {
		return "", fmt.Errorf("marshal alternatives: %w", err)
	}
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal approval metadata: %w", err)
	}

	_, err = q.s.pool.Exec(ctx, `
		INSERT INTO approvals (id, task_id, task_type, requested_action, reasoning, risk_level,
			estimated_impact, alternatives, requested_at, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.TaskID, rec.TaskType, rec.RequestedAction, rec.Reasoning, string(rec.RiskLevel),
		nilIfEmpty(rec.EstimatedImpact), altJSON, rec.RequestedAt, rec.ExpiresAt, metaJSON)
	if err != nil {
		return "", fmt.Errorf("insert approval: %w", err)
	}
	telemetry.ApprovalsPending.Inc()
	return rec.ID, nil
}

func (q *ApprovalQueue) Get(ctx context.Context, id string) (models.ApprovalRecord, error) {
	row := q.s.pool.QueryRow(ctx, approvalSelect+` WHERE id = $1`, id)
	rec, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ApprovalRecord{}, approval.ErrNotFound
	}
	return rec, err
}

// Decide records a verdict. The undecided check and the write are a
// single UPDATE guarded by decision IS NULL, so of two concurrent
// responders exactly one sees a row change; the other gets a conflict.
func (q *ApprovalQueue) Decide(ctx context.Context, id string, decision models.ApprovalDecision, respondedBy, feedback string, modifications map[string]any) (models.ApprovalRecord, error) {
	if !decision.Valid() {
		return models.ApprovalRecord{}, fmt.Errorf("%w: %q", approval.ErrInvalidDecision, decision)
	}
	modsJSON, err := json.Marshal(modifications)
	if err != nil {
		return models.ApprovalRecord{}, fmt.Errorf("marshal modifications: %w", err)
	}

	tag, err := q.s.pool.Exec(ctx, `
		UPDATE approvals
		SET decision = $2, responded_by = $3, feedback = $4, modifications = $5, responded_at = NOW()
		WHERE id = $1 AND decision IS NULL
	`, id, string(decision), respondedBy, nilIfEmpty(feedback), modsJSON)
	if err != nil {
		return models.ApprovalRecord{}, fmt.Errorf("decide approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already decided; fetch to tell which.
		if _, err := q.Get(ctx, id); errors.Is(err, approval.ErrNotFound) {
			return models.ApprovalRecord{}, approval.ErrNotFound
		}
		return models.ApprovalRecord{}, approval.ErrAlreadyDecided
	}
	telemetry.ApprovalsPending.Dec()
	telemetry.ApprovalsDecided.WithLabelValues(string(decision)).Inc()
	return q.Get(ctx, id)
}

func (q *ApprovalQueue) ListPending(ctx context.Context) ([]models.ApprovalRecord, error) {
	rows, err := q.s.pool.Query(ctx, approvalSelect+` WHERE decision IS NULL ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func (q *ApprovalQueue) ListExpired(ctx context.Context, now time.Time) ([]models.ApprovalRecord, error) {
	rows, err := q.s.pool.Query(ctx,
		approvalSelect+` WHERE decision IS NULL AND expires_at IS NOT NULL AND expires_at < $1 ORDER BY requested_at`, now)
	if err != nil {
		return nil, fmt.Errorf("query expired approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

const approvalSelect = `
	SELECT id, task_id, task_type, requested_action, reasoning, risk_level, estimated_impact,
		alternatives, decision, responded_by, feedback, modifications, requested_at, responded_at, expires_at, metadata
	FROM approvals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (models.ApprovalRecord, error) {
	var rec models.ApprovalRecord
	var risk string
	var impact, decision, respondedBy, feedback pgtype.Text
	var altJSON, modsJSON, metaJSON []byte
	var respondedAt, expiresAt pgtype.Timestamptz

	err := row.Scan(&rec.ID, &rec.TaskID, &rec.TaskType, &rec.RequestedAction, &rec.Reasoning,
		&risk, &impact, &altJSON, &decision, &respondedBy, &feedback, &modsJSON,
		&rec.RequestedAt, &respondedAt, &expiresAt, &metaJSON)
	if err != nil {
		return models.ApprovalRecord{}, err
	}

	rec.RiskLevel = models.RiskLevel(risk)
	if impact.Valid {
		rec.EstimatedImpact = impact.String
	}
	if decision.Valid {
		rec.Decision = models.ApprovalDecision(decision.String)
	}
	if respondedBy.Valid {
		rec.RespondedBy = respondedBy.String
	}
	if feedback.Valid {
		rec.Feedback = feedback.String
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		rec.RespondedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	if len(altJSON) > 0 {
		if err := json.Unmarshal(altJSON, &rec.Alternatives); err != nil {
			return models.ApprovalRecord{}, fmt.Errorf("unmarshal alternatives: %w", err)
		}
	}
	if len(modsJSON) > 0 {
		if err := json.Unmarshal(modsJSON, &rec.Modifications); err != nil {
			return models.ApprovalRecord{}, fmt.Errorf("unmarshal modifications: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return models.ApprovalRecord{}, fmt.Errorf("unmarshal approval metadata: %w", err)
		}
	}
	return rec, nil
}

func collectApprovals(rows pgx.Rows) ([]models.ApprovalRecord, error) {
	var out []models.ApprovalRecord
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
