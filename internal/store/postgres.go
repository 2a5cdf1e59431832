// Package store persists tasks, approval records, and decision rules in
// Postgres. The core treats the database as an external collaborator;
// this package owns only the schema and the queries.
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
	"github.com/jackc/pgx/v5/pgxpool"

	"orchestration-core/internal/models"
)

// ErrTaskNotFound is returned for an unknown task id.
var ErrTaskNotFound = errors.New("store: task not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateTask inserts a task row in status pending.
func (s *Store) CreateTask(ctx context.Context, task models.Task) (models.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.StatusPending
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	dataJSON, err := json.Marshal(task.Data)
	if err != nil {
		return models.Task{}, fmt.Errorf("marshal task data: %w", err)
	}
	metaJSON, err := json.Marshal(task.Metadata)
	if err != nil {
		return models.Task{}, fmt.Errorf("marshal task metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, type, priority, data, status, requested_by, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, task.ID, task.Type, task.Priority, dataJSON, task.Status, task.RequestedBy, metaJSON, now)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, priority, data, status, result, error, agent_id, requested_by, metadata, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id)

	var task models.Task
	var dataJSON, resultJSON, metaJSON []byte
	var errText, agentID pgtype.Text

	err := row.Scan(&task.ID, &task.Type, &task.Priority, &dataJSON, &task.Status,
		&resultJSON, &errText, &agentID, &task.RequestedBy, &metaJSON, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}

	if err := json.Unmarshal(dataJSON, &task.Data); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal task data: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &task.Result); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal task result: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &task.Metadata); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal task metadata: %w", err)
		}
	}
	task.Error = textPtr(errText)
	task.AgentID = textPtr(agentID)
	return task, nil
}

// UpdateTaskStatus transitions a task's status, optionally stamping the
// assigned agent.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string, agentID *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, agent_id = COALESCE($3, agent_id), updated_at = NOW()
		WHERE id = $1
	`, id, status, agentID)
	return err
}

// RecordTaskResult writes an execution outcome: completed with a result,
// or failed with an error; terminal either way.
func (s *Store) RecordTaskResult(ctx context.Context, res models.TaskResult) error {
	status := models.StatusCompleted
	var errText *string
	if !res.Success {
		status = models.StatusFailed
		if res.Error != "" {
			errText = &res.Error
		}
	}
	resultJSON, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	var agent *string
	if res.AgentID != "" {
		agent = &res.AgentID
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, result = $3, error = $4, agent_id = COALESCE($5, agent_id), updated_at = NOW()
		WHERE id = $1
	`, res.TaskID, status, resultJSON, errText, agent)
	return err
}

// TaskHistory aggregates past outcomes for a task type, feeding the
// decision engine's confidence heuristic.
func (s *Store) TaskHistory(ctx context.Context, taskType string) (models.History, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($2, $3)),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3 AND updated_at > NOW() - INTERVAL '1 day')
		FROM tasks WHERE type = $1
	`, taskType, models.StatusCompleted, models.StatusFailed)

	var total, completed, recentFailures int
	if err := row.Scan(&total, &completed, &recentFailures); err != nil {
		return models.History{}, fmt.Errorf("aggregate task history: %w", err)
	}
	h := models.History{TotalTasks: total, RecentFailures: recentFailures}
	if total > 0 {
		h.SuccessRate = float64(completed) / float64(total)
	}
	return h, nil
}

// LoadRules returns active and inactive decision rules in declaration
// order (their position column), the order the engine evaluates them in.
func (s *Store) LoadRules(ctx context.Context) ([]models.DecisionRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule_id, task_types, condition, risk_level, requires_approval, description, active
		FROM decision_rules ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.DecisionRule
	for rows.Next() {
		var r models.DecisionRule
		var condJSON []byte
		var risk string
		if err := rows.Scan(&r.RuleID, &r.TaskTypes, &condJSON, &risk, &r.RequiresApproval, &r.Description, &r.Active); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := json.Unmarshal(condJSON, &r.Condition); err != nil {
			return nil, fmt.Errorf("unmarshal condition for rule %s: %w", r.RuleID, err)
		}
		r.RiskLevel = models.RiskLevel(risk)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SaveRule upserts a decision rule, appending it to the evaluation order
// on first insert.
func (s *Store) SaveRule(ctx context.Context, r models.DecisionRule) error {
	condJSON, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO decision_rules (rule_id, task_types, condition, risk_level, requires_approval, description, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rule_id) DO UPDATE SET
			task_types = EXCLUDED.task_types,
			condition = EXCLUDED.condition,
			risk_level = EXCLUDED.risk_level,
			requires_approval = EXCLUDED.requires_approval,
			description = EXCLUDED.description,
			active = EXCLUDED.active
	`, r.RuleID, r.TaskTypes, condJSON, string(r.RiskLevel), r.RequiresApproval, r.Description, r.Active)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
