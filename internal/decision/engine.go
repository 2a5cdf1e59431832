// Package decision evaluates tasks against ordered policy rules and
// gates risky or low-confidence work behind human approval.
package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orchestration-core/internal/approval"
	"orchestration-core/internal/models"
	"orchestration-core/internal/telemetry"
)

// ScoreFunc produces a confidence score in [0,1] for a task given its
// history. The default heuristic is deterministic; deployments may plug
// in a model-derived scorer.
type ScoreFunc func(task models.Task, history models.History) float64

// defaultThresholds is the minimum confidence required to bypass human
// approval at each risk level. Strictly increasing with risk: higher
// risk requires strictly higher confidence.
var defaultThresholds = map[models.RiskLevel]float64{
	models.RiskLow:      0.60,
	models.RiskMedium:   0.80,
	models.RiskHigh:     0.90,
	models.RiskCritical: 0.95,
}

// Engine resolves tasks to decisions. Rules are fixed at construction;
// evaluation is deterministic for a fixed scorer.
type Engine struct {
	rules      []models.DecisionRule
	thresholds map[models.RiskLevel]float64
	approvals  approval.Queue
	scorer     ScoreFunc
	clock      func() time.Time
	ttl        time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithScorer replaces the confidence heuristic.
func WithScorer(s ScoreFunc) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithApprovalTTL sets how long created approval records stay decidable.
// Zero means no expiry.
func WithApprovalTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

// WithThresholdOverrides replaces individual per-risk thresholds. Keys
// are risk level names; unknown keys are rejected by NewEngine.
func WithThresholdOverrides(overrides map[string]float64) Option {
	return func(e *Engine) {
		for level, v := range overrides {
			e.thresholds[models.RiskLevel(level)] = v
		}
	}
}

// NewEngine builds an engine over the given rule set and approval queue.
// It rejects threshold tables that are not monotone in risk, since that
// would let riskier work auto-approve on less confidence.
func NewEngine(rules []models.DecisionRule, approvals approval.Queue, opts ...Option) (*Engine, error) {
	e := &Engine{
		rules:      append([]models.DecisionRule(nil), rules...),
		thresholds: make(map[models.RiskLevel]float64, len(defaultThresholds)),
		approvals:  approvals,
		scorer:     HeuristicConfidence,
		clock:      time.Now,
		ttl:        24 * time.Hour,
	}
	for level, v := range defaultThresholds {
		e.thresholds[level] = v
	}
	for _, opt := range opts {
		opt(e)
	}

	order := []models.RiskLevel{models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical}
	for _, level := range order {
		v, ok := e.thresholds[level]
		if !ok || v < 0 || v > 1 {
			return nil, fmt.Errorf("decision: threshold for %q out of range", level)
		}
	}
	for level := range e.thresholds {
		if !level.Valid() {
			return nil, fmt.Errorf("decision: unknown risk level %q in thresholds", level)
		}
	}
	for i := 1; i < len(order); i++ {
		if e.thresholds[order[i]] < e.thresholds[order[i-1]] {
			return nil, fmt.Errorf("decision: threshold for %q below %q; table must not decrease with risk",
				order[i], order[i-1])
		}
	}
	return e, nil
}

// ConfidenceThreshold returns the auto-approval floor for a risk level.
// Unknown levels get the critical threshold.
func (e *Engine) ConfidenceThreshold(level models.RiskLevel) float64 {
	if v, ok := e.thresholds[level]; ok {
		return v
	}
	return e.thresholds[models.RiskCritical]
}

// Evaluate resolves task to a decision. The first active rule whose task
// types and condition match wins; its risk level and approval flag are
// adopted verbatim. With no matching rule the engine is conservative:
// medium risk, approval required unless confidence clears the medium
// threshold. Low confidence always forces approval — it is itself a risk
// signal — but high confidence never overrides a matched rule's explicit
// approval requirement.
//
// When the outcome is request_approval, the approval record is created
// through the queue before Evaluate returns, so callers can immediately
// block or poll on it.
func (e *Engine) Evaluate(ctx context.Context, task models.Task, history models.History) (models.Decision, error) {
	confidence := clamp01(e.scorer(task, history))

	matched, ok := e.matchRule(task, history)

	var d models.Decision
	d.Confidence = confidence

	if ok {
		d.RuleID = matched.RuleID
		d.RiskLevel = matched.RiskLevel
		d.RequiresApproval = matched.RequiresApproval
		threshold := e.ConfidenceThreshold(matched.RiskLevel)
		switch {
		case matched.RequiresApproval:
			d.Action = models.ActionRequestApproval
			d.Reasoning = fmt.Sprintf("rule %s requires approval: %s", matched.RuleID, matched.Description)
		case confidence < threshold:
			d.Action = models.ActionRequestApproval
			d.RequiresApproval = true
			d.Reasoning = fmt.Sprintf("confidence %.2f below %.2f threshold for %s risk (rule %s)",
				confidence, threshold, matched.RiskLevel, matched.RuleID)
		default:
			d.Action = models.ActionAutoApprove
			d.Reasoning = fmt.Sprintf("rule %s allows auto-approval at confidence %.2f", matched.RuleID, confidence)
		}
	} else {
		d.RiskLevel = models.RiskMedium
		threshold := e.ConfidenceThreshold(models.RiskMedium)
		if confidence < threshold {
			d.Action = models.ActionRequestApproval
			d.RequiresApproval = true
			d.Reasoning = fmt.Sprintf("no matching rule; confidence %.2f below default %.2f threshold", confidence, threshold)
		} else {
			d.Action = models.ActionAutoApprove
			d.Reasoning = fmt.Sprintf("no matching rule; confidence %.2f clears default %.2f threshold", confidence, threshold)
		}
	}

	if d.Action == models.ActionRequestApproval {
		id, err := e.createApproval(ctx, task, d)
		if err != nil {
			return models.Decision{}, err
		}
		d.ApprovalID = id
	}
	telemetry.DecisionsTotal.WithLabelValues(string(d.Action)).Inc()
	return d, nil
}

// ResolveApproval maps a recorded human verdict back into a decision, the
// re-entry point for the task pipeline. Undecided records resolve to a
// further request_approval.
func (e *Engine) ResolveApproval(rec models.ApprovalRecord) models.Decision {
	d := models.Decision{
		RiskLevel:  rec.RiskLevel,
		ApprovalID: rec.ID,
		Confidence: 1, // a human decision is authoritative
	}
	switch rec.Decision {
	case models.DecisionApproved:
		d.Action = models.ActionAutoApprove
		d.Reasoning = fmt.Sprintf("approved by %s", rec.RespondedBy)
	case models.DecisionModified:
		d.Action = models.ActionAutoApprove
		d.Reasoning = fmt.Sprintf("approved with modifications by %s", rec.RespondedBy)
	case models.DecisionRejected:
		d.Action = models.ActionReject
		d.Reasoning = fmt.Sprintf("rejected by %s", rec.RespondedBy)
	default:
		d.Action = models.ActionRequestApproval
		d.RequiresApproval = true
		d.Reasoning = "approval still pending"
	}
	return d
}

func (e *Engine) createApproval(ctx context.Context, task models.Task, d models.Decision) (string, error) {
	now := e.clock()
	rec := models.ApprovalRecord{
		TaskID:          task.ID,
		TaskType:        task.Type,
		RequestedAction: task.Type,
		Reasoning:       d.Reasoning,
		RiskLevel:       d.RiskLevel,
		RequestedAt:     now,
	}
	if e.ttl > 0 {
		expires := now.Add(e.ttl)
		rec.ExpiresAt = &expires
	}
	id, err := e.approvals.Create(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("create approval for task %s: %w", task.ID, err)
	}
	return id, nil
}

// matchRule returns the winning rule: candidates are active rules whose
// task types cover the task, ordered by specificity (exact type, then
// prefix wildcard by descending prefix length, then bare wildcard) with
// declaration order breaking ties; the first whose condition holds wins.
func (e *Engine) matchRule(task models.Task, history models.History) (models.DecisionRule, bool) {
	type candidate struct {
		rule models.DecisionRule
		spec int // lower is more specific
		pos  int
	}
	var candidates []candidate
	for i, rule := range e.rules {
		if !rule.Active {
			continue
		}
		spec, ok := typeSpecificity(rule.TaskTypes, task.Type)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{rule: rule, spec: spec, pos: i})
	}
	// Stable two-key ordering without sort: pick the minimum.
	for {
		best := -1
		for i, c := range candidates {
			if best == -1 || c.spec < candidates[best].spec ||
				(c.spec == candidates[best].spec && c.pos < candidates[best].pos) {
				best = i
			}
		}
		if best == -1 {
			return models.DecisionRule{}, false
		}
		c := candidates[best]
		if conditionMatches(c.rule.Condition, task, history) {
			return c.rule, true
		}
		candidates = append(candidates[:best], candidates[best+1:]...)
	}
}

// typeSpecificity scores how specifically patterns cover taskType:
// 0 exact, otherwise prefix wildcards score by how much of the type they
// leave unmatched (longer prefixes first), with bare "*" least specific.
func typeSpecificity(patterns []string, taskType string) (int, bool) {
	best := -1
	for _, p := range patterns {
		var spec int
		switch {
		case p == taskType:
			spec = 0
		case p == "*":
			spec = len(taskType) + 1
		case strings.HasSuffix(p, ".*") && strings.HasPrefix(taskType, p[:len(p)-1]):
			spec = len(taskType) - (len(p) - 2)
		default:
			continue
		}
		if best == -1 || spec < best {
			best = spec
		}
	}
	return best, best >= 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
