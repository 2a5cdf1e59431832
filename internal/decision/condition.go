package decision

import (
	"strings"

	"orchestration-core/internal/models"
)

// conditionMatches evaluates a structured rule predicate against a task
// and its history. Unknown operators and unresolvable fields evaluate
// false, so a broken rule can never open a gate.
func conditionMatches(c models.RuleCondition, task models.Task, history models.History) bool {
	if c.Operator == models.OpAlways || c.Operator == "" {
		return true
	}

	val, ok := resolveField(c.Field, task, history)
	if !ok {
		return false
	}

	switch c.Operator {
	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		left, okL := asFloat(val)
		right, okR := asFloat(c.Value)
		if !okL || !okR {
			return false
		}
		switch c.Operator {
		case models.OpGt:
			return left > right
		case models.OpGte:
			return left >= right
		case models.OpLt:
			return left < right
		default:
			return left <= right
		}
	case models.OpEq:
		return equalOperand(val, c.Value)
	case models.OpNeq:
		return !equalOperand(val, c.Value)
	case models.OpContains:
		s, okS := val.(string)
		sub, okSub := c.Value.(string)
		return okS && okSub && strings.Contains(s, sub)
	default:
		return false
	}
}

// resolveField looks up a dotted field path: "priority" on the task
// itself, "history.*" on the historical context, "metadata.*" on task
// metadata, anything else inside task data.
func resolveField(field string, task models.Task, history models.History) (any, bool) {
	switch {
	case field == "priority":
		return task.Priority, true
	case field == "type":
		return task.Type, true
	case strings.HasPrefix(field, "history."):
		switch strings.TrimPrefix(field, "history.") {
		case "total_tasks":
			return history.TotalTasks, true
		case "success_rate":
			return history.SuccessRate, true
		case "recent_failures":
			return history.RecentFailures, true
		}
		return nil, false
	case strings.HasPrefix(field, "metadata."):
		return lookupPath(task.Metadata, strings.TrimPrefix(field, "metadata."))
	default:
		return lookupPath(task.Data, field)
	}
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := any(m)
	for _, part := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	default:
		return 0, false
	}
}

func equalOperand(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}
