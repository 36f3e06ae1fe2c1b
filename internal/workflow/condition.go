package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Operator is a condition step comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpExists      Operator = "exists"
)

// Evaluate applies op to value and operand. It is total: unknown operators,
// missing values and non-numeric operands of greater_than all yield false.
func Evaluate(value any, op Operator, operand any) bool {
	switch op {
	case OpExists:
		return value != nil
	case OpEquals:
		if value == nil {
			return operand == nil
		}
		return render(value) == render(operand)
	case OpContains:
		if value == nil || operand == nil {
			return false
		}
		return strings.Contains(render(value), render(operand))
	case OpGreaterThan:
		a, okA := toFloat(value)
		b, okB := toFloat(operand)
		if !okA || !okB {
			return false
		}
		return a > b
	default:
		return false
	}
}

func render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// toFloat coerces v to a finite float64.
func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
