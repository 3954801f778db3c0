package services

import (
	"fmt"
)

// EvaluateConditions AND-s conditions in declared order. Evaluation stops at the
// first failing condition; the rest are reported as not evaluated. An empty list
// always passes.
func EvaluateConditions(conds []Condition, evt Event) (bool, []ConditionResult) {
	results := make([]ConditionResult, 0, len(conds))
	passed := true
	for _, cond := range conds {
		res := ConditionResult{Field: cond.Field, Operator: cond.Operator}
		if !passed {
			res.Status = ConditionNotEvaluated
			results = append(results, res)
			continue
		}
		ok, detail := evaluateCondition(cond, evt)
		res.Detail = detail
		if ok {
			res.Status = ConditionPassed
		} else {
			res.Status = ConditionFailed
			passed = false
		}
		results = append(results, res)
	}
	return passed, results
}

// evaluateCondition never errors: a missing field or a type mismatch is false.
func evaluateCondition(cond Condition, evt Event) (bool, string) {
	actual, present := evt.Field(cond.Field)

	switch cond.Operator {
	case OpIsEmpty:
		return !present || actual.IsEmpty(), ""
	case OpIsNotEmpty:
		if !present {
			return false, "field missing"
		}
		return !actual.IsEmpty(), ""
	}

	if !present {
		return false, "field missing"
	}

	switch cond.Operator {
	case OpEq:
		return valuesEqual(actual, cond.Value)
	case OpGt, OpLt, OpGte, OpLte:
		return compareOrdered(cond.Operator, actual, cond.Value)
	case OpChangedTo:
		prev, ok := evt.PreviousField(cond.Field)
		if !ok {
			return false, "no previous value"
		}
		if same, _ := valuesEqual(prev, cond.Value); same {
			return false, "value unchanged"
		}
		return valuesEqual(actual, cond.Value)
	default:
		return false, fmt.Sprintf("unsupported operator %q", cond.Operator)
	}
}

// valuesEqual compares using the field's declared kind. Numeric fields accept a
// numeric string on the condition side; string fields compare against the
// condition value's text, so "100" equals 100 and "true" equals true.
func valuesEqual(actual, expected Value) (bool, string) {
	switch actual.Kind {
	case KindNumber:
		n, ok := expected.Number()
		if !ok {
			return false, typeMismatch(actual, expected)
		}
		return actual.Num == n, ""
	case KindString:
		if expected.Kind == KindNull {
			return false, typeMismatch(actual, expected)
		}
		return actual.Str == expected.String(), ""
	case KindBool:
		if expected.Kind != KindBool {
			return false, typeMismatch(actual, expected)
		}
		return actual.Bool == expected.Bool, ""
	default:
		return expected.Kind == KindNull, ""
	}
}

func compareOrdered(op ConditionOperator, actual, expected Value) (bool, string) {
	if actual.Kind != KindNumber {
		return false, typeMismatch(actual, expected)
	}
	n, ok := expected.Number()
	if !ok {
		return false, typeMismatch(actual, expected)
	}
	switch op {
	case OpGt:
		return actual.Num > n, ""
	case OpLt:
		return actual.Num < n, ""
	case OpGte:
		return actual.Num >= n, ""
	default:
		return actual.Num <= n, ""
	}
}

func typeMismatch(actual, expected Value) string {
	return fmt.Sprintf("type mismatch: field is %s, condition is %s", actual.Kind, expected.Kind)
}
