package expression

import (
	"fmt"
	"strconv"
	"strings"
)

// Evaluator runs logical expressions. It is safe for concurrent use.
type Evaluator struct {
	operators map[string]OperatorFunc
}

// NewExpressionEvaluator creates a new expression evaluator with all supported operators
func NewExpressionEvaluator() *Evaluator {
	return &Evaluator{
		operators: map[string]OperatorFunc{
			OpEqual:            operatorEqual,
			OpNotEqual:         operatorNotEqual,
			OpLessThan:         operatorLessThan,
			OpLessThanEqual:    operatorLessThanEqual,
			OpGreaterThan:      operatorGreaterThan,
			OpGreaterThanEqual: operatorGreaterThanEqual,
			OpContains:         operatorContains,
			OpStartsWith:       operatorStartsWith,
			OpEndsWith:         operatorEndsWith,
			OpRegexMatch:       operatorRegex,
			OpIn:               operatorIn,
			OpNotIn:            operatorNotIn,
		},
	}
}

// Supports reports whether op is a known operator.
func (e *Evaluator) Supports(op string) bool {
	_, ok := e.operators[op]
	return ok
}

// Validate checks an expression without evaluating it.
func (e *Evaluator) Validate(expr LogicalExpression) error {
	switch expr.Logic {
	case "", LogicAnd, LogicOr:
	default:
		return &EvaluationError{Message: fmt.Sprintf("unsupported logic operator: %s", expr.Logic)}
	}
	for _, c := range expr.Conditions {
		if c.Field == "" {
			return &EvaluationError{Operator: c.Operator, Message: "field is required"}
		}
		if !e.Supports(c.Operator) {
			return &EvaluationError{Field: c.Field, Operator: c.Operator, Message: "unsupported operator"}
		}
		if c.Operator == OpRegexMatch {
			pattern, ok := c.Value.(string)
			if !ok {
				return &EvaluationError{Field: c.Field, Operator: c.Operator, Message: "regex pattern must be a string"}
			}
			if _, err := compileRegex(pattern); err != nil {
				return &EvaluationError{Field: c.Field, Operator: c.Operator, Message: "invalid pattern", Err: err}
			}
		}
	}
	return nil
}

// Evaluate evaluates a logical expression against the values of src.
func (e *Evaluator) Evaluate(src FieldSource, expr LogicalExpression) (bool, error) {
	if len(expr.Conditions) == 0 {
		return true, nil
	}

	results := make([]bool, len(expr.Conditions))
	for i, condition := range expr.Conditions {
		result, err := e.evaluateCondition(src, condition)
		if err != nil {
			return false, err
		}
		results[i] = result
	}

	switch expr.Logic {
	case LogicOr, "":
		for _, result := range results {
			if result {
				return true, nil
			}
		}
		return false, nil

	case LogicAnd:
		for _, result := range results {
			if !result {
				return false, nil
			}
		}
		return true, nil

	default:
		return false, &EvaluationError{
			Message: fmt.Sprintf("unsupported logic operator: %s", expr.Logic),
		}
	}
}

func (e *Evaluator) evaluateCondition(src FieldSource, condition ConditionExpression) (bool, error) {
	fieldValue, exists, err := src.FieldValue(condition.Field)
	if err != nil {
		return false, &EvaluationError{
			Field:   condition.Field,
			Message: "failed to get field value",
			Err:     err,
		}
	}

	if !exists {
		if condition.Required {
			return false, &EvaluationError{
				Field:   condition.Field,
				Message: "required field not found",
			}
		}
		// Missing optional field fails the condition.
		return false, nil
	}

	opFunc, exists := e.operators[condition.Operator]
	if !exists {
		return false, &EvaluationError{
			Field:    condition.Field,
			Operator: condition.Operator,
			Message:  "unsupported operator",
		}
	}

	result, err := opFunc(fieldValue, condition.Value)
	if err != nil {
		return false, &EvaluationError{
			Field:    condition.Field,
			Operator: condition.Operator,
			Message:  "operator execution failed",
			Err:      err,
		}
	}

	return result, nil
}

func operatorEqual(fieldValue, compareValue any) (bool, error) {
	return compareValues(fieldValue, compareValue) == 0, nil
}

func operatorNotEqual(fieldValue, compareValue any) (bool, error) {
	return compareValues(fieldValue, compareValue) != 0, nil
}

func operatorLessThan(fieldValue, compareValue any) (bool, error) {
	cmp, err := compareOrdered(fieldValue, compareValue)
	return err == nil && cmp < 0, err
}

func operatorLessThanEqual(fieldValue, compareValue any) (bool, error) {
	cmp, err := compareOrdered(fieldValue, compareValue)
	return err == nil && cmp <= 0, err
}

func operatorGreaterThan(fieldValue, compareValue any) (bool, error) {
	cmp, err := compareOrdered(fieldValue, compareValue)
	return err == nil && cmp > 0, err
}

func operatorGreaterThanEqual(fieldValue, compareValue any) (bool, error) {
	cmp, err := compareOrdered(fieldValue, compareValue)
	return err == nil && cmp >= 0, err
}

func operatorContains(fieldValue, compareValue any) (bool, error) {
	return strings.Contains(toString(fieldValue), toString(compareValue)), nil
}

func operatorStartsWith(fieldValue, compareValue any) (bool, error) {
	return strings.HasPrefix(toString(fieldValue), toString(compareValue)), nil
}

func operatorEndsWith(fieldValue, compareValue any) (bool, error) {
	return strings.HasSuffix(toString(fieldValue), toString(compareValue)), nil
}

func operatorRegex(fieldValue, compareValue any) (bool, error) {
	pattern, ok := compareValue.(string)
	if !ok {
		return false, fmt.Errorf("regex pattern must be a string")
	}

	re, err := compileRegex(pattern)
	if err != nil {
		return false, err
	}

	return re.MatchString(toString(fieldValue)), nil
}

func operatorIn(fieldValue, compareValue any) (bool, error) {
	list, ok := compareValue.([]any)
	if !ok {
		return false, fmt.Errorf("in requires a list value, got %T", compareValue)
	}
	for _, item := range list {
		if compareValues(fieldValue, item) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func operatorNotIn(fieldValue, compareValue any) (bool, error) {
	in, err := operatorIn(fieldValue, compareValue)
	return err == nil && !in, err
}

func compareValues(a, b any) int {
	aNum, aIsNum := toFloat64(a)
	bNum, bIsNum := toFloat64(b)
	if aIsNum && bIsNum {
		return compareFloat(aNum, bNum)
	}
	return strings.Compare(toString(a), toString(b))
}

// compareOrdered requires both sides to be numeric. Hub states are strings, so
// numeric strings ("21.5") count as numbers.
func compareOrdered(a, b any) (int, error) {
	aNum, aIsNum := toFloat64(a)
	bNum, bIsNum := toFloat64(b)
	if !aIsNum || !bIsNum {
		return 0, fmt.Errorf("cannot order %v and %v: both must be numeric", a, b)
	}
	return compareFloat(aNum, bNum), nil
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
