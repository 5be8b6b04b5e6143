// Package expression evaluates rule conditions against hub entity states.
package expression

import (
	"fmt"
)

// ConditionExpression compares one field with a value. A field is an entity id
// ("sensor.temp", the entity's state) optionally followed by an attribute name
// ("sensor.temp.unit_of_measurement").
type ConditionExpression struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// LogicalExpression combines conditions with "and" or "or" (the default).
type LogicalExpression struct {
	Conditions []ConditionExpression `json:"conditions" yaml:"conditions"`
	Logic      string                `json:"logic,omitempty" yaml:"logic,omitempty"`
}

// FieldSource resolves field values for an evaluation.
type FieldSource interface {
	FieldValue(field string) (value any, exists bool, err error)
}

// FieldSourceFunc adapts a function to FieldSource.
type FieldSourceFunc func(field string) (any, bool, error)

// FieldValue implements FieldSource.
func (f FieldSourceFunc) FieldValue(field string) (any, bool, error) { return f(field) }

// OperatorFunc defines the signature for operator implementations
type OperatorFunc func(fieldValue, compareValue any) (bool, error)

// EvaluationError represents an error during expression evaluation
type EvaluationError struct {
	Field    string
	Operator string
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s: %v",
			e.Field, e.Operator, e.Message, e.Err)
	}
	return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s",
		e.Field, e.Operator, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Supported operators
const (
	OpEqual            = "eq"
	OpNotEqual         = "ne"
	OpLessThan         = "lt"
	OpLessThanEqual    = "lte"
	OpGreaterThan      = "gt"
	OpGreaterThanEqual = "gte"

	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpRegexMatch = "regex"

	OpIn    = "in"
	OpNotIn = "not_in"
)

// Logic operators
const (
	LogicAnd = "and"
	LogicOr  = "or"
)
