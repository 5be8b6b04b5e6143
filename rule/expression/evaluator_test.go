package expression

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapSource(values map[string]any) FieldSource {
	return FieldSourceFunc(func(field string) (any, bool, error) {
		v, ok := values[field]
		return v, ok, nil
	})
}

func TestExpressionEvaluator_Operators(t *testing.T) {
	evaluator := NewExpressionEvaluator()
	src := mapSource(map[string]any{
		"sensor.temp":        "21.5",
		"sensor.temp.unit":   "°C",
		"light.kitchen":      "on",
		"light.kitchen.rgb":  []any{255.0, 0.0, 0.0},
		"sensor.battery":     85.5,
		"media.tv.source":    "HDMI 1",
		"binary.door.opened": true,
	})

	tests := []struct {
		name      string
		cond      ConditionExpression
		expected  bool
		shouldErr bool
	}{
		{"eq numeric string", ConditionExpression{Field: "sensor.temp", Operator: OpEqual, Value: 21.5}, true, false},
		{"eq string", ConditionExpression{Field: "light.kitchen", Operator: OpEqual, Value: "on"}, true, false},
		{"ne", ConditionExpression{Field: "light.kitchen", Operator: OpNotEqual, Value: "off"}, true, false},
		{"lt", ConditionExpression{Field: "sensor.temp", Operator: OpLessThan, Value: 22}, true, false},
		{"lte", ConditionExpression{Field: "sensor.battery", Operator: OpLessThanEqual, Value: 85.5}, true, false},
		{"gt", ConditionExpression{Field: "sensor.battery", Operator: OpGreaterThan, Value: 90.0}, false, false},
		{"gte", ConditionExpression{Field: "sensor.temp", Operator: OpGreaterThanEqual, Value: "21"}, true, false},
		{"gt non numeric", ConditionExpression{Field: "light.kitchen", Operator: OpGreaterThan, Value: 1}, false, true},
		{"contains", ConditionExpression{Field: "media.tv.source", Operator: OpContains, Value: "HDMI"}, true, false},
		{"starts_with", ConditionExpression{Field: "media.tv.source", Operator: OpStartsWith, Value: "HD"}, true, false},
		{"ends_with", ConditionExpression{Field: "media.tv.source", Operator: OpEndsWith, Value: "2"}, false, false},
		{"regex", ConditionExpression{Field: "media.tv.source", Operator: OpRegexMatch, Value: `^HDMI \d$`}, true, false},
		{"regex non string pattern", ConditionExpression{Field: "media.tv.source", Operator: OpRegexMatch, Value: 1}, false, true},
		{"in", ConditionExpression{Field: "light.kitchen", Operator: OpIn, Value: []any{"on", "dim"}}, true, false},
		{"not_in", ConditionExpression{Field: "light.kitchen", Operator: OpNotIn, Value: []any{"off"}}, true, false},
		{"in requires list", ConditionExpression{Field: "light.kitchen", Operator: OpIn, Value: "on"}, false, true},
		{"bool eq", ConditionExpression{Field: "binary.door.opened", Operator: OpEqual, Value: true}, true, false},
		{"unknown operator", ConditionExpression{Field: "light.kitchen", Operator: "approx", Value: "on"}, false, true},
		{"missing optional", ConditionExpression{Field: "light.hall", Operator: OpEqual, Value: "on"}, false, false},
		{"missing required", ConditionExpression{Field: "light.hall", Operator: OpEqual, Value: "on", Required: true}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(src, LogicalExpression{
				Conditions: []ConditionExpression{tt.cond},
				Logic:      LogicAnd,
			})
			if tt.shouldErr {
				require.Error(t, err)
				var evalErr *EvaluationError
				assert.True(t, errors.As(err, &evalErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestExpressionEvaluator_Logic(t *testing.T) {
	evaluator := NewExpressionEvaluator()
	src := mapSource(map[string]any{"a.x": "on", "b.y": "off"})

	onA := ConditionExpression{Field: "a.x", Operator: OpEqual, Value: "on"}
	onB := ConditionExpression{Field: "b.y", Operator: OpEqual, Value: "on"}

	result, err := evaluator.Evaluate(src, LogicalExpression{Conditions: []ConditionExpression{onA, onB}, Logic: LogicAnd})
	require.NoError(t, err)
	assert.False(t, result)

	result, err = evaluator.Evaluate(src, LogicalExpression{Conditions: []ConditionExpression{onA, onB}})
	require.NoError(t, err)
	assert.True(t, result, "logic defaults to or")

	result, err = evaluator.Evaluate(src, LogicalExpression{})
	require.NoError(t, err)
	assert.True(t, result, "empty expression passes")

	_, err = evaluator.Evaluate(src, LogicalExpression{Conditions: []ConditionExpression{onA}, Logic: "xor"})
	assert.Error(t, err)
}

func TestExpressionEvaluator_SourceError(t *testing.T) {
	evaluator := NewExpressionEvaluator()
	boom := errors.New("bridge timed out")
	src := FieldSourceFunc(func(string) (any, bool, error) { return nil, false, boom })

	_, err := evaluator.Evaluate(src, LogicalExpression{Conditions: []ConditionExpression{
		{Field: "a.b", Operator: OpEqual, Value: "on"},
	}})
	assert.ErrorIs(t, err, boom)
}

func TestExpressionEvaluator_Validate(t *testing.T) {
	evaluator := NewExpressionEvaluator()

	assert.NoError(t, evaluator.Validate(LogicalExpression{Conditions: []ConditionExpression{
		{Field: "a.b", Operator: OpRegexMatch, Value: "^on$"},
	}, Logic: LogicOr}))

	assert.Error(t, evaluator.Validate(LogicalExpression{Logic: "nand"}))
	assert.Error(t, evaluator.Validate(LogicalExpression{Conditions: []ConditionExpression{{Operator: OpEqual}}}))
	assert.Error(t, evaluator.Validate(LogicalExpression{Conditions: []ConditionExpression{{Field: "a.b", Operator: "near"}}}))
	assert.Error(t, evaluator.Validate(LogicalExpression{Conditions: []ConditionExpression{{Field: "a.b", Operator: OpRegexMatch, Value: "("}}}))
	assert.Error(t, evaluator.Validate(LogicalExpression{Conditions: []ConditionExpression{{Field: "a.b", Operator: OpRegexMatch, Value: 3}}}))
}
