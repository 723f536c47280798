package exec

import (
	"context"
	"testing"

	"agentflow.dev/agentflow/runtime/workflow"
	"github.com/stretchr/testify/require"
)

// TestCompareOperators pins the coercion rules: equality and ordering go
// numeric only when both operands parse as numbers, emptiness is judged on
// the trimmed interpolated string, and regex follows RE2.
func TestCompareOperators(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name        string
		op          string
		left, right string
		want        bool
	}{
		{"equals numeric", "equals", "5", "5.0", true},
		{"equals numeric trims", "equals", " 5 ", "5", true},
		{"equals string exact", "equals", "abc", "abc", true},
		{"equals string case-sensitive", "equals", "abc", "ABC", false},
		{"equals mixed falls back to string", "equals", "5", "5x", false},
		{"not_equals", "not_equals", "5", "6", true},
		{"contains", "contains", "hello world", "lo wo", true},
		{"contains miss", "contains", "hello", "bye", false},
		{"not_contains", "not_contains", "hello", "bye", true},
		{"greater_than numeric beats lexicographic", "greater_than", "10", "9", true},
		{"greater_than numeric false", "greater_than", "2", "10", false},
		{"greater_than lexicographic", "greater_than", "b", "a", true},
		{"less_than numeric", "less_than", "2", "10", true},
		{"less_than numeric beats lexicographic", "less_than", "10", "9", false},
		{"less_than lexicographic", "less_than", "apple", "pear", true},
		{"greater_than_or_equals equal", "greater_than_or_equals", "3", "3.0", true},
		{"less_than_or_equals", "less_than_or_equals", "3", "2", false},
		{"is_empty blank", "is_empty", "", "", true},
		{"is_empty whitespace", "is_empty", "   ", "", true},
		{"is_empty null", "is_empty", "null", "", true},
		{"is_empty array", "is_empty", "[]", "", true},
		{"is_empty object", "is_empty", "{}", "", true},
		{"is_empty populated", "is_empty", "x", "", false},
		{"is_not_empty", "is_not_empty", "x", "", true},
		{"regex match", "regex", "hello", "^h.*o$", true},
		{"regex miss", "regex", "hello", "^x", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := compare(tc.op, tc.left, tc.right)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCompareErrors(t *testing.T) {
	t.Parallel()
	_, err := compare("regex", "x", "(unclosed")
	require.True(t, workflow.IsCode(err, workflow.CodeConditionEvaluationFailed))
	_, err = compare("between", "1", "2")
	require.True(t, workflow.IsCode(err, workflow.CodeConditionEvaluationFailed))
}

func TestConditionSimpleRules(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]any{
		"Agent": map[string]any{"score": 8.0, "verdict": "approved"},
	})
	node := testNode("c", workflow.TypeCondition, "Check", map[string]any{
		"conditionType": "simple",
		"combinator":    "and",
		"rules": []any{
			map[string]any{"inputReference": "{{Agent.score}}", "operator": "greater_than", "compareValue": "5"},
			map[string]any{"inputReference": "{{Agent.verdict}}", "operator": "equals", "compareValue": "approved"},
		},
	})

	out, err := conditionExecutor{}.Execute(context.Background(), node, ec, nil)
	require.NoError(t, err)
	result := out.Output.(map[string]any)
	require.Equal(t, true, result["matched"])
	require.Equal(t, map[string]any{"score": 8.0, "verdict": "approved"}, result["value"],
		"single predecessor passes through unwrapped")
}

func TestConditionCombinatorOr(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]any{"Agent": map[string]any{"score": 2.0}})
	node := testNode("c", workflow.TypeCondition, "Check", map[string]any{
		"combinator": "or",
		"rules": []any{
			map[string]any{"inputReference": "{{Agent.score}}", "operator": "greater_than", "compareValue": "5"},
			map[string]any{"inputReference": "{{Agent.score}}", "operator": "less_than", "compareValue": "3"},
		},
	})
	out, err := conditionExecutor{}.Execute(context.Background(), node, ec, nil)
	require.NoError(t, err)
	require.Equal(t, true, out.Output.(map[string]any)["matched"])
}

func TestConditionSingleRuleFallback(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]any{"Agent": "yes"})
	node := testNode("c", workflow.TypeCondition, "Check", map[string]any{
		"inputReference": "{{Agent}}",
		"operator":       "equals",
		"compareValue":   "yes",
	})
	out, err := conditionExecutor{}.Execute(context.Background(), node, ec, nil)
	require.NoError(t, err)
	require.Equal(t, true, out.Output.(map[string]any)["matched"])
}

func TestConditionUnresolvedReferenceStaysVerbatim(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]any{})
	node := testNode("c", workflow.TypeCondition, "Check", map[string]any{
		"inputReference": "{{Gone.value}}",
		"operator":       "is_empty",
	})
	out, err := conditionExecutor{}.Execute(context.Background(), node, ec, nil)
	require.NoError(t, err)
	require.Equal(t, false, out.Output.(map[string]any)["matched"],
		"unresolvable token interpolates verbatim, which is not empty")
}

func TestConditionExpression(t *testing.T) {
	t.Parallel()
	ec := testCtx(map[string]any{
		"Agent":    map[string]any{"score": 8.0},
		"My Check": map[string]any{"matched": true},
	})
	node := testNode("c", workflow.TypeCondition, "Check", map[string]any{
		"conditionType": "expression",
		"expression":    `Agent.score > 5 && inputs["My Check"].matched && userInput == "hello"`,
	})
	out, err := conditionExecutor{}.Execute(context.Background(), node, ec, nil)
	require.NoError(t, err)
	require.Equal(t, true, out.Output.(map[string]any)["matched"])
}

func TestConditionExpressionErrors(t *testing.T) {
	t.Parallel()
	node := testNode("c", workflow.TypeCondition, "Check", map[string]any{
		"conditionType": "expression",
		"expression":    `1 + 2`,
	})
	_, err := conditionExecutor{}.Execute(context.Background(), node, testCtx(nil), nil)
	require.True(t, workflow.IsCode(err, workflow.CodeConditionEvaluationFailed))
}

func TestConditionValidate(t *testing.T) {
	t.Parallel()
	noRules := testNode("c", workflow.TypeCondition, "Check", nil)
	require.True(t, workflow.IsCode(conditionExecutor{}.Validate(noRules), workflow.CodeValidationFailed))

	noCode := testNode("c", workflow.TypeCondition, "Check", map[string]any{"conditionType": "expression"})
	require.True(t, workflow.IsCode(conditionExecutor{}.Validate(noCode), workflow.CodeValidationFailed))

	badType := testNode("c", workflow.TypeCondition, "Check", map[string]any{"conditionType": "fuzzy"})
	require.True(t, workflow.IsCode(conditionExecutor{}.Validate(badType), workflow.CodeInvalidConditionType))

	ok := testNode("c", workflow.TypeCondition, "Check", map[string]any{
		"inputReference": "{{A}}", "operator": "is_empty",
	})
	require.NoError(t, conditionExecutor{}.Validate(ok))
}
