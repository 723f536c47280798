package exec

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/refs"
	"github.com/expr-lang/expr"
)

// conditionExecutor evaluates branch decisions. Simple conditions run a rule
// list combined with and/or; expression conditions compile an expr program
// over predecessor outputs. The outcome carries the boolean under "matched"
// and the node's input under "value" so downstream nodes can pass data
// through the branch point.
type conditionExecutor struct{}

type conditionRule struct {
	input    string
	operator string
	compare  string
}

func (conditionExecutor) Validate(node workflow.Node) error {
	switch node.ConfigString("conditionType") {
	case "", "simple":
		if len(rulesOf(node)) == 0 {
			return workflow.NewError(workflow.CodeValidationFailed, "condition has no rules").WithNode(node.ID)
		}
	case "expression":
		if strings.TrimSpace(node.ConfigString("expression")) == "" {
			return workflow.NewError(workflow.CodeValidationFailed, "expression is required").WithNode(node.ID)
		}
	default:
		return workflow.Errorf(workflow.CodeInvalidConditionType, "unknown condition type %q", node.ConfigString("conditionType")).WithNode(node.ID)
	}
	return nil
}

func (conditionExecutor) Execute(_ context.Context, node workflow.Node, ec *Context, _ EmitFunc) (Outcome, error) {
	var (
		matched bool
		err     error
	)
	switch node.ConfigString("conditionType") {
	case "", "simple":
		matched, err = evalRules(node, ec)
	case "expression":
		matched, err = evalExpression(node.ConfigString("expression"), ec)
	default:
		return Outcome{}, workflow.Errorf(workflow.CodeInvalidConditionType, "unknown condition type %q", node.ConfigString("conditionType")).WithNode(node.ID)
	}
	if err != nil {
		if ee, ok := err.(*workflow.ExecutionError); ok {
			return Outcome{}, ee.WithNode(node.ID)
		}
		return Outcome{}, workflow.Errorf(workflow.CodeConditionEvaluationFailed, "%v", err).WithNode(node.ID)
	}
	return Outcome{Output: map[string]any{
		"matched": matched,
		"value":   passthrough(ec),
	}}, nil
}

// rulesOf reads the rule list, falling back to the top-level
// inputReference/operator/compareValue triple used by single-rule configs.
func rulesOf(node workflow.Node) []conditionRule {
	raw, _ := node.Data["rules"].([]any)
	var out []conditionRule
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := conditionRule{}
		r.input, _ = m["inputReference"].(string)
		r.operator, _ = m["operator"].(string)
		r.compare, _ = m["compareValue"].(string)
		if r.input != "" || r.operator != "" {
			out = append(out, r)
		}
	}
	if len(out) == 0 && (node.ConfigString("inputReference") != "" || node.ConfigString("operator") != "") {
		out = append(out, conditionRule{
			input:    node.ConfigString("inputReference"),
			operator: node.ConfigString("operator"),
			compare:  node.ConfigString("compareValue"),
		})
	}
	return out
}

func evalRules(node workflow.Node, ec *Context) (bool, error) {
	rules := rulesOf(node)
	if len(rules) == 0 {
		return false, workflow.NewError(workflow.CodeConditionEvaluationFailed, "condition has no rules")
	}
	or := node.ConfigString("combinator") == "or"
	for _, r := range rules {
		ok, err := evalRule(r, ec.Inputs)
		if err != nil {
			return false, err
		}
		if or && ok {
			return true, nil
		}
		if !or && !ok {
			return false, nil
		}
	}
	return !or, nil
}

func evalRule(r conditionRule, outputs map[string]any) (bool, error) {
	left := refs.Resolve(r.input, outputs)
	right := refs.Resolve(r.compare, outputs)
	return compare(r.operator, left, right)
}

// compare applies one operator to interpolated operands. Equality and
// ordering compare numerically when both sides parse as numbers and fall
// back to exact or lexicographic string comparison otherwise.
func compare(op, left, right string) (bool, error) {
	switch op {
	case "equals":
		if lf, rf, ok := bothNumbers(left, right); ok {
			return lf == rf, nil
		}
		return left == right, nil
	case "not_equals":
		ok, err := compare("equals", left, right)
		return !ok, err
	case "contains":
		return strings.Contains(left, right), nil
	case "not_contains":
		return !strings.Contains(left, right), nil
	case "greater_than":
		return order(left, right) > 0, nil
	case "less_than":
		return order(left, right) < 0, nil
	case "greater_than_or_equals":
		return order(left, right) >= 0, nil
	case "less_than_or_equals":
		return order(left, right) <= 0, nil
	case "is_empty":
		return emptyValue(left), nil
	case "is_not_empty":
		return !emptyValue(left), nil
	case "regex":
		re, err := regexp.Compile(right)
		if err != nil {
			return false, workflow.Errorf(workflow.CodeConditionEvaluationFailed, "invalid regex %q: %v", right, err)
		}
		return re.MatchString(left), nil
	}
	return false, workflow.Errorf(workflow.CodeConditionEvaluationFailed, "unknown operator %q", op)
}

func bothNumbers(a, b string) (float64, float64, bool) {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	return fa, fb, errA == nil && errB == nil
}

func order(a, b string) int {
	if fa, fb, ok := bothNumbers(a, b); ok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// emptyValue treats "", null, and empty JSON containers as empty. Operands
// arrive as interpolated strings, so emptiness is judged at that level.
func emptyValue(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "null", "[]", "{}":
		return true
	}
	return false
}

// evalExpression compiles and runs an expr program. Predecessor results are
// bound both as identifiers and under the inputs map for display names that
// are not valid identifiers.
func evalExpression(code string, ec *Context) (bool, error) {
	env := make(map[string]any, len(ec.Inputs)+2)
	for name, v := range ec.Inputs {
		env[name] = v
	}
	env["inputs"] = ec.Inputs
	env["userInput"] = ec.UserInput

	program, err := expr.Compile(code, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, workflow.Errorf(workflow.CodeConditionEvaluationFailed, "compile expression: %v", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, workflow.Errorf(workflow.CodeConditionEvaluationFailed, "evaluate expression: %v", err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, workflow.Errorf(workflow.CodeConditionEvaluationFailed, "expression returned %T, want bool", out)
	}
	return matched, nil
}

// passthrough picks the condition's pass-through value: a single
// predecessor's result unwrapped, otherwise the keyed map.
func passthrough(ec *Context) any {
	if len(ec.Inputs) == 1 {
		for _, v := range ec.Inputs {
			return v
		}
	}
	return keyedInputs(ec)
}
