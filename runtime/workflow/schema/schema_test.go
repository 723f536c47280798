package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"agentflow.dev/agentflow/runtime/workflow"
)

func TestDefaultCoversAllNodeTypes(t *testing.T) {
	t.Parallel()

	r := Default()
	for _, nt := range []workflow.NodeType{
		workflow.TypeInput, workflow.TypeOutput, workflow.TypeClaude,
		workflow.TypeCodex, workflow.TypeCondition, workflow.TypeMerge,
		workflow.TypeJavaScript, workflow.TypeBash, workflow.TypeApproval,
		workflow.TypeSelfReflect,
	} {
		s, ok := r.Lookup(nt)
		require.True(t, ok, "missing schema for %s", nt)
		require.Equal(t, nt, s.Type)
		_, hasName := s.Properties["name"]
		require.True(t, hasName, "%s has no name property", nt)
	}
	require.Len(t, r.Types(), 10)
}

func TestInputOutputNotDeletable(t *testing.T) {
	t.Parallel()

	r := Default()
	in, _ := r.Lookup(workflow.TypeInput)
	out, _ := r.Lookup(workflow.TypeOutput)
	require.False(t, in.Deletable)
	require.False(t, out.Deletable)

	agent, _ := r.Lookup(workflow.TypeClaude)
	require.True(t, agent.Deletable)
}

func TestResolvePath(t *testing.T) {
	t.Parallel()

	r := Default()

	p, ok := r.ResolvePath(workflow.TypeClaude, []string{"userQuery"})
	require.True(t, ok)
	require.Equal(t, TypeTextArea, p.Type)

	// Array element field through a numeric index.
	p, ok = r.ResolvePath(workflow.TypeJavaScript, []string{"inputMappings", "0", "name"})
	require.True(t, ok)
	require.Equal(t, TypeString, p.Type)

	// Condition rules behave like arrays.
	p, ok = r.ResolvePath(workflow.TypeCondition, []string{"rules", "2", "operator"})
	require.True(t, ok)
	require.Equal(t, TypeSelect, p.Type)

	// Array property itself resolves without an index.
	p, ok = r.ResolvePath(workflow.TypeJavaScript, []string{"inputMappings"})
	require.True(t, ok)
	require.Equal(t, TypeArray, p.Type)

	_, ok = r.ResolvePath(workflow.TypeClaude, []string{"nonexistent"})
	require.False(t, ok)

	// Scalars cannot be descended into.
	_, ok = r.ResolvePath(workflow.TypeClaude, []string{"userQuery", "deeper"})
	require.False(t, ok)

	// Indexing a non-array fails.
	_, ok = r.ResolvePath(workflow.TypeClaude, []string{"userQuery", "0"})
	require.False(t, ok)

	_, ok = r.ResolvePath(workflow.NodeType("bogus"), []string{"name"})
	require.False(t, ok)
}

func TestValidateData(t *testing.T) {
	t.Parallel()

	r := Default()

	valid := workflow.Node{
		ID:   "a",
		Type: workflow.TypeClaude,
		Data: map[string]any{
			"type":      "claude-agent",
			"name":      "Agent",
			"model":     "opus",
			"userQuery": "do the thing",
			"timeout":   1000.0,
		},
	}
	require.Empty(t, r.ValidateData(valid))

	missing := valid
	missing.Data = map[string]any{"name": "Agent"}
	problems := r.ValidateData(missing)
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "userQuery")

	badOption := valid.Clone()
	badOption.Data["model"] = "gpt-99"
	problems = r.ValidateData(badOption)
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "not an allowed option")

	badType := valid.Clone()
	badType.Data["timeout"] = "soon"
	problems = r.ValidateData(badType)
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "must be a number")

	mismatched := valid.Clone()
	mismatched.Data["type"] = "bash"
	problems = r.ValidateData(mismatched)
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "does not match node type")

	unknown := workflow.Node{Type: workflow.NodeType("bogus"), Data: map[string]any{}}
	problems = r.ValidateData(unknown)
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "unknown node type")
}

func TestValidateDataMultiselectAndGroups(t *testing.T) {
	t.Parallel()

	r := Default()

	n := workflow.Node{
		Type: workflow.TypeSelfReflect,
		Data: map[string]any{
			"name":           "Reflect",
			"reflectionGoal": "tighten prompts",
			"scope":          []any{"prompts", "models"},
		},
	}
	require.Empty(t, r.ValidateData(n))

	n.Data["scope"] = []any{"prompts", "bogus-scope"}
	problems := r.ValidateData(n)
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "bogus-scope")

	js := workflow.Node{
		Type: workflow.TypeJavaScript,
		Data: map[string]any{
			"name": "Transform",
			"code": "result = 1",
			"inputMappings": []any{
				map[string]any{"name": "x", "value": "{{Input.value}}"},
			},
		},
	}
	require.Empty(t, r.ValidateData(js))

	js.Data["inputMappings"] = []any{map[string]any{"value": "{{Input.value}}"}}
	problems = r.ValidateData(js)
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "name")
}
