package refs

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestResolveScalars(t *testing.T) {
	t.Parallel()

	outputs := map[string]any{
		"Input": map[string]any{"prompt": "hello", "value": "hello"},
		"Agent": map[string]any{"result": "done", "count": 3.0, "ok": true},
	}

	cases := []struct {
		text string
		want string
	}{
		{"Echo: {{Input.prompt}}", "Echo: hello"},
		{"{{Agent.result}} and {{Agent.count}}", "done and 3"},
		{"flag={{Agent.ok}}", "flag=true"},
		{"no references here", "no references here"},
		{"{{ Input.prompt }}", "hello"},
		{"{{Input.prompt}}{{Input.value}}", "hellohello"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Resolve(tc.text, outputs), "text %q", tc.text)
	}
}

func TestResolveNestedAndIndexed(t *testing.T) {
	t.Parallel()

	outputs := map[string]any{
		"Fetch": map[string]any{
			"items": []any{
				map[string]any{"title": "first"},
				map[string]any{"title": "second"},
			},
			"meta": map[string]any{"page": map[string]any{"number": 2.0}},
		},
	}

	require.Equal(t, "first", Resolve("{{Fetch.items[0].title}}", outputs))
	require.Equal(t, "second", Resolve("{{Fetch.items[1].title}}", outputs))
	require.Equal(t, "2", Resolve("{{Fetch.meta.page.number}}", outputs))

	// Non-scalar resolution is JSON-stringified.
	got := Resolve("{{Fetch.items[0]}}", outputs)
	require.JSONEq(t, `{"title":"first"}`, got)
}

func TestResolveUnresolvableStaysVerbatim(t *testing.T) {
	t.Parallel()

	outputs := map[string]any{
		"Known": map[string]any{"field": "x"},
	}

	cases := []string{
		"{{Unknown.field}}",
		"{{Known.missing}}",
		"{{Known.field.deeper}}",
		"{{Fetch.items[9].title}}",
	}
	for _, text := range cases {
		require.Equal(t, text, Resolve(text, outputs), "token should stay verbatim")
	}

	// Resolvable and unresolvable tokens mix in one string.
	got := Resolve("a {{Known.field}} b {{Unknown.x}}", outputs)
	require.Equal(t, "a x b {{Unknown.x}}", got)
}

func TestResolveWholeOutput(t *testing.T) {
	t.Parallel()

	outputs := map[string]any{
		"Agent": "plain result",
		"Data":  map[string]any{"k": "v"},
	}

	require.Equal(t, "plain result", Resolve("{{Agent}}", outputs))
	require.JSONEq(t, `{"k":"v"}`, Resolve("{{Data}}", outputs))
}

func TestResolveNodeNamesWithSpaces(t *testing.T) {
	t.Parallel()

	outputs := map[string]any{
		"My Agent": map[string]any{"result": "ok"},
	}
	require.Equal(t, "ok", Resolve("{{My Agent.result}}", outputs))
}

func TestResolveNullField(t *testing.T) {
	t.Parallel()

	outputs := map[string]any{
		"Agent": map[string]any{"result": nil},
	}
	require.Equal(t, "null", Resolve("{{Agent.result}}", outputs))
}

func TestFindReferences(t *testing.T) {
	t.Parallel()

	got := FindReferences("x {{A.result}} y {{B.items[0].title}} z {{C}}")
	require.Len(t, got, 3)
	require.Equal(t, Reference{Raw: "{{A.result}}", Node: "A", Path: "result"}, got[0])
	require.Equal(t, Reference{Raw: "{{B.items[0].title}}", Node: "B", Path: "items[0].title"}, got[1])
	require.Equal(t, Reference{Raw: "{{C}}", Node: "C", Path: ""}, got[2])

	require.Nil(t, FindReferences("no tokens"))
	require.Nil(t, FindReferences("{{}}"))
}

func TestResolveDoesNotRecurse(t *testing.T) {
	t.Parallel()

	// A resolved value containing token syntax is not re-resolved.
	outputs := map[string]any{
		"A": map[string]any{"tpl": "{{B.x}}"},
		"B": map[string]any{"x": "secret"},
	}
	require.Equal(t, "{{B.x}}", Resolve("{{A.tpl}}", outputs))
}

// Interpolation leaves reference-free text untouched, and every discovered
// reference disappears from the text once its node and field exist.
func TestResolveProperties(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	plain := gen.RegexMatch(`[a-zA-Z0-9 .,!?_-]*`)

	properties.Property("reference-free text is a fixed point", prop.ForAll(
		func(text string) bool {
			return Resolve(text, map[string]any{"N": map[string]any{"f": "v"}}) == text
		},
		plain,
	))

	name := gen.RegexMatch(`[A-Z][a-zA-Z0-9]{0,8}`)
	field := gen.RegexMatch(`[a-z][a-zA-Z0-9]{0,8}`)
	value := gen.RegexMatch(`[a-zA-Z0-9]{0,12}`)

	properties.Property("present references are fully replaced", prop.ForAll(
		func(n, f, v, prefix, suffix string) bool {
			text := prefix + "{{" + n + "." + f + "}}" + suffix
			outputs := map[string]any{n: map[string]any{f: v}}
			resolved := Resolve(text, outputs)
			if strings.Contains(prefix+suffix, "{{") {
				return true // generator artifact, skip
			}
			for _, ref := range FindReferences(text) {
				if ref.Node == n && ref.Path == f && strings.Contains(resolved, ref.Raw) {
					return false
				}
			}
			return resolved == prefix+v+suffix
		},
		name, field, value, plain, plain,
	))

	properties.TestingRun(t)
}
