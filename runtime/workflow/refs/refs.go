// Package refs implements the {{NodeName.field[.path][idx]}} reference
// syntax used to wire node outputs into downstream node config.
//
// Resolution is lazy and string-level: tokens whose node or field cannot be
// found are left verbatim so users can author templates before upstream
// schemas exist. Non-scalar values are JSON-stringified. The same tokenizer
// backs both interpolation and reference discovery, which keeps edge
// inference and runtime behavior aligned.
package refs

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

type (
	// Reference is one parsed {{...}} token.
	Reference struct {
		// Raw is the full token including braces.
		Raw string
		// Node is the referenced node's display name.
		Node string
		// Path is the dotted field path after the node name; may be empty.
		Path string
	}
)

var tokenRE = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// indexRE rewrites key[3] into key.3 for gjson navigation.
var indexRE = regexp.MustCompile(`\[(\d+)\]`)

// FindReferences returns every reference token in text, in order of
// appearance. Duplicate tokens are returned once per occurrence.
func FindReferences(text string) []Reference {
	matches := tokenRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Reference, 0, len(matches))
	for _, m := range matches {
		name, path := splitToken(m[1])
		if name == "" {
			continue
		}
		out = append(out, Reference{Raw: m[0], Node: name, Path: path})
	}
	return out
}

// Resolve interpolates every resolvable reference in text against the
// name → output map and returns the result. Unresolvable tokens stay
// verbatim. Resolve never fails.
func Resolve(text string, outputs map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return tokenRE.ReplaceAllStringFunc(text, func(tok string) string {
		inner := strings.TrimSpace(tok[2 : len(tok)-2])
		name, path := splitToken(inner)
		if name == "" {
			return tok
		}
		value, ok := outputs[name]
		if !ok {
			return tok
		}
		if path == "" {
			return Stringify(value)
		}
		resolved, ok := navigate(value, path)
		if !ok {
			return tok
		}
		return resolved
	})
}

// ResolveValue returns the structured value behind text when the whole text
// is a single reference token. It reports false for anything else, including
// unresolvable tokens, so callers can fall back to string interpolation.
func ResolveValue(text string, outputs map[string]any) (any, bool) {
	trimmed := strings.TrimSpace(text)
	m := tokenRE.FindStringSubmatch(trimmed)
	if m == nil || m[0] != trimmed {
		return nil, false
	}
	name, path := splitToken(m[1])
	if name == "" {
		return nil, false
	}
	value, ok := outputs[name]
	if !ok {
		return nil, false
	}
	if path == "" {
		return value, true
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	gpath := strings.TrimPrefix(indexRE.ReplaceAllString(path, ".$1"), ".")
	res := gjson.GetBytes(raw, gpath)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// splitToken separates the node name from the field path. The name runs up
// to the first dot or bracket; it may contain spaces.
func splitToken(inner string) (name, path string) {
	dot := strings.IndexByte(inner, '.')
	bracket := strings.IndexByte(inner, '[')
	cut := dot
	if cut < 0 || (bracket >= 0 && bracket < cut) {
		cut = bracket
	}
	if cut < 0 {
		return strings.TrimSpace(inner), ""
	}
	name = strings.TrimSpace(inner[:cut])
	path = inner[cut:]
	path = strings.TrimPrefix(path, ".")
	return name, path
}

// navigate digs into value along the dotted path. It reports false when the
// path does not exist so the caller can leave the token verbatim.
func navigate(value any, path string) (string, bool) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", false
	}
	gpath := strings.TrimPrefix(indexRE.ReplaceAllString(path, ".$1"), ".")
	res := gjson.GetBytes(raw, gpath)
	if !res.Exists() {
		return "", false
	}
	switch res.Type {
	case gjson.String:
		return res.String(), true
	case gjson.Null:
		return "null", true
	default:
		return res.Raw, true
	}
}

// Stringify renders a resolved value for interpolation: strings pass
// through, everything else is JSON-encoded.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
