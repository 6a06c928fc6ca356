package store

import (
	"regexp"
	"sort"

	"github.com/PaesslerAG/jsonpath"
	"github.com/goccy/go-json"
)

// bindingToken matches a $name reference inside a recipe expression, per
// "named parameter substitution ($name bindings)".
var bindingToken = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteBindings inlines bindings as JSON literals into expr before
// the jsonpath expression is evaluated. PaesslerAG/jsonpath (built on
// PaesslerAG/gval) evaluates a single static path string against a single
// document; it has no first-class "named query parameter" concept, so
// bindings are spliced in textually as JSON literals, which is enough to
// cover field access, slicing, predicates and binds once the literal is
// inlined.
func substituteBindings(expr string, bindings map[string]interface{}) (string, error) {
	var substErr error
	out := bindingToken.ReplaceAllStringFunc(expr, func(tok string) string {
		name := tok[1:]
		val, ok := bindings[name]
		if !ok {
			// Leave unresolved binds untouched; the query engine will
			// error on the malformed path and the caller falls back to
			// recipe.defaults.
			return tok
		}
		lit, err := jsonLiteral(val)
		if err != nil {
			substErr = err
			return tok
		}
		return lit
	})
	if substErr != nil {
		return "", substErr
	}
	return out, nil
}

// jsonLiteral renders val the way it needs to appear inside a jsonpath
// filter expression: strings double-quoted with JSON escaping (the gval
// scanner under PaesslerAG/jsonpath reads '...' as a character literal, not
// a string), numbers/bools/null bare.
func jsonLiteral(val interface{}) (string, error) {
	switch v := val.(type) {
	case nil:
		return "null", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// substituteBindingsJSON is substituteBindings' counterpart for templates
// that are parsed as plain JSON afterward (recipe.unique) rather than
// evaluated as a jsonpath filter — every value, null included, is written
// with standard JSON encoding.
func substituteBindingsJSON(tmpl string, bindings map[string]interface{}) (string, error) {
	var substErr error
	out := bindingToken.ReplaceAllStringFunc(tmpl, func(tok string) string {
		name := tok[1:]
		val, ok := bindings[name]
		if !ok {
			return tok
		}
		b, err := json.Marshal(val)
		if err != nil {
			substErr = err
			return tok
		}
		return string(b)
	})
	if substErr != nil {
		return "", substErr
	}
	return out, nil
}

// evalExpression runs a recipe expression against the whole store tree.
func evalExpression(tree interface{}, expr string, bindings map[string]interface{}) (interface{}, error) {
	resolved, err := substituteBindings(expr, bindings)
	if err != nil {
		return nil, err
	}
	return jsonpath.Get(resolved, tree)
}

// applyLimit implements recipe.limit: positive = head, negative =
// tail slice, over a query result that must be a slice to be sliceable.
func applyLimit(v interface{}, limit int) interface{} {
	if limit == 0 {
		return v
	}
	arr, ok := v.([]interface{})
	if !ok {
		return v
	}
	n := len(arr)
	if limit > 0 {
		if limit > n {
			limit = n
		}
		return append([]interface{}{}, arr[:limit]...)
	}
	// negative: tail slice
	k := -limit
	if k > n {
		k = n
	}
	return append([]interface{}{}, arr[n-k:]...)
}

// applyHeader implements recipe.header: prepended to array
// results.
func applyHeader(v interface{}, header json.RawMessage) (interface{}, error) {
	if len(header) == 0 {
		return v, nil
	}
	arr, ok := v.([]interface{})
	if !ok {
		return v, nil
	}
	var h interface{}
	if err := json.Unmarshal(header, &h); err != nil {
		return nil, err
	}
	return append([]interface{}{h}, arr...), nil
}

// deepCopy round-trips v through JSON to guarantee callers can't mutate
// store-owned state by holding onto a returned query result.
func deepCopy(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// sortedKeys returns m's keys in sorted order, for deterministic map
// iteration. Nothing in this package calls it.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
