package store

import "github.com/goccy/go-json"

// filterValue implements recipe.filter: "a safe-data allowlist"
// constraining which fields of a query/modify value pass through. The
// filter tree mirrors the data shape: `{"field": true}` keeps a scalar
// field, `{"field": {...}}` recurses into a nested object, and a filter
// applied to an array result is applied element-wise.
func filterValue(v interface{}, filter json.RawMessage) interface{} {
	if len(filter) == 0 {
		return v
	}
	var spec interface{}
	if err := json.Unmarshal(filter, &spec); err != nil {
		return v
	}
	return applyFilter(v, spec)
}

// FilterRecord applies recipe.filter to v. ApiWare uses this to constrain
// which fields of an incoming Modify record a caller may set, the write-side
// counterpart to the read-side filtering Query already applies internally.
func FilterRecord(v interface{}, filter json.RawMessage) interface{} {
	return filterValue(v, filter)
}

func applyFilter(v interface{}, spec interface{}) interface{} {
	specMap, isObjectFilter := spec.(map[string]interface{})
	if !isObjectFilter {
		return v
	}

	switch val := v.(type) {
	case map[string]interface{}:
		out := map[string]interface{}{}
		for field, rule := range specMap {
			fv, ok := val[field]
			if !ok {
				continue
			}
			switch r := rule.(type) {
			case bool:
				if r {
					out[field] = fv
				}
			case map[string]interface{}:
				out[field] = applyFilter(fv, r)
			default:
				out[field] = fv
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = applyFilter(elem, spec)
		}
		return out
	default:
		return v
	}
}
