package store

// deepMerge performs a recursive merge across layers: objects merge field by
// field, arrays are replaced wholesale, scalars replace outright.
// Later arguments win at every level ("right-wins deep merge").
func deepMerge(layers ...map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	return out
}

func mergeInto(dst map[string]interface{}, src map[string]interface{}) {
	for k, v := range src {
		if existing, ok := dst[k]; ok {
			if dstMap, ok1 := existing.(map[string]interface{}); ok1 {
				if srcMap, ok2 := v.(map[string]interface{}); ok2 {
					merged := map[string]interface{}{}
					mergeInto(merged, dstMap)
					mergeInto(merged, srcMap)
					dst[k] = merged
					continue
				}
			}
		}
		dst[k] = v
	}
}
