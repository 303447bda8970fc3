package graph

import (
	"encoding/json"
	"strings"
)

// rawJSONSuffix marks properties holding serialized arrays of objects.
const rawJSONSuffix = "_raw_json"

// Flatten converts an arbitrarily nested property map into the flat form
// the storage layer persists:
//
//   - nested objects become "a_b_c" keys joined with underscores
//   - arrays of primitives pass through unchanged
//   - arrays containing objects are JSON-serialized under "<key>_raw_json"
//
// Flatten never mutates its input and always returns a non-nil map.
func Flatten(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	flattenInto(out, "", props)
	return out
}

func flattenInto(out map[string]any, prefix string, props map[string]any) {
	for k, v := range props {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch vv := v.(type) {
		case map[string]any:
			flattenInto(out, key, vv)
		case []any:
			if arrayHasObjects(vv) {
				data, err := json.Marshal(vv)
				if err != nil {
					// Unserializable values are dropped rather than
					// corrupting the flat map.
					continue
				}
				out[key+rawJSONSuffix] = string(data)
			} else {
				cp := make([]any, len(vv))
				copy(cp, vv)
				out[key] = cp
			}
		default:
			out[key] = v
		}
	}
}

func arrayHasObjects(arr []any) bool {
	for _, v := range arr {
		switch v.(type) {
		case map[string]any, []any:
			return true
		}
	}
	return false
}

// Unflatten reconstructs nested structure from a flat property map where
// that is unambiguous, and leaves keys flat where it is not.
//
// A group of keys sharing a prefix ("meta_author", "meta_year") is
// reassembled into a nested object under "meta" only when no sibling key
// equals the prefix itself; a conflict keeps the whole group flat, so
// Unflatten(Flatten(x)) round-trips representable payloads without ever
// inventing structure. "<key>_raw_json" values are decoded back into
// arrays of objects.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))

	// Pass 1: decode raw_json arrays.
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	work := make(map[string]any, len(flat))
	for _, k := range keys {
		v := flat[k]
		if strings.HasSuffix(k, rawJSONSuffix) {
			if s, ok := v.(string); ok {
				var arr []any
				if err := json.Unmarshal([]byte(s), &arr); err == nil {
					work[strings.TrimSuffix(k, rawJSONSuffix)] = arr
					continue
				}
			}
		}
		work[k] = v
	}

	// Pass 2: group by first underscore segment where unambiguous.
	for k, v := range work {
		idx := strings.Index(k, "_")
		if idx <= 0 {
			out[k] = v
			continue
		}
		head := k[:idx]
		if _, conflict := work[head]; conflict {
			out[k] = v // "a" and "a_b" both present: stay flat
			continue
		}
		rest := k[idx+1:]
		sub, ok := out[head].(map[string]any)
		if !ok {
			if _, taken := out[head]; taken {
				out[k] = v
				continue
			}
			sub = make(map[string]any)
			out[head] = sub
		}
		insertNested(sub, rest, v, work, head)
	}

	return out
}

// insertNested places value under the (possibly still underscored) rest of
// the key, recursing while the remaining segments are unambiguous against
// the sibling set.
func insertNested(dst map[string]any, key string, value any, flat map[string]any, prefix string) {
	idx := strings.Index(key, "_")
	if idx <= 0 {
		dst[key] = value
		return
	}
	head := key[:idx]
	if _, conflict := flat[prefix+"_"+head]; conflict {
		dst[key] = value
		return
	}
	sub, ok := dst[head].(map[string]any)
	if !ok {
		if _, taken := dst[head]; taken {
			dst[key] = value
			return
		}
		sub = make(map[string]any)
		dst[head] = sub
	}
	insertNested(sub, key[idx+1:], value, flat, prefix+"_"+head)
}
