// Metadata accumulators: per-key set-union of JSON-compatible values.
//
// Values are deduplicated by canonical JSON encoding and kept sorted by
// that encoding, so accumulator contents are deterministic regardless of
// observation order.
package pattern

import (
	"encoding/json"
	"sort"
)

// UnionValues merges vals into existing, deduplicating by canonical JSON
// encoding. The result is sorted by encoding.
func UnionValues(existing []any, vals []any) []any {
	seen := make(map[string]any, len(existing)+len(vals))
	for _, v := range existing {
		seen[canonicalValue(v)] = v
	}
	for _, v := range vals {
		key := canonicalValue(v)
		if _, ok := seen[key]; !ok {
			seen[key] = v
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out
}

// AggregateMetadata unions the raw per-observation metadata maps from one
// STM window into per-key value sets.
func AggregateMetadata(raw []map[string]any) map[string][]any {
	out := make(map[string][]any)
	for _, m := range raw {
		for k, v := range m {
			out[k] = UnionValues(out[k], []any{v})
		}
	}
	return out
}

// canonicalValue renders a value as its JSON encoding for set membership.
// Encoding failures (non-JSON values never reach here through the API) fall
// back to the empty string, which still dedupes deterministically.
func canonicalValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
