// Emotive aggregation: rolling per-learn windows and arithmetic means.
package pattern

import "sort"

// AggregateEmotives folds the raw per-observation emotive maps accumulated
// during one STM window into a single map. Keys are summed in sorted order
// so the floating-point result is platform-stable.
func AggregateEmotives(raw []map[string]float64) map[string]float64 {
	if len(raw) == 0 {
		return nil
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, m := range raw {
		for k := range m {
			counts[k]++
		}
	}
	keys := sortedKeys(counts)
	for _, k := range keys {
		for _, m := range raw {
			if v, ok := m[k]; ok {
				sums[k] += v
			}
		}
	}
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		out[k] = sums[k] / float64(counts[k])
	}
	return out
}

// MeanEmotives averages a pattern's emotive profile per key. Entries that
// lack a key do not dilute that key's mean.
func MeanEmotives(profile []map[string]float64) map[string]float64 {
	if len(profile) == 0 {
		return map[string]float64{}
	}
	return AggregateEmotives(profile)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
