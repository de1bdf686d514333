// Package metrics is the pure numeric kernel for prediction scoring.
//
// DESIGN: Every function here is deterministic and side-effect free. Map
// iteration never feeds a floating-point accumulation directly; keys are
// sorted first so sums are reproducible across platforms and runs.
package metrics

import (
	"math"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// epsilon floors log arguments so energies stay finite.
const epsilon = 1e-9

// FuzzyRatio returns the case-insensitive normalized edit-distance ratio
// between two tokens in [0,1]: (|a| + |b| - dist) / (|a| + |b|) over rune
// lengths. Equal tokens (after folding) score 1.
func FuzzyRatio(a, b string) float64 {
	la := strings.ToLower(a)
	lb := strings.ToLower(b)
	if la == lb {
		return 1
	}
	total := len([]rune(la)) + len([]rune(lb))
	if total == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(la, lb)
	return float64(total-dist) / float64(total)
}

// IsFuzzyMatch reports whether a token pair is a fuzzy (not exact) match
// under the given threshold. A threshold of 0 disables fuzzy matching.
func IsFuzzyMatch(a, b string, threshold float64) (bool, float64) {
	if threshold <= 0 {
		return false, 0
	}
	ratio := FuzzyRatio(a, b)
	if ratio >= threshold && ratio < 1 {
		return true, ratio
	}
	return false, ratio
}

// TokenMatch reports whether two tokens match exactly or fuzzily, and the
// similarity of the match (1 for exact).
func TokenMatch(a, b string, fuzzyThreshold float64) (bool, float64) {
	if a == b {
		return true, 1
	}
	if ok, ratio := IsFuzzyMatch(a, b, fuzzyThreshold); ok {
		return true, ratio
	}
	return false, 0
}

// NormalizedEntropy computes Shannon entropy over a symbol frequency
// multiset, normalized by log2 of the distinct-symbol count. Empty or
// single-symbol regions have zero entropy.
func NormalizedEntropy(bag map[string]int) float64 {
	if len(bag) <= 1 {
		return 0
	}
	total := 0
	keys := make([]string, 0, len(bag))
	for sym, n := range bag {
		if n <= 0 {
			continue
		}
		total += n
		keys = append(keys, sym)
	}
	if total == 0 || len(keys) <= 1 {
		return 0
	}
	sort.Strings(keys)
	h := 0.0
	for _, sym := range keys {
		p := float64(bag[sym]) / float64(total)
		h -= p * math.Log2(p)
	}
	return h / math.Log2(float64(len(keys)))
}

// DocFreqFunc reports in how many stored patterns a symbol appears.
// Implementations must return at least 1 for symbols present in the
// queried pattern itself.
type DocFreqFunc func(symbol string) int

// ITFDFSimilarity weighs the intersection of a pattern's symbol bag and
// the STM's symbol bag by inverse token frequency, normalized to [0,1].
// Rare symbols (low document frequency across the pattern corpus) count
// more than ubiquitous ones.
func ITFDFSimilarity(patternBag, stmBag map[string]int, docFreq DocFreqFunc) float64 {
	if len(patternBag) == 0 {
		return 0
	}
	keys := make([]string, 0, len(patternBag))
	for sym := range patternBag {
		keys = append(keys, sym)
	}
	sort.Strings(keys)

	num := 0.0
	den := 0.0
	for _, sym := range keys {
		w := itfWeight(sym, docFreq)
		den += float64(patternBag[sym]) * w
		if stmCount, ok := stmBag[sym]; ok {
			shared := patternBag[sym]
			if stmCount < shared {
				shared = stmCount
			}
			num += float64(shared) * w
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func itfWeight(sym string, docFreq DocFreqFunc) float64 {
	df := 1
	if docFreq != nil {
		if n := docFreq(sym); n > df {
			df = n
		}
	}
	return 1 / (1 + math.Log(float64(df)))
}

// Confidence is the fraction of expected present symbols actually
// observed: matches / (matches + missing). Zero when nothing was expected.
func Confidence(matches, missing int) float64 {
	den := matches + missing
	if den <= 0 {
		return 0
	}
	return float64(matches) / float64(den)
}

// Evidence relates the observed match count to the size of the present
// window in events.
func Evidence(matches, presentEvents int) float64 {
	if presentEvents < 1 {
		presentEvents = 1
	}
	return float64(matches) / float64(presentEvents)
}

// Hamiltonian is the per-event energy: the negative natural log of the
// event's match confidence scaled by the prediction's similarity. Perfect
// matches under full similarity carry zero energy.
func Hamiltonian(eventConfidence, similarity float64) float64 {
	x := eventConfidence * similarity
	if x < epsilon {
		x = epsilon
	}
	return -math.Log(x)
}

// GrandHamiltonian sums per-event energies over the present window. Used
// as an ordering key and tie-breaker only.
func GrandHamiltonian(energies []float64) float64 {
	total := 0.0
	for _, e := range energies {
		total += e
	}
	return total
}

// Confluence is the product of per-event confidences, a probability proxy
// for the whole present window matching at once.
func Confluence(eventConfidences []float64) float64 {
	if len(eventConfidences) == 0 {
		return 0
	}
	p := 1.0
	for _, c := range eventConfidences {
		p *= c
	}
	return p
}
