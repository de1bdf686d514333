// Pattern matching: aligns candidate patterns against the STM and
// segments each match into past / present / future with symbol-level
// matches, missing, extras, and fuzzy anomalies.
//
// DESIGN: The present window is a contiguous run of pattern events in
// which every event aligns to a distinct STM event, order preserving. A
// DP over (pattern event, STM event) run endings picks the window
// maximizing (run length, total token matches) with the smallest window
// start as the deterministic tie-break. Symbol accounting inside each
// aligned event pair is one-to-one: an exact pass first, then a fuzzy
// pass over the leftovers, so an exact match is never stolen by a fuzzy
// one.
package engine

import (
	"github.com/katoengine/kato/internal/metrics"
	"github.com/katoengine/kato/internal/pattern"
	"github.com/katoengine/kato/internal/session"
)

// segmented is one candidate's alignment result before scoring.
type segmented struct {
	pat              *pattern.Pattern
	past             []pattern.Event
	present          []pattern.Event
	future           []pattern.Event
	matches          []string
	missing          []string
	extras           []string
	anomalies        []pattern.Anomaly
	eventConfidences []float64 // per present event, pattern order
	tokenMatches     int
}

// alignCandidate segments one pattern against the STM. Returns nil when
// no event of the pattern matches any STM event.
func alignCandidate(p *pattern.Pattern, stm []pattern.Event, cfg session.Config) *segmented {
	pairs := alignEvents(stm, p.Events, cfg.FuzzyTokenThreshold)
	if len(pairs) == 0 {
		return nil
	}

	i := pairs[0].patIdx
	j := pairs[len(pairs)-1].patIdx
	sFirst := pairs[0].stmIdx
	sLast := pairs[len(pairs)-1].stmIdx

	seg := &segmented{
		pat:     p,
		past:    pattern.CloneEvents(p.Events[:i]),
		present: pattern.CloneEvents(p.Events[i : j+1]),
		future:  pattern.CloneEvents(p.Events[j+1:]),
	}

	// Track which STM symbols get consumed, per STM event in the span.
	used := make(map[int][]bool, sLast-sFirst+1)
	for s := sFirst; s <= sLast; s++ {
		used[s] = make([]bool, len(stm[s]))
	}

	// Every present event carries an aligned STM event; the window never
	// spans an unmatched pattern event.
	for _, pr := range pairs {
		expected := p.Events[pr.patIdx]
		matched, missing, anomalies := accountSymbols(expected, stm[pr.stmIdx], used[pr.stmIdx], cfg.FuzzyTokenThreshold)
		seg.matches = append(seg.matches, matched...)
		seg.missing = append(seg.missing, missing...)
		seg.anomalies = append(seg.anomalies, anomalies...)
		seg.tokenMatches += len(matched)
		conf := 0.0
		if len(expected) > 0 {
			conf = float64(len(matched)) / float64(len(expected))
		}
		seg.eventConfidences = append(seg.eventConfidences, conf)
	}

	// Extras: observed symbols in the aligned STM span the present window
	// never consumed, in observed order.
	for s := sFirst; s <= sLast; s++ {
		for idx, sym := range stm[s] {
			if !used[s][idx] {
				seg.extras = append(seg.extras, sym)
			}
		}
	}

	return seg
}

// eventPair aligns one STM event to one pattern event.
type eventPair struct {
	stmIdx int
	patIdx int
}

// alignEvents finds the best contiguous window of pattern events in which
// every event aligns to a distinct STM event, order preserving. An event
// pair is alignable iff at least one symbol of the STM event
// token-matches at least one symbol of the pattern event. The window
// maximizes (length, total token matches), then takes the smallest
// pattern start index, then the earliest STM alignment.
func alignEvents(stm, pat []pattern.Event, fuzzyThreshold float64) []eventPair {
	n := len(stm)
	m := len(pat)
	if n == 0 || m == 0 {
		return nil
	}

	// Pairwise event match strengths, computed once.
	strength := make([][]int, n)
	for s := 0; s < n; s++ {
		strength[s] = make([]int, m)
		for k := 0; k < m; k++ {
			strength[s][k] = eventMatchStrength(stm[s], pat[k], fuzzyThreshold)
		}
	}

	// runs[k][s]: best run of consecutive pattern events ending with
	// pat[k] aligned to stm[s]. prev is the STM index of pat[k-1] in that
	// run, -1 when the run starts at k, -2 when no run ends here.
	type runCell struct {
		length int
		tokens int
		prev   int
	}
	runs := make([][]runCell, m)
	for k := 0; k < m; k++ {
		runs[k] = make([]runCell, n)
		for s := 0; s < n; s++ {
			runs[k][s] = runCell{prev: -2}
			t := strength[s][k]
			if t == 0 {
				continue
			}
			best := runCell{length: 1, tokens: t, prev: -1}
			if k > 0 {
				for s2 := 0; s2 < s; s2++ {
					c := runs[k-1][s2]
					if c.prev == -2 {
						continue
					}
					cand := runCell{length: c.length + 1, tokens: c.tokens + t, prev: s2}
					if cand.length > best.length || (cand.length == best.length && cand.tokens > best.tokens) {
						best = cand
					}
				}
			}
			runs[k][s] = best
		}
	}

	// Pick the best run end. Scanning k then s ascending keeps the
	// earliest window and STM alignment on exact ties.
	bestK, bestS := -1, -1
	for k := 0; k < m; k++ {
		for s := 0; s < n; s++ {
			c := runs[k][s]
			if c.prev == -2 {
				continue
			}
			if bestK < 0 {
				bestK, bestS = k, s
				continue
			}
			b := runs[bestK][bestS]
			switch {
			case c.length != b.length:
				if c.length > b.length {
					bestK, bestS = k, s
				}
			case c.tokens != b.tokens:
				if c.tokens > b.tokens {
					bestK, bestS = k, s
				}
			case k-c.length < bestK-b.length:
				bestK, bestS = k, s
			}
		}
	}
	if bestK < 0 {
		return nil
	}

	pairs := make([]eventPair, runs[bestK][bestS].length)
	k, s := bestK, bestS
	for i := len(pairs) - 1; i >= 0; i-- {
		pairs[i] = eventPair{stmIdx: s, patIdx: k}
		s = runs[k][s].prev
		k--
	}
	return pairs
}

// eventMatchStrength counts how many pattern symbols find a one-to-one
// token match in the STM event (exact pass, then fuzzy pass). Zero means
// the events do not match.
func eventMatchStrength(stmEvent, patEvent pattern.Event, fuzzyThreshold float64) int {
	used := make([]bool, len(stmEvent))
	matched, _, _ := accountSymbols(patEvent, stmEvent, used, fuzzyThreshold)
	return len(matched)
}

// accountSymbols performs one-to-one symbol accounting for an aligned
// event pair. used marks consumed STM symbols and is shared with extras
// accounting. Returned slices preserve pattern order for matched and
// missing symbols.
func accountSymbols(expected, observed pattern.Event, used []bool, fuzzyThreshold float64) (matched, missing []string, anomalies []pattern.Anomaly) {
	assigned := make([]int, len(expected)) // index into observed, -1 = unmatched
	for i := range assigned {
		assigned[i] = -1
	}

	// Exact pass, pattern order.
	for pi, sym := range expected {
		for oi, obs := range observed {
			if used[oi] || obs != sym {
				continue
			}
			assigned[pi] = oi
			used[oi] = true
			break
		}
	}

	// Fuzzy pass over leftovers: best ratio wins, earliest observed
	// symbol on ties.
	if fuzzyThreshold > 0 {
		for pi, sym := range expected {
			if assigned[pi] != -1 {
				continue
			}
			bestIdx := -1
			bestRatio := 0.0
			for oi, obs := range observed {
				if used[oi] {
					continue
				}
				ok, ratio := metrics.IsFuzzyMatch(sym, obs, fuzzyThreshold)
				if ok && ratio > bestRatio {
					bestRatio = ratio
					bestIdx = oi
				}
			}
			if bestIdx >= 0 {
				assigned[pi] = bestIdx
				used[bestIdx] = true
				anomalies = append(anomalies, pattern.Anomaly{
					Expected:   sym,
					Observed:   observed[bestIdx],
					Similarity: bestRatio,
				})
			}
		}
	}

	for pi, sym := range expected {
		if assigned[pi] >= 0 {
			matched = append(matched, sym)
		} else {
			missing = append(missing, sym)
		}
	}
	return matched, missing, anomalies
}
