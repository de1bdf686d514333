// Prediction scoring and ranking.
//
// Candidates are segmented and scored concurrently (errgroup, bounded),
// collected positionally, then filtered and ranked sequentially so the
// output order never depends on goroutine scheduling. Document
// frequencies are resolved once, before the parallel phase, into a
// read-only map.
package engine

import (
	"context"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/katoengine/kato/internal/metrics"
	"github.com/katoengine/kato/internal/pattern"
	"github.com/katoengine/kato/internal/session"
)

// predict computes ranked predictions for the session's current STM.
// Pure with respect to session state; reads the pattern store only.
func (e *Engine) predict(ctx context.Context, st *session.State) ([]pattern.Prediction, error) {
	if len(st.STM) == 0 {
		return []pattern.Prediction{}, nil
	}

	stmBag := pattern.SymbolBag(st.STM)
	symbols := sortedBagKeys(stmBag)

	if cached, ok := e.cachedPredictions(st); ok {
		return cached, nil
	}

	candidates, err := e.retrieveCandidates(ctx, st.NodeID, symbols)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		e.storePredictions(st, []pattern.Prediction{})
		return []pattern.Prediction{}, nil
	}

	docFreq, err := e.resolveDocFreqs(ctx, st.NodeID, stmBag, candidates)
	if err != nil {
		return nil, err
	}

	results := make([]*pattern.Prediction, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for idx, cand := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			seg := alignCandidate(cand, st.STM, st.Config)
			if seg == nil {
				return nil
			}
			p := scoreCandidate(seg, stmBag, docFreq)
			if p.Similarity < st.Config.RecallThreshold {
				return nil
			}
			results[idx] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	predictions := make([]pattern.Prediction, 0, len(results))
	for _, p := range results {
		if p != nil {
			predictions = append(predictions, *p)
		}
	}
	rankPredictions(predictions, st.Config.RankSortAlgo)
	if len(predictions) > st.Config.MaxPredictions {
		predictions = predictions[:st.Config.MaxPredictions]
	}

	e.storePredictions(st, predictions)
	return predictions, nil
}

// scoreCandidate attaches the full scoring field set to one segmented
// candidate.
func scoreCandidate(seg *segmented, stmBag map[string]int, docFreq map[string]int) *pattern.Prediction {
	patternBag := seg.pat.SymbolBag()

	// Fuzzy-matched symbols count under their expected form, otherwise a
	// purely fuzzy match would score zero similarity and never clear the
	// recall threshold.
	effBag := stmBag
	if len(seg.anomalies) > 0 {
		effBag = make(map[string]int, len(stmBag))
		for sym, n := range stmBag {
			effBag[sym] = n
		}
		for _, a := range seg.anomalies {
			if effBag[a.Observed] > 0 {
				effBag[a.Observed]--
			}
			effBag[a.Expected]++
		}
	}

	similarity := metrics.ITFDFSimilarity(patternBag, effBag, func(sym string) int {
		return docFreq[sym]
	})

	energies := make([]float64, len(seg.eventConfidences))
	for i, conf := range seg.eventConfidences {
		energies[i] = metrics.Hamiltonian(conf, similarity)
	}

	return &pattern.Prediction{
		Name:             pattern.DisplayName(seg.pat.Identity),
		Past:             seg.past,
		Present:          seg.present,
		Future:           seg.future,
		Matches:          seg.matches,
		Missing:          seg.missing,
		Extras:           seg.extras,
		Anomalies:        seg.anomalies,
		Similarity:       similarity,
		Confidence:       metrics.Confidence(len(seg.matches), len(seg.missing)),
		Evidence:         metrics.Evidence(len(seg.matches), len(seg.present)),
		Entropy:          metrics.NormalizedEntropy(pattern.SymbolBag(seg.present)),
		Frequency:        seg.pat.Frequency,
		Emotives:         pattern.MeanEmotives(seg.pat.EmotiveProfile),
		Metadata:         seg.pat.MetadataAccumulator,
		Hamiltonian:      energies,
		GrandHamiltonian: metrics.GrandHamiltonian(energies),
		Confluence:       metrics.Confluence(seg.eventConfidences),
	}
}

// rankPredictions orders by the configured key (descending; ascending
// for energy) with identity as the deterministic tie-break.
func rankPredictions(preds []pattern.Prediction, algo string) {
	key := func(p *pattern.Prediction) float64 {
		switch algo {
		case session.RankByConfidence:
			return p.Confidence
		case session.RankByEvidence:
			return p.Evidence
		case session.RankByGrandHamiltonian:
			return -p.GrandHamiltonian // lower energy ranks first
		default:
			return p.Similarity
		}
	}
	sort.SliceStable(preds, func(i, j int) bool {
		ki, kj := key(&preds[i]), key(&preds[j])
		if ki != kj {
			return ki > kj
		}
		return preds[i].Name < preds[j].Name
	})
}

// resolveDocFreqs loads document frequencies for every symbol the scoring
// pass will touch, sequentially and in sorted order.
func (e *Engine) resolveDocFreqs(ctx context.Context, kbID string, stmBag map[string]int, candidates []*pattern.Pattern) (map[string]int, error) {
	need := make(map[string]struct{}, len(stmBag))
	for sym := range stmBag {
		need[sym] = struct{}{}
	}
	for _, cand := range candidates {
		for sym := range cand.SymbolBag() {
			need[sym] = struct{}{}
		}
	}
	symbols := make([]string, 0, len(need))
	for sym := range need {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	out := make(map[string]int, len(symbols))
	for _, sym := range symbols {
		df, err := e.store.DocFreq(ctx, kbID, sym)
		if err != nil {
			return nil, classifyStorageErr(err)
		}
		out[sym] = df
	}
	return out, nil
}

func sortedBagKeys(bag map[string]int) []string {
	keys := make([]string, 0, len(bag))
	for sym := range bag {
		keys = append(keys, sym)
	}
	sort.Strings(keys)
	return keys
}
