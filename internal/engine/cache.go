// Prediction cache: LRU keyed (kb_id, generation, fingerprint).
//
// The fingerprint digests the STM events plus every config field that
// affects prediction output. Each learn bumps the kb's generation, which
// invalidates all of that kb's cached entries at once without scanning.
package engine

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/katoengine/kato/internal/pattern"
	"github.com/katoengine/kato/internal/session"
)

type predictionCache struct {
	mu   sync.Mutex
	gens map[string]uint64
	lru  *lru.Cache[string, []pattern.Prediction]
}

func newPredictionCache(size int) *predictionCache {
	if size < 1 {
		size = 1
	}
	c, _ := lru.New[string, []pattern.Prediction](size)
	return &predictionCache{gens: make(map[string]uint64), lru: c}
}

func (c *predictionCache) generation(kbID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[kbID]
}

func (c *predictionCache) bump(kbID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[kbID]++
}

// invalidateKB drops all cached predictions for a kb after a write.
func (e *Engine) invalidateKB(kbID string) {
	e.predCache.bump(kbID)
}

func (e *Engine) cachedPredictions(st *session.State) ([]pattern.Prediction, bool) {
	preds, ok := e.predCache.lru.Get(e.predictionKey(st))
	if ok {
		e.metrics.RecordCacheHit()
	} else {
		e.metrics.RecordCacheMiss()
	}
	return preds, ok
}

func (e *Engine) storePredictions(st *session.State, preds []pattern.Prediction) {
	e.predCache.lru.Add(e.predictionKey(st), preds)
}

// predictionKey fingerprints the STM and the config fields that shape
// prediction output.
func (e *Engine) predictionKey(st *session.State) string {
	h := sha1.New()
	h.Write(pattern.Serialize(st.STM))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%.17g|%d|%.17g|%s|%t",
		st.Config.RecallThreshold,
		st.Config.MaxPredictions,
		st.Config.FuzzyTokenThreshold,
		st.Config.RankSortAlgo,
		st.Config.UseTokenMatching)
	var gen [8]byte
	binary.LittleEndian.PutUint64(gen[:], e.predCache.generation(st.NodeID))
	h.Write(gen[:])
	return st.NodeID + "|" + hex.EncodeToString(h.Sum(nil))
}
