// Package vector provides the vector-similarity capability: a cosine
// nearest-neighbor backend partitioned by kb_id, plus the symbol binder
// that turns raw vectors into stable symbolic tokens.
//
// DESIGN: The backend is a capability contract ("given a query vector and
// a collection id, return the nearest neighbor by cosine distance"). The
// in-memory implementation here is exact brute force; correctness, not
// indexing, is the contract. Nearest-neighbor lookups are memoized in an
// LRU keyed (kb_id, query digest, generation); any insert into a kb bumps
// that kb's generation, invalidating its cached lookups wholesale.
package vector

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/floats"
)

// Neighbor is a nearest-neighbor result.
type Neighbor struct {
	ID         string
	Symbol     string
	Similarity float64 // cosine similarity, 1 - cosine distance
}

// Backend stores vectors per kb_id collection and answers single
// nearest-neighbor queries by cosine similarity.
type Backend interface {
	// Insert adds a vector with its symbol payload. Duplicate IDs are
	// accepted idempotently (same ID implies same symbol and vector).
	Insert(ctx context.Context, kbID, id, symbol string, vec []float64) error

	// Nearest returns the closest stored vector, or nil when the
	// collection is empty. Ties break by lexicographic vector ID.
	Nearest(ctx context.Context, kbID string, vec []float64) (*Neighbor, error)

	// Count reports how many vectors a collection holds.
	Count(ctx context.Context, kbID string) (int, error)
}

type storedVector struct {
	id     string
	symbol string
	vec    []float64
	norm   float64
}

// MemoryBackend is the in-process Backend used by default and in tests.
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string][]storedVector // sorted by id
	generations map[string]uint64
	nnCache     *lru.Cache[string, *Neighbor]
}

// NewMemoryBackend creates an empty backend with an NN cache of the given
// size (minimum 1).
func NewMemoryBackend(cacheSize int) *MemoryBackend {
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, _ := lru.New[string, *Neighbor](cacheSize)
	return &MemoryBackend{
		collections: make(map[string][]storedVector),
		generations: make(map[string]uint64),
		nnCache:     cache,
	}
}

// Insert adds a vector to the kb's collection, keeping it sorted by ID so
// tie-breaks and iteration order stay deterministic.
func (b *MemoryBackend) Insert(ctx context.Context, kbID, id, symbol string, vec []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) == 0 {
		return fmt.Errorf("vector insert: empty vector for id %s", id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	col := b.collections[kbID]
	idx := sort.Search(len(col), func(i int) bool { return col[i].id >= id })
	if idx < len(col) && col[idx].id == id {
		// Racy double-bind of the same vector; same id implies same
		// symbol, so accept without modification.
		return nil
	}
	sv := storedVector{
		id:     id,
		symbol: symbol,
		vec:    append([]float64(nil), vec...),
		norm:   floats.Norm(vec, 2),
	}
	col = append(col, storedVector{})
	copy(col[idx+1:], col[idx:])
	col[idx] = sv
	b.collections[kbID] = col
	b.generations[kbID]++
	return nil
}

// Nearest scans the kb's collection for the highest cosine similarity.
func (b *MemoryBackend) Nearest(ctx context.Context, kbID string, vec []float64) (*Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	col := b.collections[kbID]
	gen := b.generations[kbID]
	b.mu.RUnlock()

	if len(col) == 0 {
		return nil, nil
	}

	key := nnCacheKey(kbID, gen, vec)
	if cached, ok := b.nnCache.Get(key); ok {
		return cached, nil
	}

	qnorm := floats.Norm(vec, 2)
	var best *Neighbor
	for i := range col {
		sv := &col[i]
		if len(sv.vec) != len(vec) {
			continue
		}
		sim := cosine(vec, qnorm, sv.vec, sv.norm)
		// Strict improvement keeps the lexicographically smallest ID on
		// ties, since the collection is sorted by ID.
		if best == nil || sim > best.Similarity {
			best = &Neighbor{ID: sv.id, Symbol: sv.symbol, Similarity: sim}
		}
	}
	if best != nil {
		b.nnCache.Add(key, best)
	}
	return best, nil
}

// Count reports collection size.
func (b *MemoryBackend) Count(ctx context.Context, kbID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.collections[kbID]), nil
}

func cosine(a []float64, aNorm float64, b []float64, bNorm float64) float64 {
	if aNorm == 0 || bNorm == 0 {
		return 0
	}
	return floats.Dot(a, b) / (aNorm * bNorm)
}

func nnCacheKey(kbID string, gen uint64, vec []float64) string {
	h := sha1.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], gen)
	h.Write(buf[:])
	h.Write(CanonicalBytes(vec))
	return kbID + "|" + hex.EncodeToString(h.Sum(nil))
}

var _ Backend = (*MemoryBackend)(nil)
