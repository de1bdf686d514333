// Package storage provides the durable capabilities behind the engine:
// the pattern store (learned patterns keyed by deterministic identity,
// with an inverted symbol index for candidate retrieval) and the metadata
// cache (frequency counters, rolling emotive windows, session snapshots).
//
// DESIGN: Two PatternStore implementations share one contract:
//   - MemoryStore:  in-process maps, the default and the test double
//   - SQLiteStore:  modernc.org/sqlite, durable, symbol inverted index
//
// RetrieveCandidates only has to return a SUPERSET of the true matches;
// the matcher re-verifies every candidate against the STM.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/katoengine/kato/internal/pattern"
)

// Storage errors. Transient backend failures wrap ErrUnavailable so the
// engine can classify them as retryable.
var (
	ErrPatternNotFound = errors.New("pattern not found")
	ErrUnavailable     = errors.New("storage unavailable")
)

// PatternStore is the durable pattern capability.
type PatternStore interface {
	// Upsert inserts a pattern or, on identity collision, merges it into
	// the stored row (frequency += 1, emotive window bounded by
	// persistence, metadata union). Returns whether a merge happened.
	Upsert(ctx context.Context, p *pattern.Pattern, persistence int) (bool, error)

	// RetrieveCandidates returns a superset of the kb's patterns whose
	// symbol bag intersects the given symbols, ordered by identity.
	RetrieveCandidates(ctx context.Context, kbID string, symbols []string) ([]*pattern.Pattern, error)

	// Get loads one pattern or ErrPatternNotFound.
	Get(ctx context.Context, kbID, identity string) (*pattern.Pattern, error)

	// DocFreq reports in how many of the kb's patterns a symbol appears.
	DocFreq(ctx context.Context, kbID, symbol string) (int, error)

	// Close releases resources.
	Close() error
}

// MemoryStore is the in-process PatternStore.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]map[string]*pattern.Pattern      // kb -> identity -> pattern
	symbols  map[string]map[string]map[string]struct{}   // kb -> symbol -> identity set
}

// NewMemoryStore creates an empty in-memory pattern store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patterns: make(map[string]map[string]*pattern.Pattern),
		symbols:  make(map[string]map[string]map[string]struct{}),
	}
}

// Upsert inserts or merges under the store lock; concurrent upserts of the
// same identity serialize here (single-writer merge).
func (s *MemoryStore) Upsert(ctx context.Context, p *pattern.Pattern, persistence int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kb := s.patterns[p.KBID]
	if kb == nil {
		kb = make(map[string]*pattern.Pattern)
		s.patterns[p.KBID] = kb
	}
	if existing, ok := kb[p.Identity]; ok {
		existing.Merge(p, persistence)
		return true, nil
	}

	stored := p.Clone()
	if persistence > 0 && len(stored.EmotiveProfile) > persistence {
		stored.EmotiveProfile = stored.EmotiveProfile[len(stored.EmotiveProfile)-persistence:]
	}
	kb[p.Identity] = stored

	symIdx := s.symbols[p.KBID]
	if symIdx == nil {
		symIdx = make(map[string]map[string]struct{})
		s.symbols[p.KBID] = symIdx
	}
	for sym := range pattern.SymbolBag(stored.Events) {
		ids := symIdx[sym]
		if ids == nil {
			ids = make(map[string]struct{})
			symIdx[sym] = ids
		}
		ids[p.Identity] = struct{}{}
	}
	return false, nil
}

// RetrieveCandidates walks the inverted index. Results are clones sorted
// by identity so downstream iteration is deterministic.
func (s *MemoryStore) RetrieveCandidates(ctx context.Context, kbID string, symbols []string) ([]*pattern.Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	symIdx := s.symbols[kbID]
	if symIdx == nil {
		return nil, nil
	}
	hit := make(map[string]struct{})
	for _, sym := range symbols {
		for id := range symIdx[sym] {
			hit[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(hit))
	for id := range hit {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*pattern.Pattern, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.patterns[kbID][id]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// Get loads a pattern clone.
func (s *MemoryStore) Get(ctx context.Context, kbID, identity string) (*pattern.Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.patterns[kbID][identity]; ok {
		return p.Clone(), nil
	}
	return nil, ErrPatternNotFound
}

// DocFreq counts patterns containing the symbol.
func (s *MemoryStore) DocFreq(ctx context.Context, kbID, symbol string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.symbols[kbID][symbol]), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

var _ PatternStore = (*MemoryStore)(nil)
