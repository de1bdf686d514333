// Metadata cache: per-pattern counters, rolling emotive windows, metadata
// accumulators, and session-state snapshots.
//
// Pattern-scoped entries never expire; only session snapshots carry a TTL.
// A cleanup goroutine sweeps expired snapshots periodically.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/katoengine/kato/internal/pattern"
)

// DefaultSessionSnapshotTTL bounds how long serialized session state is
// retained after its last write.
const DefaultSessionSnapshotTTL = 24 * time.Hour

// MetadataCache accumulates per-pattern bookkeeping, namespaced by
// (kb_id, identity), and persists session snapshots with a sliding TTL.
type MetadataCache interface {
	// IncrementFrequency bumps and returns the learn counter.
	IncrementFrequency(ctx context.Context, kbID, identity string) (int, error)

	// AppendEmotives appends one per-learn emotive aggregate to the
	// pattern's rolling window, dropping the oldest past persistence.
	AppendEmotives(ctx context.Context, kbID, identity string, emotives map[string]float64, persistence int) error

	// AppendMetadata unions metadata values into the pattern's accumulator.
	AppendMetadata(ctx context.Context, kbID, identity string, metadata map[string][]any) error

	// Frequency reads the learn counter (0 when never learned).
	Frequency(ctx context.Context, kbID, identity string) (int, error)

	// EmotiveWindow reads the rolling emotive window.
	EmotiveWindow(ctx context.Context, kbID, identity string) ([]map[string]float64, error)

	// SaveSession stores a serialized session snapshot with a TTL.
	SaveSession(ctx context.Context, sessionID string, blob []byte, ttl time.Duration) error

	// LoadSession reads a snapshot; ok is false when absent or expired.
	LoadSession(ctx context.Context, sessionID string) ([]byte, bool, error)

	// DeleteSession drops a snapshot.
	DeleteSession(ctx context.Context, sessionID string) error

	// Close stops background cleanup.
	Close() error
}

type patternMeta struct {
	frequency int
	emotives  []map[string]float64
	metadata  map[string][]any
}

type snapshotEntry struct {
	blob      []byte
	expiresAt time.Time
}

// MemoryMetadataCache is the in-process MetadataCache.
type MemoryMetadataCache struct {
	mu        sync.RWMutex
	patterns  map[string]*patternMeta // key: kbID + "\x00" + identity
	snapshots map[string]snapshotEntry
	stopChan  chan struct{}
	stopped   bool
}

// NewMemoryMetadataCache creates a cache and starts its sweep goroutine.
func NewMemoryMetadataCache() *MemoryMetadataCache {
	c := &MemoryMetadataCache{
		patterns:  make(map[string]*patternMeta),
		snapshots: make(map[string]snapshotEntry),
		stopChan:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func metaKey(kbID, identity string) string { return kbID + "\x00" + identity }

func (c *MemoryMetadataCache) meta(kbID, identity string) *patternMeta {
	key := metaKey(kbID, identity)
	m, ok := c.patterns[key]
	if !ok {
		m = &patternMeta{metadata: make(map[string][]any)}
		c.patterns[key] = m
	}
	return m
}

// IncrementFrequency bumps the learn counter.
func (c *MemoryMetadataCache) IncrementFrequency(ctx context.Context, kbID, identity string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.meta(kbID, identity)
	m.frequency++
	return m.frequency, nil
}

// AppendEmotives appends to the rolling window, bounded by persistence.
func (c *MemoryMetadataCache) AppendEmotives(ctx context.Context, kbID, identity string, emotives map[string]float64, persistence int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(emotives) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.meta(kbID, identity)
	cp := make(map[string]float64, len(emotives))
	for k, v := range emotives {
		cp[k] = v
	}
	m.emotives = append(m.emotives, cp)
	if persistence > 0 && len(m.emotives) > persistence {
		m.emotives = m.emotives[len(m.emotives)-persistence:]
	}
	return nil
}

// AppendMetadata unions values per key. Repeated learns of the same
// sequence with the same metadata are idempotent.
func (c *MemoryMetadataCache) AppendMetadata(ctx context.Context, kbID, identity string, metadata map[string][]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(metadata) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.meta(kbID, identity)
	for k, vals := range metadata {
		m.metadata[k] = pattern.UnionValues(m.metadata[k], vals)
	}
	return nil
}

// Frequency reads the learn counter.
func (c *MemoryMetadataCache) Frequency(ctx context.Context, kbID, identity string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.patterns[metaKey(kbID, identity)]; ok {
		return m.frequency, nil
	}
	return 0, nil
}

// EmotiveWindow reads a copy of the rolling window.
func (c *MemoryMetadataCache) EmotiveWindow(ctx context.Context, kbID, identity string) ([]map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.patterns[metaKey(kbID, identity)]
	if !ok {
		return nil, nil
	}
	out := make([]map[string]float64, len(m.emotives))
	for i, em := range m.emotives {
		cp := make(map[string]float64, len(em))
		for k, v := range em {
			cp[k] = v
		}
		out[i] = cp
	}
	return out, nil
}

// SaveSession stores a snapshot with a sliding TTL.
func (c *MemoryMetadataCache) SaveSession(ctx context.Context, sessionID string, blob []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultSessionSnapshotTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.snapshots[sessionID] = snapshotEntry{
		blob:      append([]byte(nil), blob...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// LoadSession reads a snapshot if present and unexpired.
func (c *MemoryMetadataCache) LoadSession(ctx context.Context, sessionID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.snapshots[sessionID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return append([]byte(nil), e.blob...), true, nil
}

// DeleteSession drops a snapshot.
func (c *MemoryMetadataCache) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, sessionID)
	return nil
}

// Close stops the sweep goroutine.
func (c *MemoryMetadataCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.stopChan)
	}
	return nil
}

// cleanup periodically removes expired snapshots.
func (c *MemoryMetadataCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for id, e := range c.snapshots {
				if now.After(e.expiresAt) {
					delete(c.snapshots, id)
				}
			}
			c.mu.Unlock()
		}
	}
}

var _ MetadataCache = (*MemoryMetadataCache)(nil)
