// Session manager: ownership, locking, TTL expiry.
//
// DESIGN: One mutex per session serializes mutating RPCs on that session;
// sessions never share locks, so two sessions on the same node_id proceed
// in parallel. Put is versioned: a stale expected version is rejected so
// a racing writer cannot clobber state it never read. Expired sessions
// are tombstoned by the sweep goroutine and report ErrNotFound afterward.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/katoengine/kato/internal/storage"
)

// Manager errors.
var (
	ErrNotFound        = errors.New("session not found")
	ErrVersionConflict = errors.New("session version conflict")
)

type entry struct {
	mu      sync.Mutex // per-session lock for mutating RPCs
	state   *State
	version int
	expires time.Time
}

// Manager owns all live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	cache    storage.MetadataCache
	ttl      time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager with a sliding session TTL and starts the
// expiry sweep.
func NewManager(cache storage.MetadataCache, ttl, sweepInterval time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	m := &Manager{
		sessions: make(map[string]*entry),
		cache:    cache,
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}
	go m.sweep(sweepInterval)
	return m
}

// Create registers a new session on the given node and returns its state.
func (m *Manager) Create(ctx context.Context, nodeID string, cfg Config) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := uuid.New().String()
	st := NewState(id, nodeID, cfg)

	m.mu.Lock()
	m.sessions[id] = &entry{state: st, version: 1, expires: time.Now().Add(m.ttl)}
	m.mu.Unlock()

	m.persist(ctx, st)
	log.Debug().Str("session_id", id).Str("node_id", nodeID).Msg("session created")
	return st.Clone(), nil
}

// Get returns a deep copy of the session state and its current version.
// Read-only callers use the copy without holding the session lock.
func (m *Manager) Get(ctx context.Context, sessionID string) (*State, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	e, err := m.lookup(sessionID)
	if err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return e.state.Clone(), e.version, nil
}

// Put replaces the session state, bumping the version. The write is
// rejected with ErrVersionConflict when expectedVersion is stale. The
// session TTL slides on every successful put.
//
// Membership, expiry, and the write happen under one critical section,
// so a put can never succeed against an entry the sweep already removed
// from the map.
func (m *Manager) Put(ctx context.Context, sessionID string, st *State, expectedVersion int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok || time.Now().After(e.expires) {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.version != expectedVersion {
		m.mu.Unlock()
		return ErrVersionConflict
	}
	e.state = st.Clone()
	e.version++
	e.expires = time.Now().Add(m.ttl)
	m.mu.Unlock()

	m.persist(ctx, st)
	return nil
}

// Lock acquires the session's mutex for the duration of one mutating RPC.
// The returned func releases it.
func (m *Manager) Lock(sessionID string) (func(), error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	return e.mu.Unlock, nil
}

// Delete removes a session and its cached snapshot.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if m.cache != nil {
		if err := m.cache.DeleteSession(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("session snapshot delete failed")
		}
	}
	return nil
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the sweep goroutine.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *Manager) lookup(sessionID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	var expired bool
	if ok {
		expired = time.Now().After(e.expires)
	}
	m.mu.RUnlock()
	if !ok || expired {
		return nil, ErrNotFound
	}
	return e, nil
}

// persist writes the session snapshot to the metadata cache. Snapshot
// failure is logged, not surfaced: the in-memory state is authoritative.
func (m *Manager) persist(ctx context.Context, st *State) {
	if m.cache == nil {
		return
	}
	blob, err := st.Snapshot()
	if err != nil {
		log.Error().Err(err).Str("session_id", st.SessionID).Msg("session snapshot encode failed")
		return
	}
	if err := m.cache.SaveSession(ctx, st.SessionID, blob, m.ttl); err != nil {
		log.Warn().Err(err).Str("session_id", st.SessionID).Msg("session snapshot save failed")
	}
}

// sweep tombstones expired sessions.
func (m *Manager) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for id, e := range m.sessions {
				if now.After(e.expires) {
					delete(m.sessions, id)
					log.Debug().Str("session_id", id).Msg("session expired")
				}
			}
			m.mu.Unlock()
		}
	}
}
