package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katoengine/kato/internal/pattern"
	"github.com/katoengine/kato/internal/storage"
)

// patternStores runs the same contract against every PatternStore
// implementation.
func patternStores(t *testing.T) map[string]storage.PatternStore {
	t.Helper()
	sqlite, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	mem := storage.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })

	return map[string]storage.PatternStore{
		"memory": mem,
		"sqlite": sqlite,
	}
}

func testPattern(kbID string, tokens ...string) *pattern.Pattern {
	events := make([]pattern.Event, len(tokens))
	for i, tok := range tokens {
		events[i] = pattern.NewStringEvent(tok)
	}
	return pattern.New(kbID, events, nil, nil)
}

// =============================================================================
// PATTERN STORE CONTRACT TESTS
// =============================================================================

func TestPatternStore_UpsertThenGet(t *testing.T) {
	for name, store := range patternStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := testPattern("kb1", "a", "b")

			merged, err := store.Upsert(ctx, p, 5)
			require.NoError(t, err)
			assert.False(t, merged)

			got, err := store.Get(ctx, "kb1", p.Identity)
			require.NoError(t, err)
			assert.Equal(t, p.Identity, got.Identity)
			assert.Equal(t, 1, got.Frequency)
			assert.Equal(t, p.Events, got.Events)
		})
	}
}

func TestPatternStore_UpsertMergesFrequency(t *testing.T) {
	for name, store := range patternStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Upsert(ctx, testPattern("kb1", "x", "y"), 5)
			require.NoError(t, err)
			merged, err := store.Upsert(ctx, testPattern("kb1", "x", "y"), 5)
			require.NoError(t, err)
			assert.True(t, merged)

			got, err := store.Get(ctx, "kb1", testPattern("kb1", "x", "y").Identity)
			require.NoError(t, err)
			assert.Equal(t, 2, got.Frequency)
		})
	}
}

func TestPatternStore_GetMissing(t *testing.T) {
	for name, store := range patternStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "kb1", "deadbeef")
			assert.ErrorIs(t, err, storage.ErrPatternNotFound)
		})
	}
}

func TestPatternStore_RetrieveCandidates(t *testing.T) {
	for name, store := range patternStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p1 := testPattern("kb1", "a", "b")
			p2 := testPattern("kb1", "c", "d")
			_, err := store.Upsert(ctx, p1, 5)
			require.NoError(t, err)
			_, err = store.Upsert(ctx, p2, 5)
			require.NoError(t, err)

			got, err := store.RetrieveCandidates(ctx, "kb1", []string{"a"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, p1.Identity, got[0].Identity)
		})
	}
}

func TestPatternStore_RetrieveCandidatesSortedByIdentity(t *testing.T) {
	for name, store := range patternStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, tok := range []string{"p", "q", "r"} {
				_, err := store.Upsert(ctx, testPattern("kb1", "shared", tok), 5)
				require.NoError(t, err)
			}

			got, err := store.RetrieveCandidates(ctx, "kb1", []string{"shared"})
			require.NoError(t, err)
			require.Len(t, got, 3)
			for i := 1; i < len(got); i++ {
				assert.Less(t, got[i-1].Identity, got[i].Identity)
			}
		})
	}
}

func TestPatternStore_KBIsolation(t *testing.T) {
	for name, store := range patternStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := testPattern("kb1", "a")
			_, err := store.Upsert(ctx, p, 5)
			require.NoError(t, err)

			got, err := store.RetrieveCandidates(ctx, "kb2", []string{"a"})
			require.NoError(t, err)
			assert.Empty(t, got)

			_, err = store.Get(ctx, "kb2", p.Identity)
			assert.ErrorIs(t, err, storage.ErrPatternNotFound)
		})
	}
}

func TestPatternStore_DocFreq(t *testing.T) {
	for name, store := range patternStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Upsert(ctx, testPattern("kb1", "common", "one"), 5)
			require.NoError(t, err)
			_, err = store.Upsert(ctx, testPattern("kb1", "common", "two"), 5)
			require.NoError(t, err)

			df, err := store.DocFreq(ctx, "kb1", "common")
			require.NoError(t, err)
			assert.Equal(t, 2, df)

			df, err = store.DocFreq(ctx, "kb1", "absent")
			require.NoError(t, err)
			assert.Equal(t, 0, df)
		})
	}
}

func TestPatternStore_MergePreservesEmotiveWindow(t *testing.T) {
	for name, store := range patternStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			events := []pattern.Event{pattern.NewStringEvent("em")}

			for i := 0; i < 4; i++ {
				p := pattern.New("kb1", events, map[string]float64{"joy": float64(i)}, nil)
				_, err := store.Upsert(ctx, p, 2)
				require.NoError(t, err)
			}

			got, err := store.Get(ctx, "kb1", pattern.Identity(events))
			require.NoError(t, err)
			assert.Equal(t, 4, got.Frequency)
			require.Len(t, got.EmotiveProfile, 2, "window bounded by persistence")
			assert.Equal(t, 3.0, got.EmotiveProfile[1]["joy"])
		})
	}
}

// =============================================================================
// METADATA CACHE TESTS
// =============================================================================

func TestMetadataCache_Frequency(t *testing.T) {
	c := storage.NewMemoryMetadataCache()
	defer c.Close()
	ctx := context.Background()

	n, err := c.IncrementFrequency(ctx, "kb1", "id1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.IncrementFrequency(ctx, "kb1", "id1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := c.Frequency(ctx, "kb1", "id1")
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestMetadataCache_EmotiveWindowBounded(t *testing.T) {
	c := storage.NewMemoryMetadataCache()
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := c.AppendEmotives(ctx, "kb1", "id1", map[string]float64{"joy": float64(i)}, 3)
		require.NoError(t, err)
	}

	window, err := c.EmotiveWindow(ctx, "kb1", "id1")
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, 4.0, window[2]["joy"])
}

func TestMetadataCache_SessionSnapshots(t *testing.T) {
	c := storage.NewMemoryMetadataCache()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, "s1", []byte(`{"a":1}`), time.Minute))

	blob, ok, err := c.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(blob))

	require.NoError(t, c.DeleteSession(ctx, "s1"))
	_, ok, err = c.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetadataCache_SessionTTLExpiry(t *testing.T) {
	c := storage.NewMemoryMetadataCache()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, "s1", []byte(`{}`), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := c.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}
