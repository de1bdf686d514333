package vector_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katoengine/kato/internal/vector"
)

// =============================================================================
// BACKEND TESTS
// =============================================================================

func TestMemoryBackend_NearestEmptyCollection(t *testing.T) {
	b := vector.NewMemoryBackend(16)
	n, err := b.Nearest(context.Background(), "kb1", []float64{1, 0})
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestMemoryBackend_NearestFindsClosest(t *testing.T) {
	ctx := context.Background()
	b := vector.NewMemoryBackend(16)
	require.NoError(t, b.Insert(ctx, "kb1", "v1", "sym1", []float64{1, 0}))
	require.NoError(t, b.Insert(ctx, "kb1", "v2", "sym2", []float64{0, 1}))

	n, err := b.Nearest(ctx, "kb1", []float64{0.9, 0.1})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "sym1", n.Symbol)
	assert.Greater(t, n.Similarity, 0.9)
}

func TestMemoryBackend_CollectionsIsolatedByKB(t *testing.T) {
	ctx := context.Background()
	b := vector.NewMemoryBackend(16)
	require.NoError(t, b.Insert(ctx, "kb1", "v1", "sym1", []float64{1, 0}))

	n, err := b.Nearest(ctx, "kb2", []float64{1, 0})
	require.NoError(t, err)
	assert.Nil(t, n, "kb2 has its own empty collection")
}

func TestMemoryBackend_DuplicateInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	b := vector.NewMemoryBackend(16)
	require.NoError(t, b.Insert(ctx, "kb1", "v1", "sym1", []float64{1, 0}))
	require.NoError(t, b.Insert(ctx, "kb1", "v1", "sym1", []float64{1, 0}))

	count, err := b.Count(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryBackend_NearestAfterInsertSeesNewVector(t *testing.T) {
	ctx := context.Background()
	b := vector.NewMemoryBackend(16)
	require.NoError(t, b.Insert(ctx, "kb1", "v1", "sym1", []float64{1, 0}))

	// Prime the NN cache, then insert a closer vector.
	_, err := b.Nearest(ctx, "kb1", []float64{0, 1})
	require.NoError(t, err)
	require.NoError(t, b.Insert(ctx, "kb1", "v2", "sym2", []float64{0, 1}))

	n, err := b.Nearest(ctx, "kb1", []float64{0, 1})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "sym2", n.Symbol, "insert invalidates the kb's cached lookups")
}

// =============================================================================
// SYMBOL AND CANONICAL BYTES TESTS
// =============================================================================

func TestSymbol_Deterministic(t *testing.T) {
	a := vector.Symbol([]float64{0.1, 0.2, 0.3})
	b := vector.Symbol([]float64{0.1, 0.2, 0.3})
	c := vector.Symbol([]float64{0.1, 0.2, 0.4})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "VCTR|"))
	assert.Len(t, a, len("VCTR|")+40)
}

func TestCanonicalBytes_Length(t *testing.T) {
	assert.Len(t, vector.CanonicalBytes([]float64{1, 2, 3}), 24)
	assert.Empty(t, vector.CanonicalBytes(nil))
}

// =============================================================================
// BINDER TESTS
// =============================================================================

func TestBinder_NovelVectorMintsSymbol(t *testing.T) {
	ctx := context.Background()
	b := vector.NewBinder(vector.NewMemoryBackend(16), 0.999, 0)

	sym, novel, err := b.Bind(ctx, "kb1", []float64{1, 0, 0})
	require.NoError(t, err)
	assert.True(t, novel)
	assert.Equal(t, vector.Symbol([]float64{1, 0, 0}), sym)
}

func TestBinder_ExactRepeatReusesSymbol(t *testing.T) {
	ctx := context.Background()
	b := vector.NewBinder(vector.NewMemoryBackend(16), 0.999, 0)

	sym1, _, err := b.Bind(ctx, "kb1", []float64{1, 0, 0})
	require.NoError(t, err)
	sym2, novel, err := b.Bind(ctx, "kb1", []float64{1, 0, 0})
	require.NoError(t, err)

	assert.Equal(t, sym1, sym2)
	assert.False(t, novel)
}

func TestBinder_NearbyVectorReusesSymbol(t *testing.T) {
	ctx := context.Background()
	b := vector.NewBinder(vector.NewMemoryBackend(16), 0.99, 0)

	sym1, _, err := b.Bind(ctx, "kb1", []float64{1, 0})
	require.NoError(t, err)

	// Small angular perturbation stays inside the similarity radius.
	sym2, novel, err := b.Bind(ctx, "kb1", []float64{1, 0.01})
	require.NoError(t, err)
	assert.Equal(t, sym1, sym2)
	assert.False(t, novel)
}

func TestBinder_DistantVectorIsNovel(t *testing.T) {
	ctx := context.Background()
	b := vector.NewBinder(vector.NewMemoryBackend(16), 0.99, 0)

	sym1, _, err := b.Bind(ctx, "kb1", []float64{1, 0})
	require.NoError(t, err)
	sym2, novel, err := b.Bind(ctx, "kb1", []float64{0, 1})
	require.NoError(t, err)

	assert.NotEqual(t, sym1, sym2)
	assert.True(t, novel)
}

func TestBinder_DimensionEnforced(t *testing.T) {
	ctx := context.Background()
	b := vector.NewBinder(vector.NewMemoryBackend(16), 0.999, 3)

	_, _, err := b.Bind(ctx, "kb1", []float64{1, 0})
	assert.Error(t, err)
}
