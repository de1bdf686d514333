package engine_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katoengine/kato/internal/engine"
	"github.com/katoengine/kato/internal/pattern"
	"github.com/katoengine/kato/internal/session"
	"github.com/katoengine/kato/internal/storage"
	"github.com/katoengine/kato/internal/vector"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// testEngine bundles an engine with the capabilities tests inspect
// directly.
type testEngine struct {
	*engine.Engine
	store *storage.MemoryStore
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	store := storage.NewMemoryStore()
	cache := storage.NewMemoryMetadataCache()
	backend := vector.NewMemoryBackend(64)
	binder := vector.NewBinder(backend, 0.999, 0)
	sessions := session.NewManager(cache, time.Hour, time.Minute)
	t.Cleanup(func() {
		sessions.Close()
		cache.Close()
		store.Close()
	})
	return &testEngine{
		Engine: engine.New(store, cache, binder, sessions, nil),
		store:  store,
	}
}

func (te *testEngine) newSession(t *testing.T, nodeID string, patch map[string]any) string {
	t.Helper()
	cfg := session.DefaultConfig()
	if patch != nil {
		require.NoError(t, cfg.Update(patch))
	}
	st, err := te.Sessions().Create(context.Background(), nodeID, cfg)
	require.NoError(t, err)
	return st.SessionID
}

func (te *testEngine) observeStrings(t *testing.T, sessionID string, tokens ...string) *engine.ObserveResult {
	t.Helper()
	res, err := te.Observe(context.Background(), sessionID, &engine.Observation{Strings: tokens})
	require.NoError(t, err)
	return res
}

// =============================================================================
// OBSERVATION PIPELINE TESTS
// =============================================================================

func TestObserve_SortsTokensWithinEvent(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)

	te.observeStrings(t, sid, "zebra", "apple", "monkey")

	stm, err := te.GetSTM(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, stm, 1)
	assert.Equal(t, pattern.Event{"apple", "monkey", "zebra"}, stm[0])
}

func TestObserve_GrowsSTMByOne(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)

	for i, tok := range []string{"a", "b", "c"} {
		res := te.observeStrings(t, sid, tok)
		assert.Equal(t, i+1, res.STMLength)
		assert.Equal(t, i+1, res.Time)
	}
}

func TestObserve_EmptyObservationRejected(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)

	_, err := te.Observe(context.Background(), sid, &engine.Observation{})
	assert.ErrorIs(t, err, engine.ErrEmptyObservation)

	stm, err := te.GetSTM(context.Background(), sid)
	require.NoError(t, err)
	assert.Empty(t, stm, "rejected observation leaves no trace")
}

func TestObserve_EmptySymbolRejected(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)

	_, err := te.Observe(context.Background(), sid, &engine.Observation{Strings: []string{"ok", ""}})
	assert.ErrorIs(t, err, engine.ErrEmptySymbol)
}

func TestObserve_ReservedBytesRejected(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)

	_, err := te.Observe(context.Background(), sid, &engine.Observation{Strings: []string{"bad\x1ftoken"}})
	assert.ErrorIs(t, err, engine.ErrInvalidSymbol)
}

func TestObserve_UnknownSession(t *testing.T) {
	te := newTestEngine(t)
	_, err := te.Observe(context.Background(), "nope", &engine.Observation{Strings: []string{"a"}})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestObserve_VectorSymbolsPrecedeStrings(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)

	res, err := te.Observe(context.Background(), sid, &engine.Observation{
		Strings: []string{"apple"},
		Vectors: [][]float64{{0.1, 0.2, 0.3}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.STMLength)

	stm, err := te.GetSTM(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, stm[0], 2)
	assert.True(t, strings.HasPrefix(stm[0][0], "VCTR|"))
	assert.Equal(t, "apple", stm[0][1])
}

func TestObserve_RepeatedVectorBindsSameSymbol(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	_, err := te.Observe(ctx, sid, &engine.Observation{Vectors: [][]float64{{1, 0, 0}}})
	require.NoError(t, err)
	_, err = te.Observe(ctx, sid, &engine.Observation{Vectors: [][]float64{{1, 0, 0}}})
	require.NoError(t, err)

	stm, err := te.GetSTM(ctx, sid)
	require.NoError(t, err)
	require.Len(t, stm, 2)
	assert.Equal(t, stm[0][0], stm[1][0])
}

func TestObserve_IdempotentReplay(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	obs := &engine.Observation{Strings: []string{"a"}, UniqueID: "client-42"}
	res1, err := te.Observe(ctx, sid, obs)
	require.NoError(t, err)
	res2, err := te.Observe(ctx, sid, obs)
	require.NoError(t, err)

	assert.Equal(t, res1, res2)
	stm, err := te.GetSTM(ctx, sid)
	require.NoError(t, err)
	assert.Len(t, stm, 1, "replay must not mutate the session again")
}

func TestObserve_PerceptSnapshot(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	percept, err := te.GetPercept(ctx, sid)
	require.NoError(t, err)
	assert.Nil(t, percept, "no percept before the first observation")

	_, err = te.Observe(ctx, sid, &engine.Observation{
		Strings:  []string{"a"},
		Emotives: map[string]float64{"joy": 0.7},
	})
	require.NoError(t, err)

	percept, err = te.GetPercept(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, percept)
	assert.Equal(t, pattern.Event{"a"}, percept.Event)
	assert.Equal(t, 0.7, percept.Emotives["joy"])
	assert.Equal(t, 1, percept.Time)
}

// =============================================================================
// LEARN TESTS
// =============================================================================

func TestLearn_IdentityMatchesCanonicalHash(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)

	te.observeStrings(t, sid, "zebra", "apple", "monkey")
	identity, err := te.Learn(context.Background(), sid)
	require.NoError(t, err)

	want := pattern.Identity([]pattern.Event{pattern.NewStringEvent("apple", "monkey", "zebra")})
	assert.Equal(t, want, identity)

	stm, err := te.GetSTM(context.Background(), sid)
	require.NoError(t, err)
	assert.Empty(t, stm, "learn empties the window")
}

func TestLearn_EmptySTMRejected(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)

	_, err := te.Learn(context.Background(), sid)
	assert.ErrorIs(t, err, engine.ErrEmptySTM)
}

func TestLearn_RelearnIncrementsFrequency(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	te.observeStrings(t, sid, "x")
	te.observeStrings(t, sid, "y")
	id1, err := te.Learn(ctx, sid)
	require.NoError(t, err)

	te.observeStrings(t, sid, "x")
	te.observeStrings(t, sid, "y")
	id2, err := te.Learn(ctx, sid)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	p, err := te.store.Get(ctx, "node1", id1)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Frequency)
}

func TestLearn_SameSequenceAcrossSessions(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	sid1 := te.newSession(t, "node1", nil)
	sid2 := te.newSession(t, "node1", nil)

	for _, sid := range []string{sid1, sid2} {
		te.observeStrings(t, sid, "x")
		te.observeStrings(t, sid, "y")
	}

	id1, err := te.Learn(ctx, sid1)
	require.NoError(t, err)
	id2, err := te.Learn(ctx, sid2)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "identity is deterministic across sessions")
	p, err := te.store.Get(ctx, "node1", id1)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Frequency)
}

func TestLearn_EmotivesAggregateIntoProfile(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	_, err := te.Observe(ctx, sid, &engine.Observation{Strings: []string{"a"}, Emotives: map[string]float64{"joy": 1.0}})
	require.NoError(t, err)
	_, err = te.Observe(ctx, sid, &engine.Observation{Strings: []string{"b"}, Emotives: map[string]float64{"joy": 0.0}})
	require.NoError(t, err)

	identity, err := te.Learn(ctx, sid)
	require.NoError(t, err)

	p, err := te.store.Get(ctx, "node1", identity)
	require.NoError(t, err)
	require.Len(t, p.EmotiveProfile, 1)
	assert.InDelta(t, 0.5, p.EmotiveProfile[0]["joy"], 1e-12)
}

// =============================================================================
// AUTO-LEARN TESTS
// =============================================================================

func TestAutoLearn_FiresAtMaxPatternLength(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", map[string]any{"max_pattern_length": 3})
	ctx := context.Background()

	for _, tok := range []string{"a", "b", "c"} {
		res := te.observeStrings(t, sid, tok)
		assert.Nil(t, res.AutoLearnedPattern)
	}

	res := te.observeStrings(t, sid, "d")
	require.NotNil(t, res.AutoLearnedPattern, "fourth observation overflows the window")

	want := pattern.Identity([]pattern.Event{
		pattern.NewStringEvent("a"),
		pattern.NewStringEvent("b"),
		pattern.NewStringEvent("c"),
	})
	assert.Equal(t, pattern.DisplayName(want), *res.AutoLearnedPattern)

	stm, err := te.GetSTM(ctx, sid)
	require.NoError(t, err)
	require.Len(t, stm, 1, "overflow event survives as the new window start")
	assert.Equal(t, pattern.Event{"d"}, stm[0])

	p, err := te.store.Get(ctx, "node1", want)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Length)
}

func TestAutoLearn_STMNeverExceedsBound(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", map[string]any{"max_pattern_length": 2})
	ctx := context.Background()

	for _, tok := range []string{"a", "b", "c", "d", "e"} {
		te.observeStrings(t, sid, tok)
		stm, err := te.GetSTM(ctx, sid)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(stm), 2)
	}
}

// =============================================================================
// PREDICTION TESTS
// =============================================================================

func TestPredict_PastPresentFuture(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	for _, tok := range []string{"a", "b", "c"} {
		te.observeStrings(t, sid, tok)
	}
	_, err := te.Learn(ctx, sid)
	require.NoError(t, err)

	res := te.observeStrings(t, sid, "b")
	require.NotEmpty(t, res.Predictions)

	top := res.Predictions[0]
	assert.Equal(t, []pattern.Event{{"a"}}, top.Past)
	assert.Equal(t, []pattern.Event{{"b"}}, top.Present)
	assert.Equal(t, []pattern.Event{{"c"}}, top.Future)
	assert.Equal(t, []string{"b"}, top.Matches)
	assert.Empty(t, top.Missing)
	assert.Empty(t, top.Extras)
	assert.Equal(t, 1.0, top.Confidence)
}

func TestPredict_MissingAndExtras(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	te.observeStrings(t, sid, "hello", "world")
	te.observeStrings(t, sid, "test")
	_, err := te.Learn(ctx, sid)
	require.NoError(t, err)

	res := te.observeStrings(t, sid, "foo", "hello")
	require.NotEmpty(t, res.Predictions)

	top := res.Predictions[0]
	assert.Equal(t, []pattern.Event{{"hello", "world"}}, top.Present)
	assert.Equal(t, []pattern.Event{{"test"}}, top.Future)
	assert.Equal(t, []string{"hello"}, top.Matches)
	assert.Equal(t, []string{"world"}, top.Missing)
	assert.Equal(t, []string{"foo"}, top.Extras)
}

func TestPredict_FuzzyMatchProducesAnomaly(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", map[string]any{"fuzzy_token_threshold": 0.85})
	ctx := context.Background()

	te.observeStrings(t, sid, "helloworld")
	_, err := te.Learn(ctx, sid)
	require.NoError(t, err)

	res := te.observeStrings(t, sid, "helloworld1")
	require.NotEmpty(t, res.Predictions, "fuzzy match clears the recall threshold")

	top := res.Predictions[0]
	assert.Equal(t, []string{"helloworld"}, top.Matches)
	require.Len(t, top.Anomalies, 1)
	assert.Equal(t, "helloworld", top.Anomalies[0].Expected)
	assert.Equal(t, "helloworld1", top.Anomalies[0].Observed)
	assert.InDelta(t, 20.0/21.0, top.Anomalies[0].Similarity, 1e-12)
}

func TestPredict_FuzzyDisabledByDefault(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	te.observeStrings(t, sid, "helloworld")
	_, err := te.Learn(ctx, sid)
	require.NoError(t, err)

	res := te.observeStrings(t, sid, "helloworld1")
	assert.Empty(t, res.Predictions)
}

func TestPredict_PresentPartition(t *testing.T) {
	// matches and missing are disjoint and together cover the present
	// window's symbol multiset.
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	te.observeStrings(t, sid, "p", "q")
	te.observeStrings(t, sid, "r")
	_, err := te.Learn(ctx, sid)
	require.NoError(t, err)

	res := te.observeStrings(t, sid, "p")
	require.NotEmpty(t, res.Predictions)
	top := res.Predictions[0]

	presentSymbols := []string{}
	for _, e := range top.Present {
		presentSymbols = append(presentSymbols, e...)
	}
	assert.ElementsMatch(t, presentSymbols, append(append([]string{}, top.Matches...), top.Missing...))

	full := append(append(append([]pattern.Event{}, top.Past...), top.Present...), top.Future...)
	assert.Equal(t, pattern.Identity(full), pattern.StripDisplayName(top.Name),
		"past ++ present ++ future reassembles the pattern")
}

func TestPredict_PresentWindowSkipsUnmatchedEvents(t *testing.T) {
	// The present window is a contiguous run in which every pattern event
	// aligns to a distinct observed event. An unmatchable middle event
	// bounds the window instead of landing inside present as missing.
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	for _, tok := range []string{"a", "x", "b"} {
		te.observeStrings(t, sid, tok)
	}
	_, err := te.Learn(ctx, sid)
	require.NoError(t, err)

	te.observeStrings(t, sid, "a")
	res := te.observeStrings(t, sid, "b")
	require.NotEmpty(t, res.Predictions)

	top := res.Predictions[0]
	assert.Equal(t, []pattern.Event{{"a"}}, top.Present, "earliest window wins the tie")
	assert.Empty(t, top.Past)
	assert.Equal(t, []pattern.Event{{"x"}, {"b"}}, top.Future)
	assert.Equal(t, []string{"a"}, top.Matches)
	assert.Empty(t, top.Missing)
	assert.Empty(t, top.Extras)
	assert.Equal(t, 1.0, top.Confidence)
}

func TestPredict_CacheCounters(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", map[string]any{"process_predictions": false})
	ctx := context.Background()

	te.observeStrings(t, sid, "a")
	te.observeStrings(t, sid, "b")
	_, err := te.Learn(ctx, sid)
	require.NoError(t, err)
	te.observeStrings(t, sid, "a")

	// First GET computes and fills the cache; the second replays it.
	_, err = te.GetPredictions(ctx, sid)
	require.NoError(t, err)
	_, err = te.GetPredictions(ctx, sid)
	require.NoError(t, err)

	stats := te.Metrics().Stats()
	assert.Equal(t, int64(1), stats["cache_misses"])
	assert.Equal(t, int64(1), stats["cache_hits"])
}

func TestPredict_RecallThresholdFilters(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", map[string]any{"recall_threshold": 0.9})
	ctx := context.Background()

	te.observeStrings(t, sid, "a", "b", "c", "d", "e")
	_, err := te.Learn(ctx, sid)
	require.NoError(t, err)

	// One of five symbols overlaps; similarity 0.2 stays below 0.9.
	res := te.observeStrings(t, sid, "a")
	assert.Empty(t, res.Predictions)
}

func TestPredict_MaxPredictionsTruncates(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", map[string]any{"max_predictions": 2})
	ctx := context.Background()

	for _, tok := range []string{"p1", "p2", "p3", "p4"} {
		te.observeStrings(t, sid, "shared")
		te.observeStrings(t, sid, tok)
		_, err := te.Learn(ctx, sid)
		require.NoError(t, err)
	}

	res := te.observeStrings(t, sid, "shared")
	assert.Len(t, res.Predictions, 2)
}

func TestPredict_DeterministicAcrossRuns(t *testing.T) {
	run := func() []pattern.Prediction {
		te := newTestEngine(t)
		sid := te.newSession(t, "node1", nil)
		ctx := context.Background()
		for _, seq := range [][]string{{"a", "b"}, {"b", "c"}, {"a", "c"}} {
			for _, tok := range seq {
				te.observeStrings(t, sid, tok)
			}
			_, err := te.Learn(ctx, sid)
			require.NoError(t, err)
		}
		res := te.observeStrings(t, sid, "b")
		return res.Predictions
	}

	first := run()
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, run())
	}
}

func TestGetPredictions_RecomputesWhenDeferred(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", map[string]any{"process_predictions": false})
	ctx := context.Background()

	te.observeStrings(t, sid, "a")
	te.observeStrings(t, sid, "b")
	_, err := te.Learn(ctx, sid)
	require.NoError(t, err)

	res := te.observeStrings(t, sid, "a")
	assert.Empty(t, res.Predictions, "inline prediction deferred")

	preds, err := te.GetPredictions(ctx, sid)
	require.NoError(t, err)
	assert.NotEmpty(t, preds, "GET recomputes over the current STM")
}

// =============================================================================
// SESSION OPERATION TESTS
// =============================================================================

func TestClearSTM_PreservesTime(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	te.observeStrings(t, sid, "a")
	te.observeStrings(t, sid, "b")
	require.NoError(t, te.ClearSTM(ctx, sid))

	stm, err := te.GetSTM(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, stm)

	res := te.observeStrings(t, sid, "c")
	assert.Equal(t, 3, res.Time, "time survives clear-stm")
}

func TestClearAll_ResetsTime(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	te.observeStrings(t, sid, "a")
	require.NoError(t, te.ClearAll(ctx, sid))

	res := te.observeStrings(t, sid, "b")
	assert.Equal(t, 1, res.Time)
}

func TestUpdateConfig_AppliesAndRejects(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	cfg, err := te.UpdateConfig(ctx, sid, map[string]any{"recall_threshold": 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.RecallThreshold)

	_, err = te.UpdateConfig(ctx, sid, map[string]any{"bogus_key": 1})
	assert.Error(t, err)
}

func TestObserveSequence_LearnAtEnd(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	batch := []engine.Observation{
		{Strings: []string{"a"}},
		{Strings: []string{"b"}},
		{Strings: []string{"c"}},
	}
	results, err := te.ObserveSequence(ctx, sid, batch, engine.SequenceOptions{LearnAtEnd: true})
	require.NoError(t, err)
	assert.Len(t, results, 3)

	stm, err := te.GetSTM(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, stm, "learn-at-end empties the window")

	want := pattern.Identity([]pattern.Event{{"a"}, {"b"}, {"c"}})
	p, err := te.store.Get(ctx, "node1", want)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Frequency)
}

func TestObserveSequence_LearnAfterEach(t *testing.T) {
	te := newTestEngine(t)
	sid := te.newSession(t, "node1", nil)
	ctx := context.Background()

	batch := []engine.Observation{
		{Strings: []string{"a"}},
		{Strings: []string{"b"}},
	}
	_, err := te.ObserveSequence(ctx, sid, batch, engine.SequenceOptions{LearnAfterEach: true})
	require.NoError(t, err)

	for _, tok := range []string{"a", "b"} {
		id := pattern.Identity([]pattern.Event{{tok}})
		p, err := te.store.Get(ctx, "node1", id)
		require.NoError(t, err)
		assert.Equal(t, 1, p.Frequency)
	}
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestConcurrentSessions_SerialPerSessionHistory(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	const sessions = 4
	const observations = 25

	sids := make([]string, sessions)
	for i := range sids {
		sids[i] = te.newSession(t, "node1", nil)
	}

	var wg sync.WaitGroup
	for i, sid := range sids {
		wg.Add(1)
		go func(i int, sid string) {
			defer wg.Done()
			for n := 0; n < observations; n++ {
				tok := string(rune('a'+i)) + "-" + string(rune('0'+n%10))
				_, err := te.Observe(ctx, sid, &engine.Observation{Strings: []string{tok}})
				assert.NoError(t, err)
			}
		}(i, sid)
	}
	wg.Wait()

	for i, sid := range sids {
		stm, err := te.GetSTM(ctx, sid)
		require.NoError(t, err)
		require.Len(t, stm, observations, "no observation lost")
		prefix := string(rune('a' + i))
		for _, event := range stm {
			require.Len(t, event, 1)
			assert.True(t, strings.HasPrefix(event[0], prefix),
				"session %s holds only its own events", sid)
		}
	}
}
