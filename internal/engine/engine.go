// Package engine implements the KATO core: the observation pipeline,
// pattern matching, prediction scoring, learning, and the stateless
// dispatch over per-session state.
//
// DESIGN: Engine holds no session-specific state. Every mutating
// operation runs load -> pure transform over a state copy -> store under
// the session's lock, so a failure before the final Put leaves the
// stored state untouched and two sessions never contend.
//
// FILES:
//   - engine.go:      Engine facade, session operations, idempotency
//   - observation.go: input validation
//   - pipeline.go:    observe processing and auto-learn
//   - matcher.go:     alignment and temporal segmentation
//   - scorer.go:      metric attachment and ranking
//   - learner.go:     pattern learning and retry policy
//   - cache.go:       prediction cache keyed (kb_id, fingerprint)
//   - errors.go:      error taxonomy
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/katoengine/kato/internal/monitoring"
	"github.com/katoengine/kato/internal/pattern"
	"github.com/katoengine/kato/internal/session"
	"github.com/katoengine/kato/internal/storage"
	"github.com/katoengine/kato/internal/vector"
)

// Options tunes engine-wide behavior.
type Options struct {
	// RetryBudget bounds backoff retries of transient storage failures.
	RetryBudget time.Duration
	// PredictionCacheSize is the LRU capacity for computed predictions.
	PredictionCacheSize int
	// IdempotencyCacheSize is the LRU capacity for observe replays.
	IdempotencyCacheSize int
}

func (o *Options) withDefaults() Options {
	out := Options{RetryBudget: 5 * time.Second, PredictionCacheSize: 1024, IdempotencyCacheSize: 4096}
	if o == nil {
		return out
	}
	if o.RetryBudget > 0 {
		out.RetryBudget = o.RetryBudget
	}
	if o.PredictionCacheSize > 0 {
		out.PredictionCacheSize = o.PredictionCacheSize
	}
	if o.IdempotencyCacheSize > 0 {
		out.IdempotencyCacheSize = o.IdempotencyCacheSize
	}
	return out
}

// Engine wires the components behind the session router.
type Engine struct {
	store       storage.PatternStore
	cache       storage.MetadataCache
	binder      *vector.Binder
	sessions    *session.Manager
	retryBudget time.Duration

	predCache *predictionCache
	idemCache *lru.Cache[string, *ObserveResult]
	metrics   *monitoring.MetricsCollector
}

// New assembles an engine over its capabilities.
func New(store storage.PatternStore, cache storage.MetadataCache, binder *vector.Binder, sessions *session.Manager, opts *Options) *Engine {
	o := opts.withDefaults()
	idem, _ := lru.New[string, *ObserveResult](o.IdempotencyCacheSize)
	return &Engine{
		store:       store,
		cache:       cache,
		binder:      binder,
		sessions:    sessions,
		retryBudget: o.RetryBudget,
		predCache:   newPredictionCache(o.PredictionCacheSize),
		idemCache:   idem,
		metrics:     monitoring.NewMetricsCollector(),
	}
}

// Sessions exposes the session manager (gateway session CRUD).
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Metrics exposes the engine's operational counters so the transport can
// record into and report from the same collector.
func (e *Engine) Metrics() *monitoring.MetricsCollector { return e.metrics }

// ObserveResult is the outcome of one accepted observation.
type ObserveResult struct {
	Status             string               `json:"status"`
	STMLength          int                  `json:"stm_length"`
	Time               int                  `json:"time"`
	UniqueID           string               `json:"unique_id"`
	AutoLearnedPattern *string              `json:"auto_learned_pattern"`
	Predictions        []pattern.Prediction `json:"predictions"`
}

// Observe runs the full observation pipeline on one session. Retried
// requests carrying the same client unique_id replay the original
// response without mutating the session again.
func (e *Engine) Observe(ctx context.Context, sessionID string, obs *Observation) (*ObserveResult, error) {
	if obs.UniqueID != "" {
		if cached, ok := e.idemCache.Get(idemKey(sessionID, obs.UniqueID)); ok {
			return cached, nil
		}
	}

	unlock, err := e.sessions.Lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, version, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	res, err := e.observeLocked(ctx, st, obs)
	if err != nil {
		return nil, err
	}
	if err := e.sessions.Put(ctx, sessionID, st, version); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	if obs.UniqueID != "" {
		e.idemCache.Add(idemKey(sessionID, obs.UniqueID), res)
	}
	return res, nil
}

// observeLocked transforms st in place and builds the result. Callers
// hold the session lock and own st.
func (e *Engine) observeLocked(ctx context.Context, st *session.State, obs *Observation) (*ObserveResult, error) {
	proc, err := e.process(ctx, st, obs)
	if err != nil {
		return nil, err
	}

	if st.Config.ProcessPredictions {
		preds, err := e.predict(ctx, st)
		if err != nil {
			return nil, err
		}
		st.Predictions = preds
	} else {
		st.Predictions = []pattern.Prediction{}
	}

	uniqueID := obs.UniqueID
	if uniqueID == "" {
		uniqueID = uuid.New().String()
	}
	res := &ObserveResult{
		Status:      "okay",
		STMLength:   len(st.STM),
		Time:        st.Time,
		UniqueID:    uniqueID,
		Predictions: st.Predictions,
	}
	if proc.AutoLearned != "" {
		name := pattern.DisplayName(proc.AutoLearned)
		res.AutoLearnedPattern = &name
	}
	return res, nil
}

// SequenceOptions controls batch observation.
type SequenceOptions struct {
	LearnAfterEach bool `json:"learn_after_each"`
	LearnAtEnd     bool `json:"learn_at_end"`
}

// ObserveSequence processes a batch under a single session lock, so the
// whole batch is one serial segment of the session's history.
func (e *Engine) ObserveSequence(ctx context.Context, sessionID string, batch []Observation, opts SequenceOptions) ([]*ObserveResult, error) {
	unlock, err := e.sessions.Lock(sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, version, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	results := make([]*ObserveResult, 0, len(batch))
	for i := range batch {
		res, err := e.observeLocked(ctx, st, &batch[i])
		if err != nil {
			return nil, fmt.Errorf("observation %d: %w", i, err)
		}
		if opts.LearnAfterEach {
			if _, err := e.learn(ctx, st); err != nil {
				return nil, fmt.Errorf("learn after observation %d: %w", i, err)
			}
		}
		results = append(results, res)
	}
	if opts.LearnAtEnd && len(st.STM) > 0 {
		if _, err := e.learn(ctx, st); err != nil {
			return nil, fmt.Errorf("learn at end: %w", err)
		}
	}

	if err := e.sessions.Put(ctx, sessionID, st, version); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	return results, nil
}

// Learn compresses the session's STM into a pattern.
func (e *Engine) Learn(ctx context.Context, sessionID string) (string, error) {
	unlock, err := e.sessions.Lock(sessionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	st, version, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	identity, err := e.learn(ctx, st)
	if err != nil {
		return "", err
	}
	if err := e.sessions.Put(ctx, sessionID, st, version); err != nil {
		return "", fmt.Errorf("session store: %w", err)
	}
	return identity, nil
}

// GetPredictions returns the session's last predictions, recomputing
// over the current STM when none are cached (covers sessions running
// with process_predictions disabled).
func (e *Engine) GetPredictions(ctx context.Context, sessionID string) ([]pattern.Prediction, error) {
	st, _, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(st.Predictions) > 0 {
		return st.Predictions, nil
	}
	return e.predict(ctx, st)
}

// GetSTM returns the session's short-term memory.
func (e *Engine) GetSTM(ctx context.Context, sessionID string) ([]pattern.Event, error) {
	st, _, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return st.STM, nil
}

// GetPercept returns the last-observation snapshot (nil when the session
// has not observed yet).
func (e *Engine) GetPercept(ctx context.Context, sessionID string) (*session.Percept, error) {
	st, _, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return st.Percept, nil
}

// ClearSTM empties the session's window without learning.
func (e *Engine) ClearSTM(ctx context.Context, sessionID string) error {
	return e.mutate(ctx, sessionID, func(st *session.State) error {
		st.ClearSTM()
		return nil
	})
}

// ClearAll resets the session completely, including its time counter.
func (e *Engine) ClearAll(ctx context.Context, sessionID string) error {
	return e.mutate(ctx, sessionID, func(st *session.State) error {
		st.ClearAll()
		return nil
	})
}

// UpdateConfig applies a validated configuration patch to the session.
func (e *Engine) UpdateConfig(ctx context.Context, sessionID string, patch map[string]any) (session.Config, error) {
	var out session.Config
	err := e.mutate(ctx, sessionID, func(st *session.State) error {
		if err := st.Config.Update(patch); err != nil {
			return err
		}
		out = st.Config
		return nil
	})
	return out, err
}

// mutate runs fn over a state copy under the session lock and stores the
// result. fn errors abort without touching stored state.
func (e *Engine) mutate(ctx context.Context, sessionID string, fn func(*session.State) error) error {
	unlock, err := e.sessions.Lock(sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	st, version, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	if err := e.sessions.Put(ctx, sessionID, st, version); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	return nil
}

func idemKey(sessionID, uniqueID string) string {
	return sessionID + "|" + uniqueID
}
