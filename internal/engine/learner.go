// Learning: compress the STM into a durable pattern.
//
// Pattern-store writes retry with jittered exponential backoff; metadata
// cache writes that fail after the pattern store succeeded are logged and
// reconciled by the next learn of the same identity (all cache updates
// are idempotent or monotone).
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/katoengine/kato/internal/pattern"
	"github.com/katoengine/kato/internal/session"
	"github.com/katoengine/kato/internal/storage"
)

// learn compresses st's STM into a pattern, writes it, and empties the
// window. Time is preserved. Returns the learned identity.
func (e *Engine) learn(ctx context.Context, st *session.State) (string, error) {
	if len(st.STM) == 0 {
		return "", ErrEmptySTM
	}

	emotives := pattern.AggregateEmotives(st.EmotiveAccumulator)
	metadata := pattern.AggregateMetadata(st.MetadataAccumulator)
	p := pattern.New(st.NodeID, st.STM, emotives, metadata)

	persistence := st.Config.Persistence
	var merged bool
	err := e.withRetry(ctx, func() error {
		var upsertErr error
		merged, upsertErr = e.store.Upsert(ctx, p, persistence)
		return upsertErr
	})
	if err != nil {
		return "", classifyStorageErr(err)
	}

	// Metadata cache bookkeeping. Best effort: the pattern store row is
	// already durable, and these updates are idempotent on re-learn.
	if freq, err := e.cache.IncrementFrequency(ctx, p.KBID, p.Identity); err != nil {
		log.Warn().Err(err).Str("pattern", p.Identity).Msg("frequency increment failed")
	} else if merged && freq < p.Frequency {
		log.Debug().Str("pattern", p.Identity).Int("freq", freq).Msg("frequency counter behind store; reconciled on next learn")
	}
	if err := e.cache.AppendEmotives(ctx, p.KBID, p.Identity, emotives, persistence); err != nil {
		log.Warn().Err(err).Str("pattern", p.Identity).Msg("emotive window append failed")
	}
	if err := e.cache.AppendMetadata(ctx, p.KBID, p.Identity, metadata); err != nil {
		log.Warn().Err(err).Str("pattern", p.Identity).Msg("metadata append failed")
	}

	e.invalidateKB(p.KBID)
	st.ClearSTM()
	st.Predictions = []pattern.Prediction{}

	log.Info().
		Str("session_id", st.SessionID).
		Str("pattern", pattern.DisplayName(p.Identity)).
		Int("length", p.Length).
		Bool("merged", merged).
		Msg("pattern learned")
	return p.Identity, nil
}

// retrieveCandidates queries the store with the retry policy.
func (e *Engine) retrieveCandidates(ctx context.Context, kbID string, symbols []string) ([]*pattern.Pattern, error) {
	var out []*pattern.Pattern
	err := e.withRetry(ctx, func() error {
		var qerr error
		out, qerr = e.store.RetrieveCandidates(ctx, kbID, symbols)
		return qerr
	})
	if err != nil {
		return nil, classifyStorageErr(err)
	}
	return out, nil
}

// withRetry retries transient storage failures with jittered exponential
// backoff until the configured deadline; everything else is permanent.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = e.retryBudget
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// classifyStorageErr maps transient backend failures onto the engine's
// retryable tag; other errors pass through unchanged.
func classifyStorageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrUnavailable) {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return err
}
