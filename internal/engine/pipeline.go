// Observation pipeline: validate, bind vectors, sort strings, append to
// the short-term window, fire auto-learn at the configured bound.
//
// The pipeline is a pure transformation over a session state copy; its
// only side effects are vector inserts (novel symbols) and, on
// auto-learn, pattern-store writes.
package engine

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/katoengine/kato/internal/pattern"
	"github.com/katoengine/kato/internal/session"
)

// processResult is what one accepted observation did to the session.
type processResult struct {
	AutoLearned string // identity of the auto-learned pattern, "" if none
}

// process runs the observation pipeline on st in place. st must be a private
// copy; on error the caller discards it.
func (e *Engine) process(ctx context.Context, st *session.State, obs *Observation) (*processResult, error) {
	if err := obs.Validate(e.binder.Dimension()); err != nil {
		return nil, err
	}

	// Bind vectors in arrival order; their symbols lead the event.
	event := make(pattern.Event, 0, len(obs.Vectors)+len(obs.Strings))
	for _, vec := range obs.Vectors {
		sym, novel, err := e.binder.Bind(ctx, st.NodeID, vec)
		if err != nil {
			return nil, classifyStorageErr(err)
		}
		if novel {
			log.Debug().Str("node_id", st.NodeID).Str("symbol", sym).Msg("novel vector bound")
		}
		event = append(event, sym)
	}

	// String tokens sort ascending by codepoint after the vector symbols.
	tokens := append([]string(nil), obs.Strings...)
	sort.Strings(tokens)
	event = append(event, tokens...)

	st.STM = append(st.STM, event)
	st.EmotiveAccumulator = append(st.EmotiveAccumulator, cloneEmotiveMap(obs.Emotives))
	st.MetadataAccumulator = append(st.MetadataAccumulator, cloneMetadataMap(obs.Metadata))
	st.Time++
	st.Percept = &session.Percept{
		Event:    event.Clone(),
		Emotives: cloneEmotiveMap(obs.Emotives),
		Metadata: cloneMetadataMap(obs.Metadata),
		Time:     st.Time,
		UniqueID: obs.UniqueID,
	}

	res := &processResult{}

	// Auto-learn: the overflow event survives as the start of the next
	// window, with its accumulator entries.
	if max := st.Config.MaxPatternLength; max > 0 && len(st.STM) > max {
		lastEvent := st.STM[len(st.STM)-1]
		lastEmotives := st.EmotiveAccumulator[len(st.EmotiveAccumulator)-1]
		lastMetadata := st.MetadataAccumulator[len(st.MetadataAccumulator)-1]

		st.STM = st.STM[:len(st.STM)-1]
		st.EmotiveAccumulator = st.EmotiveAccumulator[:len(st.EmotiveAccumulator)-1]
		st.MetadataAccumulator = st.MetadataAccumulator[:len(st.MetadataAccumulator)-1]

		identity, err := e.learn(ctx, st)
		if err != nil {
			return nil, err
		}
		res.AutoLearned = identity

		st.STM = []pattern.Event{lastEvent}
		st.EmotiveAccumulator = []map[string]float64{lastEmotives}
		st.MetadataAccumulator = []map[string]any{lastMetadata}

		log.Info().
			Str("session_id", st.SessionID).
			Str("pattern", pattern.DisplayName(identity)).
			Msg("auto-learn fired")
	}

	return res, nil
}

func cloneEmotiveMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneMetadataMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
