// Session state: the short-term memory window and its accumulators.
//
// State is a value the engine components transform; they receive a fresh
// deep copy and return a new state, so a failed request can never leave a
// session half mutated.
package session

import (
	"encoding/json"
	"time"

	"github.com/katoengine/kato/internal/pattern"
)

// Percept is the snapshot of the most recent accepted observation.
type Percept struct {
	Event    pattern.Event      `json:"event"`
	Emotives map[string]float64 `json:"emotives"`
	Metadata map[string]any     `json:"metadata"`
	Time     int                `json:"time"`
	UniqueID string             `json:"unique_id"`
}

// State is the complete per-session engine state.
type State struct {
	SessionID           string               `json:"session_id"`
	NodeID              string               `json:"node_id"`
	STM                 []pattern.Event      `json:"stm"`
	Time                int                  `json:"time"`
	EmotiveAccumulator  []map[string]float64 `json:"emotive_accumulator"`
	MetadataAccumulator []map[string]any     `json:"metadata_accumulator"`
	Percept             *Percept             `json:"percept_data,omitempty"`
	Predictions         []pattern.Prediction `json:"predictions"`
	Config              Config               `json:"config"`
	CreatedAt           time.Time            `json:"created_at"`
}

// NewState creates an empty session state.
func NewState(sessionID, nodeID string, cfg Config) *State {
	return &State{
		SessionID: sessionID,
		NodeID:    nodeID,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone deep-copies the state. The engine always works on a clone so the
// manager's stored state survives request failure untouched.
func (s *State) Clone() *State {
	out := &State{
		SessionID: s.SessionID,
		NodeID:    s.NodeID,
		STM:       pattern.CloneEvents(s.STM),
		Time:      s.Time,
		Config:    s.Config,
		CreatedAt: s.CreatedAt,
	}
	for _, em := range s.EmotiveAccumulator {
		cp := make(map[string]float64, len(em))
		for k, v := range em {
			cp[k] = v
		}
		out.EmotiveAccumulator = append(out.EmotiveAccumulator, cp)
	}
	for _, md := range s.MetadataAccumulator {
		cp := make(map[string]any, len(md))
		for k, v := range md {
			cp[k] = v
		}
		out.MetadataAccumulator = append(out.MetadataAccumulator, cp)
	}
	if s.Percept != nil {
		p := *s.Percept
		p.Event = s.Percept.Event.Clone()
		out.Percept = &p
	}
	// Predictions are replaced wholesale by the scorer, never mutated in
	// place; a shallow copy of the slice is sufficient.
	out.Predictions = append([]pattern.Prediction(nil), s.Predictions...)
	return out
}

// ClearSTM empties the window and its accumulators, preserving time.
func (s *State) ClearSTM() {
	s.STM = nil
	s.EmotiveAccumulator = nil
	s.MetadataAccumulator = nil
	s.Predictions = nil
}

// ClearAll resets the session to its initial state, including time.
func (s *State) ClearAll() {
	s.ClearSTM()
	s.Time = 0
	s.Percept = nil
}

// Snapshot serializes the state for the metadata cache.
func (s *State) Snapshot() ([]byte, error) {
	return json.Marshal(s)
}
