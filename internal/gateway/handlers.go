// Session and operational endpoint handlers.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/katoengine/kato/internal/engine"
	"github.com/katoengine/kato/internal/pattern"
	"github.com/katoengine/kato/internal/session"
)

// decodeBody decodes a JSON request body into v with a size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleCreateSession creates a session on a node, with optional
// per-session config overrides applied over the node defaults.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		writeError(w, "node_id is required", http.StatusBadRequest)
		return
	}

	cfg := g.cfg.Engine.SessionDefaults
	if len(req.Config) > 0 {
		if err := cfg.Update(req.Config); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	st, err := g.engine.Sessions().Create(r.Context(), req.NodeID, cfg)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, sessionState(st), http.StatusCreated)
}

// handleGetSession returns the session's descriptive state.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, _, err := g.engine.Sessions().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, sessionState(st), http.StatusOK)
}

// handleDeleteSession removes a session. Its learned patterns stay in
// the knowledge base.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := g.engine.Sessions().Delete(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, statusResponse{Status: "deleted"}, http.StatusOK)
}

// handleObserve runs one observation through the pipeline.
func (g *Gateway) handleObserve(w http.ResponseWriter, r *http.Request) {
	var obs engine.Observation
	if err := decodeBody(w, r, &obs); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := g.engine.Observe(r.Context(), r.PathValue("id"), &obs)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	g.metrics.RecordObservation()
	if res.AutoLearnedPattern != nil {
		g.metrics.RecordLearn()
	}
	if len(res.Predictions) > 0 {
		g.metrics.RecordPrediction()
	}
	writeJSON(w, res, http.StatusOK)
}

// handleObserveSequence processes a batch of observations atomically
// with respect to other calls on the same session.
func (g *Gateway) handleObserveSequence(w http.ResponseWriter, r *http.Request) {
	var req observeSequenceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Observations) == 0 {
		writeError(w, "observations is required", http.StatusBadRequest)
		return
	}

	results, err := g.engine.ObserveSequence(r.Context(), r.PathValue("id"), req.Observations, engine.SequenceOptions{
		LearnAfterEach: req.LearnAfterEach,
		LearnAtEnd:     req.LearnAtEnd,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	for range results {
		g.metrics.RecordObservation()
	}
	writeJSON(w, map[string]any{"status": "okay", "results": results}, http.StatusOK)
}

// handleLearn compresses the session's STM into a pattern.
func (g *Gateway) handleLearn(w http.ResponseWriter, r *http.Request) {
	identity, err := g.engine.Learn(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	g.metrics.RecordLearn()
	writeJSON(w, learnResponse{Status: "learned", PatternName: pattern.DisplayName(identity)}, http.StatusOK)
}

// handleGetPredictions returns the session's predictions, recomputed
// over the current STM when none are cached.
func (g *Gateway) handleGetPredictions(w http.ResponseWriter, r *http.Request) {
	preds, err := g.engine.GetPredictions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	g.metrics.RecordPrediction()
	writeJSON(w, map[string]any{"predictions": preds}, http.StatusOK)
}

// handleGetSTM returns the session's short-term memory.
func (g *Gateway) handleGetSTM(w http.ResponseWriter, r *http.Request) {
	stm, err := g.engine.GetSTM(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"stm": stm}, http.StatusOK)
}

// handleGetPercept returns the last-observation snapshot, null before
// the first observation.
func (g *Gateway) handleGetPercept(w http.ResponseWriter, r *http.Request) {
	percept, err := g.engine.GetPercept(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"percept": percept}, http.StatusOK)
}

// handleClearSTM empties the session's STM without learning.
func (g *Gateway) handleClearSTM(w http.ResponseWriter, r *http.Request) {
	if err := g.engine.ClearSTM(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, statusResponse{Status: "cleared"}, http.StatusOK)
}

// handleClearAll resets the session completely.
func (g *Gateway) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := g.engine.ClearAll(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, statusResponse{Status: "cleared"}, http.StatusOK)
}

// handleUpdateConfig applies a config patch to the session. The patch is
// parsed leniently at the JSON layer but validated strictly against the
// known keys, and applies atomically or not at all.
func (g *Gateway) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if !gjson.ValidBytes(body) {
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		writeError(w, "config patch must be a JSON object", http.StatusBadRequest)
		return
	}
	patch, _ := parsed.Value().(map[string]any)

	cfg, err := g.engine.UpdateConfig(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrVersionConflict) {
			writeEngineError(w, r, err)
			return
		}
		// Unknown keys and out-of-range values are client mistakes.
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"status": "okay", "config": cfg}, http.StatusOK)
}

// handleHealthz reports liveness.
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "healthy",
		"storage": g.cfg.Storage.Driver,
	}, http.StatusOK)
}

// handleStats reports operational counters.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"sessions": g.engine.Sessions().Count(),
		"counters": g.metrics.Stats(),
	}, http.StatusOK)
}

func sessionState(st *session.State) sessionResponse {
	return sessionResponse{
		SessionID: st.SessionID,
		NodeID:    st.NodeID,
		Time:      st.Time,
		STMLength: len(st.STM),
		Config:    st.Config,
		CreatedAt: st.CreatedAt.UTC().Format(time.RFC3339),
	}
}
