// Wire types and the error-to-status mapping.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/katoengine/kato/internal/engine"
	"github.com/katoengine/kato/internal/session"
)

const (
	headerRequestID     = "X-Request-ID"
	maxRateLimitBuckets = 10000
	maxBodyBytes        = 8 << 20
)

// createSessionRequest creates a session on a node. Config entries
// override the node defaults for this session only.
type createSessionRequest struct {
	NodeID string         `json:"node_id"`
	Config map[string]any `json:"config,omitempty"`
}

// sessionResponse describes one session.
type sessionResponse struct {
	SessionID string         `json:"session_id"`
	NodeID    string         `json:"node_id"`
	Time      int            `json:"time"`
	STMLength int            `json:"stm_length"`
	Config    session.Config `json:"config"`
	CreatedAt string         `json:"created_at"`
}

// observeSequenceRequest is a batch of observations processed under one
// session lock.
type observeSequenceRequest struct {
	Observations   []engine.Observation `json:"observations"`
	LearnAfterEach bool                 `json:"learn_after_each"`
	LearnAtEnd     bool                 `json:"learn_at_end"`
}

// learnResponse names the learned pattern.
type learnResponse struct {
	Status      string `json:"status"`
	PatternName string `json:"pattern_name"`
}

// statusResponse acknowledges a state-changing call with no payload.
type statusResponse struct {
	Status string `json:"status"`
}

// errorResponse is the uniform error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, errorResponse{Error: msg}, status)
}

// statusForErr maps engine and session errors onto HTTP status codes.
// Client mistakes are 400, unknown sessions 404, transient conditions
// the client may retry are 503.
func statusForErr(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrEmptyObservation),
		errors.Is(err, engine.ErrEmptySymbol),
		errors.Is(err, engine.ErrInvalidSymbol),
		errors.Is(err, engine.ErrVectorDimension),
		errors.Is(err, engine.ErrEmptySTM):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStorageUnavailable),
		errors.Is(err, session.ErrVersionConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError logs and writes an engine error with its mapped status.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForErr(err)
	if status >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, err.Error(), status)
}
