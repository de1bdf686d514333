// WebSocket observe stream.
//
// DESIGN: One socket serves one session. Each text frame carries an
// observation, optionally tagged with a client msg_id; the reply frame
// is the observation result (or an error) stamped with the same msg_id,
// so clients can pipeline frames without waiting for replies.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/katoengine/kato/internal/engine"
	"github.com/katoengine/kato/internal/session"
)

// handleObserveStream upgrades to a WebSocket and streams observations
// through the pipeline.
func (g *Gateway) handleObserveStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	// Reject unknown sessions before the upgrade so plain HTTP clients
	// get a 404 instead of a failed handshake.
	if _, _, err := g.engine.Sessions().Get(r.Context(), sessionID); err != nil {
		writeEngineError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			log.Debug().Err(err).Str("session_id", sessionID).Msg("websocket read ended")
			return
		}
		if typ != websocket.MessageText {
			conn.Close(websocket.StatusUnsupportedData, "text frames only")
			return
		}

		msgID := gjson.GetBytes(data, "msg_id").String()
		reply := g.streamObserve(ctx, sessionID, data)
		if msgID != "" {
			reply, _ = sjson.SetBytes(reply, "msg_id", msgID)
		}
		if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("websocket write failed")
			return
		}
	}
}

// streamObserve runs one frame through the pipeline and encodes the
// reply. Errors become error frames, never a closed socket: a bad
// observation should not tear down the stream.
func (g *Gateway) streamObserve(ctx context.Context, sessionID string, data []byte) []byte {
	var obs engine.Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return encodeStreamError("invalid observation: " + err.Error())
	}

	res, err := g.engine.Observe(ctx, sessionID, &obs)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return encodeStreamError("session expired")
		}
		return encodeStreamError(err.Error())
	}

	g.metrics.RecordObservation()
	if res.AutoLearnedPattern != nil {
		g.metrics.RecordLearn()
	}

	out, err := json.Marshal(res)
	if err != nil {
		return encodeStreamError("encode failed")
	}
	return out
}

func encodeStreamError(msg string) []byte {
	out, _ := json.Marshal(errorResponse{Error: msg})
	return out
}
