// Package gateway is the HTTP transport for the KATO engine.
//
// DESIGN: One Gateway owns the HTTP server, the middleware chain, and
// the route table. Handlers are thin: decode, call the engine, encode.
// All engine semantics live behind the engine package; the gateway only
// maps transport concerns (status codes, request IDs, rate limits).
//
// FILES:
//   - gateway.go:    Gateway struct, routes, Start/Shutdown
//   - middleware.go: panic recovery, rate limiting, logging, security
//   - handlers.go:   session and operational endpoints
//   - ws.go:         WebSocket observe stream
//   - types.go:      wire types, error mapping
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/katoengine/kato/internal/config"
	"github.com/katoengine/kato/internal/engine"
	"github.com/katoengine/kato/internal/monitoring"
)

// Gateway serves the KATO HTTP API.
type Gateway struct {
	cfg     *config.Config
	engine  *engine.Engine
	metrics *monitoring.MetricsCollector

	rateLimiter *rateLimiter
	server      *http.Server
}

// New creates a gateway over an assembled engine.
func New(cfg *config.Config, eng *engine.Engine) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		engine:  eng,
		metrics: eng.Metrics(),
	}
	if cfg.Server.RatePerSecond > 0 {
		g.rateLimiter = newRateLimiter(cfg.Server.RatePerSecond)
	}
	g.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      g.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return g
}

// Handler builds the route table wrapped in the middleware chain.
// Exposed so tests can drive the gateway through httptest.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", g.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", g.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", g.handleDeleteSession)

	mux.HandleFunc("POST /sessions/{id}/observe", g.handleObserve)
	mux.HandleFunc("POST /sessions/{id}/observe-sequence", g.handleObserveSequence)
	mux.HandleFunc("POST /sessions/{id}/learn", g.handleLearn)
	mux.HandleFunc("GET /sessions/{id}/predictions", g.handleGetPredictions)
	mux.HandleFunc("GET /sessions/{id}/stm", g.handleGetSTM)
	mux.HandleFunc("GET /sessions/{id}/percept", g.handleGetPercept)
	mux.HandleFunc("POST /sessions/{id}/clear-stm", g.handleClearSTM)
	mux.HandleFunc("POST /sessions/{id}/clear-all", g.handleClearAll)
	mux.HandleFunc("POST /sessions/{id}/config", g.handleUpdateConfig)
	mux.HandleFunc("GET /sessions/{id}/ws", g.handleObserveStream)

	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("GET /stats", g.handleStats)

	// Middleware applied outermost first: recovery wraps everything so a
	// panic in any later layer still produces a 500.
	var h http.Handler = mux
	h = g.security(h)
	h = g.loggingMiddleware(h)
	if g.rateLimiter != nil {
		h = g.rateLimit(h)
	}
	h = g.panicRecovery(h)
	return h
}

// Start begins serving. Blocks until the server stops.
func (g *Gateway) Start() error {
	log.Info().Str("addr", g.server.Addr).Msg("gateway listening")
	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	log.Info().Msg("gateway shutting down")
	return g.server.Shutdown(ctx)
}
