// Package api serves the local HTTP API and the websocket live feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/pipeline"
	"firestige.xyz/dmgmeter/internal/stats"
)

// Engine runs callbacks against engine-owned state.
type Engine interface {
	Do(ctx context.Context, fn func(*pipeline.State)) error
}

// Config contains API server settings.
type Config struct {
	Listen            string
	BroadcastInterval time.Duration // live feed cadence (default 100ms)
}

var errBadRequest = errors.New("bad request")

// Server is the local API.
type Server struct {
	cfg     Config
	engine  Engine
	history *stats.History
	hub     *Hub

	server *http.Server
	ln     net.Listener
	cancel context.CancelFunc
}

// NewServer creates the API server.
func NewServer(cfg Config, engine Engine, history *stats.History) *Server {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 100 * time.Millisecond
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		history: history,
		hub:     NewHub(engine, cfg.BroadcastInterval),
	}
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Listen
	}
	return s.ln.Addr().String()
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/data", s.handleData)
	mux.HandleFunc("GET /api/enemies", s.handleEnemies)
	mux.HandleFunc("GET /api/clear", s.handleClear)
	mux.HandleFunc("GET /api/pause", s.handleGetPause)
	mux.HandleFunc("POST /api/pause", s.handleSetPause)
	mux.HandleFunc("GET /api/skill/{uid}", s.handleSkill)
	mux.HandleFunc("POST /api/cache/clear", s.handleCacheClear)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleSetSettings)

	mux.HandleFunc("GET /api/buffs", s.handleBuffs)
	mux.HandleFunc("GET /api/buffs/config", s.handleGetBuffConfig)
	mux.HandleFunc("POST /api/buffs/config", s.handleSetBuffEnabled)
	mux.HandleFunc("POST /api/buffs/config/unmapped", s.handleShowUnmapped)
	mux.HandleFunc("POST /api/buffs/config/selectall", s.handleSelectAll)
	mux.HandleFunc("GET /api/buffs/search", s.handleBuffSearch)
	mux.HandleFunc("GET /api/buffs/all", s.handleBuffAll)
	mux.HandleFunc("GET /api/buffs/map", s.handleGetBuffMap)
	mux.HandleFunc("POST /api/buffs/map", s.handleAddBuffMap)
	mux.HandleFunc("PUT /api/buffs/map/{id}", s.handlePutBuffMap)
	mux.HandleFunc("DELETE /api/buffs/map/{id}", s.handleDeleteBuffMap)

	mux.HandleFunc("GET /api/history/list", s.handleHistoryList)
	mux.HandleFunc("GET /api/history/{ts}/summary", s.handleHistorySummary)
	mux.HandleFunc("GET /api/history/{ts}/data", s.handleHistoryData)
	mux.HandleFunc("GET /api/history/{ts}/skill/{uid}", s.handleHistorySkill)
	mux.HandleFunc("GET /api/history/{ts}/download", s.handleHistoryDownload)

	mux.HandleFunc("GET /ws", s.hub.ServeWS)
	return mux
}

// Start binds the listener synchronously, then serves and broadcasts in
// the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.cfg.Listen, err)
	}
	s.ln = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var hubCtx context.Context
	hubCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(hubCtx)

	slog.Info("starting api server", "addr", s.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Stop closes viewers and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.cancel()
	s.hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	slog.Info("api server stopped")
	return nil
}

// writeOK writes {code: 0} merged with fields.
func writeOK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"code": 0}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrPipelineStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "error", err)
	}
	writeJSON(w, status, map[string]any{"code": 1, "msg": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write api response", "error", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("request body: %v: %w", err, errBadRequest)
	}
	return nil
}
