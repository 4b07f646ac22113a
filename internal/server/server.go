// Copyright 2026 The Runicorn Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is the read-only HTTP and WebSocket surface: run queries,
// metric tables, log tailing, asset downloads, and remote viewer control.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/runicorn/runicorn/internal/assets"
	"github.com/runicorn/runicorn/internal/index"
	"github.com/runicorn/runicorn/internal/metrics"
	"github.com/runicorn/runicorn/internal/remote"
	"github.com/runicorn/runicorn/internal/storage"
)

// Config carries the server's listen address and identity.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Server wires the engines behind the HTTP surface.
type Server struct {
	cfg     Config
	store   *storage.Store
	idx     *index.DB
	cache   *metrics.Cache
	engine  *assets.Engine
	remotes *remote.Manager
	logger  *slog.Logger

	mux     *http.ServeMux
	limiter *rateLimiter
	promMx  *serverMetrics
	tailers *tailRegistry
	httpSrv *http.Server
}

// New assembles the server. remotes may be nil to disable the remote API.
func New(cfg Config, store *storage.Store, idx *index.DB, cache *metrics.Cache,
	engine *assets.Engine, remotes *remote.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		idx:     idx,
		cache:   cache,
		engine:  engine,
		remotes: remotes,
		logger:  logger.With("component", "server"),
		mux:     http.NewServeMux(),
		limiter: newRateLimiter(),
		promMx:  newServerMetrics(),
	}
	s.tailers = newTailRegistry(s)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/runs", s.limit(classList, s.handleListRuns))
	s.mux.HandleFunc("GET /api/runs/{id}", s.limit(classList, s.handleGetRun))
	s.mux.HandleFunc("GET /api/runs/{id}/metrics", s.limit(classList, s.handleRunMetrics))
	s.mux.HandleFunc("GET /api/runs/{id}/logs", s.limit(classList, s.handleRunLogs))
	s.mux.HandleFunc("GET /api/runs/{id}/logs/ws", s.handleLogTail)

	s.mux.HandleFunc("GET /api/paths", s.limit(classList, s.handleListPaths))
	s.mux.HandleFunc("GET /api/paths/tree", s.limit(classList, s.handlePathTree))
	s.mux.HandleFunc("GET /api/paths/runs", s.limit(classList, s.handlePathRuns))
	s.mux.HandleFunc("POST /api/paths/soft-delete", s.limit(classWrite, s.handleSoftDelete))
	s.mux.HandleFunc("GET /api/paths/export", s.limit(classList, s.handleExport))

	s.mux.HandleFunc("GET /api/assets/blob/{digest}", s.limit(classList, s.handleBlob))

	if s.remotes != nil {
		s.mux.HandleFunc("POST /api/remote/connect", s.limit(classWrite, s.handleRemoteConnect))
		s.mux.HandleFunc("GET /api/remote/connections", s.limit(classList, s.handleRemoteConnections))
		s.mux.HandleFunc("DELETE /api/remote/connections/{id}", s.limit(classWrite, s.handleRemoteDisconnect))
		s.mux.HandleFunc("GET /api/remote/environments", s.limit(classList, s.handleRemoteEnvironments))
		s.mux.HandleFunc("POST /api/remote/viewer/start", s.limit(classWrite, s.handleViewerStart))
		s.mux.HandleFunc("POST /api/remote/viewer/stop", s.limit(classWrite, s.handleViewerStop))
		s.mux.HandleFunc("GET /api/remote/viewer/status", s.limit(classList, s.handleViewerStatus))
		s.mux.HandleFunc("GET /api/remote/health", s.limit(classList, s.handleRemoteHealth))
		s.mux.HandleFunc("POST /api/remote/known-hosts/add", s.limit(classWrite, s.handleKnownHostAdd))
	}

	s.mux.Handle("GET /metrics", s.promMx.handler())
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = withObservability(s.logger, s.promMx, h)
	h = withCorrelation(h)
	return h
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.tailers.closeAll()
	if s.remotes != nil {
		if err := s.remotes.Shutdown(context.Background()); err != nil {
			s.logger.Warn("remote shutdown", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}
