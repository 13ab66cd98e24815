// Package server exposes the batch scheduler and proxy pool over HTTP.
// Routing uses the standard mux with prefix handlers; all responses are
// JSON.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/storyscan-io/storyscan/batch"
	"github.com/storyscan-io/storyscan/config"
	"github.com/storyscan-io/storyscan/proxypool"
)

// Server holds the handler dependencies and the HTTP listener.
type Server struct {
	queue  *batch.Queue
	pool   *proxypool.Pool
	tester *proxypool.Tester
	cfg    *config.Config
	logger *zap.SugaredLogger

	httpServer *http.Server
}

// NewServer wires the HTTP surface over the queue and pool.
func NewServer(queue *batch.Queue, pool *proxypool.Pool, tester *proxypool.Tester, cfg *config.Config, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		queue:  queue,
		pool:   pool,
		tester: tester,
		cfg:    cfg,
		logger: logger.Named("server"),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/batches", s.corsMiddleware(s.HandleBatches))         // List/submit batches (GET/POST)
	mux.HandleFunc("/api/batches/", s.corsMiddleware(s.HandleBatchAction))    // Lifecycle actions, single batch, logs
	mux.HandleFunc("/api/proxies", s.corsMiddleware(s.HandleProxies))         // List/add proxies (GET/POST)
	mux.HandleFunc("/api/proxies/", s.corsMiddleware(s.HandleProxyAction))    // Delete, test, sessions, health
	mux.HandleFunc("/api/version", s.corsMiddleware(s.HandleVersion))         // Build info (GET)
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))               // Liveness (GET)
}

// corsMiddleware adds permissive CORS headers and answers preflights.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// ListenAndServe blocks serving HTTP until the listener fails or Shutdown
// is called.
func (s *Server) ListenAndServe() error {
	s.logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
