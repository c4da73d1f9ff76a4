// Package api serves the HTTP views and the JSON-RPC push channel.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/haghost5/hag5bridge/files"
	"github.com/haghost5/hag5bridge/history"
	"github.com/haghost5/hag5bridge/integration"
	"github.com/haghost5/hag5bridge/registry"
)

// maxUploadSize bounds multipart bodies held in memory.
const maxUploadSize = 512 << 20

// Options configure the HTTP server.
type Options struct {
	Addr string
	// WebDir is served under /local/community/haghost5/ when set.
	WebDir string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server exposes printers, files, entries and history over HTTP.
type Server struct {
	opts       Options
	mux        *http.ServeMux
	httpServer *http.Server
	entries    *registry.Store
	printers   *integration.Manager
	files      *files.Manager
	history    *history.Manager
	hub        *WSHub
	started    time.Time
}

// NewServer creates the server and registers its routes. The hub is added as
// a listener of printers.
func NewServer(opts Options, entries *registry.Store, printers *integration.Manager, fm *files.Manager, hist *history.Manager) *Server {
	s := &Server{
		opts:     opts,
		mux:      http.NewServeMux(),
		entries:  entries,
		printers: printers,
		files:    fm,
		history:  hist,
		started:  time.Now(),
	}

	s.hub = NewWSHub(s)
	printers.AddListener(s.hub)
	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

func (s *Server) registerRoutes() {
	s.registerUploadHandlers()
	s.registerFileHandlers()
	s.registerEntryHandlers()
	s.registerPrinterHandlers()
	s.registerHistoryHandlers()

	s.mux.HandleFunc("GET /websocket", s.hub.HandleWebSocket)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
	if s.opts.WebDir != "" {
		s.mux.Handle("GET /local/community/haghost5/", http.StripPrefix("/local/community/haghost5/", http.FileServer(http.Dir(s.opts.WebDir))))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	online := 0
	loaded := s.printers.Printers()
	for _, p := range loaded {
		if p.Device.Online() {
			online++
		}
	}
	writeJSON(w, map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(s.started).Seconds(),
		"printers": len(loaded),
		"online":   online,
	})
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	log.Infof("HTTP server starting on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and closes push clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers so dashboards on other origins can call
// the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Writing response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": message,
		},
	})
}

// writeText answers with a plain-text body, the contract of the upload views.
func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}
