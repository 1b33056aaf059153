package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// drainTimeout bounds how long WebhookServer.Stop waits for in-flight
// requests before force-closing remaining sockets (spec.md §4.1).
const drainTimeout = 30 * time.Second

// WebhookServer multiplexes "POST {basePath}/webhook/{provider}" for
// every registered provider behind a single HTTP listener, plus a fixed
// "GET /health" (spec.md §4.1, §6.1). It preserves raw request bytes so
// handlers can verify signatures against the untouched body.
type WebhookServer struct {
	basePath string
	address  string
	port     int
	logger   *slog.Logger

	server   *http.Server
	draining atomic.Bool
}

// NewWebhookServer creates a WebhookServer. Handlers are registered via
// RegisterProvider before Start.
func NewWebhookServer(basePath, address string, port int, logger *slog.Logger) *WebhookServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookServer{basePath: basePath, address: address, port: port, logger: logger}
}

// writeJSON encodes v as JSON, logging encode failures at debug level —
// these typically mean the client disconnected mid-response.
func (s *WebhookServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("webhook server: failed to write JSON response", "error", err)
	}
}

// drainGate wraps a handler so that requests arriving after Stop has
// begun draining receive HTTP 503 instead of being processed.
func (s *WebhookServer) drainGate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
			return
		}
		next(w, r)
	}
}

// Start builds the mux from the given per-provider handlers and begins
// serving. Blocks until the listener stops; returns nil on a graceful
// Stop (http.ErrServerClosed is not passed on) and any other listener
// error as is.
func (s *WebhookServer) Start(ctx context.Context, handlers map[string]http.HandlerFunc) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	for provider, h := range handlers {
		path := s.basePath + "/webhook/" + provider
		mux.HandleFunc("POST "+path, s.drainGate(h))
	}

	s.server = &http.Server{
		Addr:         addr(s.address, s.port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("webhook server starting", "address", s.address, "port", s.port, "base_path", s.basePath)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests for up to drainTimeout, then
// force-closes remaining sockets (spec.md §4.1).
func (s *WebhookServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.draining.Store(true)

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	if err := s.server.Shutdown(drainCtx); err != nil {
		s.logger.Warn("webhook server: graceful shutdown timed out, forcing close", "error", err)
		return s.server.Close()
	}
	return nil
}

func addr(address string, port int) string {
	if address == "" {
		address = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", address, port)
}
