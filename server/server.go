// Package server exposes the operational HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"veilingmeester-bot/poll"
)

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) (poll.Report, error)
}

// Server handles HTTP requests.
type Server struct {
	poller Poller
	logger *slog.Logger
}

// New creates a new HTTP server handler.
func New(poller Poller, logger *slog.Logger) *Server {
	return &Server{
		poller: poller,
		logger: logger,
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // a manual tick may take a while
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

type pollResponse struct {
	Status     string `json:"status"`
	TickID     string `json:"tick_id,omitempty"`
	Lots       int    `json:"lots"`
	Checked    int    `json:"checked"`
	Failed     int    `json:"failed"`
	Changed    int    `json:"changed"`
	Notified   int    `json:"notified"`
	DurationMS int64  `json:"duration_ms"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered", "remote_addr", r.RemoteAddr)

	report, err := s.poller.CheckAll(r.Context())
	if errors.Is(err, poll.ErrTickInProgress) {
		http.Error(w, "Check already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err = json.NewEncoder(w).Encode(pollResponse{
		Status:     "completed",
		TickID:     report.TickID,
		Lots:       report.Lots,
		Checked:    report.Checked,
		Failed:     report.Failed,
		Changed:    report.Changed,
		Notified:   report.Notified,
		DurationMS: report.Duration.Milliseconds(),
	})
	if err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
