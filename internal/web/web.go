// Package web serves the bot's HTTP surface: health and status checks,
// Prometheus metrics and the Telegram webhook.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clarencecastillo/ntu-campusbot/internal/metrics"
	"github.com/clarencecastillo/ntu-campusbot/internal/store"
	"github.com/clarencecastillo/ntu-campusbot/internal/telegram"
)

// SecretHeader carries the secret token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Snapshotter reads the persisted bot state.
type Snapshotter interface {
	Snapshot(ctx context.Context) (store.Snapshot, error)
}

// Server is the HTTP server. Updates is nil when the bot long-polls; the
// webhook route is then not registered.
type Server struct {
	Addr    string
	State   Snapshotter
	Updates func(context.Context, telegram.Update)
	Secret  string
	Logger  *slog.Logger

	started time.Time
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Handler returns the routes served by Run.
func (s *Server) Handler() http.Handler {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	if s.Updates != nil {
		mux.HandleFunc("/telegram/webhook", s.handleTelegramWebhook)
	}
	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger().Info("starting web server", "addr", s.Addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger().Info("web server stopped")
	return nil
}

type statusResponse struct {
	Status      string           `json:"status"`
	Mode        store.Mode       `json:"mode"`
	Subscribers int              `json:"subscribers"`
	Stats       map[string]int64 `json:"stats"`
	Uptime      string           `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.State.Snapshot(r.Context())
	if err != nil {
		s.logger().Error("reading state", "err", err)
		http.Error(w, "state unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Status:      "ok",
		Mode:        snap.Status,
		Subscribers: len(snap.Subscribers),
		Stats:       snap.Stats,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(s.Secret)) != 1 {
		s.logger().Warn("webhook request with bad secret", "remote", r.RemoteAddr)
		metrics.WebhookRequestsTotal.WithLabelValues("unauthorized").Inc()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var upd telegram.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&upd); err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	metrics.WebhookRequestsTotal.WithLabelValues("accepted").Inc()
	s.Updates(r.Context(), upd)
	w.WriteHeader(http.StatusOK)
}
