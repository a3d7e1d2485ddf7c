// Package liveapi serves the latest samples, a websocket feed of every
// recorded sample, a burst trigger and the Prometheus metrics.
package liveapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BurstTarget is a device loop that can be switched to burst mode.
type BurstTarget interface {
	ActivateBurst()
}

type Server struct {
	hub      *Hub
	targets  map[string]BurstTarget
	gatherer prometheus.Gatherer
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, targets map[string]BurstTarget, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	return &Server{
		hub:      hub,
		targets:  targets,
		gatherer: gatherer,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // read-only feed on the local network
			},
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleStatus)
	mux.HandleFunc("GET /latest", s.handleLatest)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /burst", s.handleBurst)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting live api", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Modbus Meter Logger API",
		"status":  "running",
		"devices": slices.Sorted(maps.Keys(s.targets)),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		writeJSON(w, http.StatusOK, s.hub.LatestAll())
		return
	}

	sample, ok := s.hub.Latest(device)
	if !ok {
		writeError(w, http.StatusNotFound, "No readings available yet")
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := s.hub.addClient(conn)

	// Send current readings immediately if available
	for device, sample := range s.hub.LatestAll() {
		payload, err := json.Marshal(Message{Device: device, Sample: sample})
		if err != nil {
			continue
		}
		if err := client.write(payload); err != nil {
			s.hub.removeClient(conn)
			return
		}
	}

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.removeClient(conn)
			return
		}
	}
}

// handleBurst switches one device, or all of them without ?device=, to burst mode.
func (s *Server) handleBurst(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device != "" {
		target, ok := s.targets[device]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown device "+device)
			return
		}
		target.ActivateBurst()
		s.log.Info("burst mode requested", "device", device, "source", "api")
		writeJSON(w, http.StatusAccepted, map[string][]string{"activated": {device}})
		return
	}

	names := slices.Sorted(maps.Keys(s.targets))
	for _, name := range names {
		s.targets[name].ActivateBurst()
	}
	s.log.Info("burst mode requested", "devices", len(names), "source", "api")
	writeJSON(w, http.StatusAccepted, map[string][]string{"activated": names})
}
