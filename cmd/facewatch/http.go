package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"facewatch/internal/auth"
	"facewatch/internal/config"
	"facewatch/internal/eventlog"
	"facewatch/internal/metrics"
	"facewatch/internal/pipeline"
	"facewatch/internal/stream"
	"facewatch/internal/ws"
)

// apiServer bundles the HTTP handler dependencies.
type apiServer struct {
	cfg           *config.Store
	pipe          *pipeline.Pipeline
	events        *eventlog.Store
	images        *eventlog.ImageStore
	authenticator *auth.Authenticator
	broadcaster   *stream.Broadcaster
	hub           *ws.Hub
	logger        *log.Logger
}

// routes builds the HTTP mux. Config read and write are both guarded: the
// snapshot carries sink credentials and must never be served unauthenticated.
func (s *apiServer) routes() http.Handler {
	guard := auth.Middleware(s.authenticator)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.Handle("POST /api/trigger", guard(http.HandlerFunc(s.handleTrigger)))
	mux.Handle("GET /api/config", guard(http.HandlerFunc(s.handleGetConfig)))
	mux.Handle("PUT /api/config", guard(http.HandlerFunc(s.handlePutConfig)))
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/events/image/{file}", s.handleEventImage)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.Handle("GET /stream", s.broadcaster)
	mux.Handle("GET /snapshot", s.broadcaster.SnapshotHandler())
	mux.Handle("GET /ws", s.hub)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// handleHTTPServer configures and starts the HTTP server. It shuts the
// server down when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, api *apiServer, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	srv := &http.Server{Addr: addr, Handler: api.routes(), ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *apiServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.authenticator.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			writeError(w, http.StatusNotFound, "authentication is disabled")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_at": expiresAt})
}

// handleTrigger opens a manual recognition window. Body fields are optional
// and override the configured window defaults for this window only.
func (s *apiServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WindowSeconds float64 `json:"window_seconds"`
		FPSCap        float64 `json:"fps_cap"`
		StopOnMatch   *bool   `json:"stop_on_match"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	snap := s.cfg.Snapshot()
	params := pipeline.WindowParams{
		Duration:    snap.WindowDuration(),
		FPSCap:      snap.FPSCap,
		StopOnMatch: snap.StopOnMatch,
	}
	if req.WindowSeconds > 0 {
		params.Duration = time.Duration(req.WindowSeconds * float64(time.Second))
	}
	if req.FPSCap > 0 {
		params.FPSCap = req.FPSCap
	}
	if req.StopOnMatch != nil {
		params.StopOnMatch = *req.StopOnMatch
	}

	if !s.pipe.Trigger(params) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"started": false,
			"state":   s.pipe.State().String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": true, "state": s.pipe.State().String()})
}

func (s *apiServer) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Snapshot())
}

func (s *apiServer) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var next config.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	prev := s.cfg.Snapshot()
	applied, err := s.cfg.Update(next)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.pipe.ApplyConfig(prev, applied)
	writeJSON(w, http.StatusOK, applied)
}

// handleEvents lists event log entries, newest first. Query parameters:
// since (RFC 3339 or the log's local layout) and limit.
func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			t, err = time.ParseInLocation(eventlog.TimeLayout, v, time.Local)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = t
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = n
	}

	entries, err := s.events.List(since, limit)
	if err != nil {
		s.logger.Printf("list events: %v", err)
		writeError(w, http.StatusInternalServerError, "event log unavailable")
		return
	}
	if entries == nil {
		entries = []eventlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *apiServer) handleEventImage(w http.ResponseWriter, r *http.Request) {
	path, err := s.images.Path(r.PathValue("file"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image name")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      s.pipe.State().String(),
		"healthy":    s.pipe.Healthy(),
		"viewers":    s.broadcaster.ClientCount(),
		"ws_clients": s.hub.ClientCount(),
	})
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.pipe.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
