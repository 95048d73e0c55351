// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"forensicworker/src/auth"
	"forensicworker/src/broadcast"
	"forensicworker/src/dispatcher"
	"forensicworker/src/logging"
	"forensicworker/src/model"
	"forensicworker/src/store"
)

const maxRequestBody = 1 << 20

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	dispatcher *dispatcher.Dispatcher
	store      store.Store
	stats      *logging.WorkerStats
	tokens     *auth.Tokens
	live       http.Handler
	debug      bool
}

func NewAPIServer(d *dispatcher.Dispatcher, st store.Store, stats *logging.WorkerStats, tokens *auth.Tokens, b *broadcast.Broadcaster, debug bool) *APIServer {
	return &APIServer{
		dispatcher: d,
		store:      st,
		stats:      stats,
		tokens:     tokens,
		live:       broadcast.NewHandler(b, tokens.Parse),
		debug:      debug,
	}
}

func (s *APIServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.authenticated(s.submitHandler))
	mux.HandleFunc("GET /api/v1/tasks", s.authenticated(s.listHandler))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.authenticated(s.taskHandler))
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.authenticated(s.cancelHandler))
	mux.Handle("GET /api/v1/realtime/ws/{channel}", s.live)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)
	return mux
}

// StartAPIServer serves until ctx is done, then shuts down gracefully.
func StartAPIServer(ctx context.Context, port string, srv *APIServer) error {
	// The returned handler must be the one served for spans to be recorded.
	otelHandler := otelhttp.NewHandler(srv.routes(), "forensic-api-server")

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           otelHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		logging.Log("Shutdown signal received, closing API server...", slog.LevelInfo)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("API server exited cleanly", slog.LevelInfo)
	}
	return nil
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *APIServer) authenticated(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.tokens.FromRequest(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Detail: "missing or invalid bearer token"})
			return
		}
		next(w, r, userID)
	}
}

func (s *APIServer) submitHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var sub dispatcher.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		s.writeError(w, model.Validationf("malformed request body: %v", err))
		return
	}

	taskID, err := s.dispatcher.Submit(r.Context(), sub, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *APIServer) listHandler(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()
	f := store.Filter{
		Status:       model.TaskStatus(q.Get("status")),
		AnalysisType: model.AnalysisType(q.Get("analysis_type")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, model.Validationf("limit must be a non-negative integer"))
			return
		}
		f.Limit = limit
	}

	tasks, err := s.dispatcher.ListTasks(r.Context(), userID, f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks})
}

func (s *APIServer) taskHandler(w http.ResponseWriter, r *http.Request, userID string) {
	task, err := s.dispatcher.GetOwned(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) cancelHandler(w http.ResponseWriter, r *http.Request, userID string) {
	status, err := s.dispatcher.Cancel(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.TaskStatus{"status": status})
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	gs, err := s.store.Stats(r.Context())
	if err != nil {
		logging.Log(fmt.Sprintf("Failed to query system stats: %v", err), slog.LevelError)
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

type errorBody struct {
	Code   string `json:"error_code"`
	Detail string `json:"detail"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrAnalyzer):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logging.Log(fmt.Sprintf("Request failed: %v", err), slog.LevelError)
	}
	writeJSON(w, code, errorBody{Code: model.ErrorCode(err), Detail: model.PublicMessage(err, s.debug)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
