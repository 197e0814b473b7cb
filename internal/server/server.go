// Package server exposes a runner and its coordinator over HTTP on a unix
// socket.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/grovetools/daas/errors"
	"github.com/grovetools/daas/internal/coordinator"
	"github.com/grovetools/daas/internal/runner"
	"github.com/grovetools/daas/internal/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// SubmitRequest is the body of POST /api/sessions.
type SubmitRequest struct {
	Session              session.Session `json:"session"`
	InvokedViaAutomation bool            `json:"invoked_via_automation,omitempty"`
	InvokedViaConsole    bool            `json:"invoked_via_console,omitempty"`
}

// SubmitResponse is returned for an accepted submission.
type SubmitResponse struct {
	SessionID string `json:"session_id"`
}

// CompleteResponse reports the outcome of POST /api/complete.
type CompleteResponse struct {
	Completed bool `json:"completed"`
}

// Server serves the runner API over a unix socket.
type Server struct {
	logger *logrus.Entry
	server *http.Server
	coord  *coordinator.Coordinator
	runner *runner.Runner
}

// New creates a server for coord. run may be nil, in which case status and
// streaming endpoints are unavailable.
func New(coord *coordinator.Coordinator, run *runner.Runner, logger *logrus.Entry) *Server {
	return &Server{
		logger: logger,
		coord:  coord,
		runner: run,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/active", s.handleActive)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleSubmit)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/complete", s.handleComplete)
	mux.HandleFunc("GET /api/stream", s.handleStream)

	return mux
}

// ListenAndServe serves on the given unix socket path. It blocks until the
// server stops or fails.
func (s *Server) ListenAndServe(socketPath string) error {
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.server = &http.Server{
		Handler: h2c.NewHandler(s.Handler(), &http2.Server{}),
	}

	s.logger.WithField("socket", socketPath).Info("Runner listening")
	return s.server.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as a DaasError body with a status derived from
// its code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var daasErr *errors.DaasError
	if !stderrors.As(err, &daasErr) {
		daasErr = errors.Wrap(err, errors.ErrCodeInternal, err.Error())
	}
	status := statusFor(daasErr.Code)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, daasErr)
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case errors.ErrCodeSessionAlreadyActive:
		return http.StatusConflict
	case errors.ErrCodeDailyLimitExceeded, errors.ErrCodeWindowLimitExceeded:
		return http.StatusTooManyRequests
	case errors.ErrCodeInvalidInput,
		errors.ErrCodeNoInstances,
		errors.ErrCodeToolNotSpecified,
		errors.ErrCodeUnknownTool,
		errors.ErrCodeStorageNotConfigured,
		errors.ErrCodeUnsupportedComputeMode:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func detailed(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("detailed"))
	return v
}

// reader returns the coordinator for a session read, filling artifact URLs
// when the request asks for include_sas_uri.
func (s *Server) reader(r *http.Request) *coordinator.Coordinator {
	if v, _ := strconv.ParseBool(r.URL.Query().Get("include_sas_uri")); v {
		return s.coord.WithSASURIs()
	}
	return s.coord
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "runner not initialized", http.StatusServiceUnavailable)
		return
	}
	status := s.runner.Status()
	status.PID = os.Getpid()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.ListTools())
}

// handleActive answers 204 when no session is active.
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	active, err := s.reader(r).GetActiveSession(r.Context(), detailed(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if active == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []*session.Session
		err      error
	)
	if r.URL.Query().Get("completed") == "true" {
		sessions, err = s.reader(r).GetCompletedSessions(r.Context())
	} else {
		sessions, err = s.reader(r).GetAllSessions(r.Context(), detailed(r))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}
	id, err := s.coord.SubmitNewSession(r.Context(), &req.Session, coordinator.SubmitOptions{
		InvokedViaAutomation: req.InvokedViaAutomation,
		InvokedViaConsole:    req.InvokedViaConsole,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{SessionID: id})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reader(r).GetSession(r.Context(), r.PathValue("id"), detailed(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	completed, err := s.coord.CheckAndCompleteSessionIfNeeded(r.Context(), force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteResponse{Completed: completed})
}

// handleStream relays runner events as Server-Sent Events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "runner not initialized", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.runner.Events().Subscribe()
	defer s.runner.Events().Unsubscribe(ch)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	s.logger.Debug("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.WithError(err).Error("Failed to marshal event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
