// Package api is the HTTP client surface of the engine. Callers identify
// themselves with the X-User-ID header and only see their own tasks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harrison/taskflow/internal/decomposer"
	"github.com/harrison/taskflow/internal/engine"
	"github.com/harrison/taskflow/internal/logger"
	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/store"
)

// Headers carrying the caller's identity
const (
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// DefaultListLimit applies when a listing does not pass ?limit
const DefaultListLimit = 50

var (
	errForbidden    = errors.New("task belongs to another user")
	errUnauthorized = errors.New("missing " + HeaderUserID + " header")
)

// Server serves the task API
type Server struct {
	engine *engine.Engine
	log    logger.Logger
	mux    *http.ServeMux
}

// NewServer registers every route on a new mux
func NewServer(e *engine.Engine, log logger.Logger) *Server {
	if log == nil {
		log = logger.NoOpLogger{}
	}
	s := &Server{engine: e, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.engine.Metrics().Handler())

	s.mux.HandleFunc("GET /tasks", s.withUser(s.handleList))
	s.mux.HandleFunc("POST /tasks", s.withUser(s.handleSubmit))
	s.mux.HandleFunc("POST /tasks/validate", s.handleValidate)
	s.mux.HandleFunc("GET /tasks/stats", s.withUser(s.handleStats))
	s.mux.HandleFunc("GET /tasks/{id}", s.withTask(s.handleGet))
	s.mux.HandleFunc("GET /tasks/{id}/events", s.withTask(s.handleEvents))
	s.mux.HandleFunc("POST /tasks/{id}/execute", s.withTask(s.handleExecute))
	s.mux.HandleFunc("POST /tasks/{id}/cancel", s.withTask(s.handleCancel))
	s.mux.HandleFunc("POST /tasks/{id}/confirm", s.withTask(s.handleConfirm))
	s.mux.HandleFunc("DELETE /tasks/{id}", s.withTask(s.handleDelete))
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("api listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type userHandler func(w http.ResponseWriter, r *http.Request, owner models.Owner)

type taskHandler func(w http.ResponseWriter, r *http.Request, owner models.Owner, task *models.Task)

// withUser rejects requests without a user id
func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := models.Owner{
			UserID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
			SessionID: strings.TrimSpace(r.Header.Get(HeaderSessionID)),
		}
		if owner.UserID == "" {
			s.writeError(w, errUnauthorized)
			return
		}
		h(w, r, owner)
	}
}

// withTask loads {id} and checks that the caller owns it
func (s *Server) withTask(h taskHandler) http.HandlerFunc {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, owner models.Owner) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid task id %q", r.PathValue("id"))})
			return
		}
		task, err := s.engine.Store().GetTask(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if task.UserID != owner.UserID {
			s.writeError(w, errForbidden)
			return
		}
		h(w, r, owner, task)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"ready_queue": s.engine.Dispatcher().QueueLen(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, owner models.Owner) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		UserID:    owner.UserID,
		SessionID: q.Get("session_id"),
		TopLevel:  q.Get("top_level") == "true",
		Limit:     DefaultListLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid limit %q", v)})
			return
		}
		filter.Limit = n
	}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			status, err := models.ParseTaskStatus(part)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	tasks, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type submitResponse struct {
	ID       int64             `json:"id"`
	Status   models.TaskStatus `json:"status"`
	Executed bool              `json:"execute_requested"`
}

// handleSubmit creates a task. It only runs once POST /tasks/{id}/execute
// is called, unless ?execute=true asks for both at once.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, owner models.Owner) {
	execute := false
	if v := r.URL.Query().Get("execute"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid execute %q", v)})
			return
		}
		execute = b
	}

	var req models.PlanRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	submit := s.engine.Submit
	if execute {
		submit = s.engine.SubmitAndExecute
	}
	id, err := submit(r.Context(), owner, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{ID: id, Status: models.StatusPending, Executed: execute})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req models.PlanRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.engine.Validate(req); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "tasks": req.CountTasks()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, owner models.Owner) {
	stats, err := s.engine.Stats(r.Context(), owner.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, _ models.Owner, task *models.Task) {
	detail, err := s.engine.Get(r.Context(), task.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ models.Owner, task *models.Task) {
	events, err := s.engine.Events(r.Context(), task.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []models.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request, _ models.Owner, task *models.Task) {
	if err := s.engine.Execute(r.Context(), task.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: task.ID, Status: task.Status, Executed: true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, _ models.Owner, task *models.Task) {
	updated, err := s.engine.Cancel(r.Context(), task.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type confirmRequest struct {
	StepID   int64  `json:"step_id"`
	Accepted *bool  `json:"accepted"`
	Note     string `json:"note"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, _ models.Owner, task *models.Task) {
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	accepted := true
	if req.Accepted != nil {
		accepted = *req.Accepted
	}
	updated, err := s.engine.Confirm(r.Context(), task.ID, req.StepID, accepted, req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, _ models.Owner, task *models.Task) {
	if err := s.engine.Delete(r.Context(), task.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

// statusFor maps the engine's error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case models.IsInvalidPlan(err):
		return http.StatusUnprocessableEntity
	case models.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotWaiting), errors.Is(err, models.ErrNotCancellable),
		errors.Is(err, models.ErrNotTerminal), errors.Is(err, models.ErrTaskNotRunnable),
		errors.Is(err, models.ErrStaleState), errors.Is(err, models.ErrConcurrencyViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var planErr *decomposer.PlanError
	if errors.As(err, &planErr) {
		body.Problems = planErr.Problems
	}
	if status == http.StatusInternalServerError {
		s.log.Errorf("api: %v", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
