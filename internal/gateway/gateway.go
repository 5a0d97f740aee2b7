// Package gateway is a thin net/http REST transport over internal/api.
// It owns no scheduling state of its own: every handler validates the
// request shape, calls into an api.Service method, and encodes the
// result as the standard {data, meta, result, error} envelope.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskscheduler/internal/api"
	"github.com/basket/taskscheduler/internal/apperr"
	"github.com/basket/taskscheduler/internal/audit"
	"github.com/basket/taskscheduler/internal/otel"
)

// Config wires a Server to the service it fronts and the middleware
// chain spec §6 requires (Basic-Auth, CORS, rate limiting).
type Config struct {
	Service *api.Service
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer // may be nil; defaulted to a no-op tracer

	// BasePath is the URL prefix applied to every registered route (spec
	// §6 configuration: "base path | URL prefix for both UI and API").
	// Empty or "/" means no prefix.
	BasePath string

	Auth      *AuthMiddleware
	CORS      func(http.Handler) http.Handler
	RateLimit *RateLimitMiddleware

	// MaxRequestBytes caps request body size; zero means the
	// RequestSizeLimitMiddleware default (10MiB).
	MaxRequestBytes int64
}

// Server serves the REST surface described in spec §6.
type Server struct {
	cfg Config
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Server{cfg: cfg}
}

// basePath normalizes cfg.BasePath to either "" (no prefix) or a prefix
// with no trailing slash, so route registration can simply concatenate it.
func (s *Server) basePath() string {
	p := strings.TrimSuffix(s.cfg.BasePath, "/")
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Handler builds the full mux with the middleware chain applied, every
// route prefixed by the configured base path (spec §6).
func (s *Server) Handler() http.Handler {
	base := s.basePath()
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/healthz", s.handleHealthz)
	mux.HandleFunc(base+"/api/tasks", s.handleTasks)
	mux.HandleFunc(base+"/api/tasks/batch", s.handleBatch)
	mux.HandleFunc(base+"/api/tasks/", s.handleTaskSubroutes)
	mux.HandleFunc(base+"/api/accounts", s.handleAccounts)

	var handler http.Handler = mux
	handler = s.instrument(handler)
	if s.cfg.RateLimit != nil {
		handler = s.cfg.RateLimit.Wrap(handler)
	}
	if s.cfg.CORS != nil {
		handler = s.cfg.CORS(handler)
	}
	if s.cfg.Auth != nil {
		handler = s.cfg.Auth.Wrap(handler)
	}
	handler = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(handler)
	return handler
}

// instrument opens a server span for the inbound request and records its
// duration against otel.Metrics.RequestDuration, keyed by path+method,
// instrumenting the outermost handler rather than each inner one.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, r.Method+" "+r.URL.Path)
		r = r.WithContext(ctx)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		if rec.status >= http.StatusBadRequest {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		span.End()

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), elapsed.Seconds())
		}
	})
}

// statusRecorder captures the status code a handler wrote, so instrument
// can mark the span as errored without the handler needing to know about
// tracing.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Service.Store.ListTasks(r.Context()); err != nil {
		dbOK = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"healthy": dbOK, "db_ok": dbOK})
}

// envelope is the {data, meta, result, error} shape spec §6 requires of
// every REST response.
type envelope struct {
	Data   any    `json:"data,omitempty"`
	Meta   any    `json:"meta,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeDataMeta(w http.ResponseWriter, status int, data, meta any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data, Meta: meta})
}

func writeResult(w http.ResponseWriter, status int, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Result: result})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ValidationFailed):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.Conflict):
		status = http.StatusConflict
	case errors.Is(err, apperr.PermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, apperr.Timeout):
		status = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: err.Error()})
}

// actor returns the Basic-Auth username for audit attribution, falling
// back to "anonymous" when auth is disabled or absent.
func actor(r *http.Request) string {
	if u, _, ok := r.BasicAuth(); ok && u != "" {
		return u
	}
	return "anonymous"
}

// --- /api/tasks ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		views, err := s.cfg.Service.ListTasks(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, views)
	case http.MethodPost:
		var in api.TaskInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, apperr.ValidationFailed)
			return
		}
		task, err := s.cfg.Service.CreateTask(r.Context(), in)
		if err != nil {
			audit.Record(actor(r), "task.create", in.Name, "failed", err.Error())
			writeError(w, err)
			return
		}
		audit.Record(actor(r), "task.create", formatID(task.ID), "created", "")
		writeData(w, http.StatusCreated, task)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- /api/tasks/{id}[/run|/results[/{rid}]] ---

func (s *Server) handleTaskSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, s.basePath()+"/api/tasks/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	taskID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, apperr.ValidationFailed)
		return
	}

	switch {
	case len(parts) == 1:
		s.handleTaskByID(w, r, taskID)
	case len(parts) == 2 && parts[1] == "run":
		s.handleRunTask(w, r, taskID)
	case len(parts) == 2 && parts[1] == "results":
		s.handleResults(w, r, taskID)
	case len(parts) == 3 && parts[1] == "results":
		resultID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			writeError(w, apperr.ValidationFailed)
			return
		}
		s.handleResultByID(w, r, taskID, resultID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request, taskID int64) {
	switch r.Method {
	case http.MethodGet:
		view, err := s.cfg.Service.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, view)
	case http.MethodPut:
		var in api.TaskInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, apperr.ValidationFailed)
			return
		}
		task, err := s.cfg.Service.UpdateTask(r.Context(), taskID, in)
		if err != nil {
			audit.Record(actor(r), "task.update", formatID(taskID), "failed", err.Error())
			writeError(w, err)
			return
		}
		audit.Record(actor(r), "task.update", formatID(taskID), "updated", "")
		writeData(w, http.StatusOK, task)
	case http.MethodDelete:
		if err := s.cfg.Service.DeleteTask(r.Context(), taskID); err != nil {
			audit.Record(actor(r), "task.delete", formatID(taskID), "failed", err.Error())
			writeError(w, err)
			return
		}
		audit.Record(actor(r), "task.delete", formatID(taskID), "deleted", "")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request, taskID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	outcome, err := s.cfg.Service.RunTask(r.Context(), taskID)
	if err != nil {
		audit.Record(actor(r), "task.run", formatID(taskID), "failed", err.Error())
		writeError(w, err)
		return
	}
	audit.Record(actor(r), "task.run", formatID(taskID), string(outcome), "")
	writeResult(w, http.StatusAccepted, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request, taskID int64) {
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		results, err := s.cfg.Service.ListResults(r.Context(), taskID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, results)
	case http.MethodDelete:
		n, err := s.cfg.Service.ClearResults(r.Context(), taskID)
		if err != nil {
			audit.Record(actor(r), "task.results.clear", formatID(taskID), "failed", err.Error())
			writeError(w, err)
			return
		}
		audit.Record(actor(r), "task.results.clear", formatID(taskID), "cleared", "")
		writeResult(w, http.StatusOK, map[string]int64{"cleared": n})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleResultByID(w http.ResponseWriter, r *http.Request, taskID, resultID int64) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.cfg.Service.DeleteResult(r.Context(), taskID, resultID); err != nil {
		audit.Record(actor(r), "task.result.delete", formatID(resultID), "failed", err.Error())
		writeError(w, err)
		return
	}
	audit.Record(actor(r), "task.result.delete", formatID(resultID), "deleted", "")
	w.WriteHeader(http.StatusNoContent)
}

// formatID renders an int64 id as the string audit.Record's targetID
// parameter expects; the audit log stays string-keyed for both task ids
// and batch-summary strings.
func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = formatID(id)
	}
	return strings.Join(parts, ",")
}

// --- /api/tasks/batch ---

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in api.BatchInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperr.ValidationFailed)
		return
	}
	result, err := s.cfg.Service.Batch(r.Context(), in)
	idList := joinIDs(in.TaskIDs)
	if err != nil {
		audit.Record(actor(r), "batch."+in.Action, idList, "failed", err.Error())
		writeError(w, err)
		return
	}
	audit.Record(actor(r), "batch."+in.Action, idList, "applied", "")
	writeResult(w, http.StatusOK, result)
}

// --- /api/accounts ---

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view := s.cfg.Service.ListAccounts()
	writeDataMeta(w, http.StatusOK, view.Accounts, map[string]any{
		"posix_supported": view.PosixSupported,
		"default_account": view.DefaultAccount,
	})
}
