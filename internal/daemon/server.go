package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// HTTP Shell
//
// The management API is a thin JSON shell over Core: handlers parse,
// delegate, and render. Authentication is a bearer token checked
// against the control cookie in constant time.
// -------------------------------------------------------------------------

// Server is the management HTTP handler set.
type Server struct {
	core   *Core
	token  string
	logger *slog.Logger
}

// NewServer creates the management HTTP shell. token is the control
// cookie value every request must present as a bearer token.
func NewServer(core *Core, token string, logger *slog.Logger) *Server {
	return &Server{
		core:   core,
		token:  token,
		logger: logger.With(slog.String("component", "daemon.server")),
	}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/info", s.handleInfo)
	mux.HandleFunc("GET /v1/config", s.handleGetConfig)
	mux.HandleFunc("POST /v1/config/reload", s.handleReload)
	mux.HandleFunc("POST /v1/config/update", s.handleUpdate)
	mux.HandleFunc("GET /v1/config/versions", s.handleVersions)
	mux.HandleFunc("POST /v1/config/rollback", s.handleRollback)
	mux.HandleFunc("POST /v1/config/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/connections", s.handleListConnections)
	mux.HandleFunc("GET /v1/connections/{id}", s.handleGetConnection)
	mux.HandleFunc("DELETE /v1/connections/{id}", s.handleCloseConnection)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /v1/errors", s.handleErrors)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.authenticate(s.logRequests(mux))
}

// -------------------------------------------------------------------------
// Middleware
// -------------------------------------------------------------------------

// authenticate enforces the bearer control token on every request.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || !TokenEqual(strings.TrimPrefix(auth, prefix), s.token) {
			writeError(w, http.StatusUnauthorized, &Error{
				Code: "unauthorized", Message: "missing or invalid control token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests logs each request with its duration and status.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards flushing for the event stream.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// -------------------------------------------------------------------------
// Responses
// -------------------------------------------------------------------------

type okEnvelope struct {
	OK     bool `json:"ok"`
	Result any  `json:"result,omitempty"`
}

type errEnvelope struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
	ID      uint64 `json:"id,omitempty"`
}

func writeOK(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(okEnvelope{OK: true, Result: result})
}

func writeError(w http.ResponseWriter, status int, derr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errEnvelope{
		OK: false, Code: derr.Code, Message: derr.Message, ID: derr.ID,
	})
}

// writeCoreError renders a Core error with the right HTTP status.
func writeCoreError(w http.ResponseWriter, err error) {
	derr, ok := err.(*Error)
	if !ok {
		derr = &Error{Code: CodeInternal, Message: err.Error()}
	}
	status := http.StatusInternalServerError
	switch derr.Code {
	case CodeNotFound:
		status = http.StatusNotFound
	case CodeInvalidConfig:
		status = http.StatusBadRequest
	}
	writeError(w, status, derr)
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.core.GetInfo())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.core.GetConfig())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, &Error{Code: CodeInvalidConfig, Message: err.Error()})
		return
	}
	summary, err := s.core.ReloadConfig(req.Path)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeOK(w, summary)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, &Error{Code: CodeInvalidConfig, Message: err.Error()})
		return
	}
	summary, err := s.core.UpdateConfig(patch)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeOK(w, summary)
}

func (s *Server) handleVersions(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.core.ListVersions())
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version uint64 `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, &Error{Code: CodeInvalidConfig, Message: err.Error()})
		return
	}
	summary, err := s.core.Rollback(req.Version)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeOK(w, summary)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	// An empty body is a bare snapshot request.
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeOK(w, s.core.Snapshot(req.Description))
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.core.ListConnections())
}

func pathID(r *http.Request) (uint32, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", raw, err)
	}
	return uint32(id), nil
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, &Error{Code: CodeInvalidConfig, Message: err.Error()})
		return
	}
	st, err := s.core.GetConnection(id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeOK(w, st)
}

func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, &Error{Code: CodeInvalidConfig, Message: err.Error()})
		return
	}
	if err := s.core.CloseConnection(id); err != nil {
		writeCoreError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, &Error{Code: CodeInvalidConfig, Message: err.Error()})
		return
	}
	st, err := s.core.GetSession(id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeOK(w, st)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, &Error{Code: CodeInvalidConfig, Message: err.Error()})
		return
	}
	if err := s.core.CloseSession(id); err != nil {
		writeCoreError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	topK := 10
	if raw := r.URL.Query().Get("top"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			topK = n
		}
	}
	writeOK(w, s.core.ErrorSummary(topK))
}

// handleEvents streams newline-delimited JSON events until the client
// detaches. The optional "types" query parameter filters by comma-
// separated event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var types []EventType
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			types = append(types, EventType(strings.TrimSpace(t)))
		}
	}

	events, cancel := s.core.SubscribeEvents(types...)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				s.logger.Debug("event subscriber detached",
					slog.String("error", err.Error()),
				)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
