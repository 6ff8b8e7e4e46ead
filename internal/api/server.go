package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"coderoom/internal/metrics"
	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// Caller identity headers set by the fronting identity layer.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserName  = "X-User-Name"
	HeaderUserImage = "X-User-Image"
)

const maxBodyBytes = 1 << 20

// HealthChecker reports repository reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RelayStats exposes live relay counters.
type RelayStats interface {
	RoomConnectionCount(roomID string) int
	GetStats() map[string]int
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Limiter  *RateLimiter
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   logrus.FieldLogger
}

// Server is the REST surface over the session manager. It holds no
// business rules; every decision is made by the manager.
type Server struct {
	sessions interfaces.SessionManager
	health   HealthChecker
	relay    RelayStats
	limiter  *RateLimiter
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	mux      *http.ServeMux
	handler  http.Handler
	started  time.Time
}

func NewServer(sessions interfaces.SessionManager, health HealthChecker, relay RelayStats, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		sessions: sessions,
		health:   health,
		relay:    relay,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		logger:   logger.WithField("component", "api"),
		mux:      http.NewServeMux(),
		started:  time.Now(),
	}
	s.setupRoutes(opts.Gatherer)
	s.handler = s.corsMiddleware(s.metricsMiddleware(s.rateLimitMiddleware(s.mux)))
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	api := func(h http.HandlerFunc) http.Handler { return s.jsonMiddleware(h) }

	s.mux.Handle("POST /api/sessions", api(s.createSession))
	s.mux.Handle("GET /api/sessions", api(s.listSessions))
	s.mux.Handle("GET /api/sessions/{id}", api(s.getSession))
	s.mux.Handle("POST /api/sessions/{id}/join", api(s.joinSession))
	s.mux.Handle("POST /api/sessions/{id}/end", api(s.endSession))
	s.mux.Handle("PUT /api/sessions/{id}/code", api(s.saveCode))
	s.mux.Handle("PUT /api/sessions/{id}/problems", api(s.updateProblemList))
	s.mux.Handle("PUT /api/sessions/{id}/problem", api(s.changeProblem))
	s.mux.Handle("PUT /api/sessions/{id}/focus-mode", api(s.setFocusMode))
	s.mux.Handle("POST /api/sessions/{id}/focus-events", api(s.recordFocusEvent))
	s.mux.Handle("GET /health", api(s.healthCheck))

	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

// Handle mounts an extra handler, such as the relay endpoint, on the mux.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type CreateSessionRequest struct {
	Problem         string               `json:"problem"`
	Difficulty      string               `json:"difficulty"`
	Problems        []types.ProblemInput `json:"problems,omitempty"`
	MaxParticipants int                  `json:"max_participants"`
	Language        string               `json:"language"`
	Visibility      string               `json:"visibility"`
}

type SaveCodeRequest struct {
	Code string `json:"code"`
}

type UpdateProblemsRequest struct {
	Problems []types.ProblemInput `json:"problems"`
}

type ChangeProblemRequest struct {
	Title      string `json:"title"`
	Difficulty string `json:"difficulty"`
}

type FocusModeRequest struct {
	Enabled *bool `json:"enabled"`
}

type FocusEventRequest struct {
	Kind string `json:"kind"`
}

type SessionResponse struct {
	Session         *types.Session `json:"session"`
	ConnectionCount int            `json:"connection_count"`
}

type SessionWithConnections struct {
	*types.Session
	ConnectionCount int `json:"connection_count"`
}

type ListSessionsResponse struct {
	Sessions []SessionWithConnections `json:"sessions"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Repository  string                 `json:"repository"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

// POST /api/sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	host, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req CreateSessionRequest
	if !s.decode(w, r, &req) {
		return
	}

	session, err := s.sessions.CreateSession(r.Context(), types.SessionSpec{
		Host:            host,
		Problem:         req.Problem,
		Difficulty:      req.Difficulty,
		Problems:        req.Problems,
		MaxParticipants: req.MaxParticipants,
		Language:        req.Language,
		Visibility:      req.Visibility,
	})
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]*types.Session{"session": session})
}

// GET /api/sessions?limit=
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendError(w, r, types.ErrValidation)
			return
		}
		limit = n
	}

	sessions, err := s.sessions.ListActiveSessions(r.Context(), limit)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	out := make([]SessionWithConnections, len(sessions))
	for i, session := range sessions {
		out[i] = SessionWithConnections{Session: session, ConnectionCount: s.connectionCount(session)}
	}
	s.sendJSON(w, http.StatusOK, ListSessionsResponse{Sessions: out})
}

// GET /api/sessions/{id}
// Only members see a private session's code and focus log.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if session.Visibility == types.VisibilityPrivate && !session.IsMember(r.Header.Get(HeaderUserID)) {
		redacted := *session
		redacted.Code = ""
		redacted.FocusEvents = nil
		session = &redacted
	}
	s.sendJSON(w, http.StatusOK, SessionResponse{Session: session, ConnectionCount: s.connectionCount(session)})
}

// POST /api/sessions/{id}/join
func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	user, ok := s.caller(w, r)
	if !ok {
		return
	}
	result, err := s.sessions.JoinSession(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// POST /api/sessions/{id}/end
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	user, ok := s.caller(w, r)
	if !ok {
		return
	}
	result, err := s.sessions.EndSession(r.Context(), r.PathValue("id"), user.ID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// PUT /api/sessions/{id}/code
func (s *Server) saveCode(w http.ResponseWriter, r *http.Request) {
	user, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req SaveCodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	session, err := s.sessions.SaveCode(r.Context(), r.PathValue("id"), user.ID, req.Code)
	s.sendSession(w, r, http.StatusOK, session, err)
}

// PUT /api/sessions/{id}/problems
func (s *Server) updateProblemList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req UpdateProblemsRequest
	if !s.decode(w, r, &req) {
		return
	}
	session, err := s.sessions.UpdateProblemList(r.Context(), r.PathValue("id"), user.ID, types.Problems(req.Problems))
	s.sendSession(w, r, http.StatusOK, session, err)
}

// PUT /api/sessions/{id}/problem
func (s *Server) changeProblem(w http.ResponseWriter, r *http.Request) {
	user, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req ChangeProblemRequest
	if !s.decode(w, r, &req) {
		return
	}
	p := types.Problem{Title: req.Title, Difficulty: types.Difficulty(req.Difficulty)}
	session, err := s.sessions.ChangeProblem(r.Context(), r.PathValue("id"), user.ID, p)
	s.sendSession(w, r, http.StatusOK, session, err)
}

// PUT /api/sessions/{id}/focus-mode
func (s *Server) setFocusMode(w http.ResponseWriter, r *http.Request) {
	user, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req FocusModeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		s.sendError(w, r, types.ErrValidation)
		return
	}
	session, err := s.sessions.SetFocusMode(r.Context(), r.PathValue("id"), user.ID, *req.Enabled)
	s.sendSession(w, r, http.StatusOK, session, err)
}

// POST /api/sessions/{id}/focus-events
func (s *Server) recordFocusEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req FocusEventRequest
	if !s.decode(w, r, &req) {
		return
	}
	session, err := s.sessions.RecordFocusEvent(r.Context(), r.PathValue("id"), user.ID, req.Kind)
	s.sendSession(w, r, http.StatusCreated, session, err)
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	repoStatus := "healthy"
	if err := s.health.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		repoStatus = "error: " + err.Error()
	}

	var connections map[string]int
	if s.relay != nil {
		connections = s.relay.GetStats()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Repository:  repoStatus,
		Connections: connections,
		System: map[string]interface{}{
			"goroutines":     runtime.NumGoroutine(),
			"uptime_seconds": int(time.Since(s.started).Seconds()),
		},
	})
}

// caller reads the identity headers. A missing or malformed user ID is
// answered with 400 and ok=false.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (types.Identity, bool) {
	id := r.Header.Get(HeaderUserID)
	if id == "" {
		s.writeError(w, http.StatusBadRequest, ErrMissingUserID.Error())
		return types.Identity{}, false
	}
	if !types.IsValidUserID(id) {
		s.sendError(w, r, types.ErrInvalidUserID)
		return types.Identity{}, false
	}
	return types.Identity{
		ID:    id,
		Name:  r.Header.Get(HeaderUserName),
		Image: r.Header.Get(HeaderUserImage),
	}, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, ErrInvalidJSON.Error())
		return false
	}
	return true
}

func (s *Server) connectionCount(session *types.Session) int {
	if s.relay == nil {
		return 0
	}
	return s.relay.RoomConnectionCount(session.CallID)
}

func (s *Server) sendSession(w http.ResponseWriter, r *http.Request, code int, session *types.Session, err error) {
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, code, map[string]*types.Session{"session": session})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("failed to encode response")
	}
}

// sendError classifies err. Internal errors are logged and never echoed.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		message = "Internal server error"
	}
	s.writeError(w, code, message)
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
