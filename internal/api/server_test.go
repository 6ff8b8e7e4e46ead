package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"

	"coderoom/internal/metrics"
	"coderoom/internal/session"
	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// mockSessionManager returns session/err from every operation and records
// the last call.
type mockSessionManager struct {
	session *types.Session
	list    []*types.Session
	err     error

	lastID     string
	lastUser   string
	lastSpec   types.SessionSpec
	lastCode   string
	lastList   []types.Problem
	lastKind   string
	lastEnable bool
	lastLimit  int
}

func (m *mockSessionManager) CreateSession(ctx context.Context, spec types.SessionSpec) (*types.Session, error) {
	m.lastSpec = spec
	return m.session, m.err
}

func (m *mockSessionManager) GetSession(ctx context.Context, id string) (*types.Session, error) {
	m.lastID = id
	return m.session, m.err
}

func (m *mockSessionManager) ListActiveSessions(ctx context.Context, limit int) ([]*types.Session, error) {
	m.lastLimit = limit
	return m.list, m.err
}

func (m *mockSessionManager) JoinSession(ctx context.Context, id string, user types.Identity) (*types.JoinResult, error) {
	m.lastID, m.lastUser = id, user.ID
	if m.err != nil {
		return nil, m.err
	}
	return &types.JoinResult{Session: m.session, SideEffects: []types.StepResult{{Step: "add_video_member", Outcome: types.OutcomeOK}}}, nil
}

func (m *mockSessionManager) EndSession(ctx context.Context, id string, userID string) (*types.EndResult, error) {
	m.lastID, m.lastUser = id, userID
	if m.err != nil {
		return nil, m.err
	}
	return &types.EndResult{Session: m.session}, nil
}

func (m *mockSessionManager) UpdateProblemList(ctx context.Context, id, hostID string, problems []types.Problem) (*types.Session, error) {
	m.lastID, m.lastUser, m.lastList = id, hostID, problems
	return m.session, m.err
}

func (m *mockSessionManager) ChangeProblem(ctx context.Context, id, hostID string, p types.Problem) (*types.Session, error) {
	m.lastID, m.lastUser, m.lastList = id, hostID, []types.Problem{p}
	return m.session, m.err
}

func (m *mockSessionManager) SaveCode(ctx context.Context, id, userID, code string) (*types.Session, error) {
	m.lastID, m.lastUser, m.lastCode = id, userID, code
	return m.session, m.err
}

func (m *mockSessionManager) SetFocusMode(ctx context.Context, id, hostID string, enabled bool) (*types.Session, error) {
	m.lastID, m.lastUser, m.lastEnable = id, hostID, enabled
	return m.session, m.err
}

func (m *mockSessionManager) RecordFocusEvent(ctx context.Context, id, userID, kind string) (*types.Session, error) {
	m.lastID, m.lastUser, m.lastKind = id, userID, kind
	return m.session, m.err
}

func (m *mockSessionManager) ValidateRoomMembership(ctx context.Context, callID, userID string) (*types.Session, string, error) {
	return m.session, types.RoleHost, m.err
}

var _ interfaces.SessionManager = (*mockSessionManager)(nil)

type mockHealth struct{ err error }

func (m *mockHealth) HealthCheck(ctx context.Context) error { return m.err }

type mockRelay struct{ counts map[string]int }

func (m *mockRelay) RoomConnectionCount(roomID string) int { return m.counts[roomID] }
func (m *mockRelay) GetStats() map[string]int {
	return map[string]int{"total_connections": 3, "active_rooms": 1}
}

func testSession() *types.Session {
	return &types.Session{ID: "s-1", CallID: "call-1", HostID: "host", Status: types.StatusActive, MaxParticipants: 2}
}

func newTestServer(sm *mockSessionManager, opts Options) *Server {
	if opts.Logger == nil {
		logger, _ := test.NewNullLogger()
		opts.Logger = logger
	}
	return NewServer(sm, &mockHealth{}, &mockRelay{counts: map[string]int{"call-1": 2}}, opts)
}

func do(t *testing.T, s *Server, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
		req.Header.Set(HeaderUserName, strings.ToUpper(userID))
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func TestServer_CreateSession(t *testing.T) {
	sm := &mockSessionManager{session: testSession()}
	s := newTestServer(sm, Options{})

	w := do(t, s, "POST", "/api/sessions", "host", `{
		"problem": "Two Sum",
		"difficulty": "easy",
		"problems": ["Two Sum", {"title": "LRU Cache", "difficulty": "hard"}],
		"max_participants": 4,
		"language": "go",
		"visibility": "public"
	}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	spec := sm.lastSpec
	if spec.Host.ID != "host" || spec.Host.Name != "HOST" {
		t.Errorf("host identity not taken from headers: %+v", spec.Host)
	}
	if spec.MaxParticipants != 4 || spec.Language != "go" || spec.Visibility != "public" {
		t.Errorf("unexpected spec %+v", spec)
	}
	if len(spec.Problems) != 2 || spec.Problems[1].Title != "LRU Cache" || spec.Problems[1].Difficulty != types.DifficultyHard {
		t.Errorf("problem inputs not decoded: %+v", spec.Problems)
	}

	var resp struct {
		Session *types.Session `json:"session"`
	}
	decodeBody(t, w, &resp)
	if resp.Session == nil || resp.Session.ID != "s-1" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestServer_RequestValidation(t *testing.T) {
	s := newTestServer(&mockSessionManager{session: testSession()}, Options{})

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		status int
	}{
		{"missing user header", "POST", "/api/sessions", "", `{}`, http.StatusBadRequest},
		{"invalid user header", "POST", "/api/sessions", "bad user", `{}`, http.StatusBadRequest},
		{"invalid JSON", "POST", "/api/sessions", "host", `{`, http.StatusBadRequest},
		{"focus mode without flag", "PUT", "/api/sessions/s-1/focus-mode", "host", `{}`, http.StatusBadRequest},
		{"bad list limit", "GET", "/api/sessions?limit=abc", "", "", http.StatusBadRequest},
		{"oversized body", "PUT", "/api/sessions/s-1/code", "host", `{"code":"` + strings.Repeat("a", maxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
		{"wrong method", "DELETE", "/api/sessions/s-1", "host", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, tt.user, tt.body)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"validation", types.ErrEmptyProblemList, http.StatusBadRequest, types.ErrEmptyProblemList.Error()},
		{"not found", interfaces.ErrSessionNotFound, http.StatusNotFound, interfaces.ErrSessionNotFound.Error()},
		{"forbidden", session.ErrNotHost, http.StatusForbidden, session.ErrNotHost.Error()},
		{"room full", session.ErrRoomFull, http.StatusConflict, session.ErrRoomFull.Error()},
		{"upstream", &types.UpstreamError{Provider: "video", Step: "create_video_room", Err: errors.New("boom")}, http.StatusBadGateway, ""},
		{"internal", fmt.Errorf("%w: disk on fire", types.ErrInternal), http.StatusInternalServerError, "Internal server error"},
		{"unclassified", errors.New("raw driver error"), http.StatusInternalServerError, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&mockSessionManager{err: tt.err}, Options{})
			w := do(t, s, "POST", "/api/sessions/s-1/join", "alice", "")

			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
			var resp ErrorResponse
			decodeBody(t, w, &resp)
			if resp.Code != tt.status || resp.Error != http.StatusText(tt.status) {
				t.Errorf("unexpected error body %+v", resp)
			}
			if tt.message != "" && resp.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, resp.Message)
			}
		})
	}
}

func TestServer_SessionRoutes(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		check  func(t *testing.T, sm *mockSessionManager)
	}{
		{"join", "POST", "/api/sessions/s-1/join", "", http.StatusOK, func(t *testing.T, sm *mockSessionManager) {
			if sm.lastID != "s-1" || sm.lastUser != "alice" {
				t.Errorf("unexpected join args %s/%s", sm.lastID, sm.lastUser)
			}
		}},
		{"end", "POST", "/api/sessions/s-1/end", "", http.StatusOK, func(t *testing.T, sm *mockSessionManager) {
			if sm.lastUser != "alice" {
				t.Errorf("unexpected end user %s", sm.lastUser)
			}
		}},
		{"save code", "PUT", "/api/sessions/s-1/code", `{"code":"print(1)"}`, http.StatusOK, func(t *testing.T, sm *mockSessionManager) {
			if sm.lastCode != "print(1)" {
				t.Errorf("unexpected code %q", sm.lastCode)
			}
		}},
		{"problem list", "PUT", "/api/sessions/s-1/problems", `{"problems":["A",{"title":"B","difficulty":"hard"}]}`, http.StatusOK, func(t *testing.T, sm *mockSessionManager) {
			if len(sm.lastList) != 2 || sm.lastList[1].Difficulty != types.DifficultyHard {
				t.Errorf("unexpected list %+v", sm.lastList)
			}
		}},
		{"change problem", "PUT", "/api/sessions/s-1/problem", `{"title":"B","difficulty":"medium"}`, http.StatusOK, func(t *testing.T, sm *mockSessionManager) {
			if len(sm.lastList) != 1 || sm.lastList[0].Title != "B" {
				t.Errorf("unexpected problem %+v", sm.lastList)
			}
		}},
		{"focus mode", "PUT", "/api/sessions/s-1/focus-mode", `{"enabled":true}`, http.StatusOK, func(t *testing.T, sm *mockSessionManager) {
			if !sm.lastEnable {
				t.Error("expected focus mode enabled")
			}
		}},
		{"focus event", "POST", "/api/sessions/s-1/focus-events", `{"kind":"tab-switch"}`, http.StatusCreated, func(t *testing.T, sm *mockSessionManager) {
			if sm.lastKind != types.FocusKindTabSwitch {
				t.Errorf("unexpected kind %q", sm.lastKind)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := &mockSessionManager{session: testSession()}
			s := newTestServer(sm, Options{})
			w := do(t, s, tt.method, tt.path, "alice", tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			tt.check(t, sm)
		})
	}
}

func TestServer_GetAndListIncludeConnectionCount(t *testing.T) {
	sm := &mockSessionManager{session: testSession(), list: []*types.Session{testSession()}}
	s := newTestServer(sm, Options{})

	w := do(t, s, "GET", "/api/sessions/s-1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var one SessionResponse
	decodeBody(t, w, &one)
	if one.ConnectionCount != 2 || sm.lastID != "s-1" {
		t.Errorf("unexpected get response %+v", one)
	}

	w = do(t, s, "GET", "/api/sessions?limit=5", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Sessions []struct {
			ID              string `json:"id"`
			ConnectionCount int    `json:"connection_count"`
		} `json:"sessions"`
	}
	decodeBody(t, w, &list)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != "s-1" || list.Sessions[0].ConnectionCount != 2 {
		t.Errorf("unexpected list response %+v", list)
	}
	if sm.lastLimit != 5 {
		t.Errorf("expected limit 5, got %d", sm.lastLimit)
	}
}

func TestServer_GetPrivateSessionHidesWork(t *testing.T) {
	session := testSession()
	session.Visibility = types.VisibilityPrivate
	session.Participants = []string{"alice"}
	session.Code = "secret"
	session.FocusEvents = []types.FocusEvent{{UserID: "alice", Kind: "blur"}}

	tests := []struct {
		name     string
		user     string
		public   bool
		wantWork bool
	}{
		{"anonymous", "", false, false},
		{"non-member", "mallory", false, false},
		{"host", "host", false, true},
		{"participant", "alice", false, true},
		{"public anonymous", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := *session
			if tt.public {
				stored.Visibility = types.VisibilityPublic
			}
			sm := &mockSessionManager{session: &stored}
			s := newTestServer(sm, Options{})

			w := do(t, s, "GET", "/api/sessions/s-1", tt.user, "")
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			var resp SessionResponse
			decodeBody(t, w, &resp)
			gotWork := resp.Session.Code == "secret" && len(resp.Session.FocusEvents) == 1
			if gotWork != tt.wantWork {
				t.Errorf("expected work visible=%v, got code %q focus %v", tt.wantWork, resp.Session.Code, resp.Session.FocusEvents)
			}
			if resp.Session.CallID != "call-1" || !resp.Session.IsParticipant("alice") {
				t.Errorf("metadata should stay visible: %+v", resp.Session)
			}
			if stored.Code != "secret" {
				t.Error("redaction must not modify the stored session")
			}
		})
	}
}

func TestServer_HealthCheck(t *testing.T) {
	logger, _ := test.NewNullLogger()

	healthy := NewServer(&mockSessionManager{}, &mockHealth{}, &mockRelay{}, Options{Logger: logger})
	w := do(t, healthy, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "healthy" || resp.Connections["total_connections"] != 3 {
		t.Errorf("unexpected health %+v", resp)
	}

	sick := NewServer(&mockSessionManager{}, &mockHealth{err: errors.New("ping failed")}, &mockRelay{}, Options{Logger: logger})
	w = do(t, sick, "GET", "/health", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	decodeBody(t, w, &resp)
	if resp.Status != "unhealthy" || !strings.Contains(resp.Repository, "ping failed") {
		t.Errorf("unexpected health %+v", resp)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(&mockSessionManager{}, Options{})
	w := do(t, s, "OPTIONS", "/api/sessions/s-1/join", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), HeaderUserID) {
		t.Error("identity header must be allowed cross-origin")
	}
}

func TestServer_RateLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newTestServer(&mockSessionManager{session: testSession()}, Options{
		Limiter: NewRateLimiter(0.001, 2),
		Metrics: m,
	})

	for i := 0; i < 2; i++ {
		if w := do(t, s, "GET", "/api/sessions/s-1", "alice", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := do(t, s, "GET", "/api/sessions/s-1", "alice", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	if w := do(t, s, "GET", "/api/sessions/s-1", "bob", ""); w.Code != http.StatusOK {
		t.Errorf("other users must not be throttled, got %d", w.Code)
	}
	if w := do(t, s, "GET", "/health", "alice", ""); w.Code != http.StatusOK {
		t.Errorf("health must not be throttled, got %d", w.Code)
	}
	if got := testutil.ToFloat64(m.RateLimitRejected); got != 1 {
		t.Errorf("expected 1 rejection recorded, got %v", got)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newTestServer(&mockSessionManager{session: testSession()}, Options{Metrics: m, Gatherer: reg})

	do(t, s, "GET", "/api/sessions/s-1", "", "")
	w := do(t, s, "GET", "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "coderoom_http_request_duration_seconds") {
		t.Error("expected request histogram in exposition")
	}
	if !strings.Contains(body, `route="GET /api/sessions/{id}"`) {
		t.Errorf("expected route label from the matched pattern, got:\n%s", body)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(5 * time.Minute)
	rl.Allow("b")

	if removed := rl.Cleanup(time.Minute); removed != 1 {
		t.Errorf("expected 1 idle limiter removed, got %d", removed)
	}
	if rl.Len() != 1 {
		t.Errorf("expected 1 limiter left, got %d", rl.Len())
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < DefaultBurst; i++ {
		if !rl.Allow("a") {
			t.Fatalf("request %d within burst was rejected", i)
		}
	}
}
