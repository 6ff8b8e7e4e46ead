package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"coderoom/internal/app"
	"coderoom/internal/config"
	"coderoom/pkg/types"
)

// testConfig uses sqlite in a temp dir, in-process providers and an
// ephemeral port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Repository.SQLitePath = filepath.Join(t.TempDir(), "coderoom.db")
	cfg.RateLimit.Enabled = false
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *app.Application {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	application, err := app.NewApplication(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return application
}

func stopApp(t *testing.T, application *app.Application) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

// startApp runs a full server for the duration of the test and returns
// its address.
func startApp(t *testing.T, cfg *config.Config) string {
	t.Helper()
	application := newApp(t, cfg)
	t.Cleanup(func() { stopApp(t, application) })
	return application.Addr()
}

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) decode(t *testing.T, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(r.body, v); err != nil {
		t.Fatalf("failed to decode %s: %v", r.body, err)
	}
}

func call(t *testing.T, addr, method, path, userID string, body interface{}) apiResponse {
	t.Helper()
	resp, err := doCall(addr, method, path, userID, body)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// doCall is safe to use from goroutines other than the test's own.
func doCall(addr, method, path, userID string, body interface{}) (apiResponse, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apiResponse{}, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, "http://"+addr+path, reader)
	if err != nil {
		return apiResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("X-User-Name", userID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, err
	}
	return apiResponse{status: resp.StatusCode, body: data}, nil
}

func dialRelay(t *testing.T, addr, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws?user_id="+userID+"&user_name="+userID, nil)
	if err != nil {
		t.Fatalf("failed to dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *types.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev types.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read relay event: %v", err)
	}
	return &ev
}

// expectSilence fails if conn receives anything within a short window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var ev types.Event
	if err := conn.ReadJSON(&ev); err == nil {
		t.Errorf("expected no relay event, got %s %v", ev.Type, ev.Payload)
	}
}

// joinRelay sends join-room and waits for room-joined.
func joinRelay(t *testing.T, conn *websocket.Conn, callID string) *types.Event {
	t.Helper()
	if err := conn.WriteJSON(types.Event{Type: types.EventJoinRoom, RoomID: callID}); err != nil {
		t.Fatalf("failed to send join-room: %v", err)
	}
	return readEvent(t, conn)
}
