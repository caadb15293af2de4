package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hostbridge/internal/client"
	"github.com/danmuck/hostbridge/internal/logging"
	"github.com/danmuck/hostbridge/internal/observability"
	"github.com/danmuck/hostbridge/internal/orchestrator"
	"github.com/danmuck/hostbridge/internal/queue"
	"github.com/danmuck/hostbridge/internal/testutil/testlog"
	"github.com/danmuck/hostbridge/internal/update"
)

type stubBridge struct {
	mu       sync.Mutex
	sent     []string
	sendErr  error
	subs     map[string]orchestrator.Submission
	triggers int
}

func (b *stubBridge) SendCommand(text string) (orchestrator.Submission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return orchestrator.Submission{}, b.sendErr
	}
	b.sent = append(b.sent, text)
	name, _, _ := strings.Cut(text, " ")
	sub := orchestrator.Submission{ID: "sub-1", Command: name, Status: "pending", SubmittedAt: time.Now()}
	b.subs[sub.ID] = sub
	return sub, nil
}

func (b *stubBridge) Submission(id string) (orchestrator.Submission, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	return sub, ok
}

func (b *stubBridge) Submissions() []orchestrator.Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]orchestrator.Submission, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	return out
}

func (b *stubBridge) ConnectionStatus() client.State {
	return client.State{Mode: client.ModeActive, Transport: client.TransportPush, ProjectID: "proj-1"}
}

func (b *stubBridge) TriggerUpdateCheck() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.triggers++
	return nil
}

type stubUpdates struct{}

func (stubUpdates) State() update.State  { return update.StateIdle }
func (stubUpdates) Marker() string       { return "v7" }
func (stubUpdates) Reloads() uint64      { return 3 }
func (stubUpdates) LastError() error     { return nil }
func (stubUpdates) LastCheck() time.Time { return time.Time{} }

func newTestServer(t *testing.T) (*Server, *stubBridge) {
	t.Helper()
	b := &stubBridge{subs: make(map[string]orchestrator.Submission)}
	collector := observability.NewBridgeCollector(observability.BridgeSource{
		QueueStats: func() queue.Stats { return queue.Stats{Depth: 1} },
		Connection: b.ConnectionStatus,
	})
	return New(Config{ID: "control-test"}, b, stubUpdates{}, collector), b
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, out
}

func TestSendCommandRoutes(t *testing.T) {
	testlog.Start(t)
	s, b := newTestServer(t)

	rr, body := do(t, s, http.MethodPost, "/commands", `{"text":"echo {\"a\":1}"}`)
	if rr.Code != http.StatusAccepted || body["id"] != "sub-1" || body["status"] != "pending" {
		t.Fatalf("send text: code=%d body=%v", rr.Code, body)
	}
	rr, _ = do(t, s, http.MethodPost, "/commands", `{"name":"ping","parameters":{"n":2}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("send name: code=%d", rr.Code)
	}
	if b.sent[1] != `ping {"n":2}` {
		t.Fatalf("name+parameters not converted: %q", b.sent[1])
	}
	rr, _ = do(t, s, http.MethodPost, "/commands", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty request: code=%d", rr.Code)
	}

	rr, body = do(t, s, http.MethodGet, "/commands/sub-1", "")
	if rr.Code != http.StatusOK || body["command"] != "ping" {
		t.Fatalf("get submission: code=%d body=%v", rr.Code, body)
	}
	rr, _ = do(t, s, http.MethodGet, "/commands/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing submission: code=%d", rr.Code)
	}
	logging.Logf("control/http: command routes status mapping verified")
}

func TestSendCommandErrorMapping(t *testing.T) {
	testlog.Start(t)
	s, b := newTestServer(t)
	cases := []struct {
		err  error
		code int
	}{
		{orchestrator.ErrInvalidCommandText, http.StatusBadRequest},
		{queue.ErrCapacity, http.StatusServiceUnavailable},
		{orchestrator.ErrTornDown, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		b.sendErr = tc.err
		rr, body := do(t, s, http.MethodPost, "/commands", `{"text":"echo"}`)
		if rr.Code != tc.code || body["error"] == nil {
			t.Fatalf("err=%v: code=%d body=%v", tc.err, rr.Code, body)
		}
	}
}

func TestStatusUpdateAndMetricsRoutes(t *testing.T) {
	testlog.Start(t)
	s, b := newTestServer(t)

	rr, body := do(t, s, http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status code=%d", rr.Code)
	}
	conn, _ := body["connection"].(map[string]any)
	upd, _ := body["update"].(map[string]any)
	if conn["mode"] != "active" || upd["marker"] != "v7" {
		t.Fatalf("status body: %v", body)
	}

	rr, _ = do(t, s, http.MethodPost, "/update/check", "")
	if rr.Code != http.StatusAccepted || b.triggers != 1 {
		t.Fatalf("update check: code=%d triggers=%d", rr.Code, b.triggers)
	}

	rr, body = do(t, s, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: code=%d body=%v", rr.Code, body)
	}

	rr, _ = do(t, s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics code=%d", rr.Code)
	}
	text := rr.Body.String()
	for _, want := range []string{"hostbridge_queue_depth 1", `hostbridge_connection_mode{mode="active",transport="push"} 1`, "hostbridge_http_requests_total"} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	b := &stubBridge{subs: make(map[string]orchestrator.Submission)}
	s := New(Config{ID: "control-auth", Token: "s3cret"}, b, nil)

	send := func(header string) int {
		req := httptest.NewRequest(http.MethodPost, "/update/check", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		s.Router().ServeHTTP(rr, req)
		return rr.Code
	}
	if code := send(""); code != http.StatusUnauthorized {
		t.Fatalf("missing token: code=%d", code)
	}
	if code := send("Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: code=%d", code)
	}
	if code := send("Bearer s3cret"); code != http.StatusAccepted {
		t.Fatalf("valid token: code=%d", code)
	}
	if b.triggers != 1 {
		t.Fatalf("expected one trigger, got %d", b.triggers)
	}

	rr, _ := do(t, s, http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("read routes stay open: code=%d", rr.Code)
	}
}
