package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danmuck/hostbridge/internal/protocol"
	"github.com/danmuck/hostbridge/internal/protocol/session"
)

// fakeServer is an in-process orchestration server.
type fakeServer struct {
	srv *httptest.Server

	mu             sync.Mutex
	registers      int
	heartbeats     int
	polls          int
	pollStatus     int
	pending        []protocol.Command
	resultFailures int
	push           bool
	pushConns      int
	results        chan protocol.ResultRequest
	frames         chan []byte
	kick           chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	return newFakeServerTLS(t, nil)
}

// newFakeServerTLS serves over TLS with tlsCfg's certificates when tlsCfg is set.
func newFakeServerTLS(t *testing.T, tlsCfg *tls.Config) *fakeServer {
	t.Helper()
	s := &fakeServer{
		results: make(chan protocol.ResultRequest, 64),
		frames:  make(chan []byte, 16),
		kick:    make(chan struct{}, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+protocol.PathRegister, s.handleRegister)
	mux.HandleFunc("POST "+protocol.PathPoll, s.handlePoll)
	mux.HandleFunc("POST "+protocol.PathHeartbeat, s.handleHeartbeat)
	mux.HandleFunc("POST "+protocol.PathResult, s.handleResult)
	mux.HandleFunc("GET "+protocol.PathPush, s.handlePush)
	s.srv = httptest.NewUnstartedServer(mux)
	if tlsCfg != nil {
		s.srv.TLS = tlsCfg
		s.srv.StartTLS()
	} else {
		s.srv.Start()
	}
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) URL() string {
	return s.srv.URL
}

func (s *fakeServer) setPollStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollStatus = code
}

func (s *fakeServer) queueCommand(cmd protocol.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, cmd)
}

func (s *fakeServer) failResults(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultFailures = n
}

func (s *fakeServer) enablePush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push = true
}

func (s *fakeServer) disablePush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push = false
}

// dropPush closes the open push connection from the server side.
func (s *fakeServer) dropPush() {
	s.kick <- struct{}{}
}

func (s *fakeServer) pushConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushConns
}

func (s *fakeServer) counts() (registers, polls, heartbeats int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers, s.polls, s.heartbeats
}

func (s *fakeServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectIdentifier == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.registers++
	s.mu.Unlock()
	writeJSON(w, protocol.Ack{OK: true})
}

func (s *fakeServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.polls++
	code := s.pollStatus
	cmds := s.pending
	if code == 0 {
		s.pending = nil
	}
	s.mu.Unlock()
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if cmds == nil {
		cmds = []protocol.Command{}
	}
	writeJSON(w, protocol.PollResponse{Commands: cmds})
}

func (s *fakeServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.heartbeats++
	s.mu.Unlock()
	writeJSON(w, protocol.Ack{OK: true})
}

func (s *fakeServer) handleResult(w http.ResponseWriter, r *http.Request) {
	var req protocol.ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	fail := s.resultFailures > 0
	if fail {
		s.resultFailures--
	}
	s.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	select {
	case s.results <- req:
	default:
	}
	w.WriteHeader(http.StatusNoContent)
}

var testUpgrader = websocket.Upgrader{}

func (s *fakeServer) handlePush(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	enabled := s.push
	s.mu.Unlock()
	if !enabled || r.URL.Query().Get(protocol.QueryProjectIdentifier) == "" {
		http.NotFound(w, r)
		return
	}
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.mu.Lock()
	s.pushConns++
	s.mu.Unlock()
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-closed:
			return
		case <-s.kick:
			return
		case frame := <-s.frames:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (s *fakeServer) waitResult(t *testing.T, timeout time.Duration) protocol.ResultRequest {
	t.Helper()
	select {
	case res := <-s.results:
		return res
	case <-time.After(timeout):
		t.Fatalf("no result within %s", timeout)
		return protocol.ResultRequest{}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// enqueueFunc adapts a function to Enqueuer.
type enqueueFunc func(ctx context.Context, name string, params map[string]any, timeout time.Duration) (map[string]any, error)

func (f enqueueFunc) Enqueue(ctx context.Context, name string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	return f(ctx, name, params, timeout)
}

func echoEnqueuer() enqueueFunc {
	return func(_ context.Context, name string, params map[string]any, _ time.Duration) (map[string]any, error) {
		out := map[string]any{"command": name}
		for k, v := range params {
			out[k] = v
		}
		return out, nil
	}
}

func fastSession() session.Config {
	return session.Config{
		ConnectTimeout:    time.Second,
		RequestTimeout:    time.Second,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		ProbeTimeout:      time.Second,
		Backoff: session.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     20 * time.Millisecond,
		},
	}
}

func testConfig(serverURL string) Config {
	return Config{
		ServerURL:      serverURL,
		ProjectID:      "proj-1",
		Session:        fastSession(),
		CommandTimeout: time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
