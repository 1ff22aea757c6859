package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apc-daemon/apcd/internal/agentpool"
	"github.com/apc-daemon/apcd/internal/coordinator"
	"github.com/apc-daemon/apcd/internal/events"
	"github.com/apc-daemon/apcd/internal/runner"
	"github.com/apc-daemon/apcd/internal/session"
	"github.com/apc-daemon/apcd/internal/store"
	"github.com/gorilla/websocket"
)

const scriptedPlanText = `# Plan

add a health endpoint

## Tasks

- [ ] T1: add the handler (deps: none) (priority: 0)
`

// scriptedRunner is a fixed-response AgentRunner, grounded on the
// session package's own test double of the same name: it recognizes the
// planning_new prompt shape and always succeeds, so dispatched workflows
// run straight through without needing a real backend.
type scriptedRunner struct{}

func (scriptedRunner) Run(ctx context.Context, opts runner.Options) runner.Result {
	if strings.Contains(opts.Prompt, "draft an implementation plan") {
		return runner.Result{Success: true, OutputText: scriptedPlanText}
	}
	return runner.Result{Success: true, OutputText: "ok"}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	layout := store.NewLayout(t.TempDir(), "")
	st, err := store.New(layout)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	bus := events.NewBus(nil)

	sessions := session.New(st, bus)
	deps := coordinator.Deps{
		Pool:           agentpool.New(2),
		Runner:         scriptedRunner{},
		Store:          st,
		Bus:            bus,
		TaskManagers:   sessions.TaskManagerFor,
		BackendCommand: "fake-backend",
		AgentTimeout:   5 * time.Second,
	}
	coord := coordinator.New(deps)
	coord.Start()
	t.Cleanup(coord.Stop)
	sessions.AttachCoordinator(coord)
	t.Cleanup(sessions.Stop)

	return NewServer(sessions, bus, 0)
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", body["status"])
	}
}

func TestHandleCreateSession(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(createSessionRequest{Requirement: "add a health endpoint"})
	req := httptest.NewRequest("POST", "/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var sess map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sess["status"] != "planning" {
		t.Errorf("expected status=planning, got %v", sess["status"])
	}
	if sess["id"] == "" || sess["id"] == nil {
		t.Error("expected a non-empty session id")
	}
}

func TestHandleSessionLifecycle_UnknownID(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/sessions/PS_999999/approve", "/sessions/PS_999999/execute", "/sessions/PS_999999/cancel", "/sessions/PS_999999/stop"} {
		req := httptest.NewRequest("POST", path, nil)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400 for unknown session, got %d", path, rec.Code)
		}
	}
}

func TestHandleDeleteSession(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(createSessionRequest{Requirement: "anything"})
	createReq := httptest.NewRequest("POST", "/sessions", bytes.NewReader(body))
	createRec := httptest.NewRecorder()
	s.router.ServeHTTP(createRec, createReq)

	var sess struct {
		ID string `json:"id"`
	}
	json.Unmarshal(createRec.Body.Bytes(), &sess)

	delReq := httptest.NewRequest("DELETE", "/sessions/"+sess.ID, nil)
	delRec := httptest.NewRecorder()
	s.router.ServeHTTP(delRec, delReq)

	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delRec.Code)
	}
}

func TestWebSocketRelaysEnvelopes(t *testing.T) {
	s := newTestServer(t)
	go s.hub.Run()
	go s.relayEvents()
	t.Cleanup(s.hub.Shutdown)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the hub a moment to register the new client before publishing,
	// since registration happens asynchronously over a channel.
	time.Sleep(50 * time.Millisecond)

	s.bus.Publish(events.New(events.SessionUpdated, "PS_000001", map[string]any{"status": "planning"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != events.SessionUpdated {
		t.Errorf("expected session.updated, got %s", env.Type)
	}
}
