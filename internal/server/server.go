// Package server binds the daemon's loopback control surface (spec
// §6.6): a small JSON API driving the Session Facade, plus a WebSocket
// relay of Event Bus envelopes. Grounded on the teacher's internal/server
// package — NewServer/setupRoutes/Start/Shutdown keep the teacher's
// gorilla/mux + http.Server shape, trimmed from a full dashboard backend
// (agents/captain/mcp/memory/metrics/persistence, static file serving)
// down to exactly the surface the spec names. The out-of-scope richer
// RPC framing and any dashboard UI are left to external collaborators;
// this package only has to give them somewhere to connect.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/apc-daemon/apcd/internal/apcerrors"
	"github.com/apc-daemon/apcd/internal/events"
	"github.com/apc-daemon/apcd/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	// Loopback-only transport (spec §6.6 non-goal: no auth beyond the
	// bind address) — any origin connecting to 127.0.0.1 is trusted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the daemon's loopback HTTP/WebSocket control surface.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub

	sessions *session.Manager
	bus      *events.Bus

	port      int
	startTime time.Time

	// ShutdownChan is closed by RequestShutdown, which the POST /shutdown
	// route calls, so the owning process (cmd/apcd) can tear the daemon
	// down from outside an OS signal.
	ShutdownChan chan struct{}
}

// NewServer creates a Server bound to port, driving sessions through the
// given Session Facade and relaying bus envelopes over /events.
func NewServer(sessions *session.Manager, bus *events.Bus, port int) *Server {
	s := &Server{
		hub:          NewHub(),
		sessions:     sessions,
		bus:          bus,
		port:         port,
		startTime:    time.Now(),
		ShutdownChan: make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(SecurityHeadersMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/shutdown", s.handleShutdownRequest).Methods("POST")
	s.router.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	s.router.HandleFunc("/sessions/{id}/revise", s.handleRevisePlan).Methods("POST")
	s.router.HandleFunc("/sessions/{id}/approve", s.handleApprovePlan).Methods("POST")
	s.router.HandleFunc("/sessions/{id}/execute", s.handleStartExecution).Methods("POST")
	s.router.HandleFunc("/sessions/{id}/cancel", s.handleCancelPlan).Methods("POST")
	s.router.HandleFunc("/sessions/{id}/stop", s.handleStopSession).Methods("POST")
	s.router.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")
	s.router.HandleFunc("/events", s.handleWebSocket)
}

// Start binds the loopback listener and serves until Shutdown is called.
// addr must be a loopback address (e.g. "127.0.0.1:19840") — the spec's
// non-goal of no auth beyond the bind is only safe on loopback.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}

	go s.hub.Run()
	go s.relayEvents()

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and the event relay.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Shutdown()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// RequestShutdown signals any owner listening on ShutdownChan to stop
// the daemon. Safe to call more than once.
func (s *Server) RequestShutdown() {
	select {
	case <-s.ShutdownChan:
	default:
		close(s.ShutdownChan)
	}
}

// relayEvents subscribes to every Event Bus type and fans each envelope
// out over the hub to connected /events clients.
func (s *Server) relayEvents() {
	ch, handle := s.bus.Subscribe(events.AllTypes())
	defer handle.Close()

	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			s.hub.BroadcastJSON(env)
		case <-s.hub.done:
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, WebSocketBufferSize)}
	s.hub.register <- c

	go c.writePump()
	go c.readPump()
}

// handleShutdownRequest is the instance-conflict resolver's "stop
// gracefully" target (instance.SendShutdownRequest posts here): it signals
// ShutdownChan and returns immediately, leaving the actual teardown to
// whatever owns the process (cmd/apcd's signal-select loop).
func (s *Server) handleShutdownRequest(w http.ResponseWriter, r *http.Request) {
	s.RequestShutdown()
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"port":    s.port,
		"uptime":  time.Since(s.startTime).String(),
		"clients": s.hub.ClientCount(),
	})
}

type createSessionRequest struct {
	Requirement string   `json:"requirement"`
	Docs        []string `json:"docs"`
	Complexity  string   `json:"complexity"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := s.sessions.StartPlanning(req.Requirement, req.Docs, req.Complexity)
	if err != nil {
		writeAPCError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type reviseRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleRevisePlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req reviseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.sessions.RevisePlan(id, req.Feedback); err != nil {
		writeAPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revising"})
}

type approveRequest struct {
	AutoStart bool `json:"autoStart"`
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req approveRequest
	// approve is valid with no body (autoStart defaults to false)
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.sessions.ApprovePlan(id, req.AutoStart); err != nil {
		writeAPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.StartExecution(id); err != nil {
		writeAPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executing"})
}

func (s *Server) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.CancelPlan(id); err != nil {
		writeAPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.StopSession(id); err != nil {
		writeAPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.RemoveSession(id); err != nil {
		writeAPCError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeAPCError maps an apcerrors.Kind to its HTTP status, per the
// error-handling design's recovery policy table: malformed input and
// unknown-ID kinds are client errors, everything else (storage faults,
// agent run failures, config errors surfaced mid-operation) is a server
// error since the caller couldn't have known to avoid it.
func writeAPCError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apcerrors.IsKind(err, apcerrors.KindInvalidID),
		apcerrors.IsKind(err, apcerrors.KindUnknownDependency),
		apcerrors.IsKind(err, apcerrors.KindDuplicateID),
		apcerrors.IsKind(err, apcerrors.KindCycle),
		apcerrors.IsKind(err, apcerrors.KindInvalidState):
		status = http.StatusBadRequest
	}
	writeError(w, status, err)
}
