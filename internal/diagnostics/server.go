/**
 * CONTEXT:   Local diagnostics HTTP server: /healthz and /status
 * INPUT:     None - read-only introspection of the running agent's own state
 * OUTPUT:    JSON responses for operators and local tooling, never the telemetry API itself
 * BUSINESS:  Bound to loopback by default; only started under --console per spec section 4
 * CHANGE:    Initial implementation
 * RISK:      Low - read-only endpoints, no mutation of agent state
 */

package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/claude-monitor/activity-agent/internal/logger"
	"github.com/claude-monitor/activity-agent/internal/statemachine"
	"github.com/claude-monitor/activity-agent/internal/syncmanager"
)

// StateProvider is the subset of the Orchestrator's collaborators the
// diagnostics server reads from. No method here ever mutates state.
type StateProvider interface {
	State() statemachine.State
	CurrentSessionID() string
}

// Server serves /healthz and /status on loopback.
type Server struct {
	addr      string
	log       logger.Logger
	machine   StateProvider
	sync      *syncmanager.Manager
	startTime time.Time
	requests  int64

	httpSrv *http.Server
}

// New creates a diagnostics Server listening on addr (e.g. "127.0.0.1:7654").
func New(addr string, machine StateProvider, sync *syncmanager.Manager, log logger.Logger) *Server {
	return &Server{addr: addr, log: log, machine: machine, sync: sync, startTime: time.Now()}
}

// Start begins serving in a background goroutine. Non-blocking.
func (s *Server) Start() {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("diagnostics server stopped unexpectedly", "error", err)
		}
	}()
}

// Stop shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.requests, 1)

	body := map[string]interface{}{
		"status":  "ok",
		"service": "activity-agent",
	}
	if s.sync != nil && !s.sync.IsOnline() {
		body["status"] = "degraded"
		body["reason"] = "offline"
	}

	w.Header().Set("Content-Type", "application/json")
	if body["status"] != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.requests, 1)

	uptime := time.Since(s.startTime)
	body := map[string]interface{}{
		"pid":            os.Getpid(),
		"uptime_seconds": int64(uptime.Seconds()),
		"start_time":     s.startTime.UTC().Format(time.RFC3339),
		"state":          s.machine.State().String(),
		"session_id":     s.machine.CurrentSessionID(),
		"requests_total": atomic.LoadInt64(&s.requests),
	}
	if s.sync != nil {
		body["online"] = s.sync.IsOnline()
		body["queue_len"] = s.sync.QueueLen()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}
