// Package server exposes the operational HTTP surface of a defrag run:
// liveness and readiness probes, a live run status endpoint, pprof, and any
// extra handlers the caller mounts (the metrics endpoint is registered this
// way).
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chunkd-io/chunkd/internal/defrag"
	"github.com/chunkd-io/chunkd/internal/logging"
)

// StatusServer provides HTTP endpoints for health checks and run status.
// It serves /healthz for liveness probes, /readyz for readiness probes and
// /statusz for the progress of the run in flight.
type StatusServer struct {
	mu               sync.RWMutex
	addr             string
	boundAddr        string
	server           *http.Server
	logger           *logging.Logger
	shutDown         atomic.Bool
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
	extraHandlers    map[string]http.Handler
	runID            string
	statusSource     func() defrag.Status
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is the /statusz payload. State is "idle" until a run is
// attached, then "running".
type StatusResponse struct {
	State string         `json:"state"`
	RunID string         `json:"runId,omitempty"`
	Run   *defrag.Status `json:"run,omitempty"`
}

// DefaultReadinessTimeout is the default timeout for readiness checks.
const DefaultReadinessTimeout = 5 * time.Second

// NewStatusServer creates a new StatusServer.
func NewStatusServer(addr string, logger *logging.Logger) *StatusServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &StatusServer{
		addr:             addr,
		logger:           logger,
		readinessChecks:  make([]ReadinessChecker, 0),
		readinessTimeout: DefaultReadinessTimeout,
		extraHandlers:    make(map[string]http.Handler),
	}
}

// RegisterHandler registers an extra HTTP handler to be served alongside the
// built-in endpoints. Call before Start so the handler is mounted on the
// server mux.
func (s *StatusServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraHandlers[pattern] = handler
}

// RegisterReadinessCheck registers a component for readiness checking.
// The component will be checked on each /readyz request.
func (s *StatusServer) RegisterReadinessCheck(checker ReadinessChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readinessChecks = append(s.readinessChecks, checker)
}

// SetReadinessTimeout sets the timeout for individual readiness checks.
func (s *StatusServer) SetReadinessTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readinessTimeout = d
}

// AttachRun points /statusz at a live run. Safe to call after Start: the
// server is typically up before preflight finishes and the runner exists.
func (s *StatusServer) AttachRun(runID string, source func() defrag.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.statusSource = source
}

// SetShuttingDown marks the server as shutting down.
// After this is called, /healthz will return 503.
func (s *StatusServer) SetShuttingDown() {
	s.shutDown.Store(true)
}

// IsShuttingDown returns true if the server is shutting down.
func (s *StatusServer) IsShuttingDown() bool {
	return s.shutDown.Load()
}

// Start starts the HTTP status server.
func (s *StatusServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/statusz", s.handleStatusz)
	s.mu.RLock()
	extraHandlers := make(map[string]http.Handler, len(s.extraHandlers))
	for pattern, handler := range s.extraHandlers {
		extraHandlers[pattern] = handler
	}
	s.mu.RUnlock()
	for pattern, handler := range extraHandlers {
		mux.Handle(pattern, handler)
	}
	// Expose pprof endpoints for profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second, // Longer to accommodate readiness checks
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Infof("status server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("status server error", map[string]any{"error": err.Error()})
		}
	}()

	return nil
}

// Addr returns the actual bound address of the server.
// Returns the configured address if the server hasn't started yet.
func (s *StatusServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.addr
}

// Close shuts down the status server.
func (s *StatusServer) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handleHealthz handles the /healthz liveness endpoint.
// Returns 200 OK while the process is alive and not shutting down.
func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.checkLiveness()

	w.Header().Set("Content-Type", "application/json")

	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(status)
	}
}

// checkLiveness performs the liveness health check.
func (s *StatusServer) checkLiveness() HealthStatus {
	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult),
	}

	if s.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{
			Healthy: false,
			Message: "defragmenter is shutting down",
		}
		return status
	}

	status.Checks["shutdown"] = CheckResult{
		Healthy: true,
		Message: "defragmenter is running",
	}

	return status
}

// CheckHealth returns the current health status without making an HTTP request.
func (s *StatusServer) CheckHealth() HealthStatus {
	return s.checkLiveness()
}

// handleReadyz handles the /readyz readiness endpoint.
// Returns 200 OK if all dependencies are healthy.
// Returns 503 if the server is shutting down or any dependency check fails.
func (s *StatusServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	status := s.checkReadiness(ctx)

	w.Header().Set("Content-Type", "application/json")

	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(status)
	}
}

// checkReadiness performs all readiness checks.
func (s *StatusServer) checkReadiness(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult),
	}

	if s.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{
			Healthy: false,
			Message: "defragmenter is shutting down",
		}
		return status
	}

	status.Checks["shutdown"] = CheckResult{
		Healthy: true,
		Message: "defragmenter is running",
	}

	s.mu.RLock()
	checks := make([]ReadinessChecker, len(s.readinessChecks))
	copy(checks, s.readinessChecks)
	timeout := s.readinessTimeout
	s.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()

		if err != nil {
			status.Status = "not_ready"
			status.Checks[checker.Name()] = CheckResult{
				Healthy: false,
				Message: err.Error(),
			}
		} else {
			status.Checks[checker.Name()] = CheckResult{
				Healthy: true,
				Message: "healthy",
			}
		}
	}

	return status
}

// CheckReadiness returns the current readiness status without making an HTTP request.
func (s *StatusServer) CheckReadiness(ctx context.Context) HealthStatus {
	return s.checkReadiness(ctx)
}

// handleStatusz handles the /statusz run progress endpoint.
func (s *StatusServer) handleStatusz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	runID := s.runID
	source := s.statusSource
	s.mu.RUnlock()

	resp := StatusResponse{State: "idle"}
	if source != nil {
		st := source()
		resp = StatusResponse{State: "running", RunID: runID, Run: &st}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
