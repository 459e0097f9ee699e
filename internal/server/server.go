// Package server exposes the HTTP trigger surface: one POST endpoint per
// stage, a tick endpoint for the scheduler, and a stats endpoint. Every
// endpoint answers OPTIONS preflights and returns a JSON envelope with a
// success flag.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/scheduler"
	"loom/internal/store"

	"go.uber.org/zap"
)

// Config tunes the HTTP surface.
type Config struct {
	Addr         string
	StageTimeout time.Duration // per-request deadline for stage execution
	Logger       *zap.Logger
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8787",
		StageTimeout: 5 * time.Minute,
	}
}

// StatsProvider supplies a stats section for the stats endpoint.
type StatsProvider interface {
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// Server wires the trigger endpoints to the runner and scheduler.
type Server struct {
	runner *pipeline.Runner
	sched  *scheduler.Scheduler
	stats  map[string]StatsProvider
	cfg    Config
	log    *zap.Logger
	http   *http.Server
}

// New creates the trigger server. stats sections are optional.
func New(runner *pipeline.Runner, sched *scheduler.Scheduler, stats map[string]StatsProvider, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8787"
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{runner: runner, sched: sched, stats: stats, cfg: cfg, log: cfg.Logger}
}

// triggerRequest is the optional JSON body of a stage trigger.
type triggerRequest struct {
	RecordID    string `json:"record_id"`
	UnrefinedID string `json:"unrefined_id"`
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stage/", s.handleStage)
	mux.HandleFunc("/tick", s.handleTick)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealth)
	return s.requestLog(mux)
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	logging.Server("Listening on %s", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// cors stamps the permissive trigger-surface headers. Returns true when the
// request was an OPTIONS preflight and has been fully answered.
func cors(w http.ResponseWriter, r *http.Request) bool {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

// statusFor maps a stage failure to its HTTP status: precondition and
// parse failures are the caller's fault, deadlines are 504, the rest 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrMissingUpstream),
		errors.Is(err, pipeline.ErrStageAlreadyDone),
		errors.Is(err, store.ErrRecordNotFound),
		errors.Is(err, store.ErrBufferNotFound):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	if cors(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("use POST"))
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/stage/")
	stage, err := pipeline.ParseStage(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req triggerRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
			return
		}
	}

	logging.Server("Trigger %s (record=%q buffer=%q)", stage, req.RecordID, req.UnrefinedID)
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StageTimeout)
	defer cancel()

	res, err := s.runner.Run(ctx, stage, req.RecordID, req.UnrefinedID)
	if err != nil {
		logging.Get(logging.CategoryServer).Error("stage %s failed: %v", stage, err)
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  res,
	})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if cors(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("use POST"))
		return
	}
	if s.sched == nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("scheduler not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StageTimeout)
	defer cancel()

	res, err := s.sched.Tick(ctx)
	if err != nil {
		logging.Get(logging.CategoryServer).Error("tick failed: %v", err)
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  res,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if cors(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("use GET"))
		return
	}

	out := map[string]interface{}{"success": true}
	for name, p := range s.stats {
		section, err := p.Stats(r.Context())
		if err != nil {
			out[name] = map[string]interface{}{"error": err.Error()}
			continue
		}
		out[name] = section
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if cors(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
