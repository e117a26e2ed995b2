// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command stepmgrd runs a minimal read-only diagnostics surface in front
// of an in-memory job step manager: a health endpoint, a job/step
// inspection endpoint, and a WebSocket stream of lifecycle events. It
// does not speak the cluster's own wire protocol (§1: RPC decode/framing
// is an external collaborator); it exists to give operators something to
// curl and to exercise the lifecycle/events/streaming packages end to end.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jontk/slurm-stepmgr/internal/events"
	"github.com/jontk/slurm-stepmgr/internal/lifecycle"
	"github.com/jontk/slurm-stepmgr/pkg/config"
	"github.com/jontk/slurm-stepmgr/pkg/logging"
	"github.com/jontk/slurm-stepmgr/pkg/metrics"
	"github.com/jontk/slurm-stepmgr/pkg/streaming"
)

func main() {
	logger := logging.NewLogger(nil)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	collector := metrics.NewInMemoryCollector()
	metrics.SetDefaultCollector(collector)
	bus := events.NewBus()

	reg := newJobRegistry()

	router := mux.NewRouter()
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{jobID}", reg.handleGetJob(logger)).Methods(http.MethodGet)
	router.HandleFunc("/metrics/summary", handleMetricsSummary(collector)).Methods(http.MethodGet)
	router.Handle("/ws", streaming.NewWebSocketServer(bus))

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("stepmgrd listening", "addr", srv.Addr, "max_tasks_per_node", cfg.MaxTasksPerNode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server exited", "error", err)
		}
	}()

	waitForShutdown(logger, srv)
}

func listenAddr() string {
	if addr := os.Getenv("STEPMGR_LISTEN_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}

func waitForShutdown(logger logging.Logger, srv *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("stepmgrd shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// jobRegistry is the process's in-memory table of live jobs, each owning
// its own lifecycle.Manager. A production deployment sources jobs from
// the scheduler's own controller state; this registry exists only to
// give the HTTP surface something to look up.
type jobRegistry struct {
	mu   sync.RWMutex
	jobs map[uint32]*lifecycle.Manager
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[uint32]*lifecycle.Manager)}
}

var titleCaser = cases.Title(language.English)

type jobStateResponse struct {
	JobID     uint32 `json:"job_id"`
	State     string `json:"state"`
	StepCount int    `json:"step_count"`
}

func (r *jobRegistry) handleGetJob(logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		jobID, err := parseJobID(vars["jobID"])
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)
			return
		}

		r.mu.RLock()
		mgr, ok := r.jobs[jobID]
		r.mu.RUnlock()
		if !ok {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		resp := jobStateResponse{
			JobID:     mgr.Job.ID,
			State:     titleCaser.String(mgr.Job.State.String()),
			StepCount: len(mgr.Job.StepList),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("failed to encode job response", "job_id", jobID, "error", err)
		}
	}
}

func parseJobID(s string) (uint32, error) {
	var id uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		id = id*10 + uint64(c-'0')
	}
	return uint32(id), nil
}

func handleMetricsSummary(c metrics.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.GetStats())
	}
}
