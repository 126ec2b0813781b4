// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package observability provides the tunnel server's read-only JSON and
// Prometheus-text HTTP API: client/stream gauges, the operational event
// ring, finished-session history, and periodic metrics snapshots. It
// never serves a UI.
package observability

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-tunnel/internal/config"
)

// startTime records process start for the uptime field in /health.
var startTime = time.Now()

// Version is set via ldflags at build time (-X ...Version=x.y.z).
var Version = "dev"

// HandlerMetrics is the read-only view the HTTP router needs from the
// running server, decoupling this package from server.Server itself.
type HandlerMetrics interface {
	MetricsSnapshot() MetricsResponse
	ClientsSnapshot() []ClientSummary
	SessionHistorySnapshot() []SessionHistoryEntry
	MetricsHistorySnapshot(limit int) []MetricsSnapshotEntry
}

// NewRouter builds the observability HTTP handler, ACL-gated.
func NewRouter(metrics HandlerMetrics, cfg *config.ServerConfig, acl *ACL, events *EventStore) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/metrics", makeMetricsHandler(metrics))
	mux.HandleFunc("GET /metrics", makePrometheusHandler(metrics))
	mux.HandleFunc("GET /api/v1/clients", makeClientsHandler(metrics))
	mux.HandleFunc("GET /api/v1/sessions/history", makeSessionHistoryHandler(metrics))
	mux.HandleFunc("GET /api/v1/metrics/history", makeMetricsHistoryHandler(metrics))
	mux.HandleFunc("GET /api/v1/config/effective", makeConfigHandler(cfg))

	if events != nil {
		mux.HandleFunc("GET /api/v1/events", makeEventsHandler(events))
	}

	return acl.Middleware(mux)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:  "ok",
		Uptime:  uptime.String(),
		Version: Version,
		Go:      runtime.Version(),
		Stats: &ServerStats{
			GoRoutines:  runtime.NumGoroutine(),
			HeapAllocMB: float64(mem.HeapAlloc) / (1024 * 1024),
			HeapSysMB:   float64(mem.HeapSys) / (1024 * 1024),
			GCCycles:    mem.NumGC,
			CPUCores:    runtime.NumCPU(),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func makeMetricsHandler(metrics HandlerMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.MetricsSnapshot())
	}
}

// makePrometheusHandler exposes the same gauges in Prometheus text
// exposition format, without depending on client_golang.
func makePrometheusHandler(metrics HandlerMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := metrics.MetricsSnapshot()

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP ntunnel_server_active_clients Tunnel clients currently connected.\n")
		fmt.Fprintf(w, "# TYPE ntunnel_server_active_clients gauge\n")
		fmt.Fprintf(w, "ntunnel_server_active_clients %d\n", data.ActiveClients)

		fmt.Fprintf(w, "# HELP ntunnel_server_active_streams Remote streams currently relayed.\n")
		fmt.Fprintf(w, "# TYPE ntunnel_server_active_streams gauge\n")
		fmt.Fprintf(w, "ntunnel_server_active_streams %d\n", data.ActiveStreams)

		if data.Load1 > 0 {
			fmt.Fprintf(w, "# HELP ntunnel_server_load1 1-minute host load average.\n")
			fmt.Fprintf(w, "# TYPE ntunnel_server_load1 gauge\n")
			fmt.Fprintf(w, "ntunnel_server_load1 %g\n", data.Load1)
		}

		fmt.Fprintf(w, "# HELP ntunnel_server_runtime_goroutines Number of live goroutines.\n")
		fmt.Fprintf(w, "# TYPE ntunnel_server_runtime_goroutines gauge\n")
		fmt.Fprintf(w, "ntunnel_server_runtime_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP ntunnel_server_runtime_heap_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE ntunnel_server_runtime_heap_alloc_bytes gauge\n")
		fmt.Fprintf(w, "ntunnel_server_runtime_heap_alloc_bytes %d\n", mem.HeapAlloc)

		fmt.Fprintf(w, "# HELP ntunnel_server_runtime_gc_cycles_total Total completed GC cycles.\n")
		fmt.Fprintf(w, "# TYPE ntunnel_server_runtime_gc_cycles_total counter\n")
		fmt.Fprintf(w, "ntunnel_server_runtime_gc_cycles_total %d\n", mem.NumGC)
	}
}

func makeClientsHandler(metrics HandlerMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clients := metrics.ClientsSnapshot()
		if clients == nil {
			clients = []ClientSummary{}
		}
		writeJSON(w, http.StatusOK, clients)
	}
}

func makeSessionHistoryHandler(metrics HandlerMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history := metrics.SessionHistorySnapshot()
		if history == nil {
			history = []SessionHistoryEntry{}
		}
		writeJSON(w, http.StatusOK, history)
	}
}

func makeMetricsHistoryHandler(metrics HandlerMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseInt(r.URL.Query().Get("limit"), 120)
		history := metrics.MetricsHistorySnapshot(limit)
		if history == nil {
			history = []MetricsSnapshotEntry{}
		}
		writeJSON(w, http.StatusOK, history)
	}
}

func makeConfigHandler(cfg *config.ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ConfigEffective{
			ControlListen:       cfg.Control.Listen,
			PortRangeLow:        cfg.Ports.Low,
			PortRangeHigh:       cfg.Ports.High,
			StreamsPerSecond:    cfg.Throttle.StreamsPerSecond,
			MetricsSnapshotCron: cfg.Metrics.SnapshotCron,
			LogLevel:            cfg.Logging.Level,
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func makeEventsHandler(store *EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		events := store.Recent(limit)
		writeJSON(w, http.StatusOK, events)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return defaultVal
	}
	return v
}
