// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package observability

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status  string       `json:"status"`
	Uptime  string       `json:"uptime"`
	Version string       `json:"version"`
	Go      string       `json:"go"`
	Stats   *ServerStats `json:"stats,omitempty"`
}

// ServerStats carries process runtime metrics, surfaced alongside the
// tunnel-specific gauges below.
type ServerStats struct {
	GoRoutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	HeapSysMB   float64 `json:"heap_sys_mb"`
	GCCycles    uint32  `json:"gc_cycles"`
	CPUCores    int     `json:"cpu_cores"`
	Load1       float64 `json:"load1,omitempty"` // gopsutil host.load1, 0 if unavailable
}

// MetricsResponse is returned by GET /api/v1/metrics: the current gauges
// the cron schedule also snapshots.
type MetricsResponse struct {
	ActiveClients int     `json:"active_clients"`
	ActiveStreams int     `json:"active_streams"`
	Load1         float64 `json:"load1,omitempty"`
}

// ClientSummary is one entry in GET /api/v1/clients.
type ClientSummary struct {
	ClientID      string  `json:"client_id"`
	PublicPort    int     `json:"public_port"`
	Payload       string  `json:"payload"` // tcp | udp
	ConnectedAt   string  `json:"connected_at"`
	ConnectedFor  string  `json:"connected_for"`
	ActiveStreams int     `json:"active_streams"`
	RTTMillis     float64 `json:"rtt_millis,omitempty"`
	Status        string  `json:"status"` // connected | degraded | draining
}

// EventEntry is one operational event in the ring buffer: the lifecycle
// transitions server.Session.OnEvent emits.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // info | warn | error
	Type      string `json:"type"`  // handshake_ok | handshake_rejected | closed
	ClientID  string `json:"client_id,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
	Message   string `json:"message"`
}

// ConfigEffective is returned by GET /api/v1/config/effective: the
// non-sensitive subset of the running configuration (no TLS key paths,
// no token secret, no S3 credentials).
type ConfigEffective struct {
	ControlListen    string `json:"control_listen"`
	PortRangeLow     int    `json:"port_range_low"`
	PortRangeHigh    int    `json:"port_range_high"`
	StreamsPerSecond int    `json:"streams_per_second"`
	MetricsSnapshotCron string `json:"metrics_snapshot_cron"`
	LogLevel         string `json:"log_level"`
}

// SessionHistoryEntry represents one finished client session: it always
// terminates with a recorded reason.
type SessionHistoryEntry struct {
	ClientID     string `json:"client_id"`
	PublicPort   int    `json:"public_port"`
	Payload      string `json:"payload"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at"`
	Duration     string `json:"duration"`
	StreamsTotal int    `json:"streams_total"`
	Reason       string `json:"reason"` // disconnected | bad_handshake | otherwise the terminating error's text
}

// MetricsSnapshotEntry is one periodic gauge snapshot (robfig/cron
// schedule, default "* * * * *"), persisted to JSONL and optionally
// archived to S3 via S3ArchiveSink.
type MetricsSnapshotEntry struct {
	Timestamp     string  `json:"timestamp"`
	ActiveClients int     `json:"active_clients"`
	ActiveStreams int     `json:"active_streams"`
	Load1         float64 `json:"load1,omitempty"`
}
