// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package observability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// MetricsSnapshotStore holds periodic gauge snapshots in a ring plus a
// rotated JSONL file: the active-client/active-stream/load1 gauges,
// captured on the robfig/cron schedule in server.go. Entries dropped on
// rotation can be handed to an optional ArchiveSink, see SetArchiveSink.
type MetricsSnapshotStore struct {
	ring        *metricsSnapshotRing
	file        *os.File
	mu          sync.Mutex
	maxLines    int
	lineCount   int
	path        string
	archive     ArchiveSink
	archiveName string
	logger      *slog.Logger
}

type metricsSnapshotRing struct {
	mu  sync.RWMutex
	buf []MetricsSnapshotEntry
	pos int
	cap int
	len int
}

func newMetricsSnapshotRing(capacity int) *metricsSnapshotRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &metricsSnapshotRing{buf: make([]MetricsSnapshotEntry, capacity), cap: capacity}
}

func (r *metricsSnapshotRing) Push(e MetricsSnapshotEntry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339)
	}
	r.mu.Lock()
	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % r.cap
	if r.len < r.cap {
		r.len++
	}
	r.mu.Unlock()
}

func (r *metricsSnapshotRing) Recent(limit int) []MetricsSnapshotEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.len
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return []MetricsSnapshotEntry{}
	}

	result := make([]MetricsSnapshotEntry, n)
	start := (r.pos - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		result[i] = r.buf[(start+i)%r.cap]
	}
	return result
}

// NewMetricsSnapshotStore opens (or creates) path and replays it to
// populate the in-memory ring, mirroring EventStore/SessionHistoryStore.
func NewMetricsSnapshotStore(path string, ringCap, maxLines int) (*MetricsSnapshotStore, error) {
	if maxLines <= 0 {
		maxLines = 20000
	}

	ring := newMetricsSnapshotRing(ringCap)
	entries, lineCount, err := loadMetricsSnapshotJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading metrics snapshot file: %w", err)
	}

	start := 0
	if len(entries) > ringCap {
		start = len(entries) - ringCap
	}
	for _, e := range entries[start:] {
		ring.Push(e)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening metrics snapshot file for append: %w", err)
	}

	return &MetricsSnapshotStore{ring: ring, file: f, maxLines: maxLines, lineCount: lineCount, path: path}, nil
}

// SetArchiveSink attaches an optional destination for entries dropped by
// rotation, instead of letting rotate() discard them. name identifies the
// segment (e.g. "snapshots") in the archived object's key.
func (s *MetricsSnapshotStore) SetArchiveSink(sink ArchiveSink, name string, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive = sink
	s.archiveName = name
	s.logger = logger
}

func loadMetricsSnapshotJSONL(path string) ([]MetricsSnapshotEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []MetricsSnapshotEntry
	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e MetricsSnapshotEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	return entries, lineCount, scanner.Err()
}

// Push records a snapshot taken at ts with the given gauge values. Called
// on the cron schedule.
func (s *MetricsSnapshotStore) Push(activeClients, activeStreams int, load1 float64, ts time.Time) MetricsSnapshotEntry {
	e := MetricsSnapshotEntry{
		Timestamp:     ts.Format(time.RFC3339),
		ActiveClients: activeClients,
		ActiveStreams: activeStreams,
		Load1:         load1,
	}
	s.push(e)
	return e
}

func (s *MetricsSnapshotStore) push(e MetricsSnapshotEntry) {
	s.ring.Push(e)
	recent := s.ring.Recent(1)
	if len(recent) == 0 {
		return
	}
	filled := recent[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(filled)
	if err != nil {
		return
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return
	}

	s.lineCount++
	if s.lineCount > s.maxLines {
		s.rotate()
	}
}

// Recent returns up to limit recent snapshots, newest last. limit <= 0
// returns every retained snapshot.
func (s *MetricsSnapshotStore) Recent(limit int) []MetricsSnapshotEntry {
	return s.ring.Recent(limit)
}

// Close closes the JSONL file handle.
func (s *MetricsSnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// rotate keeps the last maxLines/2 lines of the file, archiving the
// dropped entries first if an ArchiveSink is attached.
func (s *MetricsSnapshotStore) rotate() {
	keep := s.maxLines / 2
	entries, _, err := loadMetricsSnapshotJSONL(s.path)
	if err != nil || len(entries) <= keep {
		return
	}
	dropped := entries[:len(entries)-keep]
	entries = entries[len(entries)-keep:]

	s.archiveDropped(dropped)

	s.file.Close()
	f, err := os.Create(s.path)
	if err != nil {
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	s.lineCount = len(entries)
}

// archiveDropped hands entries being dropped by rotation to the attached
// ArchiveSink, if any. The upload runs in the background so rotation never
// blocks on network I/O.
func (s *MetricsSnapshotStore) archiveDropped(dropped []MetricsSnapshotEntry) {
	if s.archive == nil || len(dropped) == 0 {
		return
	}

	var buf bytes.Buffer
	for _, e := range dropped {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	sink, name, logger, payload := s.archive, s.archiveName, s.logger, buf.Bytes()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sink.Archive(ctx, name, payload); err != nil && logger != nil {
			logger.Warn("archiving rotated segment failed", "store", name, "error", err)
		}
	}()
}
