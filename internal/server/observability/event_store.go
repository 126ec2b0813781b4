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

// EventStore combines an EventRing (in-memory) with JSONL file persistence.
// Each Push() appends a JSON line to the file. On startup, the most recent
// entries are replayed to populate the ring buffer.
//
// Rotation: once the file exceeds maxLines, it is rewritten keeping only
// the last maxLines/2 lines, which caps growth without losing recent
// history. The entries dropped by a rotation are handed to an optional
// ArchiveSink first, see SetArchiveSink.
type EventStore struct {
	ring        *EventRing
	file        *os.File
	mu          sync.Mutex // guards writes and file rotation
	maxLines    int
	lineCount   int
	path        string
	archive     ArchiveSink
	archiveName string
	logger      *slog.Logger
}

// NewEventStore opens (or creates) the JSONL file and replays its most
// recent entries to populate the ring buffer. ringCap sets the in-memory
// ring's capacity, maxLines sets when the file gets rotated.
func NewEventStore(path string, ringCap, maxLines int) (*EventStore, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}

	ring := NewEventRing(ringCap)

	// Replay existing events from the file.
	entries, lineCount, err := loadJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading events file: %w", err)
	}

	// Populate the ring with the most recent entries (bounded by ringCap).
	start := 0
	if len(entries) > ringCap {
		start = len(entries) - ringCap
	}
	for _, e := range entries[start:] {
		ring.Push(e)
	}

	// Open the file for append.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening events file for append: %w", err)
	}

	return &EventStore{
		ring:      ring,
		file:      f,
		maxLines:  maxLines,
		lineCount: lineCount,
		path:      path,
	}, nil
}

// SetArchiveSink attaches an optional destination for entries dropped by
// rotation, instead of letting rotate() discard them. name identifies the
// segment (e.g. "events") in the archived object's key.
func (s *EventStore) SetArchiveSink(sink ArchiveSink, name string, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive = sink
	s.archiveName = name
	s.logger = logger
}

// loadJSONL reads the JSONL file and returns all valid EventEntry records.
// Malformed lines are silently skipped.
func loadJSONL(path string) ([]EventEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []EventEntry
	lineCount := 0
	scanner := bufio.NewScanner(f)
	// Grow the scanner's buffer to tolerate long lines (1MB).
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e EventEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip corrupted lines
		}
		entries = append(entries, e)
	}

	return entries, lineCount, scanner.Err()
}

// Push adds an event to the ring buffer and persists it to the JSONL file.
func (s *EventStore) Push(e EventEntry) {
	s.ring.Push(e) // ring fills in the timestamp if empty

	// Re-read from the ring to pick up the filled-in timestamp.
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

// PushEvent is a helper that fills in the common fields of an event.
func (s *EventStore) PushEvent(level, eventType, clientID, streamID, message string) {
	s.Push(EventEntry{
		Level:    level,
		Type:     eventType,
		ClientID: clientID,
		StreamID: streamID,
		Message:  message,
	})
}

// Recent returns the last N events in chronological order (oldest first).
func (s *EventStore) Recent(limit int) []EventEntry {
	return s.ring.Recent(limit)
}

// Len returns the number of events in the in-memory ring buffer.
func (s *EventStore) Len() int {
	return s.ring.Len()
}

// Close closes the JSONL file handle.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// rotate keeps the last maxLines/2 lines of the file, archiving the
// dropped entries first if an ArchiveSink is attached. Must be called
// with s.mu already held.
func (s *EventStore) rotate() {
	keep := s.maxLines / 2

	// Read every line back from the file.
	entries, _, err := loadJSONL(s.path)
	if err != nil || len(entries) <= keep {
		return
	}

	dropped := entries[:len(entries)-keep]
	// Keep only the last 'keep' entries.
	entries = entries[len(entries)-keep:]

	s.archiveDropped(dropped)

	// Close the current file.
	s.file.Close()

	// Rewrite the file with the retained entries.
	f, err := os.Create(s.path)
	if err != nil {
		// Try reopening in append mode so the handle isn't lost.
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

	// Reopen in append mode.
	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	s.lineCount = len(entries)
}

// archiveDropped hands entries being dropped by rotation to the attached
// ArchiveSink, if any. The upload runs in the background so rotation never
// blocks on network I/O.
func (s *EventStore) archiveDropped(dropped []EventEntry) {
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
