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

// SessionHistoryStore combines an in-memory ring with JSONL persistence
// for finished sessions. Entries dropped on rotation can be handed to an
// optional ArchiveSink, see SetArchiveSink.
type SessionHistoryStore struct {
	ring        *SessionHistoryRing
	file        *os.File
	mu          sync.Mutex
	maxLines    int
	lineCount   int
	path        string
	archive     ArchiveSink
	archiveName string
	logger      *slog.Logger
}

// NewSessionHistoryStore builds a persistent store for finished-session
// history.
func NewSessionHistoryStore(path string, ringCap, maxLines int) (*SessionHistoryStore, error) {
	if maxLines <= 0 {
		maxLines = 5000
	}

	ring := NewSessionHistoryRing(ringCap)
	entries, lineCount, err := loadSessionHistoryJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading session history file: %w", err)
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
		return nil, fmt.Errorf("opening session history file for append: %w", err)
	}

	return &SessionHistoryStore{ring: ring, file: f, maxLines: maxLines, lineCount: lineCount, path: path}, nil
}

// SetArchiveSink attaches an optional destination for entries dropped by
// rotation, instead of letting rotate() discard them. name identifies the
// segment (e.g. "sessions") in the archived object's key.
func (s *SessionHistoryStore) SetArchiveSink(sink ArchiveSink, name string, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive = sink
	s.archiveName = name
	s.logger = logger
}

func loadSessionHistoryJSONL(path string) ([]SessionHistoryEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []SessionHistoryEntry
	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e SessionHistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	return entries, lineCount, scanner.Err()
}

// Push persists and retains in memory a finished session.
func (s *SessionHistoryStore) Push(e SessionHistoryEntry) {
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

// Recent returns recent session history.
func (s *SessionHistoryStore) Recent(limit int) []SessionHistoryEntry {
	return s.ring.Recent(limit)
}

// Close closes the JSONL file handle.
func (s *SessionHistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// rotate keeps the last maxLines/2 lines of the file, archiving the
// dropped entries first if an ArchiveSink is attached.
func (s *SessionHistoryStore) rotate() {
	keep := s.maxLines / 2
	entries, _, err := loadSessionHistoryJSONL(s.path)
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
func (s *SessionHistoryStore) archiveDropped(dropped []SessionHistoryEntry) {
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
