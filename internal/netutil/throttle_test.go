// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package netutil

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestThrottledWriterZeroBypasses(t *testing.T) {
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, 0)

	if _, ok := w.(*ThrottledWriter); ok {
		t.Fatal("expected original writer (bypass), got ThrottledWriter")
	}

	data := []byte("hello world")
	n, err := w.Write(data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected %d bytes written, got %d", len(data), n)
	}
	if buf.String() != "hello world" {
		t.Errorf("expected 'hello world', got %q", buf.String())
	}
}

func TestThrottledWriterSmallWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, 1*1024*1024)

	data := []byte("small")
	for i := 0; i < 10; i++ {
		if _, err := w.Write(data); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	if buf.Len() != 50 {
		t.Errorf("expected 50 bytes written, got %d", buf.Len())
	}
}

func TestThrottledWriterContextCancellation(t *testing.T) {
	var buf bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	w := NewThrottledWriter(ctx, &buf, 1024)

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	data := make([]byte, 100*1024)
	if _, err := w.Write(data); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestThrottledWriterNegativeBypasses(t *testing.T) {
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, -1)

	if _, ok := w.(*ThrottledWriter); ok {
		t.Fatal("expected original writer (bypass), got ThrottledWriter")
	}
}

func TestStreamLimiterDisabledAlwaysAllows(t *testing.T) {
	s := NewStreamLimiter(0)
	for i := 0; i < 1000; i++ {
		if !s.Allow() {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestStreamLimiterEnforcesBurst(t *testing.T) {
	s := NewStreamLimiter(1)
	if !s.Allow() {
		t.Fatal("first admission within burst should be allowed")
	}
	if s.Allow() {
		t.Fatal("second immediate admission should be throttled")
	}
}
