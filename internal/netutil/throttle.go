// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package netutil holds the small pieces of socket plumbing shared by the
// server's public listener and the client's local dialer: bandwidth
// throttling and DSCP marking.
package netutil

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize caps the token bucket burst regardless of the configured
// rate, so a single large Write never reserves an unbounded number of
// tokens at once.
const maxBurstSize = 256 * 1024

// ThrottledWriter is an io.Writer with token-bucket rate limiting, used to
// cap how fast a stream's writer task drains onto a client's local socket
// or the public listener's connection.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter wraps w with a rate limiter capped at bytesPerSec. If
// bytesPerSec <= 0, it returns w unchanged (throttling disabled).
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write splits writes larger than the burst size into chunks so tokens are
// consumed gradually instead of all at once.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}

		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		p = p[n:]
	}

	return totalWritten, nil
}

// StreamLimiter hands out a *rate.Limiter governing how fast new streams
// may be minted for a single client, generalizing the same token-bucket
// concern to an admission-control role instead of a byte-throughput one.
type StreamLimiter struct {
	limiter *rate.Limiter
}

// NewStreamLimiter builds a limiter allowing perSecond new streams with a
// burst of the same size. perSecond <= 0 disables the limit (Allow always
// succeeds).
func NewStreamLimiter(perSecond int) *StreamLimiter {
	if perSecond <= 0 {
		return &StreamLimiter{}
	}
	return &StreamLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

// Allow reports whether a new stream may be admitted right now.
func (s *StreamLimiter) Allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}
