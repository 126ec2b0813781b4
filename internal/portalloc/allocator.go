// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package portalloc owns a half-open range of public ports and hands them
// out to connecting clients, releasing them back to the pool on
// disconnect.
package portalloc

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	mathrand "math/rand/v2"
	"sync"
)

// ErrExhausted is returned by Allocate when every port in the range is
// currently handed out.
var ErrExhausted = errors.New("portalloc: range exhausted")

// ErrNotAllocated is returned by Release when the port was not currently
// allocated (including a second release of the same port).
var ErrNotAllocated = errors.New("portalloc: port not allocated")

// scanThreshold is the utilization fraction above which Allocate gives up
// on random probing and falls back to a linear scan of the free set.
const scanThreshold = 0.8

// randomProbeAttempts bounds how many random draws Allocate tries before
// falling back to a scan, even below scanThreshold (keeps worst-case
// bounded when the free set is fragmented).
const randomProbeAttempts = 32

// Allocator reserves ports out of [lo, hi) for exactly one client at a
// time. Safe for concurrent use.
type Allocator struct {
	lo, hi int

	mu       sync.Mutex
	rng      *mathrand.Rand
	used     map[int]bool
	numFree  int
	numTotal int
}

// New creates an Allocator over the half-open range [lo, hi). rng, if
// non-nil, makes candidate draws deterministic (for tests); a nil rng
// uses a process-global, non-deterministic source.
func New(lo, hi int, rng *mathrand.Rand) *Allocator {
	if hi <= lo {
		hi = lo + 1
	}
	if rng == nil {
		rng = mathrand.New(mathrand.NewPCG(randSeed(), randSeed()))
	}
	total := hi - lo
	return &Allocator{
		lo:       lo,
		hi:       hi,
		rng:      rng,
		used:     make(map[int]bool, total),
		numFree:  total,
		numTotal: total,
	}
}

// Allocate draws a free port from the range. While utilization stays at
// or below ~80% it runs in expected constant time (random probing of the
// dense range); beyond that it falls back to a linear scan of the free
// set so it always terminates instead of thrashing on collisions.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.numFree == 0 {
		return 0, ErrExhausted
	}

	utilization := float64(a.numTotal-a.numFree) / float64(a.numTotal)
	if utilization <= scanThreshold {
		for i := 0; i < randomProbeAttempts; i++ {
			p := a.lo + int(a.rng.IntN(a.numTotal))
			if !a.used[p] {
				a.used[p] = true
				a.numFree--
				return p, nil
			}
		}
	}

	for p := a.lo; p < a.hi; p++ {
		if !a.used[p] {
			a.used[p] = true
			a.numFree--
			return p, nil
		}
	}
	return 0, ErrExhausted
}

// Release returns port to the free set. Releasing a port that is not
// currently allocated — including a second release of the same port — is
// an error.
func (a *Allocator) Release(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.used[port] {
		return ErrNotAllocated
	}
	delete(a.used, port)
	a.numFree++
	return nil
}

// Free returns the number of currently unallocated ports in the range.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numFree
}

// randSeed draws a seed from the OS CSPRNG. Falls back to a fixed seed if
// the OS source is unavailable (should not happen in practice), since an
// Allocator without a supplied rng still must not panic at construction.
func randSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5eed
	}
	return binary.BigEndian.Uint64(b[:])
}
