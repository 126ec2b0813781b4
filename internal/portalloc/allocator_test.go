// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package portalloc

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
)

func TestAllocateNeverDoublesUpUntilRelease(t *testing.T) {
	a := New(5000, 5010, rand.New(rand.NewPCG(1, 2)))

	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		p, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("port %d handed out twice before release", p)
		}
		seen[p] = true
	}

	if _, err := a.Allocate(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	for p := range seen {
		if err := a.Release(p); err != nil {
			t.Fatalf("Release(%d): %v", p, err)
		}
		break
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("expected allocate to succeed after release: %v", err)
	}
}

func TestReleaseUnallocatedIsError(t *testing.T) {
	a := New(6000, 6005, nil)
	if err := a.Release(6001); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("expected ErrNotAllocated, got %v", err)
	}

	p, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Release(p); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := a.Release(p); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("expected second release to fail, got %v", err)
	}
}

func TestAllocatorConcurrentUseNeverDoubleAllocates(t *testing.T) {
	a := New(7000, 7200, nil)

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	errCh := make(chan error, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Allocate()
			if err != nil {
				errCh <- nil
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[p] {
				errCh <- errors.New("duplicate allocation")
				return
			}
			seen[p] = true
			errCh <- nil
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent allocate: %v", err)
		}
	}
}

func TestAllocatorFreeCountTracksAllocations(t *testing.T) {
	a := New(8000, 8010, nil)
	if a.Free() != 10 {
		t.Fatalf("expected 10 free, got %d", a.Free())
	}
	p, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a.Free() != 9 {
		t.Fatalf("expected 9 free after allocate, got %d", a.Free())
	}
	if err := a.Release(p); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if a.Free() != 10 {
		t.Fatalf("expected 10 free after release, got %d", a.Free())
	}
}
