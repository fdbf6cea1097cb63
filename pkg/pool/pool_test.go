// Unit tests for buffer pools
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
	"testing"
)

func TestFramePool(t *testing.T) {
	fp := NewFramePool(640 * 480 * 4)

	b := fp.Get()
	if len(b) != fp.Size() {
		t.Fatalf("len got %d want %d", len(b), fp.Size())
	}
	fp.Put(b)
	fp.Put(make([]byte, 10)) // wrong size, dropped

	s := fp.Stats()
	if s.Gets != 1 || s.Puts != 1 || s.Misses < 1 {
		t.Fatalf("stats got %+v", s)
	}
}

func TestFramePoolConcurrent(t *testing.T) {
	fp := NewFramePool(64)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b := fp.Get()
				b[0] = byte(j)
				fp.Put(b)
			}
		}()
	}
	wg.Wait()
	if fp.Stats().Gets != 1000 {
		t.Fatalf("gets got %d", fp.Stats().Gets)
	}
}

func TestBucket(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{0, 0},
		{1, 0},
		{1024, 0},
		{1025, 1},
		{2048, 1},
		{2049, 2},
		{1 << 26, 16},
		{1<<26 + 1, -1},
	}
	for _, tt := range tests {
		if got := bucket(tt.n); got != tt.want {
			t.Errorf("bucket(%d) got %d want %d", tt.n, got, tt.want)
		}
	}
}

func TestGetBuffer(t *testing.T) {
	b := GetBuffer(3000)
	if len(b) != 3000 || cap(b) != 4096 {
		t.Fatalf("len %d cap %d", len(b), cap(b))
	}
	PutBuffer(b)

	b2 := GetBuffer(2500)
	if len(b2) != 2500 || cap(b2) != 4096 {
		t.Fatalf("len %d cap %d", len(b2), cap(b2))
	}
	PutBuffer(b2)

	// Foreign slices are ignored
	PutBuffer(make([]byte, 3000))
	PutBuffer(nil)
}
