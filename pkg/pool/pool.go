// Buffer pools for the frame path
//
// Captured frames are large and arrive at display rate, so their pixel
// buffers are recycled instead of reallocated:
// - FramePool: fixed-size buffers for whole captured frames
// - GetBuffer/PutBuffer: size-bucketed scratch buffers for region crops
//
// Usage:
//
//	buf := pool.GetBuffer(w * h * 4)
//	defer pool.PutBuffer(buf)
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Stats counts pool traffic.
type Stats struct {
	Gets   uint64
	Misses uint64
	Puts   uint64
}

// FramePool hands out byte slices of exactly one size.
type FramePool struct {
	size int
	p    sync.Pool

	gets   atomic.Uint64
	misses atomic.Uint64
	puts   atomic.Uint64
}

// NewFramePool creates a pool of size-byte buffers.
func NewFramePool(size int) *FramePool {
	fp := &FramePool{size: size}
	fp.p.New = func() any {
		fp.misses.Add(1)
		b := make([]byte, size)
		return &b
	}
	return fp
}

// Size returns the buffer size of this pool.
func (fp *FramePool) Size() int {
	return fp.size
}

// Get returns a buffer of Size bytes. Contents are not cleared.
func (fp *FramePool) Get() []byte {
	fp.gets.Add(1)
	return *(fp.p.Get().(*[]byte))
}

// Put returns a buffer; buffers of another size are discarded.
func (fp *FramePool) Put(b []byte) {
	if len(b) != fp.size {
		return
	}
	fp.puts.Add(1)
	fp.p.Put(&b)
}

// Stats returns traffic counters.
func (fp *FramePool) Stats() Stats {
	return Stats{Gets: fp.gets.Load(), Misses: fp.misses.Load(), Puts: fp.puts.Load()}
}

// Scratch buffers are bucketed by power of two from 1KB to 64MB.
const (
	minBucketShift = 10
	maxBucketShift = 26
)

var bufferPools [maxBucketShift - minBucketShift + 1]sync.Pool

func bucket(n int) int {
	if n <= 1<<minBucketShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxBucketShift {
		return -1
	}
	return shift - minBucketShift
}

// GetBuffer returns a slice of length n. Its capacity is the bucket size.
func GetBuffer(n int) []byte {
	idx := bucket(n)
	if idx < 0 {
		return make([]byte, n)
	}
	if v := bufferPools[idx].Get(); v != nil {
		return (*(v.(*[]byte)))[:n]
	}
	return make([]byte, n, 1<<(idx+minBucketShift))
}

// PutBuffer returns a slice obtained from GetBuffer.
func PutBuffer(b []byte) {
	idx := bucket(cap(b))
	if idx < 0 || cap(b) != 1<<(idx+minBucketShift) {
		return
	}
	b = b[:0]
	bufferPools[idx].Put(&b)
}
