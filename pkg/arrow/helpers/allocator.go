package helpers

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// CountingAllocator wraps an allocator and tracks live and peak bytes. It is
// safe for concurrent use.
type CountingAllocator struct {
	inner memory.Allocator
	live  atomic.Int64
	peak  atomic.Int64
	total atomic.Int64
}

// NewCountingAllocator wraps inner.
func NewCountingAllocator(inner memory.Allocator) *CountingAllocator {
	return &CountingAllocator{inner: inner}
}

func (a *CountingAllocator) Allocate(size int) []byte {
	a.grow(int64(size))
	a.total.Add(int64(size))
	return a.inner.Allocate(size)
}

func (a *CountingAllocator) Reallocate(size int, b []byte) []byte {
	delta := int64(size - len(b))
	a.grow(delta)
	if delta > 0 {
		a.total.Add(delta)
	}
	return a.inner.Reallocate(size, b)
}

func (a *CountingAllocator) Free(b []byte) {
	a.live.Add(-int64(len(b)))
	a.inner.Free(b)
}

func (a *CountingAllocator) grow(delta int64) {
	live := a.live.Add(delta)
	for {
		peak := a.peak.Load()
		if live <= peak || a.peak.CompareAndSwap(peak, live) {
			return
		}
	}
}

// Live returns the bytes currently allocated.
func (a *CountingAllocator) Live() int64 { return a.live.Load() }

// Peak returns the largest number of bytes allocated at once.
func (a *CountingAllocator) Peak() int64 { return a.peak.Load() }

// Total returns the bytes allocated over the allocator's lifetime.
func (a *CountingAllocator) Total() int64 { return a.total.Load() }
