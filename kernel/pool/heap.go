// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pool

import "sync"

// HeapPool is the optional heap-backed variant of Pool (spec.md §4.2):
// each segment is a real heap allocation, the free list grows
// opportunistically when the free count drops below one quarter of the
// nominal count, and trims opportunistically when it exceeds the
// nominal count. The two thresholds are deliberately far apart (grow at
// 1/4, trim above 1x) to avoid thrashing between grow and trim on
// alternating alloc/free calls.
type HeapPool struct {
	mu sync.Mutex

	segmentSize int
	nominal     uint16
	free        *Segment
	freeCount   uint16
	liveCount   uint16
}

// NewHeap creates a heap-backed pool that starts with `nominal` segments
// already allocated and grows/trims around that baseline.
func NewHeap(nominal uint16, segmentSize int) *HeapPool {
	if segmentSize <= 0 || segmentSize%4 != 0 {
		panic("pool: segment size must be a positive multiple of 4")
	}

	p := &HeapPool{
		segmentSize: segmentSize,
		nominal:     nominal,
	}

	for i := uint16(0); i < nominal; i++ {
		p.free = &Segment{Data: make([]byte, segmentSize), Next: p.free}
	}

	p.freeCount = nominal
	p.liveCount = nominal

	return p
}

// SegmentsAvailable reports the number of segments currently on the free
// list.
func (p *HeapPool) SegmentsAvailable() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.freeCount
}

// AllocOne pops a segment from the free list, growing the pool first if
// the free count has dropped below a quarter of the nominal count.
func (p *HeapPool) AllocOne() *Segment {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.growLocked()

	s := p.free
	if s == nil {
		s = &Segment{Data: make([]byte, p.segmentSize)}
		p.liveCount++
		return s
	}

	p.free = s.Next
	p.freeCount--
	s.Next = nil

	return s
}

// FreeOne returns a segment to the free list, trimming the pool
// afterwards if the free count now exceeds the nominal count.
func (p *HeapPool) FreeOne(s *Segment) {
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s.Next = p.free
	p.free = s
	p.freeCount++

	p.trimLocked()
}

// growLocked tops the free list back up to the nominal count once the
// free count drops below a quarter of it. It is a no-op if the nominal
// count is zero (pure on-demand heap allocation, no baseline to defend).
func (p *HeapPool) growLocked() {
	if p.nominal == 0 || p.freeCount >= p.nominal/4 {
		return
	}

	for p.freeCount < p.nominal {
		p.free = &Segment{Data: make([]byte, p.segmentSize), Next: p.free}
		p.freeCount++
		p.liveCount++
	}
}

// trimLocked releases free segments back to the Go heap once the free
// count exceeds the nominal count, down to the nominal count.
func (p *HeapPool) trimLocked() {
	for p.freeCount > p.nominal {
		s := p.free
		p.free = s.Next
		p.freeCount--
		p.liveCount--
	}
}
