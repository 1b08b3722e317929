// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pool implements the fixed-size segment allocator that backs
// every buffer and stream in the kernel (spec.md §4.2). Segments are
// handed out from a process-wide free list; no allocation here ever
// touches the Go heap once a pool has been created with New, unless the
// heap-backed variant (HeapPool) is used.
package pool

import "sync"

// DefaultSegmentSize is the default fixed segment size in bytes. It must
// be a multiple of 4.
const DefaultSegmentSize = 64

// Segment is one fixed-size block handed out by a Pool. Segments chain
// together into Buffer payloads via Next; a Segment is owned by exactly
// one client (or sits on the pool's free list) at any time.
type Segment struct {
	Data []byte
	Next *Segment
}

// Chain is a singly linked run of exactly the segment count requested
// from AllocChain.
type Chain struct {
	Head  *Segment
	Tail  *Segment
	Count uint16
}

// Pool is a fixed-size segment allocator. The zero value is not usable;
// construct with New.
type Pool struct {
	mu sync.Mutex

	segmentSize int
	nominal     uint16
	free        *Segment
	freeCount   uint16
}

// New creates a pool of `count` segments of `segmentSize` bytes each,
// pre-allocated and threaded onto the free list. segmentSize must be a
// positive multiple of 4.
func New(count uint16, segmentSize int) *Pool {
	if segmentSize <= 0 || segmentSize%4 != 0 {
		panic("pool: segment size must be a positive multiple of 4")
	}

	p := &Pool{
		segmentSize: segmentSize,
		nominal:     count,
	}

	var head *Segment

	for i := uint16(0); i < count; i++ {
		head = &Segment{Data: make([]byte, segmentSize), Next: head}
	}

	p.free = head
	p.freeCount = count

	return p
}

// SegmentSize returns the fixed size, in bytes, of every segment handed
// out by this pool.
func (p *Pool) SegmentSize() int {
	return p.segmentSize
}

// SegmentsAvailable reports the number of segments currently on the free
// list.
func (p *Pool) SegmentsAvailable() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.freeCount
}

// AllocOne pops a single segment from the free list, or returns nil if
// the pool is exhausted. O(1).
func (p *Pool) AllocOne() *Segment {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.allocOneLocked()
}

func (p *Pool) allocOneLocked() *Segment {
	s := p.free

	if s == nil {
		return nil
	}

	p.free = s.Next
	p.freeCount--

	s.Next = nil

	return s
}

// FreeOne returns a single segment to the free list. O(1). The segment's
// Next field is overwritten; callers must not reuse a segment still
// linked into another structure.
func (p *Pool) FreeOne(s *Segment) {
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.freeOneLocked(s)
}

func (p *Pool) freeOneLocked(s *Segment) {
	s.Next = p.free
	p.free = s
	p.freeCount++
}

// AllocChain pops exactly `count` segments from the free list as a
// single linked chain, or returns ok=false without touching the free
// list if fewer than `count` segments are available. O(count).
func (p *Pool) AllocChain(count uint16) (chain Chain, ok bool) {
	if count == 0 {
		return Chain{}, true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeCount < count {
		return Chain{}, false
	}

	head := p.allocOneLocked()
	tail := head

	for i := uint16(1); i < count; i++ {
		s := p.allocOneLocked()
		tail.Next = s
		tail = s
	}

	return Chain{Head: head, Tail: tail, Count: count}, true
}

// FreeChain walks the provided chain to its end and splices the entire
// run onto the free list head in one step. O(chain length).
func (p *Pool) FreeChain(head *Segment) {
	if head == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tail := head
	count := uint16(1)

	for tail.Next != nil {
		tail = tail.Next
		count++
	}

	tail.Next = p.free
	p.free = head
	p.freeCount += count
}
