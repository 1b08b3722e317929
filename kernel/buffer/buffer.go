// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package buffer implements the logical byte array built from a
// segment chain (spec.md §4.7). A Buffer never copies its payload on
// the internal bookkeeping paths that don't need to (Move, Concatenate)
// and always preserves the invariant
// `size + headOffset <= segmentCount * segmentSize`.
package buffer

import "github.com/usbarmory/gubbins/kernel/pool"

// MaxSize is the largest logical size a Buffer may ever hold
// (spec.md §3).
const MaxSize = 65535

// Buffer is a logical byte array backed by a singly linked chain of
// fixed-size segments from a pool.Pool. The zero value is an empty
// buffer ready to use once bound to a pool with New.
type Buffer struct {
	p *pool.Pool

	head       *pool.Segment
	headOffset int
	size       int
}

// New constructs an empty buffer drawing segments from p.
func New(p *pool.Pool) *Buffer {
	return &Buffer{p: p}
}

// Init (re)binds the buffer to a pool and resets it to empty.
func (b *Buffer) Init(p *pool.Pool) {
	b.Reset(0)
	b.p = p
}

// GetSize returns the buffer's current logical size in bytes.
func (b *Buffer) GetSize() int {
	return b.size
}

// segmentsNeeded returns how many segments are required to hold
// `headOffset+size` bytes given the pool's segment size.
func (b *Buffer) segmentsNeeded(headOffset, size int) int {
	ss := b.p.SegmentSize()
	total := headOffset + size

	if total == 0 {
		return 0
	}

	return (total + ss - 1) / ss
}

func (b *Buffer) segmentCount() int {
	n := 0
	for s := b.head; s != nil; s = s.Next {
		n++
	}
	return n
}

// freeAll releases every segment currently owned by the buffer.
func (b *Buffer) freeAll() {
	if b.head != nil {
		b.p.FreeChain(b.head)
	}
	b.head = nil
	b.headOffset = 0
	b.size = 0
}

// Reset discards the buffer's contents and allocates fresh segments to
// hold exactly newSize bytes at headOffset zero. It reports false and
// leaves the buffer empty if the pool cannot supply enough segments or
// newSize exceeds MaxSize.
func (b *Buffer) Reset(newSize int) bool {
	b.freeAll()

	if newSize == 0 {
		return true
	}

	if newSize < 0 || newSize > MaxSize {
		return false
	}

	need := b.segmentsNeeded(0, newSize)

	chain, ok := b.p.AllocChain(uint16(need))
	if !ok {
		return false
	}

	b.head = chain.Head
	b.headOffset = 0
	b.size = newSize

	return true
}

// Extend grows the buffer at the end by delta bytes, allocating
// additional tail segments as needed. It fails without side effects if
// the pool is exhausted or the new size would exceed MaxSize.
func (b *Buffer) Extend(delta int) bool {
	if delta < 0 {
		return false
	}

	return b.Resize(b.size + delta)
}

// Resize grows or shrinks the buffer at the end to newSize bytes,
// preserving payload bytes at offsets below min(oldSize, newSize).
// Resize(0) frees all segments. Growth fails without side effects on
// pool exhaustion or when newSize exceeds MaxSize; shrink never fails.
func (b *Buffer) Resize(newSize int) bool {
	if newSize < 0 {
		return false
	}

	if newSize == 0 {
		b.freeAll()
		return true
	}

	if newSize > MaxSize {
		return false
	}

	if newSize <= b.size {
		b.shrinkTail(newSize)
		return true
	}

	return b.growTail(newSize)
}

func (b *Buffer) shrinkTail(newSize int) {
	needSegments := b.segmentsNeeded(b.headOffset, newSize)
	have := b.segmentCount()

	if needSegments < have {
		var prev *pool.Segment
		cur := b.head
		for i := 0; i < needSegments; i++ {
			prev = cur
			cur = cur.Next
		}

		if prev == nil {
			b.head = nil
		} else {
			prev.Next = nil
		}

		if cur != nil {
			b.p.FreeChain(cur)
		}
	}

	b.size = newSize
}

func (b *Buffer) growTail(newSize int) bool {
	needSegments := b.segmentsNeeded(b.headOffset, newSize)
	have := b.segmentCount()

	if needSegments > have {
		chain, ok := b.p.AllocChain(uint16(needSegments - have))
		if !ok {
			return false
		}

		if b.head == nil {
			b.head = chain.Head
		} else {
			tail := b.head
			for tail.Next != nil {
				tail = tail.Next
			}
			tail.Next = chain.Head
		}
	}

	b.size = newSize

	return true
}

// Rebase grows or shrinks the buffer at the start by moving headOffset
// back (grow) or forward (shrink), allocating or freeing head segments
// as needed, preserving the existing payload's logical content.
func (b *Buffer) Rebase(newSize int) bool {
	if newSize < 0 || newSize > MaxSize {
		return false
	}

	delta := newSize - b.size
	if delta == 0 {
		return true
	}

	if delta > 0 {
		return b.growHead(delta, newSize)
	}

	b.shrinkHead(-delta, newSize)

	return true
}

func (b *Buffer) growHead(delta, newSize int) bool {
	ss := b.p.SegmentSize()
	newHeadOffset := b.headOffset - delta

	if newHeadOffset < 0 {
		extraSegments := (-newHeadOffset + ss - 1) / ss

		chain, ok := b.p.AllocChain(uint16(extraSegments))
		if !ok {
			return false
		}

		chain.Tail.Next = b.head
		b.head = chain.Head
		newHeadOffset += extraSegments * ss
	}

	b.headOffset = newHeadOffset
	b.size = newSize

	return true
}

func (b *Buffer) shrinkHead(delta, newSize int) {
	if newSize == 0 {
		b.freeAll()
		return
	}

	ss := b.p.SegmentSize()
	newHeadOffset := b.headOffset + delta

	for newHeadOffset >= ss {
		freed := b.head
		b.head = b.head.Next
		freed.Next = nil
		b.p.FreeChain(freed)
		newHeadOffset -= ss
	}

	b.headOffset = newHeadOffset
	b.size = newSize
}

// GetSegment returns the segment containing logical byte `offset` and
// the byte offset within that segment, for direct-access fast paths.
func (b *Buffer) GetSegment(offset int) (seg *pool.Segment, segOffset int) {
	if offset < 0 || offset >= b.size {
		return nil, 0
	}

	ss := b.p.SegmentSize()
	pos := b.headOffset + offset

	seg = b.head
	for pos >= ss {
		seg = seg.Next
		pos -= ss
	}

	return seg, pos
}

// Write copies src into the buffer starting at logical offset, failing
// without side effects if the range is out of bounds.
func (b *Buffer) Write(offset int, src []byte) bool {
	if offset < 0 || offset+len(src) > b.size {
		return false
	}

	b.walk(offset, len(src), func(seg *pool.Segment, segOff, n, done int) {
		copy(seg.Data[segOff:segOff+n], src[done:done+n])
	})

	return true
}

// Read copies len(dst) bytes starting at logical offset into dst,
// failing without side effects if the range is out of bounds.
func (b *Buffer) Read(offset int, dst []byte) bool {
	if offset < 0 || offset+len(dst) > b.size {
		return false
	}

	b.walk(offset, len(dst), func(seg *pool.Segment, segOff, n, done int) {
		copy(dst[done:done+n], seg.Data[segOff:segOff+n])
	})

	return true
}

// walk iterates the segments spanning [offset, offset+length), invoking
// fn once per segment with the per-segment byte range and the count of
// bytes already processed before this segment.
func (b *Buffer) walk(offset, length int, fn func(seg *pool.Segment, segOff, n, done int)) {
	ss := b.p.SegmentSize()
	pos := b.headOffset + offset

	seg := b.head
	for pos >= ss {
		seg = seg.Next
		pos -= ss
	}

	done := 0
	for done < length {
		n := ss - pos
		if n > length-done {
			n = length - done
		}

		fn(seg, pos, n, done)

		done += n
		pos = 0
		seg = seg.Next
	}
}

// Append grows the buffer by len(src) bytes and copies src into the new
// tail region. All-or-nothing on pool exhaustion.
func (b *Buffer) Append(src []byte) bool {
	oldSize := b.size

	if !b.Extend(len(src)) {
		return false
	}

	b.Write(oldSize, src)

	return true
}

// Prepend grows the buffer by len(src) bytes at the start and copies
// src into the new head region. All-or-nothing on pool exhaustion.
func (b *Buffer) Prepend(src []byte) bool {
	if !b.Rebase(b.size + len(src)) {
		return false
	}

	b.Write(0, src)

	return true
}

// MoveInto transfers this buffer's segment chain ownership to dst,
// leaving this buffer empty. Zero-copy. A no-op if dst is b itself.
func (b *Buffer) MoveInto(dst *Buffer) {
	if dst == b {
		return
	}

	dst.freeAll()

	dst.p = b.p
	dst.head = b.head
	dst.headOffset = b.headOffset
	dst.size = b.size

	b.head = nil
	b.headOffset = 0
	b.size = 0
}

// Copy allocates a fresh, independent segment chain in dst and
// byte-copies this buffer's payload into it.
func (b *Buffer) Copy(dst *Buffer) bool {
	return b.CopySection(0, b.size, dst)
}

// CopySection allocates a fresh, independent segment chain in dst and
// byte-copies the [offset, offset+size) payload region into it.
func (b *Buffer) CopySection(offset, size int, dst *Buffer) bool {
	if offset < 0 || size < 0 || offset+size > b.size {
		return false
	}

	tmp := New(b.p)
	if !tmp.Reset(size) {
		return false
	}

	if size > 0 {
		b.walk(offset, size, func(seg *pool.Segment, segOff, n, done int) {
			tmp.Write(done, seg.Data[segOff:segOff+n])
		})
	}

	tmp.MoveInto(dst)

	return true
}

// Concatenate picks the larger of a/b as an accumulator, copies the
// smaller into it (prepending a or appending b, so the result is always
// a followed by b), then moves the accumulator into dst. On success a
// and b are both drained; if the pool cannot supply the segments for
// the copy it returns false and leaves a and b as they were. When one
// input is empty the other is moved directly. dst may safely alias a
// or b.
func Concatenate(a, b, dst *Buffer) bool {
	if a.size == 0 {
		b.MoveInto(dst)
		if a != dst {
			a.freeAll()
		}
		return true
	}

	if b.size == 0 {
		a.MoveInto(dst)
		if b != dst {
			b.freeAll()
		}
		return true
	}

	// Move the larger operand's chain (zero-copy) into a local
	// accumulator first, so that dst aliasing either a or b below
	// never clobbers data still being assembled.
	var acc Buffer

	if b.size >= a.size {
		b.MoveInto(&acc)

		tmp := make([]byte, a.size)
		a.Read(0, tmp)

		if !acc.Prepend(tmp) {
			acc.MoveInto(b)
			return false
		}

		a.freeAll()
	} else {
		a.MoveInto(&acc)

		tmp := make([]byte, b.size)
		b.Read(0, tmp)

		if !acc.Append(tmp) {
			acc.MoveInto(a)
			return false
		}

		b.freeAll()
	}

	acc.MoveInto(dst)

	return true
}
