// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package stream implements the bounded byte FIFO that carries
// producer/consumer traffic between tasks (spec.md §4.6). A Stream
// auto-resumes its bound consumer task when it transitions from empty
// to non-empty; producers retry on their own schedule on backpressure.
package stream

import (
	"github.com/usbarmory/gubbins/kernel/buffer"
	"github.com/usbarmory/gubbins/kernel/pool"
	"github.com/usbarmory/gubbins/kernel/sched"
	"github.com/usbarmory/gubbins/kernel/task"
)

// Stream is a bounded byte FIFO backed by a buffer.Buffer, bound to a
// single consumer task. The zero value is not usable; construct with
// New.
type Stream struct {
	buf      buffer.Buffer
	capacity int
	consumer *task.Task
	s        *sched.Scheduler
}

// New constructs a stream of the given capacity (at most
// buffer.MaxSize bytes), drawing segments from p and resuming consumer
// on sched whenever it transitions from empty to non-empty.
func New(p *pool.Pool, s *sched.Scheduler, capacity int, consumer *task.Task) *Stream {
	st := &Stream{capacity: capacity, consumer: consumer, s: s}
	st.buf.Init(p)
	return st
}

// Capacity returns the stream's fixed maximum size in bytes.
func (st *Stream) Capacity() int {
	return st.capacity
}

// GetReadCapacity returns the exact number of bytes currently buffered
// and available to read.
func (st *Stream) GetReadCapacity() int {
	return st.buf.GetSize()
}

// GetWriteCapacity returns the exact number of additional bytes that
// may currently be written without exceeding the stream's capacity.
func (st *Stream) GetWriteCapacity() int {
	return st.capacity - st.buf.GetSize()
}

// WriteAll appends src to the stream only if all of it fits within
// remaining capacity; otherwise nothing is written. Resumes the bound
// consumer if the stream was empty before the write.
func (st *Stream) WriteAll(src []byte) bool {
	if len(src) > st.GetWriteCapacity() {
		return false
	}

	wasEmpty := st.buf.GetSize() == 0

	if !st.buf.Append(src) {
		return false
	}

	if wasEmpty && len(src) > 0 {
		st.resumeConsumer()
	}

	return true
}

// ReadAll consumes exactly len(dst) bytes into dst only if that many
// are buffered; otherwise nothing is consumed.
func (st *Stream) ReadAll(dst []byte) bool {
	n := len(dst)

	if n > st.buf.GetSize() {
		return false
	}

	if n == 0 {
		return true
	}

	st.buf.Read(0, dst)
	st.buf.Rebase(st.buf.GetSize() - n)

	return true
}

// WriteByte appends a single byte, as WriteAll would.
func (st *Stream) WriteByte(b byte) bool {
	return st.WriteAll([]byte{b})
}

// ReadByte consumes a single byte, as ReadAll would.
func (st *Stream) ReadByte() (b byte, ok bool) {
	buf := make([]byte, 1)

	if !st.ReadAll(buf) {
		return 0, false
	}

	return buf[0], true
}

// PeekAll copies the next len(dst) bytes without consuming them,
// succeeding only if that many bytes are currently buffered. Used
// internally by driver bus tasks to inspect a multi-byte command
// header before committing to read it (spec.md §4.8).
func (st *Stream) PeekAll(dst []byte) bool {
	if len(dst) > st.buf.GetSize() {
		return false
	}

	if len(dst) == 0 {
		return true
	}

	st.buf.Read(0, dst)

	return true
}

// PeekByte returns the next byte without consuming it.
func (st *Stream) PeekByte() (b byte, ok bool) {
	if st.buf.GetSize() == 0 {
		return 0, false
	}

	buf := make([]byte, 1)
	st.buf.Read(0, buf)

	return buf[0], true
}

// PushBackByte pushes a single byte back onto the front of the stream,
// for a single-byte unread. It does not resume the consumer (the
// caller is, by construction, the consumer itself).
func (st *Stream) PushBackByte(b byte) bool {
	return st.buf.Prepend([]byte{b})
}

// ReadBuffer moves the stream's front `size` bytes out into dst. When
// size is the whole stream the segment chain is handed to dst with no
// byte copy; otherwise the bytes are copied into a fresh chain in dst
// and the stream drops them from its front.
func (st *Stream) ReadBuffer(size int, dst *buffer.Buffer) bool {
	if size > st.buf.GetSize() {
		return false
	}

	if size == st.buf.GetSize() {
		st.buf.MoveInto(dst)
		return true
	}

	if !st.buf.CopySection(0, size, dst) {
		return false
	}

	st.buf.Rebase(st.buf.GetSize() - size)

	return true
}

// WriteBuffer adds an entire owned buffer to the stream's tail, only if
// it fits within remaining capacity, via buffer.Concatenate: when the
// stream is empty src's segment chain is moved in with no byte copy;
// otherwise the smaller of the two is byte-copied onto the larger. src
// is drained on success.
func (st *Stream) WriteBuffer(src *buffer.Buffer) bool {
	if src.GetSize() > st.GetWriteCapacity() {
		return false
	}

	wasEmpty := st.buf.GetSize() == 0
	size := src.GetSize()

	if !buffer.Concatenate(&st.buf, src, &st.buf) {
		return false
	}

	if wasEmpty && size > 0 {
		st.resumeConsumer()
	}

	return true
}

// Flush explicitly resumes the bound consumer task regardless of the
// empty-to-non-empty transition rule, for callers that batch writes
// and want a single resume at the end.
func (st *Stream) Flush() {
	st.resumeConsumer()
}

func (st *Stream) resumeConsumer() {
	if st.consumer != nil && st.s != nil {
		st.s.TaskResume(st.consumer)
	}
}
