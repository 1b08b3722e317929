// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package event implements the interrupt-safe event-flag subsystem that
// bridges ISR context into task context (spec.md §4.3). Every bit
// operation and every queue operation holds a sync.Mutex (one per event
// and one per queue) for the shortest possible critical section. The
// package does not call the platform's Capabilities.Lock/Unlock, so
// these critical sections do not mask interrupts.
package event

import (
	"sync"

	"github.com/usbarmory/gubbins/kernel/task"
)

// Event is a 32-bit atomic bit field with an optional bound consumer
// task. If the event has been set or cleared since the last drain of
// the pending queue, it sits exactly once in that queue
// (spec.md §3 invariant).
type Event struct {
	mu sync.Mutex

	bits     uint32
	consumer *task.Task
	queued   bool
	next     *Event
}

// New constructs an event optionally bound to a consumer task. A nil
// consumer is legal: the event can still be polled with GetBits, it is
// simply never placed in the pending queue.
func New(consumer *task.Task) *Event {
	return &Event{consumer: consumer}
}

// Init (re)binds the event's consumer task, matching spec.md's
// `init(consumer)` operation.
func (e *Event) Init(consumer *task.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consumer = consumer
}

// GetBits returns the current bit state.
func (e *Event) GetBits() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.bits
}

// Queue is the process-wide pending-events queue: events that have
// changed state since their last drain and have a bound consumer. It is
// drained once per scheduler step (spec.md §4.4 dispatch step 1).
type Queue struct {
	mu      sync.Mutex
	head    *Event
	tail    *Event
	pending bool
}

// SetBits ORs mask into the event's bits, returns the prior value, and
// — if the event has a consumer and is not already queued — appends it
// to q's tail. Ordering guarantee: if SetBits(A) and SetBits(B) are
// called against the same queue in that order, their consumers appear
// in the pending queue in that order (spec.md §4.3).
func (e *Event) SetBits(q *Queue, mask uint32) (prior uint32) {
	e.mu.Lock()
	prior = e.bits
	e.bits |= mask
	e.mu.Unlock()

	q.enqueue(e)

	return prior
}

// ClearBits ANDs the complement of mask into the event's bits, returns
// the prior value, and enqueues the event exactly as SetBits does.
func (e *Event) ClearBits(q *Queue, mask uint32) (prior uint32) {
	e.mu.Lock()
	prior = e.bits
	e.bits &^= mask
	e.mu.Unlock()

	q.enqueue(e)

	return prior
}

// SetWord atomically overwrites the event's bits with a full 32-bit
// value and enqueues it exactly as SetBits does. Hardware back-ends use
// this for packed completion-event words (spec.md §6), which are
// always reported as a full replacement rather than an incremental OR
// of flag bits.
func (e *Event) SetWord(q *Queue, word uint32) (prior uint32) {
	e.mu.Lock()
	prior = e.bits
	e.bits = word
	e.mu.Unlock()

	q.enqueue(e)

	return prior
}

// ResetBits atomically swaps the bits with zero, returning the prior
// value, and enqueues the event.
func (e *Event) ResetBits(q *Queue) (prior uint32) {
	e.mu.Lock()
	prior = e.bits
	e.bits = 0
	e.mu.Unlock()

	q.enqueue(e)

	return prior
}

// enqueue appends e to q's tail, unless e is already queued or has no
// bound consumer. Queue de-duplication is by pointer equality.
func (q *Queue) enqueue(e *Event) {
	e.mu.Lock()
	already := e.queued
	hasConsumer := e.consumer != nil

	if !already && hasConsumer {
		e.queued = true
	}
	e.mu.Unlock()

	if already || !hasConsumer {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e.next = nil

	if q.tail == nil {
		q.head = e
	} else {
		q.tail.next = e
	}

	q.tail = e
	q.pending = true
}

// GetNextConsumer pops the head of the pending queue and returns its
// bound consumer task, or nil if the queue is empty. It checks the
// pending flag before locking, so an empty queue costs a single
// unlocked read.
func (q *Queue) GetNextConsumer() *task.Task {
	if !q.pending {
		return nil
	}

	q.mu.Lock()
	e := q.head

	if e == nil {
		q.pending = false
		q.mu.Unlock()
		return nil
	}

	q.head = e.next
	if q.head == nil {
		q.tail = nil
		q.pending = false
	}
	q.mu.Unlock()

	e.mu.Lock()
	e.queued = false
	consumer := e.consumer
	e.mu.Unlock()

	return consumer
}
