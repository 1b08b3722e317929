// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sched implements the cooperative scheduler: three task
// queues, idle negotiation, and lifecycle notifications (spec.md §4.4).
// A Scheduler is the single "Kernel context" named in spec.md §9,
// threaded explicitly by its owner rather than reached for as package
// state.
package sched

import (
	"github.com/usbarmory/gubbins/kernel/event"
	"github.com/usbarmory/gubbins/kernel/platform"
	"github.com/usbarmory/gubbins/kernel/task"
)

// LifecycleStatus is the result of a lifecycle notification: whether
// every monitor allowed the transition.
type LifecycleStatus bool

const (
	// LifecycleDeny means at least one monitor rejected the
	// transition.
	LifecycleDeny LifecycleStatus = false
	// LifecycleAllow means every monitor allowed the transition.
	LifecycleAllow LifecycleStatus = true
)

// LifecycleHandler observes scheduler lifecycle transitions (task
// start/resume, idle entry, etc). Handlers are called in reverse
// registration order; their results are logically ANDed.
type LifecycleHandler func(status LifecycleStatus) LifecycleStatus

// Scheduler is the three-queue cooperative dispatcher. The zero value
// is not usable; construct with New.
type Scheduler struct {
	plat platform.Capabilities

	events *event.Queue

	readyHead, readyTail *task.Task
	scheduledHead        *task.Task
	backgroundHead       *task.Task

	current *task.Task

	stayAwake uint32

	monitors []LifecycleHandler
}

// New constructs a Scheduler bound to the given platform capabilities
// and event pending-queue.
func New(plat platform.Capabilities, events *event.Queue) *Scheduler {
	return &Scheduler{plat: plat, events: events}
}

// CurrentTask returns the task currently inside its tick function, or
// nil outside of Step's dispatch. Only meaningful within a tick
// function.
func (s *Scheduler) CurrentTask() *task.Task {
	return s.current
}

// Events returns the scheduler's single process-wide event pending
// queue. Every driver controller that reports completion through an
// event.Event must be constructed with this queue, not one of its own,
// or its completion will never be drained by Step (spec.md §4.4
// dispatch step 1).
func (s *Scheduler) Events() *event.Queue {
	return s.events
}

// TaskStart inserts task as Ready regardless of its prior state.
func (s *Scheduler) TaskStart(t *task.Task) {
	s.removeFromCurrentQueue(t)
	s.appendReady(t)
}

// TaskResume inserts task as Ready unless it is already Ready or
// Active. It is the sole cancellation primitive: resuming a task that
// is Scheduled or Background effectively cancels its pending delay.
func (s *Scheduler) TaskResume(t *task.Task) {
	if t.State == task.Ready || t.State == task.Active {
		return
	}

	s.removeFromCurrentQueue(t)
	s.appendReady(t)
}

// StayAwake increments the stay-awake counter, eliding idle while any
// caller holds it outstanding.
func (s *Scheduler) StayAwake() {
	if s.stayAwake == 0xffffffff {
		s.plat.AssertFail("sched.go", 0, "stay-awake counter overflow")
	}

	s.stayAwake++
}

// CanSleep decrements the stay-awake counter. It is a fatal invariant
// violation to call CanSleep more times than StayAwake.
func (s *Scheduler) CanSleep() {
	if s.stayAwake == 0 {
		s.plat.AssertFail("sched.go", 0, "stay-awake counter underflow")
	}

	s.stayAwake--
}

// LifecycleAddMonitor registers a handler, called in reverse
// registration order on every LifecycleNotify.
func (s *Scheduler) LifecycleAddMonitor(h LifecycleHandler) {
	s.monitors = append(s.monitors, h)
}

// LifecycleNotify invokes every registered monitor in reverse
// registration order, ANDing their results together.
func (s *Scheduler) LifecycleNotify(status LifecycleStatus) LifecycleStatus {
	result := status

	for i := len(s.monitors) - 1; i >= 0; i-- {
		result = LifecycleStatus(bool(result) && bool(s.monitors[i](result)))
	}

	return result
}

// Prioritise merges two statuses by "soonest scheduled wins": Suspend
// is the identity; if a and b come from different queues (one
// scheduled, one background) the background-ness is stripped from both
// and the smaller of the stripped (scheduled) statuses is returned;
// otherwise the numeric (encoded) minimum is returned directly
// (spec.md §4.4).
func Prioritise(a, b task.Status) task.Status {
	if a.IsSuspend() {
		return b
	}

	if b.IsSuspend() {
		return a
	}

	if a.IsBackground() != b.IsBackground() {
		a = stripBackground(a)
		b = stripBackground(b)
	}

	if a.Encode() <= b.Encode() {
		return a
	}

	return b
}

func stripBackground(s task.Status) task.Status {
	if !s.IsBackground() {
		return s
	}

	return task.RunLater(s.Delay())
}

// Step runs one dispatch cycle (spec.md §4.4) and returns the tick
// count the caller may safely idle for, or zero if more work is
// immediately pending, a stay-awake is held, or no task is on the
// scheduled list.
func (s *Scheduler) Step() uint32 {
	s.drainEvents()

	now := s.plat.Now()

	s.promoteDue(&s.scheduledHead, now)
	s.promoteDue(&s.backgroundHead, now)

	if s.readyHead != nil {
		s.dispatchOne()
		return 0
	}

	if s.scheduledHead == nil {
		return 0
	}

	delta := platform.Since(s.scheduledHead.Timestamp, now)
	if delta < 0 {
		delta = 0
	}

	if s.stayAwake != 0 {
		return 0
	}

	return uint32(delta)
}

// drainEvents pops every ready consumer from the event queue and
// promotes it to Ready unless it is already there (dispatch step 1).
func (s *Scheduler) drainEvents() {
	for {
		t := s.events.GetNextConsumer()
		if t == nil {
			return
		}

		if t.State == task.Ready || t.State == task.Active {
			continue
		}

		s.removeFromCurrentQueue(t)
		s.appendReady(t)
	}
}

// promoteDue walks a time-ordered list from its head while the head's
// timestamp has arrived, moving each such task to the ready queue
// (dispatch steps 2/3).
func (s *Scheduler) promoteDue(listHead **task.Task, now uint32) {
	for *listHead != nil && platform.Since(now, (*listHead).Timestamp) >= 0 {
		t := *listHead
		*listHead = t.Next()
		t.SetNext(nil)

		s.appendReady(t)
	}
}

// dispatchOne pops the ready head, runs its tick function, and inserts
// it back per the returned status (dispatch step 4, spec.md §4.5).
func (s *Scheduler) dispatchOne() {
	t := s.readyHead
	s.readyHead = t.Next()
	if s.readyHead == nil {
		s.readyTail = nil
	}
	t.SetNext(nil)

	t.State = task.Active
	s.current = t

	status := t.Tick(t.Data)

	s.current = nil

	s.insert(t, status)
}

// insert applies the task-insertion rules of spec.md §4.5 for the
// status returned by a just-run tick function.
func (s *Scheduler) insert(t *task.Task, status task.Status) {
	switch {
	case status.IsSuspend():
		t.State = task.Suspended

	case status.IsImmediate():
		s.appendReady(t)

	case status.IsScheduled():
		t.Timestamp = s.plat.Now() + status.Delay()
		t.State = task.Scheduled
		insertOrdered(&s.scheduledHead, t)

	default: // background (RunAfter or RunBackground)
		t.Timestamp = s.plat.Now() + status.Delay()
		t.State = task.Background
		insertOrdered(&s.backgroundHead, t)
	}
}

// appendReady appends t to the ready list's tail (strict FIFO).
func (s *Scheduler) appendReady(t *task.Task) {
	t.State = task.Ready
	t.SetNext(nil)

	if s.readyTail == nil {
		s.readyHead = t
	} else {
		s.readyTail.SetNext(t)
	}

	s.readyTail = t
}

// insertOrdered inserts t into a singly linked list ordered by
// ascending Timestamp, with stable (FIFO-at-equal-timestamp) insertion.
func insertOrdered(head **task.Task, t *task.Task) {
	cur := *head

	if cur == nil || platform.Since(t.Timestamp, cur.Timestamp) < 0 {
		t.SetNext(cur)
		*head = t
		return
	}

	for cur.Next() != nil && platform.Since(cur.Next().Timestamp, t.Timestamp) <= 0 {
		cur = cur.Next()
	}

	t.SetNext(cur.Next())
	cur.SetNext(t)
}

// removeFromCurrentQueue removes t from whichever of the three queues
// it currently occupies (if any). It is O(queue length); tasks are
// expected to be few and scheduler operations are not on a hard
// real-time budget outside of the event critical section.
func (s *Scheduler) removeFromCurrentQueue(t *task.Task) {
	switch t.State {
	case task.Ready:
		s.removeFromReady(t)
	case task.Scheduled:
		removeFromList(&s.scheduledHead, t)
	case task.Background:
		removeFromList(&s.backgroundHead, t)
	}
}

func (s *Scheduler) removeFromReady(t *task.Task) {
	if s.readyHead == t {
		s.readyHead = t.Next()
		if s.readyHead == nil {
			s.readyTail = nil
		}
		t.SetNext(nil)
		return
	}

	for cur := s.readyHead; cur != nil; cur = cur.Next() {
		if cur.Next() == t {
			cur.SetNext(t.Next())
			if s.readyTail == t {
				s.readyTail = cur
			}
			t.SetNext(nil)
			return
		}
	}
}

func removeFromList(head **task.Task, t *task.Task) {
	if *head == t {
		*head = t.Next()
		t.SetNext(nil)
		return
	}

	for cur := *head; cur != nil; cur = cur.Next() {
		if cur.Next() == t {
			cur.SetNext(t.Next())
			t.SetNext(nil)
			return
		}
	}
}
