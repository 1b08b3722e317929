// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package task defines the Task record and TaskStatus return value
// shared by the scheduler and the event-flag subsystem (spec.md §3). It
// is kept separate from the scheduler package so that kernel/event can
// hold a consumer reference without importing the scheduler itself.
package task

// State is the tag a Task carries; it always matches the queue the task
// currently sits in (spec.md §3 invariant).
type State int

const (
	// Initialising is the state of a Task before its first
	// Scheduler.TaskStart call.
	Initialising State = iota
	// Scheduled tasks sit in the scheduler's time-ordered scheduled
	// list, with a device wakeup armed for their deadline.
	Scheduled
	// Background tasks sit in the scheduler's time-ordered background
	// list; reaching their deadline does not by itself wake the
	// device from idle.
	Background
	// Ready tasks sit in the scheduler's FIFO ready list, waiting for
	// their tick function to run.
	Ready
	// Active is set only on the task currently inside its tick
	// function; it is never a queue membership state.
	Active
	// Suspended tasks are in no queue and run again only once
	// resumed.
	Suspended
)

func (s State) String() string {
	switch s {
	case Initialising:
		return "initialising"
	case Scheduled:
		return "scheduled"
	case Background:
		return "background"
	case Ready:
		return "ready"
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// backgroundBit is the sign bit of the 32-bit status encoding used by
// the source implementation to distinguish a scheduled wakeup from a
// background one. It is reproduced only at the Status encode/decode
// boundary (spec.md §3); nothing in this package other than Status
// arithmetic should ever look at it.
const backgroundBit int32 = -1 << 31

// kind tags which of Status's cases a value represents.
type kind int

const (
	kindSuspend kind = iota
	kindImmediate
	kindLater
	kindAfter
	kindBackground
)

// Status is the discriminated return value of a tick function
// (spec.md §3). Construct one with Suspend, RunImmediate, RunLater,
// RunAfter, or RunBackground.
type Status struct {
	kind  kind
	delay uint32
}

// Suspend requests that the task be removed from every queue until
// explicitly resumed.
func Suspend() Status { return Status{kind: kindSuspend} }

// RunImmediate requests that the task be appended to the ready queue's
// tail immediately.
func RunImmediate() Status { return Status{kind: kindImmediate} }

// RunLater requests a scheduled wakeup after delay ticks, arming a
// device wakeup for it. delay is masked to 31 bits (spec.md's
// `d & 0x7fffffff`): no single delay may exceed 2^31 ticks.
func RunLater(delay uint32) Status {
	return Status{kind: kindLater, delay: delay & 0x7fffffff}
}

// RunAfter requests an opportunistic wakeup after delay ticks with no
// device wakeup armed; the scheduler treats it identically to
// RunBackground aside from the delay.
func RunAfter(delay uint32) Status {
	return Status{kind: kindAfter, delay: delay & 0x7fffffff}
}

// RunBackground requests that the task be appended to the background
// queue with a zero delay.
func RunBackground() Status {
	return Status{kind: kindBackground}
}

// IsSuspend reports whether the status requests suspension.
func (s Status) IsSuspend() bool { return s.kind == kindSuspend }

// IsImmediate reports whether the status requests an immediate ready
// re-queue.
func (s Status) IsImmediate() bool { return s.kind == kindImmediate }

// IsBackground reports whether the scheduler will treat this status as
// background (RunAfter and RunBackground both do, per spec.md §3).
func (s Status) IsBackground() bool {
	return s.kind == kindAfter || s.kind == kindBackground
}

// IsScheduled reports whether the scheduler will treat this status as a
// device-wakeup scheduled deadline.
func (s Status) IsScheduled() bool { return s.kind == kindLater }

// Delay returns the requested delay in ticks for RunLater/RunAfter
// statuses; it is zero for every other kind.
func (s Status) Delay() uint32 { return s.delay }

// Encode packs the status into the 32-bit signed encoding used at the
// kernel/driver boundary (spec.md §3): the sign bit distinguishes
// scheduled from background, RunImmediate/Suspend are small fixed
// sentinels. This encoding is an implementation detail preserved only
// for callers that must interoperate with the packed form; ordinary
// Go callers should use the Status value directly.
func (s Status) Encode() int32 {
	switch s.kind {
	case kindSuspend:
		return -1
	case kindImmediate:
		return 0
	case kindLater:
		return int32(s.delay) + 1
	case kindAfter, kindBackground:
		return (int32(s.delay) + 1) | backgroundBit
	default:
		return -1
	}
}

// Decode is the inverse of Encode.
func Decode(v int32) Status {
	if v == -1 {
		return Suspend()
	}

	if v == 0 {
		return RunImmediate()
	}

	background := v&backgroundBit != 0
	delay := uint32(v&^backgroundBit) - 1

	if background {
		return RunAfter(delay)
	}

	return RunLater(delay)
}

// TickFunc is the pure callback invoked once per Ready promotion.
type TickFunc func(data any) Status

// Task is a cooperatively-scheduled activity (spec.md §3). It is a
// member of at most one scheduler queue at a time; State always
// matches that queue.
type Task struct {
	// Tick is invoked with Data each time the task is promoted to
	// Active.
	Tick TickFunc
	// Data is the task's opaque owned data, passed verbatim to Tick.
	Data any
	// Name is an optional human-readable label for diagnostics.
	Name string

	// Timestamp is the tick count at which a Scheduled or Background
	// task becomes eligible to run; meaningless otherwise.
	Timestamp uint32
	// State is the task's current queue membership tag.
	State State

	// next links the task into whichever queue it currently occupies.
	// A task is never on two queues, so one link field suffices.
	next *Task
}

// New constructs a task in the Initialising state. It must be handed to
// Scheduler.TaskStart before it will ever run.
func New(name string, tick TickFunc, data any) *Task {
	return &Task{
		Tick:  tick,
		Data:  data,
		Name:  name,
		State: Initialising,
	}
}

// Next returns the task's queue-link successor. Exported for use by
// kernel/sched and kernel/event, which both maintain intrusive lists of
// *Task.
func (t *Task) Next() *Task { return t.next }

// SetNext sets the task's queue-link successor.
func (t *Task) SetNext(n *Task) { t.next = n }
