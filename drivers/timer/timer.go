// https://github.com/usbarmory/gubbins
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package timer implements a tick-driven completion-event timer
// source: single-shot or periodic, reusing the Issue/PollComplete/
// Release shape of every other peripheral driver (spec.md §4.8) even
// though its "hardware" is simply the scheduler's own deadline queue
// (arm/timer.go's Cortex-A timer sources are the register-level
// analogue this package abstracts away).
package timer

import (
	"errors"

	"github.com/usbarmory/gubbins/driver"
	"github.com/usbarmory/gubbins/kernel/event"
	"github.com/usbarmory/gubbins/kernel/sched"
	"github.com/usbarmory/gubbins/kernel/task"
)

type sourceState int

const (
	sourceIdle sourceState = iota
	sourceArmed
)

// Source is a single timer channel.
type Source struct {
	Event *event.Event
	Queue *event.Queue
	Sched *sched.Scheduler
	Task  *task.Task

	state     sourceState
	period    uint32
	periodic  bool
	primed    bool
	fireCount uint32
}

// New constructs an unarmed timer source.
func New(sched *sched.Scheduler) *Source {
	s := &Source{Sched: sched, Queue: sched.Events()}
	s.Task = task.New("timer", s.tick, nil)
	// The event has no consumer: it is only ever polled, and binding it
	// to the timer's own task would re-wake that task on every firing
	// ahead of its next deadline.
	s.Event = event.New(nil)

	return s
}

// Issue arms the source to fire once after delay ticks (periodic
// false) or every period ticks thereafter (periodic true). Issuing
// while already armed fails; Release first.
func (s *Source) Issue(delay uint32, periodic bool) error {
	if s.state != sourceIdle {
		return errors.New("timer: already armed")
	}

	s.period = delay
	s.periodic = periodic
	s.state = sourceArmed
	s.primed = false
	s.fireCount = 0

	// The first scheduler dispatch of tick does not fire the source: it
	// only converts the requested delay into a scheduled deadline. The
	// actual firing happens once that deadline is promoted to ready.
	s.Sched.TaskResume(s.Task)

	return nil
}

// Release disarms the source and clears any pending completion.
func (s *Source) Release() {
	s.state = sourceIdle
	s.Event.ResetBits(s.Queue)
}

// PollComplete reports the outcome of the most recent firing without
// disarming a periodic source: Busy if the deadline has not yet
// arrived, Success (with the cumulative fire count) once it has. A
// one-shot source's event is left set until Release; a periodic
// source's event is cleared and rearmed on every poll that observes a
// firing.
func (s *Source) PollComplete(fireCount *uint32) driver.Status {
	word := driver.CompletionEvent(s.Event.GetBits())

	if !word.Complete() {
		return driver.Busy
	}

	*fireCount = s.fireCount

	if s.periodic {
		s.Event.ResetBits(s.Queue)
	}

	return driver.Success
}

func (s *Source) tick(any) task.Status {
	if s.state != sourceArmed {
		return task.Suspend()
	}

	if !s.primed {
		s.primed = true
		return task.RunLater(s.period)
	}

	s.fireCount++
	s.Event.SetWord(s.Queue, uint32(driver.Pack(driver.Success, s.fireCount, false, false)))

	if !s.periodic {
		s.state = sourceIdle
		s.primed = false
		return task.Suspend()
	}

	return task.RunLater(s.period)
}
