// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sched

import (
	"testing"

	"github.com/usbarmory/gubbins/kernel/event"
	"github.com/usbarmory/gubbins/kernel/task"
)

type fakePlatform struct {
	now    uint32
	failed string
}

func (p *fakePlatform) Now() uint32                   { return p.now }
func (p *fakePlatform) Idle(duration uint32)          {}
func (p *fakePlatform) Wake()                         {}
func (p *fakePlatform) Lock()                         {}
func (p *fakePlatform) Unlock()                       {}
func (p *fakePlatform) AddRandomEntropy(sample uint32) {}
func (p *fakePlatform) GetRandomBytes(buf []byte)     {}
func (p *fakePlatform) Exit(status uint8)             {}
func (p *fakePlatform) AssertFail(file string, line int, msg string) {
	p.failed = msg
	panic(msg)
}

func newScheduler() (*Scheduler, *fakePlatform) {
	plat := &fakePlatform{}
	return New(plat, &event.Queue{}), plat
}

func TestPrioritiseSuspendIsIdentity(t *testing.T) {
	a := task.RunLater(10)

	if got := Prioritise(task.Suspend(), a); got != a {
		t.Errorf("Prioritise(Suspend, a) = %+v, want a", got)
	}

	if got := Prioritise(a, task.Suspend()); got != a {
		t.Errorf("Prioritise(a, Suspend) = %+v, want a", got)
	}
}

func TestPrioritiseSoonestWinsSameCategory(t *testing.T) {
	soon := task.RunLater(5)
	later := task.RunLater(50)

	if got := Prioritise(soon, later); got != soon {
		t.Errorf("Prioritise(soon, later) = %+v, want soon", got)
	}

	if got := Prioritise(later, soon); got != soon {
		t.Errorf("Prioritise(later, soon) = %+v, want soon", got)
	}
}

func TestPrioritiseCrossCategoryStripsBackground(t *testing.T) {
	scheduled := task.RunLater(10)
	background := task.RunAfter(1)

	got := Prioritise(scheduled, background)

	// Background-ness is stripped from both operands, so the delay-1
	// status wins and comes back as a scheduled status.
	if !got.IsScheduled() || got.Delay() != 1 {
		t.Errorf("Prioritise(scheduled10, background1) = %+v, want scheduled delay 1", got)
	}
}

func TestTaskStartAndStep(t *testing.T) {
	s, _ := newScheduler()

	ran := false
	tk := task.New("t", func(any) task.Status {
		ran = true
		return task.Suspend()
	}, nil)

	s.TaskStart(tk)
	s.Step()

	if !ran {
		t.Fatal("tick function never ran")
	}

	if tk.State != task.Suspended {
		t.Errorf("task state after Suspend-returning tick = %v, want Suspended", tk.State)
	}
}

func TestReadyQueueIsFIFO(t *testing.T) {
	s, _ := newScheduler()

	var order []string

	mk := func(name string) *task.Task {
		return task.New(name, func(any) task.Status {
			order = append(order, name)
			return task.Suspend()
		}, nil)
	}

	a, b, c := mk("a"), mk("b"), mk("c")

	s.TaskStart(a)
	s.TaskStart(b)
	s.TaskStart(c)

	for i := 0; i < 3; i++ {
		s.Step()
	}

	want := []string{"a", "b", "c"}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("dispatch order[%d] = %s, want %s", i, order[i], name)
		}
	}
}

func TestTaskResumeCancelsScheduledDelay(t *testing.T) {
	s, plat := newScheduler()

	ranAt := -1
	calls := 0

	tk := task.New("t", func(any) task.Status {
		calls++
		if calls == 1 {
			return task.RunLater(1000)
		}
		ranAt = int(plat.now)
		return task.Suspend()
	}, nil)

	s.TaskStart(tk)
	s.Step() // dispatches once, returns RunLater(1000)

	if tk.State != task.Scheduled {
		t.Fatalf("task state = %v, want Scheduled", tk.State)
	}

	// Resuming cancels the pending scheduled deadline and makes the
	// task immediately ready again, regardless of how much of its
	// delay had elapsed.
	s.TaskResume(tk)

	if tk.State != task.Ready {
		t.Fatalf("task state after TaskResume = %v, want Ready", tk.State)
	}

	s.Step()

	if ranAt != 0 {
		t.Fatalf("resumed task ran at simulated tick %d, want 0 (no wait)", ranAt)
	}
}

func TestStayAwakeElidesIdle(t *testing.T) {
	s, plat := newScheduler()
	plat.now = 0

	tk := task.New("t", func(any) task.Status { return task.RunLater(100) }, nil)
	s.TaskStart(tk)
	s.Step()

	s.StayAwake()

	if d := s.Step(); d != 0 {
		t.Errorf("Step() with StayAwake held = %d, want 0", d)
	}

	s.CanSleep()
}
