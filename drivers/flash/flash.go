// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package flash implements the flash memory driver: the same
// Select -> Issue -> PollComplete -> Release contract shared by every
// peripheral driver (spec.md §4.8), specialised to the
// write-enable/write-disable latch pair that SPI NOR/NAND flash parts
// require around every program or erase command (spec.md §6, completion
// word bits 29/30).
package flash

import (
	"errors"

	"github.com/usbarmory/gubbins/driver"
	"github.com/usbarmory/gubbins/kernel/event"
	"github.com/usbarmory/gubbins/kernel/sched"
	"github.com/usbarmory/gubbins/kernel/task"
)

// Op identifies the command a Backend is asked to perform.
type Op int

const (
	// OpProgram writes the payload bytes at an offset.
	OpProgram Op = iota
	// OpErase erases a single block containing an offset.
	OpErase
	// OpEraseAll erases the entire chip.
	OpEraseAll
)

// Backend drives the actual hardware command sequence (write-enable
// latch, command, poll, write-disable latch) and reports completion by
// calling the controller's Event.SetWord, exactly as drivers/i2c's
// Backend does (spec.md §4.8).
type Backend interface {
	// BlockSize reports the erase granularity, in bytes.
	BlockSize() int
	// Size reports the chip's total addressable size, in bytes.
	Size() int
	// Issue starts op at offset with the given payload (nil for erase
	// operations).
	Issue(op Op, offset int, payload []byte)
}

type chipState int

const (
	chipIdle chipState = iota
	chipSelected
	chipBusy
)

// Chip is a single flash device behind a Controller.
type Chip struct {
	ID uint8
}

// Controller is a flash bus controller, following the same shape as
// drivers/i2c.Controller and drivers/spi.Controller.
type Controller struct {
	Backend Backend
	Event   *event.Event
	Queue   *event.Queue
	Sched   *sched.Scheduler
	Task    *task.Task

	state    chipState
	selected *Chip
	onDone   func(driver.Status, bool, bool)
}

// New constructs a controller bound to backend.
func New(backend Backend, sched *sched.Scheduler) *Controller {
	c := &Controller{Backend: backend, Sched: sched, Queue: sched.Events()}
	c.Task = task.New("flash", c.tick, nil)
	c.Event = event.New(c.Task)

	return c
}

// BlockSize reports the backend's erase granularity.
func (c *Controller) BlockSize() int { return c.Backend.BlockSize() }

// Size reports the backend's total addressable size.
func (c *Controller) Size() int { return c.Backend.Size() }

// Select claims the bus for chip.
func (c *Controller) Select(chip *Chip) error {
	if c.state != chipIdle {
		return errors.New("flash: bus busy")
	}

	c.selected = chip
	c.state = chipSelected

	return nil
}

// Release relinquishes the bus.
func (c *Controller) Release() {
	c.selected = nil
	c.state = chipIdle
}

// Issue starts op at offset. done is invoked, from the controller's own
// task, with the outcome status and the write-enable/write-disable
// latch flags the backend reported alongside completion.
func (c *Controller) Issue(op Op, offset int, payload []byte, done func(status driver.Status, writeEnabled, writeDisabled bool)) error {
	if c.state != chipSelected {
		return errors.New("flash: chip not selected")
	}

	if offset < 0 || offset > c.Backend.Size() {
		return errors.New("flash: offset out of range")
	}

	c.onDone = done
	c.state = chipBusy

	c.Sched.StayAwake()
	c.Backend.Issue(op, offset, payload)

	return nil
}

func (c *Controller) tick(any) task.Status {
	if c.state != chipBusy {
		return task.Suspend()
	}

	word := driver.CompletionEvent(c.Event.GetBits())
	if !word.Complete() {
		return task.Suspend()
	}

	status := word.Status()
	writeEnabled := word.WriteEnabled()
	writeDisabled := word.WriteDisabled()

	c.Event.ResetBits(c.Queue)
	c.Sched.CanSleep()

	c.state = chipSelected

	if c.onDone != nil {
		c.onDone(status, writeEnabled, writeDisabled)
		c.onDone = nil
	}

	return task.Suspend()
}
