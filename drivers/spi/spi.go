// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package spi implements the SPI bus controller driver: the same
// Select -> Issue -> PollComplete -> Release contract as drivers/i2c
// (spec.md §4.8), specialised for a single full-duplex transfer per
// transaction instead of a stream-oriented command/response frame
// (spec.md: "SPI... same shape, single full-duplex transfer instead of
// write/read streams").
package spi

import (
	"errors"

	"github.com/usbarmory/gubbins/driver"
	"github.com/usbarmory/gubbins/kernel/event"
	"github.com/usbarmory/gubbins/kernel/sched"
	"github.com/usbarmory/gubbins/kernel/task"
)

// Backend issues a full-duplex transfer of len(tx) bytes, clocking out
// tx while clocking in the same number of bytes into rx, and must
// eventually report completion via the controller's Event.
type Backend interface {
	Transfer(chipSelect uint8, tx, rx []byte)
}

type busState int

const (
	busIdle busState = iota
	busSelected
	busBusy
)

// Device is one SPI peripheral, identified by its chip-select line.
type Device struct {
	ChipSelect uint8
}

// Controller is an SPI bus controller.
type Controller struct {
	Backend Backend
	Event   *event.Event
	Queue   *event.Queue
	Sched   *sched.Scheduler
	Task    *task.Task

	state    busState
	selected *Device
	rx       []byte
	onDone   func(driver.Status, []byte)
}

// New constructs a controller.
func New(backend Backend, sched *sched.Scheduler) *Controller {
	c := &Controller{Backend: backend, Sched: sched, Queue: sched.Events()}
	c.Task = task.New("spi", c.tick, nil)
	c.Event = event.New(c.Task)

	return c
}

// Select claims the bus for d, failing if another device already
// holds it. Select/Release fence device access: no other device may
// interpose between them.
func (c *Controller) Select(d *Device) error {
	if c.state != busIdle {
		return errors.New("spi: bus busy")
	}

	c.selected = d
	c.state = busSelected

	return nil
}

// Release relinquishes the bus.
func (c *Controller) Release() {
	c.selected = nil
	c.state = busIdle
}

// Issue starts a full-duplex transfer; done is invoked (from the
// controller's own task, never from ISR context) once the transfer
// completes.
func (c *Controller) Issue(tx []byte, done func(driver.Status, []byte)) error {
	if c.state != busSelected {
		return errors.New("spi: device not selected")
	}

	c.rx = make([]byte, len(tx))
	c.onDone = done
	c.state = busBusy

	c.Sched.StayAwake()
	c.Backend.Transfer(c.selected.ChipSelect, tx, c.rx)

	return nil
}

func (c *Controller) tick(any) task.Status {
	if c.state != busBusy {
		return task.Suspend()
	}

	word := driver.CompletionEvent(c.Event.GetBits())
	if !word.Complete() {
		return task.Suspend()
	}

	status := word.Status()

	c.Event.ResetBits(c.Queue)
	c.Sched.CanSleep()

	c.state = busSelected

	if c.onDone != nil {
		c.onDone(status, c.rx)
		c.onDone = nil
	}

	return task.Suspend()
}
