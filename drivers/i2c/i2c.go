// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package i2c implements the I2C bus controller driver, the canonical
// instance of the asynchronous driver contract described in spec.md
// §4.8: Select -> Issue -> PollComplete -> Release, driven entirely by
// the bus controller's own scheduler task and a single completion
// event. The register-level detail of any one silicon I2C controller
// is pushed behind the Backend interface; this package owns only the
// state machine and the stream-oriented device API.
package i2c

import (
	"errors"

	"github.com/usbarmory/gubbins/driver"
	"github.com/usbarmory/gubbins/kernel/event"
	"github.com/usbarmory/gubbins/kernel/pool"
	"github.com/usbarmory/gubbins/kernel/sched"
	"github.com/usbarmory/gubbins/kernel/stream"
	"github.com/usbarmory/gubbins/kernel/task"
)

// Backend issues the actual hardware transaction for a controller. It
// must, in all cases, eventually report completion by calling the
// SetWord on the controller's Event with a packed
// driver.CompletionEvent — usually
// from an ISR, never by calling back into task code directly
// (spec.md §4.8: "drivers never call user code from ISR context").
type Backend interface {
	// Program starts a transaction addressed to target: write
	// buf[:writeSize] to it, then (if readSize > 0) read readSize
	// bytes back into buf.
	Program(target uint8, buf []byte, writeSize, readSize int)
}

type deviceState int

const (
	deviceIdle deviceState = iota
	deviceWriting
	deviceReading
)

// Device is one I2C target attached to a Controller.
type Device struct {
	// Tx carries outbound command+payload frames from the client
	// task to the bus controller task; its bound consumer is the
	// controller's own task, so a client write resumes the bus
	// controller.
	Tx *stream.Stream
	// Rx carries (status, size[, payload]) responses back to the
	// client task; its bound consumer is the client task.
	Rx *stream.Stream

	// Address is the device's 7-bit I2C address.
	Address uint8

	next  *Device
	state deviceState
}

type busState int

const (
	busIdle busState = iota
	busWriting
	busReading
)

// retryDelay is the background reschedule delay used while waiting for
// a client to drain backpressure on a device's Rx stream.
const retryDelay = 1

// Controller is an I2C bus controller: the hardware state, the
// attached device list, the current selection, one completion event,
// and a fixed-size data buffer shared by every transaction
// (spec.md §4.8). Construct with New, then register its Task with a
// Scheduler.
type Controller struct {
	Backend    Backend
	Event      *event.Event
	Queue      *event.Queue
	Sched      *sched.Scheduler
	BufferSize int

	// Task is the controller's own scheduler task; its tick function
	// runs the bus state machine. The caller must TaskStart it.
	Task *task.Task

	buf           []byte
	devices       *Device
	devicesTail   *Device
	current       *Device
	state         busState
	writeSize     int
	readSize      int
	selectedIndex int
}

// New constructs a controller. The returned Controller's Task field
// must be registered with sched (via sched.TaskStart) before any
// device activity will be serviced.
func New(backend Backend, sched *sched.Scheduler, bufferSize int) *Controller {
	c := &Controller{
		Backend:    backend,
		Queue:      sched.Events(),
		Sched:      sched,
		BufferSize: bufferSize,
		buf:        make([]byte, bufferSize),
	}

	c.Task = task.New("i2c", c.tick, nil)
	c.Event = event.New(c.Task)

	return c
}

// AddDevice attaches a new device at address addr, with Tx/Rx streams
// of the given capacities drawn from p. clientTask is resumed whenever
// the device's Rx stream gains data.
func (c *Controller) AddDevice(p *pool.Pool, addr uint8, txCapacity, rxCapacity int, clientTask *task.Task) *Device {
	d := &Device{
		Address: addr,
		Tx:      stream.New(p, c.Sched, txCapacity, c.Task),
		Rx:      stream.New(p, c.Sched, rxCapacity, clientTask),
	}

	if c.devicesTail == nil {
		c.devices = d
	} else {
		c.devicesTail.next = d
	}

	c.devicesTail = d

	return d
}

// tick is the controller task's tick function (spec.md §4.8).
func (c *Controller) tick(any) task.Status {
	switch c.state {
	case busIdle:
		return c.scanAndIssue()
	default:
		return c.checkCompletion()
	}
}

// scanAndIssue implements the Idle -> Writing/Reading transition: scan
// devices in list order for the first with a complete buffered
// request, copy its write payload into the shared buffer, program the
// hardware, and suspend until the completion event wakes the
// controller task.
func (c *Controller) scanAndIssue() task.Status {
	hdr := make([]byte, 2)

	for d := c.devices; d != nil; d = d.next {
		if !d.Tx.PeekAll(hdr) {
			continue
		}

		writeSize := int(hdr[0])
		readSize := int(hdr[1])
		need := 2 + writeSize

		if d.Tx.GetReadCapacity() < need {
			continue
		}

		frame := make([]byte, need)
		d.Tx.ReadAll(frame)
		copy(c.buf, frame[2:])

		c.current = d
		c.writeSize = writeSize
		c.readSize = readSize

		c.Sched.StayAwake()
		c.Backend.Program(d.Address, c.buf, writeSize, readSize)

		if readSize > 0 {
			c.state = busReading
			d.state = deviceReading
		} else {
			c.state = busWriting
			d.state = deviceWriting
		}

		return task.Suspend()
	}

	// No device has a complete request buffered; the controller
	// task is resumed again as soon as one writes to Tx.
	return task.Suspend()
}

// checkCompletion implements the Writing/Reading -> Idle transition.
func (c *Controller) checkCompletion() task.Status {
	word := driver.CompletionEvent(c.Event.GetBits())

	if !word.Complete() {
		return task.Suspend()
	}

	status := word.Status()
	size := int(word.Size())

	if size > c.BufferSize {
		size = 0
		status = driver.DriverError
	}

	d := c.current

	switch c.state {
	case busWriting:
		resp := [2]byte{byte(status), byte(size)}

		if d.Rx.GetWriteCapacity() < len(resp) {
			return task.RunAfter(retryDelay)
		}

		d.Rx.WriteAll(resp[:])

	case busReading:
		need := 2 + size

		if d.Rx.GetWriteCapacity() < need {
			return task.RunAfter(retryDelay)
		}

		resp := make([]byte, 2, need)
		resp[0] = byte(status)
		resp[1] = byte(size)
		resp = append(resp, c.buf[:size]...)

		d.Rx.WriteAll(resp)
	}

	c.Event.ResetBits(c.Queue)
	c.Sched.CanSleep()

	d.state = deviceIdle
	c.current = nil
	c.state = busIdle

	return task.RunImmediate()
}

// WriteRequest assembles and pushes a write request of size bytes to
// device d. It validates that the 2-byte header plus payload fits the
// device's Tx stream capacity before pushing anything.
func WriteRequest(d *Device, data []byte) error {
	size := len(data)

	if size+2 > d.Tx.Capacity() {
		return errors.New("i2c: write request exceeds stream capacity")
	}

	hdr := []byte{byte(size), 0}
	frame := append(hdr, data...)

	if !d.Tx.WriteAll(frame) {
		return errors.New("i2c: write request rejected by stream")
	}

	d.state = deviceWriting

	return nil
}

// ReadRequest pushes a read request for size bytes from device d.
func ReadRequest(d *Device, size int, bufferSize int) error {
	if size > bufferSize {
		return errors.New("i2c: read request exceeds controller buffer size")
	}

	frame := []byte{0, byte(size)}

	if !d.Tx.WriteAll(frame) {
		return errors.New("i2c: read request rejected by stream")
	}

	d.state = deviceReading

	return nil
}

// IndexedReadRequest pushes a combined write-then-read request: write
// writeSize bytes of data, then read readSize bytes back.
func IndexedReadRequest(d *Device, data []byte, readSize int) error {
	writeSize := len(data)

	if writeSize+2 > d.Tx.Capacity() {
		return errors.New("i2c: indexed read request exceeds stream capacity")
	}

	hdr := []byte{byte(writeSize), byte(readSize)}
	frame := append(hdr, data...)

	if !d.Tx.WriteAll(frame) {
		return errors.New("i2c: indexed read request rejected by stream")
	}

	d.state = deviceReading

	return nil
}

// WriteComplete consumes a queued (status, size) response for a write
// transaction. It returns driver.Busy if no response is queued yet.
func WriteComplete(d *Device, size *int) driver.Status {
	hdr := make([]byte, 2)

	if !d.Rx.PeekAll(hdr) {
		return driver.Busy
	}

	d.Rx.ReadAll(hdr)

	*size = int(hdr[1])
	d.state = deviceIdle

	return driver.Status(hdr[0])
}

// ReadComplete consumes a queued (status, size[, payload]) response for
// a read transaction, copying up to len(buf) payload bytes into buf. If
// the response is larger than buf, the excess is drained from the
// stream and Overflow is returned.
func ReadComplete(d *Device, buf []byte, size *int) driver.Status {
	hdr := make([]byte, 2)

	if !d.Rx.PeekAll(hdr) {
		return driver.Busy
	}

	d.Rx.ReadAll(hdr)

	status := driver.Status(hdr[0])
	respSize := int(hdr[1])

	d.state = deviceIdle

	payload := make([]byte, respSize)
	d.Rx.ReadAll(payload)

	if respSize > len(buf) {
		copy(buf, payload)
		*size = len(buf)

		return driver.Overflow
	}

	copy(buf, payload)
	*size = respSize

	return status
}
