// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package eeprom adapts an I2C EEPROM device onto the
// recordstore.Device capability interface: synchronous read,
// asynchronous write with poll, and an Init reporting medium size.
//
// Its Read method is the one well-known exception named in spec.md §9
// (mirroring the source's LittleFS-over-flash adaptor): because the
// underlying I2C transaction only ever completes as the bus
// controller's own scheduler task is ticked, a synchronous read from
// outside the scheduler loop must itself advance the scheduler while
// it waits. Every other package in this module is a pure state machine
// with no such hidden re-entrant loop; this is deliberately the
// exception, not the pattern.
package eeprom

import (
	"errors"

	"github.com/usbarmory/gubbins/driver"
	"github.com/usbarmory/gubbins/drivers/i2c"
	"github.com/usbarmory/gubbins/kernel/sched"
)

// addressWidth is the number of big-endian address bytes sent before
// the payload on every transaction, matching common EEPROM chips
// (e.g. 24LC-series: 1 byte for <=2Kbit parts, 2 bytes otherwise).
const addressWidth = 2

// Chip is an I2C EEPROM device adapted onto recordstore.Device.
type Chip struct {
	dev   *i2c.Device
	sched *sched.Scheduler
	size  int

	writeInFlight bool
}

// New constructs a Chip of the given size (bytes) bound to an already
// attached I2C device.
func New(dev *i2c.Device, sched *sched.Scheduler, size int) *Chip {
	return &Chip{dev: dev, sched: sched, size: size}
}

// Init reports the chip's fixed size.
func (c *Chip) Init() (int, error) {
	return c.size, nil
}

// Read synchronously reads len(dst) bytes starting at offset, driving
// the scheduler forward itself while the underlying I2C transaction is
// in flight (see package doc).
func (c *Chip) Read(offset int, dst []byte) error {
	if offset < 0 || offset+len(dst) > c.size {
		return errors.New("eeprom: read out of range")
	}

	addr := encodeAddress(offset)

	if err := i2c.IndexedReadRequest(c.dev, addr, len(dst)); err != nil {
		return err
	}

	var size int

	for {
		status := i2c.ReadComplete(c.dev, dst, &size)

		switch status {
		case driver.Busy:
			c.sched.Step()
			continue
		case driver.Success:
			return nil
		default:
			return errors.New("eeprom: read failed: " + status.String())
		}
	}
}

// WriteStart issues an asynchronous write of data at offset.
func (c *Chip) WriteStart(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > c.size {
		return errors.New("eeprom: write out of range")
	}

	if c.writeInFlight {
		return errors.New("eeprom: write already in flight")
	}

	addr := encodeAddress(offset)
	frame := append(append([]byte{}, addr...), data...)

	if err := i2c.WriteRequest(c.dev, frame); err != nil {
		return err
	}

	c.writeInFlight = true

	return nil
}

// WritePoll reports whether the in-flight write (if any) has
// completed.
func (c *Chip) WritePoll() (done bool, err error) {
	if !c.writeInFlight {
		return true, nil
	}

	var size int

	status := i2c.WriteComplete(c.dev, &size)

	switch status {
	case driver.Busy:
		return false, nil
	case driver.Success:
		c.writeInFlight = false
		return true, nil
	default:
		c.writeInFlight = false
		return true, errors.New("eeprom: write failed: " + status.String())
	}
}

func encodeAddress(offset int) []byte {
	return []byte{byte(offset >> 8), byte(offset)}
}
