// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package spi

import (
	"bytes"
	"testing"

	"github.com/usbarmory/gubbins/driver"
	"github.com/usbarmory/gubbins/kernel/event"
	"github.com/usbarmory/gubbins/kernel/sched"
)

type fakePlatform struct{ now uint32 }

func (p *fakePlatform) Now() uint32                    { return p.now }
func (p *fakePlatform) Idle(duration uint32)           {}
func (p *fakePlatform) Wake()                          {}
func (p *fakePlatform) Lock()                          {}
func (p *fakePlatform) Unlock()                        {}
func (p *fakePlatform) AddRandomEntropy(sample uint32) {}
func (p *fakePlatform) GetRandomBytes(buf []byte)      {}
func (p *fakePlatform) Exit(status uint8)              {}
func (p *fakePlatform) AssertFail(file string, line int, msg string) {
	panic(msg)
}

type fakeBackend struct {
	ctrl *Controller
	echo []byte
}

func (f *fakeBackend) Transfer(chipSelect uint8, tx, rx []byte) {
	copy(rx, f.echo)
	word := driver.Pack(driver.Success, uint32(len(tx)), false, false)
	f.ctrl.Event.SetWord(f.ctrl.Queue, uint32(word))
}

func TestFullDuplexTransfer(t *testing.T) {
	s := sched.New(&fakePlatform{}, &event.Queue{})

	backend := &fakeBackend{echo: []byte{0xde, 0xad, 0xbe, 0xef}}
	ctrl := New(backend, s)
	backend.ctrl = ctrl

	s.TaskStart(ctrl.Task)
	s.Step()

	dev := &Device{ChipSelect: 1}

	if err := ctrl.Select(dev); err != nil {
		t.Fatalf("Select: %v", err)
	}

	var gotStatus driver.Status
	var gotRx []byte

	if err := ctrl.Issue([]byte{1, 2, 3, 4}, func(status driver.Status, rx []byte) {
		gotStatus = status
		gotRx = rx
	}); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	s.Step()

	if gotStatus != driver.Success {
		t.Fatalf("completion status = %v, want Success", gotStatus)
	}

	if !bytes.Equal(gotRx, backend.echo) {
		t.Fatalf("rx = %v, want %v", gotRx, backend.echo)
	}

	ctrl.Release()
}

func TestSelectWhileBusyFails(t *testing.T) {
	s := sched.New(&fakePlatform{}, &event.Queue{})

	backend := &fakeBackend{echo: make([]byte, 2)}
	ctrl := New(backend, s)
	backend.ctrl = ctrl

	s.TaskStart(ctrl.Task)
	s.Step()

	a := &Device{ChipSelect: 0}
	b := &Device{ChipSelect: 1}

	if err := ctrl.Select(a); err != nil {
		t.Fatalf("Select(a): %v", err)
	}

	if err := ctrl.Select(b); err == nil {
		t.Fatal("Select(b) succeeded while a held the bus")
	}
}
