// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package recordstore

import (
	"errors"
	"testing"

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

// fakeDevice is an in-memory byte array standing in for a non-volatile
// medium. pollsNeeded controls how many WritePoll calls a write takes
// to complete, modelling an asynchronous backend.
type fakeDevice struct {
	buf         []byte
	pollsNeeded int

	writing       bool
	pollsLeft     int
	pendingOffset int
	pendingData   []byte
}

func (d *fakeDevice) Init() (int, error) { return len(d.buf), nil }

func (d *fakeDevice) Read(offset int, dst []byte) error {
	if offset < 0 || offset+len(dst) > len(d.buf) {
		return errors.New("fakeDevice: read out of range")
	}

	copy(dst, d.buf[offset:offset+len(dst)])

	return nil
}

func (d *fakeDevice) WriteStart(offset int, data []byte) error {
	if d.writing {
		return errors.New("fakeDevice: write already in flight")
	}

	if offset < 0 || offset+len(data) > len(d.buf) {
		return errors.New("fakeDevice: write out of range")
	}

	d.pendingOffset = offset
	d.pendingData = append([]byte{}, data...)
	d.pollsLeft = d.pollsNeeded
	d.writing = true

	return nil
}

func (d *fakeDevice) WritePoll() (bool, error) {
	if !d.writing {
		return true, nil
	}

	if d.pollsLeft > 0 {
		d.pollsLeft--
		return false, nil
	}

	copy(d.buf[d.pendingOffset:], d.pendingData)
	d.writing = false

	return true, nil
}

// advance steps the scheduler n times, incrementing the fake tick
// count by one after each step.
func advance(s *sched.Scheduler, plat *fakePlatform, n int) {
	for i := 0; i < n; i++ {
		s.Step()
		plat.now++
	}
}

func newSyncStore(t *testing.T, size int) (*Store, *fakeDevice) {
	t.Helper()

	dev := &fakeDevice{buf: make([]byte, size)}
	s := sched.New(&fakePlatform{}, &event.Queue{})
	store := New(s, dev, 1, 1)

	if err := store.Init(false, true, FactoryResetKey); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return store, dev
}

func TestInitWrongResetKeyFails(t *testing.T) {
	dev := &fakeDevice{buf: make([]byte, 64)}
	s := sched.New(&fakePlatform{}, &event.Queue{})
	store := New(s, dev, 1, 1)

	if err := store.Init(false, true, 0xdeadbeef); err != InvalidResetKey {
		t.Fatalf("Init with wrong reset key = %v, want InvalidResetKey", err)
	}
}

func TestInitScansExistingRecords(t *testing.T) {
	store, dev := newSyncStore(t, 64)

	if err := store.RecordCreate(1, []byte("abc"), 3, nil); err != nil {
		t.Fatalf("RecordCreate: %v", err)
	}

	// A second Store over the same (already formatted) device must
	// recover the existing record by scanning, not by reformatting.
	s2 := sched.New(&fakePlatform{}, &event.Queue{})
	reopened := New(s2, dev, 1, 1)

	if err := reopened.Init(false, false, 0); err != nil {
		t.Fatalf("Init (scan): %v", err)
	}

	out := make([]byte, 3)
	if err := reopened.RecordRead(1, out, 0); err != nil {
		t.Fatalf("RecordRead after reopen: %v", err)
	}

	if string(out) != "abc" {
		t.Fatalf("RecordRead after reopen = %q, want %q", out, "abc")
	}
}

func TestRecordCreateReadRoundTripSync(t *testing.T) {
	store, _ := newSyncStore(t, 64)

	if err := store.RecordCreate(7, []byte("hello"), 5, nil); err != nil {
		t.Fatalf("RecordCreate: %v", err)
	}

	out := make([]byte, 5)
	if err := store.RecordRead(7, out, 0); err != nil {
		t.Fatalf("RecordRead: %v", err)
	}

	if string(out) != "hello" {
		t.Fatalf("RecordRead = %q, want %q", out, "hello")
	}
}

func TestRecordCreateZeroPadsShortDefault(t *testing.T) {
	store, _ := newSyncStore(t, 64)

	if err := store.RecordCreate(2, []byte("ab"), 5, nil); err != nil {
		t.Fatalf("RecordCreate: %v", err)
	}

	out := make([]byte, 5)
	if err := store.RecordRead(2, out, 0); err != nil {
		t.Fatalf("RecordRead: %v", err)
	}

	want := []byte{'a', 'b', 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("RecordRead[%d] = %#x, want %#x", i, out[i], want[i])
		}
	}
}

func TestRecordCreateDuplicateTagRejected(t *testing.T) {
	store, _ := newSyncStore(t, 64)

	if err := store.RecordCreate(9, nil, 4, nil); err != nil {
		t.Fatalf("first RecordCreate: %v", err)
	}

	if err := store.RecordCreate(9, nil, 4, nil); err != TagExists {
		t.Fatalf("second RecordCreate = %v, want TagExists", err)
	}
}

func TestRecordCreateOutOfMemory(t *testing.T) {
	// Just enough room for the initial end marker (header size 2) and
	// nothing more.
	store, _ := newSyncStore(t, 2)

	if err := store.RecordCreate(1, nil, 8, nil); err != OutOfMemory {
		t.Fatalf("RecordCreate on a full device = %v, want OutOfMemory", err)
	}
}

func TestRecordCreateRejectsReservedTags(t *testing.T) {
	store, _ := newSyncStore(t, 64)

	if err := store.RecordCreate(0xFF, nil, 1, nil); err != InvalidTag {
		t.Fatalf("RecordCreate(allOnes) = %v, want InvalidTag", err)
	}

	if err := store.RecordCreate(0xFE, nil, 1, nil); err != InvalidTag {
		t.Fatalf("RecordCreate(reserved) = %v, want InvalidTag", err)
	}
}

func TestRecordReadAllReportsSize(t *testing.T) {
	store, _ := newSyncStore(t, 64)

	if err := store.RecordCreate(3, []byte("xyz"), 3, nil); err != nil {
		t.Fatalf("RecordCreate: %v", err)
	}

	dst := make([]byte, 16)

	size, err := store.RecordReadAll(3, dst, len(dst))
	if err != nil {
		t.Fatalf("RecordReadAll: %v", err)
	}

	if size != 3 {
		t.Fatalf("RecordReadAll size = %d, want 3", size)
	}

	if string(dst[:size]) != "xyz" {
		t.Fatalf("RecordReadAll value = %q, want %q", dst[:size], "xyz")
	}
}

func TestRecordReadMissingTag(t *testing.T) {
	store, _ := newSyncStore(t, 64)

	out := make([]byte, 1)
	if err := store.RecordRead(42, out, 0); err != NoRecord {
		t.Fatalf("RecordRead(missing) = %v, want NoRecord", err)
	}
}

func TestRecordWriteLengthMismatch(t *testing.T) {
	store, _ := newSyncStore(t, 64)

	if err := store.RecordCreate(5, nil, 4, nil); err != nil {
		t.Fatalf("RecordCreate: %v", err)
	}

	if err := store.RecordWrite(5, []byte{1, 2, 3}, nil); err != InvalidLength {
		t.Fatalf("RecordWrite with wrong length = %v, want InvalidLength", err)
	}
}

func TestRecordCreateAsyncCallback(t *testing.T) {
	plat := &fakePlatform{}
	s := sched.New(plat, &event.Queue{})
	dev := &fakeDevice{buf: make([]byte, 64), pollsNeeded: 3}
	store := New(s, dev, 1, 1)

	if err := store.Init(false, true, FactoryResetKey); err != nil {
		t.Fatalf("Init: %v", err)
	}

	s.TaskStart(store.Task())

	var gotStatus Status
	var called bool

	if err := store.RecordCreate(4, []byte("async"), 5, func(status Status) {
		called = true
		gotStatus = status
	}); err != nil {
		t.Fatalf("RecordCreate: %v", err)
	}

	advance(s, plat, 20)

	if !called {
		t.Fatal("RecordCreate callback never invoked")
	}

	if gotStatus != Success {
		t.Fatalf("callback status = %v, want Success", gotStatus)
	}

	out := make([]byte, 5)
	if err := store.RecordRead(4, out, 0); err != nil {
		t.Fatalf("RecordRead after async create: %v", err)
	}

	if string(out) != "async" {
		t.Fatalf("RecordRead after async create = %q, want %q", out, "async")
	}
}
