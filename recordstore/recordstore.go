// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package recordstore implements the tag/length/value record store over
// a byte-addressable non-volatile device (spec.md §4.9): contiguous TLV
// records from offset 0, terminated by an end-marker record whose tag
// is all-ones and whose length is zero. A worker task drives every
// asynchronous write through an Idle -> Write -> Idle state machine,
// matching the driver contract of spec.md §4.8 applied to a simple
// one-device bus.
package recordstore

import (
	"encoding/binary"
	"errors"

	"github.com/usbarmory/gubbins/kernel/sched"
	"github.com/usbarmory/gubbins/kernel/task"
)

// Status is the failure taxonomy shared by every record-store
// operation (spec.md §4.9).
type Status int

const (
	Success Status = iota
	FatalError
	NotReady
	NoRecord
	OutOfMemory
	TagExists
	FormattingError
	InvalidTag
	InvalidLength
	InvalidResetKey
)

func (s Status) Error() string {
	switch s {
	case Success:
		return "success"
	case FatalError:
		return "fatal error"
	case NotReady:
		return "not ready"
	case NoRecord:
		return "no record"
	case OutOfMemory:
		return "out of memory"
	case TagExists:
		return "tag exists"
	case FormattingError:
		return "formatting error"
	case InvalidTag:
		return "invalid tag"
	case InvalidLength:
		return "invalid length"
	case InvalidResetKey:
		return "invalid reset key"
	default:
		return "unknown record store status"
	}
}

// Device is the capability surface a non-volatile medium must expose
// (spec.md §4.9): synchronous read, asynchronous write with a
// poll-for-completion interface, and an Init reporting the medium's
// size.
type Device interface {
	// Init reports the usable size, in bytes, of the medium.
	Init() (size int, err error)
	// Read synchronously copies len(dst) bytes starting at offset.
	Read(offset int, dst []byte) error
	// WriteStart begins an asynchronous write of data at offset.
	WriteStart(offset int, data []byte) error
	// WritePoll reports whether the most recently started write has
	// completed, and its outcome.
	WritePoll() (done bool, err error)
}

// FactoryResetKey is the fixed 32-bit constant gating destructive
// operations (spec.md §4.9/§6).
const FactoryResetKey = 0x46464d47 // "GMFF" - Gubbins Factory Format

// pollDelay is the worker task's reschedule delay while polling an
// in-flight write.
const pollDelay = 1

type workerState int

const (
	workerIdle workerState = iota
	workerWriting
)

type writeRequest struct {
	offset   int
	data     []byte
	callback func(Status)
}

// Store is one record store instance bound to a Device.
type Store struct {
	dev       Device
	tagWidth  int
	lenWidth  int
	size      int
	endOffset int

	sched *sched.Scheduler
	task  *task.Task

	state           workerState
	pending         []writeRequest
	currentCallback func(Status)
}

var mainStore *Store

// Main returns the singleton instance most recently Init'd with
// isMain set, or nil if none has been.
func Main() *Store { return mainStore }

// New constructs a store with the given tag/length field widths (in
// bytes; 1 for the default format, 2 for the NVM3-backed variant).
func New(s *sched.Scheduler, dev Device, tagWidth, lenWidth int) *Store {
	st := &Store{dev: dev, tagWidth: tagWidth, lenWidth: lenWidth, sched: s}
	st.task = task.New("recordstore", st.tick, nil)

	return st
}

// Task returns the worker task; the caller must TaskStart it before
// any callback-driven write will ever make progress.
func (s *Store) Task() *task.Task { return s.task }

func (s *Store) allOnesTag() uint64 {
	return (uint64(1) << (8 * s.tagWidth)) - 1
}

func (s *Store) reservedTag() uint64 {
	return s.allOnesTag() - 1
}

func (s *Store) headerSize() int {
	return s.tagWidth + s.lenWidth
}

func putWidth(buf []byte, width int, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	copy(buf, tmp[:width])
}

func getWidth(buf []byte, width int) uint64 {
	var tmp [8]byte
	copy(tmp[:], buf[:width])
	return binary.LittleEndian.Uint64(tmp[:])
}

// record describes one parsed record during a scan.
type record struct {
	tag    uint64
	length int
	offset int // offset of the value, i.e. just past the header
}

// scan walks records from offset 0 until the end marker, returning
// every record found plus the offset of the end marker itself. It
// fails with FormattingError if it runs off the end of the device
// without finding a terminator.
func (s *Store) scan() (records []record, endOffset int, err error) {
	off := 0
	hdr := make([]byte, s.headerSize())

	for {
		if off+s.headerSize() > s.size {
			return nil, 0, FormattingError
		}

		if rerr := s.dev.Read(off, hdr); rerr != nil {
			return nil, 0, rerr
		}

		tag := getWidth(hdr[:s.tagWidth], s.tagWidth)
		length := int(getWidth(hdr[s.tagWidth:], s.lenWidth))

		if tag == s.allOnesTag() && length == 0 {
			return records, off, nil
		}

		valueOff := off + s.headerSize()

		if valueOff+length > s.size {
			return nil, 0, FormattingError
		}

		records = append(records, record{tag: tag, length: length, offset: valueOff})

		off = valueOff + length
	}
}

// endMarker returns the encoded end-marker record bytes.
func (s *Store) endMarker() []byte {
	buf := make([]byte, s.headerSize())
	putWidth(buf, s.tagWidth, s.allOnesTag())
	putWidth(buf[s.tagWidth:], s.lenWidth, 0)
	return buf
}

// Init validates or formats the medium (spec.md §4.9 `init`).
func (s *Store) Init(isMain, factoryReset bool, resetKey uint32) error {
	size, err := s.dev.Init()
	if err != nil {
		return err
	}

	s.size = size

	if factoryReset {
		if resetKey != FactoryResetKey {
			return InvalidResetKey
		}

		if err := s.writeSync(0, s.endMarker()); err != nil {
			return err
		}

		s.endOffset = 0
	} else {
		_, endOffset, err := s.scan()
		if err != nil {
			return err
		}

		s.endOffset = endOffset
	}

	if isMain {
		mainStore = s
	}

	return nil
}

// writeSync busy-polls the device's WritePoll until the write
// completes, for call sites with no callback (spec.md §4.9
// "busy-polling the worker").
func (s *Store) writeSync(offset int, data []byte) error {
	if err := s.dev.WriteStart(offset, data); err != nil {
		return err
	}

	for {
		done, err := s.dev.WritePoll()
		if done {
			return err
		}
	}
}

// enqueue schedules an asynchronous write, to be picked up by the
// worker task's tick function.
func (s *Store) enqueue(offset int, data []byte, callback func(Status)) {
	s.pending = append(s.pending, writeRequest{offset: offset, data: data, callback: callback})
	s.sched.TaskResume(s.task)
}

// tick is the worker task's tick function: {Idle -> Write -> Idle}.
func (s *Store) tick(any) task.Status {
	switch s.state {
	case workerIdle:
		if len(s.pending) == 0 {
			return task.Suspend()
		}

		req := s.pending[0]
		s.pending = s.pending[1:]

		if err := s.dev.WriteStart(req.offset, req.data); err != nil {
			if req.callback != nil {
				req.callback(statusFromError(err))
			}
			return task.RunImmediate()
		}

		s.state = workerWriting
		s.currentCallback = req.callback

		return task.RunAfter(pollDelay)

	default: // workerWriting
		done, err := s.dev.WritePoll()
		if !done {
			return task.RunAfter(pollDelay)
		}

		s.state = workerIdle

		if s.currentCallback != nil {
			s.currentCallback(statusFromError(err))
			s.currentCallback = nil
		}

		return task.RunImmediate()
	}
}

func statusFromError(err error) Status {
	if err == nil {
		return Success
	}

	var st Status
	if errors.As(err, &st) {
		return st
	}

	return FatalError
}

// RecordCreate scans for tag, failing with TagExists if already
// present, otherwise atomically overwrites the end marker with a new
// `<tag, length, value>` record followed by a fresh end marker.
// defaultValue, if shorter than length, is zero-padded; if nil, the
// value is all zero. If callback is nil the call blocks until the
// write completes.
func (s *Store) RecordCreate(tag uint64, defaultValue []byte, length int, callback func(Status)) error {
	if tag == s.allOnesTag() || tag == s.reservedTag() {
		return InvalidTag
	}

	records, endOffset, err := s.scan()
	if err != nil {
		return err
	}

	for _, r := range records {
		if r.tag == tag {
			return TagExists
		}
	}

	value := make([]byte, length)
	copy(value, defaultValue)

	frame := make([]byte, 0, s.headerSize()+length+s.headerSize())
	hdr := make([]byte, s.headerSize())
	putWidth(hdr, s.tagWidth, tag)
	putWidth(hdr[s.tagWidth:], s.lenWidth, uint64(length))

	frame = append(frame, hdr...)
	frame = append(frame, value...)
	frame = append(frame, s.endMarker()...)

	if endOffset+len(frame) > s.size {
		return OutOfMemory
	}

	newEndOffset := endOffset + s.headerSize() + length

	if callback == nil {
		if err := s.writeSync(endOffset, frame); err != nil {
			return err
		}
		s.endOffset = newEndOffset
		return nil
	}

	s.enqueue(endOffset, frame, func(status Status) {
		if status == Success {
			s.endOffset = newEndOffset
		}
		callback(status)
	})

	return nil
}

// RecordWrite overwrites the value of an existing record. len(data)
// must match the stored record's length exactly.
func (s *Store) RecordWrite(tag uint64, data []byte, callback func(Status)) error {
	records, _, err := s.scan()
	if err != nil {
		return err
	}

	for _, r := range records {
		if r.tag != tag {
			continue
		}

		if len(data) != r.length {
			return InvalidLength
		}

		if callback == nil {
			return s.writeSync(r.offset, data)
		}

		s.enqueue(r.offset, data, callback)

		return nil
	}

	return NoRecord
}

// RecordRead synchronously copies len(dst) bytes from record tag at
// offset into dst.
func (s *Store) RecordRead(tag uint64, dst []byte, offset int) error {
	records, _, err := s.scan()
	if err != nil {
		return err
	}

	for _, r := range records {
		if r.tag != tag {
			continue
		}

		if offset+len(dst) > r.length {
			return InvalidLength
		}

		return s.dev.Read(r.offset+offset, dst)
	}

	return NoRecord
}

// RecordReadAll synchronously reads an entire record's value into dst
// and reports its stored size. A value longer than maxSize is not read:
// the call fails with InvalidLength and reports size zero.
func (s *Store) RecordReadAll(tag uint64, dst []byte, maxSize int) (actualSize int, err error) {
	records, _, serr := s.scan()
	if serr != nil {
		return 0, serr
	}

	for _, r := range records {
		if r.tag != tag {
			continue
		}

		if r.length > maxSize {
			return 0, InvalidLength
		}

		if rerr := s.dev.Read(r.offset, dst[:r.length]); rerr != nil {
			return 0, rerr
		}

		return r.length, nil
	}

	return 0, NoRecord
}
