// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package platform

import (
	"testing"
	"time"
)

func TestTicksFor(t *testing.T) {
	got := TicksFor(time.Second)
	if got != TickFrequency {
		t.Errorf("TicksFor(1s) = %d, want %d", got, TickFrequency)
	}

	if got := TicksFor(0); got != 0 {
		t.Errorf("TicksFor(0) = %d, want 0", got)
	}
}

func TestSinceOrdinary(t *testing.T) {
	if d := Since(110, 100); d != 10 {
		t.Errorf("Since(110, 100) = %d, want 10", d)
	}

	if d := Since(100, 110); d != -10 {
		t.Errorf("Since(100, 110) = %d, want -10", d)
	}
}

func TestSinceWraparound(t *testing.T) {
	// now has wrapped just past zero, mark was just before the
	// wraparound boundary: the signed delta must still read as a small
	// positive number, not a huge one.
	var mark uint32 = 0xfffffff0
	var now uint32 = 0x00000010

	d := Since(now, mark)

	if d != 0x20 {
		t.Errorf("Since across wraparound = %d, want 32", d)
	}
}
