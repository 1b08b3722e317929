// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package driver

import "testing"

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		status                     Status
		size                       uint32
		writeEnabled, writeDisabled bool
	}{
		{Success, 0, false, false},
		{NACK, 0, false, false},
		{Success, 128, true, false},
		{Success, 65535, false, true},
		{BusError, 17, true, true},
	}

	for _, c := range cases {
		w := Pack(c.status, c.size, c.writeEnabled, c.writeDisabled)

		if !w.Complete() {
			t.Errorf("Pack(%v) did not set the completion bit", c)
		}

		if got := w.Status(); got != c.status {
			t.Errorf("Status() = %v, want %v", got, c.status)
		}

		if got := w.Size(); got != c.size&0xffff {
			t.Errorf("Size() = %d, want %d", got, c.size&0xffff)
		}

		if got := w.WriteEnabled(); got != c.writeEnabled {
			t.Errorf("WriteEnabled() = %v, want %v", got, c.writeEnabled)
		}

		if got := w.WriteDisabled(); got != c.writeDisabled {
			t.Errorf("WriteDisabled() = %v, want %v", got, c.writeDisabled)
		}
	}
}

func TestUnsetWordIsIncomplete(t *testing.T) {
	var w CompletionEvent

	if w.Complete() {
		t.Fatal("zero-value CompletionEvent reports Complete")
	}
}

func TestStatusString(t *testing.T) {
	if Success.String() != "success" {
		t.Errorf("Success.String() = %q, want %q", Success.String(), "success")
	}

	if Status(200).String() != "unknown" {
		t.Errorf("out-of-range Status.String() = %q, want %q", Status(200).String(), "unknown")
	}
}
