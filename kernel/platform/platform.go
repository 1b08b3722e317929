// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package platform declares the capability surface the kernel requires
// from its host silicon. The kernel never talks to hardware directly: it
// is constructed with a Capabilities value and calls through it for the
// monotonic tick source, idle/sleep, the recursive interrupt-masking
// mutex, and the entropy surface.
package platform

import "time"

// Capabilities is the trait-like set of primitives a board package must
// supply. All methods must be safe to call from task context; Lock/Unlock
// must additionally be safe to call from the ISR that reports driver
// completion. No package in this module calls Lock/Unlock itself;
// kernel/event guards its bits and queue with sync.Mutex instead.
type Capabilities interface {
	// Now returns the monotonic tick count. It wraps at most once every
	// ~48 days at the default 1024Hz tick rate and must never run
	// backwards.
	Now() uint32

	// Idle may put the core to sleep for up to duration ticks. It must
	// return no later than duration ticks have elapsed, and may return
	// earlier (e.g. on an unrelated interrupt).
	Idle(duration uint32)

	// Wake interrupts a concurrent Idle call. It is a no-op on targets
	// with no separate idle thread to wake.
	Wake()

	// Lock acquires the recursive, interrupt-masking critical section.
	// Nested calls from the same logical caller must not deadlock.
	Lock()

	// Unlock releases one level of the critical section acquired by
	// Lock, re-enabling interrupts only once the recursion count
	// reaches zero.
	Unlock()

	// AddRandomEntropy mixes raw entropy samples (ADC noise, timing
	// jitter, etc.) into the platform's random state.
	AddRandomEntropy(sample uint32)

	// GetRandomBytes fills buf with random data.
	GetRandomBytes(buf []byte)

	// AssertFail reports a fatal invariant violation and never
	// returns.
	AssertFail(file string, line int, msg string)

	// Exit terminates the process with the given status and never
	// returns.
	Exit(status uint8)
}

// TickFrequency is the default tick rate assumed by the platform
// capability surface, matching spec.md's SYSTEM_TIMER_FREQUENCY.
const TickFrequency = 1024

// TicksFor converts a duration into a tick count at TickFrequency.
func TicksFor(d time.Duration) uint32 {
	return uint32(d * TickFrequency / time.Second)
}

// Since computes the signed tick delta `now - mark`, safe across the
// 32-bit wraparound boundary: the result is computed using 32-bit
// wraparound subtraction, then interpreted as signed, exactly as
// spec.md §4.4 requires for ordering comparisons.
func Since(now, mark uint32) int32 {
	return int32(now - mark)
}
