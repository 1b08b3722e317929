// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package rng provides the built-in xoshiro128++ entropy fallback used
// when a platform does not override the random surface with a hardware
// source (spec.md §6).
package rng

import "math/bits"

// Generator is a xoshiro128++ pseudo-random generator. The zero value is
// not seeded and must not be used; call Seed or AddEntropy at least once
// before GetBytes.
type Generator struct {
	s [4]uint32
}

// Seed resets the generator state from a 128-bit seed. A zero seed is
// disallowed by xoshiro128++ (it is a fixed point of the transform), so a
// fallback constant is substituted.
func (g *Generator) Seed(a, b, c, d uint32) {
	if a|b|c|d == 0 {
		a, b, c, d = 0x9e3779b9, 0x85ebca6b, 0xc2b2ae35, 0x27d4eb2f
	}

	g.s[0], g.s[1], g.s[2], g.s[3] = a, b, c, d
}

// AddEntropy mixes a single 32-bit sample into the generator state. It is
// safe to call before Seed; repeated calls only ever strengthen the
// state, never replace it wholesale, matching the "mix, don't overwrite"
// contract of spec.md's AddRandomEntropy.
func (g *Generator) AddEntropy(sample uint32) {
	g.s[0] ^= sample
	g.s[1] ^= bits.RotateLeft32(sample, 7)
	g.s[2] ^= bits.RotateLeft32(sample, 13)
	g.s[3] ^= bits.RotateLeft32(sample, 23)

	// Discard one round so a single low-quality sample cannot be read
	// straight back out of the next GetBytes call.
	g.next()
}

// next returns the next 32-bit output and advances the state
// (xoshiro128++, Blackman & Vigna).
func (g *Generator) next() uint32 {
	result := bits.RotateLeft32(g.s[0]+g.s[3], 7) + g.s[0]

	t := g.s[1] << 9

	g.s[2] ^= g.s[0]
	g.s[3] ^= g.s[1]
	g.s[1] ^= g.s[2]
	g.s[0] ^= g.s[3]

	g.s[2] ^= t

	g.s[3] = bits.RotateLeft32(g.s[3], 11)

	return result
}

// GetBytes fills buf with random bytes drawn from the generator.
func (g *Generator) GetBytes(buf []byte) {
	for i := 0; i < len(buf); {
		v := g.next()

		for shift := 0; shift < 32 && i < len(buf); shift += 8 {
			buf[i] = byte(v >> shift)
			i++
		}
	}
}
