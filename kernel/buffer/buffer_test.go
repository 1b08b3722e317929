// https://github.com/usbarmory/gubbins
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package buffer

import (
	"bytes"
	"testing"

	"github.com/usbarmory/gubbins/kernel/pool"
)

func TestAppendReadRoundTrip(t *testing.T) {
	p := pool.New(16, 8)

	var b Buffer
	b.Init(p)

	if !b.Append([]byte("hello ")) {
		t.Fatal("Append failed")
	}

	if !b.Append([]byte("world")) {
		t.Fatal("Append failed")
	}

	if got := b.GetSize(); got != 11 {
		t.Fatalf("GetSize = %d, want 11", got)
	}

	out := make([]byte, 11)
	if !b.Read(0, out) {
		t.Fatal("Read failed")
	}

	if string(out) != "hello world" {
		t.Fatalf("round trip = %q, want %q", out, "hello world")
	}
}

func TestPrependPreservesOrder(t *testing.T) {
	p := pool.New(16, 8)

	var b Buffer
	b.Init(p)

	b.Append([]byte("world"))
	b.Prepend([]byte("hello "))

	out := make([]byte, b.GetSize())
	b.Read(0, out)

	if string(out) != "hello world" {
		t.Fatalf("got %q, want %q", out, "hello world")
	}
}

func TestRebaseGrowShrinkIdempotence(t *testing.T) {
	p := pool.New(16, 8)

	var b Buffer
	b.Init(p)

	b.Append([]byte("payload"))

	if !b.Rebase(b.GetSize() + 3) {
		t.Fatal("Rebase grow failed")
	}

	b.Write(0, []byte("xyz"))

	if !b.Rebase(b.GetSize() - 3) {
		t.Fatal("Rebase shrink failed")
	}

	out := make([]byte, b.GetSize())
	b.Read(0, out)

	if string(out) != "payload" {
		t.Fatalf("after grow-then-shrink rebase, got %q, want %q", out, "payload")
	}
}

func TestResizeOutOfBoundsFails(t *testing.T) {
	p := pool.New(4, 8)

	var b Buffer
	b.Init(p)

	if b.Resize(MaxSize + 1) {
		t.Fatal("Resize accepted a size beyond MaxSize")
	}

	if b.Write(0, []byte("x")) {
		t.Fatal("Write succeeded on an empty buffer at offset 0")
	}
}

func TestMoveIntoSelfIsNoop(t *testing.T) {
	p := pool.New(4, 8)

	var b Buffer
	b.Init(p)
	b.Append([]byte("abc"))

	b.MoveInto(&b)

	out := make([]byte, b.GetSize())
	b.Read(0, out)

	if string(out) != "abc" {
		t.Fatalf("self-MoveInto corrupted data: got %q", out)
	}
}

func TestConcatenateBothEmpty(t *testing.T) {
	p := pool.New(4, 8)

	var a, b, dst Buffer
	a.Init(p)
	b.Init(p)
	dst.Init(p)

	if !Concatenate(&a, &b, &dst) {
		t.Fatal("Concatenate of two empty buffers failed")
	}

	if dst.GetSize() != 0 {
		t.Fatalf("dst size = %d, want 0", dst.GetSize())
	}
}

func TestConcatenateAliasingDst(t *testing.T) {
	p := pool.New(32, 8)

	var a, b Buffer
	a.Init(p)
	b.Init(p)

	a.Append([]byte("foo"))
	b.Append([]byte("barbaz"))

	// dst aliases a, as stream.WriteBuffer always does.
	if !Concatenate(&a, &b, &a) {
		t.Fatal("Concatenate with dst aliasing a failed")
	}

	out := make([]byte, a.GetSize())
	a.Read(0, out)

	if !bytes.Equal(out, []byte("foobarbaz")) {
		t.Fatalf("aliased Concatenate = %q, want %q", out, "foobarbaz")
	}

	if b.GetSize() != 0 {
		t.Fatalf("b was not drained: size = %d", b.GetSize())
	}
}

func TestConcatenateSmallerFirstOperand(t *testing.T) {
	p := pool.New(32, 8)

	var a, b Buffer
	a.Init(p)
	b.Init(p)

	a.Append([]byte("ab"))
	b.Append([]byte("cdefghij"))

	if !Concatenate(&a, &b, &a) {
		t.Fatal("Concatenate failed")
	}

	out := make([]byte, a.GetSize())
	a.Read(0, out)

	if !bytes.Equal(out, []byte("abcdefghij")) {
		t.Fatalf("got %q, want %q (order must be a-then-b even when b is larger)", out, "abcdefghij")
	}
}

func TestCopySectionIndependence(t *testing.T) {
	p := pool.New(8, 8)

	var a, dst Buffer
	a.Init(p)
	dst.Init(p)

	a.Append([]byte("0123456789"))

	if !a.CopySection(2, 4, &dst) {
		t.Fatal("CopySection failed")
	}

	out := make([]byte, dst.GetSize())
	dst.Read(0, out)

	if string(out) != "2345" {
		t.Fatalf("CopySection = %q, want %q", out, "2345")
	}

	// Mutating dst must not affect a: they own independent segments.
	dst.Write(0, []byte("X"))

	aOut := make([]byte, a.GetSize())
	a.Read(0, aOut)

	if string(aOut) != "0123456789" {
		t.Fatalf("CopySection shared storage with source: a = %q", aOut)
	}
}
