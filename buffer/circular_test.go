package buffer

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	c := New(16)
	n := c.Write([]byte("hello"))
	if n != 5 {
		t.Fatalf("write = %d, want 5", n)
	}
	out := make([]byte, 5)
	n = c.Read(out, 5)
	if n != 5 || string(out) != "hello" {
		t.Fatalf("read = %d %q, want 5 hello", n, out)
	}
}

func TestRoundTripChunked(t *testing.T) {
	c := New(32)
	chunks := [][]byte{[]byte("abc"), []byte("defgh"), []byte("ij")}
	var want bytes.Buffer
	for _, ch := range chunks {
		c.Write(ch)
		want.Write(ch)
	}

	var got bytes.Buffer
	buf := make([]byte, 4)
	for got.Len() < want.Len() {
		n := c.Read(buf, len(buf))
		if n == 0 {
			t.Fatal("unexpected empty read before total reached")
		}
		got.Write(buf[:n])
	}
	if got.String() != want.String() {
		t.Fatalf("got %q, want %q", got.String(), want.String())
	}
}

func TestWriteBeyondCapacityRejectsExcess(t *testing.T) {
	c := New(8)
	n := c.Write([]byte("0123456789"))
	if n != 8 {
		t.Fatalf("write = %d, want 8 (capped at capacity)", n)
	}
	if c.Used() != 8 {
		t.Fatalf("used = %d, want 8", c.Used())
	}
	out := make([]byte, 8)
	rn := c.Read(out, 8)
	if rn != 8 || string(out) != "01234567" {
		t.Fatalf("read = %d %q, want 8 01234567", rn, out)
	}
}

func TestFullBufferWriteReturnsZero(t *testing.T) {
	c := New(4)
	c.Write([]byte("abcd"))
	if n := c.Write([]byte("e")); n != 0 {
		t.Fatalf("write on full buffer = %d, want 0", n)
	}
}

func TestEmptyBufferReadReturnsZero(t *testing.T) {
	c := New(4)
	out := make([]byte, 4)
	if n := c.Read(out, 4); n != 0 {
		t.Fatalf("read on empty buffer = %d, want 0", n)
	}
}

func TestUsedNeverExceedsCapacity(t *testing.T) {
	c := New(4)
	for i := 0; i < 10; i++ {
		c.Write([]byte{byte(i)})
		if c.Used() > c.Capacity() {
			t.Fatalf("used %d exceeds capacity %d", c.Used(), c.Capacity())
		}
	}
}

func TestFlushResetsState(t *testing.T) {
	c := New(8)
	c.Write([]byte("abcd"))
	c.Flush()
	if c.Used() != 0 {
		t.Fatalf("used after flush = %d, want 0", c.Used())
	}
	if c.Available() != c.Capacity() {
		t.Fatalf("available after flush = %d, want %d", c.Available(), c.Capacity())
	}
}

func TestThresholdFiresOnceOnCrossing(t *testing.T) {
	c := New(16)
	fired := 0
	c.SetThreshold(4, func(used int) { fired++ })

	c.Write([]byte("ab")) // used=2, below threshold
	if fired != 0 {
		t.Fatalf("fired = %d before crossing, want 0", fired)
	}
	c.Write([]byte("abc")) // used=5, crosses 4
	if fired != 1 {
		t.Fatalf("fired = %d after first crossing, want 1", fired)
	}
	c.Write([]byte("x")) // still above, must not refire
	if fired != 1 {
		t.Fatalf("fired = %d after staying above, want 1", fired)
	}

	out := make([]byte, 10)
	c.Read(out, 10) // drains below threshold, re-arms
	c.Write([]byte("abcde"))
	if fired != 2 {
		t.Fatalf("fired = %d after re-arm and re-cross, want 2", fired)
	}
}

func TestWrapAroundRoundTrip(t *testing.T) {
	c := New(8)
	buf := make([]byte, 8)

	c.Write([]byte("123456"))
	c.Read(buf, 4) // used=2, read cursor advanced to 4

	c.Write([]byte("7890")) // wraps around the end of the ring

	out := make([]byte, 6)
	n := c.Read(out, 6)
	if n != 6 || string(out[:n]) != "567890" {
		t.Fatalf("got %q, want 567890", out[:n])
	}
}
