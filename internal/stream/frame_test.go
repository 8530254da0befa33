package stream

import (
	"testing"

	"github.com/go-gev/gev/internal/bufferpool"
)

func newTestFrame(expected uint32) *frameInFlight {
	buf := bufferpool.NewBuffer(1024)
	f := newFrameInFlight(7, buf, false)
	f.setExpected(expected)
	return f
}

func TestMarkReceivedDuplicate(t *testing.T) {
	f := newTestFrame(5)
	if !f.markReceived(2) {
		t.Fatal("first observation should report fresh")
	}
	if f.markReceived(2) {
		t.Fatal("duplicate observation should report false")
	}
	if f.receivedCount != 1 {
		t.Fatalf("receivedCount = %d, want 1", f.receivedCount)
	}
}

func TestMarkReceivedGrowsBeyondExpected(t *testing.T) {
	f := newTestFrame(3)
	if !f.markReceived(5) {
		t.Fatal("expected fresh observation")
	}
	if len(f.packets) != 6 {
		t.Fatalf("len(packets) = %d, want 6", len(f.packets))
	}
	if f.expectedPackets != 6 {
		t.Fatalf("expectedPackets = %d, want 6 (grown to accommodate late-observed id)", f.expectedPackets)
	}
}

func TestAdvanceLastValidContiguous(t *testing.T) {
	f := newTestFrame(5)
	f.markReceived(0)
	f.markReceived(1)
	f.advanceLastValidContiguous()
	if f.lastValidContiguous != 1 {
		t.Fatalf("lastValidContiguous = %d, want 1", f.lastValidContiguous)
	}
	// invariant: a gap halts the advance.
	f.markReceived(3)
	f.advanceLastValidContiguous()
	if f.lastValidContiguous != 1 {
		t.Fatalf("lastValidContiguous = %d, want 1 (blocked by missing packet 2)", f.lastValidContiguous)
	}
	f.markReceived(2)
	f.advanceLastValidContiguous()
	if f.lastValidContiguous != 3 {
		t.Fatalf("lastValidContiguous = %d, want 3", f.lastValidContiguous)
	}
}

func TestSetExpectedTruncatesOnEarlyTrailer(t *testing.T) {
	// Invariant 11: a trailer whose packet id is less than the initially
	// assumed expected count truncates the expectation to exactly id+1.
	f := newTestFrame(12)
	f.markReceived(0)
	f.markReceived(1)
	f.advanceLastValidContiguous()
	f.setExpected(6) // trailer arrives with K=5, truncating to 5+1=6
	if f.expectedPackets != 6 {
		t.Fatalf("expectedPackets = %d, want 6", f.expectedPackets)
	}
	if len(f.packets) != 6 {
		t.Fatalf("len(packets) = %d, want 6", len(f.packets))
	}
}

func TestLastValidContiguousNeverDecreases(t *testing.T) {
	f := newTestFrame(12)
	for i := uint32(0); i <= 5; i++ {
		f.markReceived(i)
	}
	f.advanceLastValidContiguous()
	if f.lastValidContiguous != 5 {
		t.Fatalf("lastValidContiguous = %d, want 5", f.lastValidContiguous)
	}
	// An early trailer truncating the expected count must not pull the
	// pointer backwards, even though it now exceeds expectedPackets-1.
	f.setExpected(4)
	if f.lastValidContiguous != 5 {
		t.Fatalf("lastValidContiguous = %d, want 5 (must never decrease)", f.lastValidContiguous)
	}
}

func TestFrameCompleteWhenFullyContiguous(t *testing.T) {
	f := newTestFrame(3)
	if f.complete() {
		t.Fatal("empty frame should not be complete")
	}
	f.markReceived(0)
	f.markReceived(1)
	f.markReceived(2)
	f.advanceLastValidContiguous()
	if !f.complete() {
		t.Fatal("frame with all packets received should be complete")
	}
}

func TestOnlyLeaderSoFar(t *testing.T) {
	f := newTestFrame(5)
	if f.onlyLeaderSoFar() {
		t.Fatal("no packets received yet")
	}
	f.markReceived(0)
	if !f.onlyLeaderSoFar() {
		t.Fatal("leader is the only packet received")
	}
	f.markReceived(1)
	if f.onlyLeaderSoFar() {
		t.Fatal("a second packet has arrived")
	}
}
