package bufferpool

import (
	"testing"
	"time"
)

func TestBufferResetPreservesAllocation(t *testing.T) {
	b := NewBuffer(16)
	copy(b.Data, []byte("0123456789abcdef"))
	b.ReceivedSize = 16
	b.Status = StatusSuccess
	b.FrameID = 42
	b.Parts = append(b.Parts, BufferPart{Size: 16})

	b.Reset()

	if b.ReceivedSize != 0 || b.Status != StatusFilling || b.FrameID != 0 {
		t.Fatalf("Reset left stale metadata: %+v", b)
	}
	if len(b.Parts) != 0 {
		t.Fatalf("Reset left stale parts: %+v", b.Parts)
	}
	if len(b.Data) != 16 {
		t.Fatalf("Reset discarded the underlying allocation: len=%d", len(b.Data))
	}
}

func TestPoolInputOutputFIFOOrder(t *testing.T) {
	p := NewPool()
	a, b, c := NewBuffer(1), NewBuffer(1), NewBuffer(1)
	a.FrameID, b.FrameID, c.FrameID = 1, 2, 3

	p.PushInput(a)
	p.PushInput(b)
	p.PushInput(c)

	if got := p.PopInputNonBlocking(); got.FrameID != 1 {
		t.Fatalf("first pop FrameID = %d, want 1", got.FrameID)
	}
	if got := p.PopInputNonBlocking(); got.FrameID != 2 {
		t.Fatalf("second pop FrameID = %d, want 2", got.FrameID)
	}
	if p.NInput() != 3 {
		t.Fatalf("NInput = %d, want 3", p.NInput())
	}
}

func TestPopInputNonBlockingCountsUnderrun(t *testing.T) {
	p := NewPool()
	if got := p.PopInputNonBlocking(); got != nil {
		t.Fatalf("expected nil from an empty pool, got %+v", got)
	}
	if p.NUnderruns() != 1 {
		t.Fatalf("NUnderruns = %d, want 1", p.NUnderruns())
	}
	p.PushInput(NewBuffer(1))
	if got := p.PopInputNonBlocking(); got == nil {
		t.Fatal("expected a buffer after PushInput")
	}
	if p.NUnderruns() != 1 {
		t.Fatalf("NUnderruns = %d, want still 1 after a successful pop", p.NUnderruns())
	}
}

func TestPopOutputWithTimeoutExpires(t *testing.T) {
	p := NewPool()
	start := time.Now()
	got := p.PopOutputWithTimeout(30 * time.Millisecond)
	if got != nil {
		t.Fatalf("expected nil on timeout, got %+v", got)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("returned after %v, before the timeout elapsed", elapsed)
	}
}

func TestPopOutputWithTimeoutReturnsWhenPushed(t *testing.T) {
	p := NewPool()
	buf := NewBuffer(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.PushOutput(buf)
	}()
	got := p.PopOutputWithTimeout(200 * time.Millisecond)
	if got != buf {
		t.Fatalf("got %+v, want the pushed buffer", got)
	}
}

func TestPopInputBlockingUnblocksOnClose(t *testing.T) {
	p := NewPool()
	done := make(chan *Buffer, 1)
	go func() {
		done <- p.PopInputBlocking()
	}()

	time.Sleep(10 * time.Millisecond) // let the goroutine reach the wait
	p.Close()

	select {
	case got := <-done:
		if got != nil {
			t.Fatalf("expected nil after Close, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("PopInputBlocking did not unblock after Close")
	}
}

func TestInputOutputLenReflectPendingItems(t *testing.T) {
	p := NewPool()
	p.PushInput(NewBuffer(1))
	p.PushInput(NewBuffer(1))
	p.PushOutput(NewBuffer(1))

	if p.InputLen() != 2 {
		t.Fatalf("InputLen = %d, want 2", p.InputLen())
	}
	if p.OutputLen() != 1 {
		t.Fatalf("OutputLen = %d, want 1", p.OutputLen())
	}
	p.PopInputNonBlocking()
	if p.InputLen() != 1 {
		t.Fatalf("InputLen = %d, want 1 after one pop", p.InputLen())
	}
}
