package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gev/gev/internal/wire"
)

type fakeReader struct {
	value      atomic.Uint32
	err        atomic.Value // error
	clearCalls atomic.Int32
}

func (r *fakeReader) ReadRegister(ctx context.Context, address uint32) (uint32, error) {
	if e, ok := r.err.Load().(error); ok && e != nil {
		return 0, e
	}
	return r.value.Load(), nil
}

func (r *fakeReader) ClearOwned() { r.clearCalls.Add(1) }

func TestHeartbeatFiresOnControlLost(t *testing.T) {
	reader := &fakeReader{}
	reader.value.Store(wire.ControlPrivilegeBit | wire.ExclusiveAccessBit)

	h := Start(context.Background(), reader, WithPeriod(10*time.Millisecond))
	defer h.Stop()

	// Control held: no loss signal within a few periods.
	select {
	case <-h.ControlLost():
		t.Fatal("ControlLost fired while control bits were set")
	case <-time.After(40 * time.Millisecond):
	}

	reader.value.Store(0)

	select {
	case <-h.ControlLost():
	case <-time.After(time.Second):
		t.Fatal("ControlLost did not fire after control bits cleared")
	}
	if reader.clearCalls.Load() == 0 {
		t.Fatal("ClearOwned was never called")
	}
}

func TestHeartbeatStopJoinsCleanly(t *testing.T) {
	reader := &fakeReader{}
	reader.value.Store(wire.ControlPrivilegeBit | wire.ExclusiveAccessBit)
	h := Start(context.Background(), reader, WithPeriod(5*time.Millisecond))

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestHeartbeatGivesUpAfterRetryTimeout(t *testing.T) {
	reader := &fakeReader{}
	reader.err.Store(context.DeadlineExceeded)

	h := Start(context.Background(), reader, WithPeriod(10*time.Millisecond), WithRetryTimeout(20*time.Millisecond))
	defer h.Stop()

	// A read that never succeeds must not fire ControlLost (tick simply
	// gives up after retryTimeout and waits for the next period) and must
	// not hang Stop.
	select {
	case <-h.ControlLost():
		t.Fatal("ControlLost fired despite every read failing")
	case <-time.After(100 * time.Millisecond):
	}
}
