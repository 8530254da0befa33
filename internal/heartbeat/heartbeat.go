// Package heartbeat implements C3: a dedicated cancellable task
// periodically reads the control-privilege register and detects loss of
// control while the reader holds it. Shaped like the teacher's backend
// RX loops in cmd/can-server/backend_serial.go — a goroutine with a
// context-cancellation check, a fixed-interval retry bounded by a deadline on
// read failure, and a clean exit on cancellation — but polling a register
// instead of a device file, and firing an event instead of broadcasting
// frames.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/go-gev/gev/internal/logging"
	"github.com/go-gev/gev/internal/metrics"
	"github.com/go-gev/gev/internal/wire"
)

// DefaultPeriod is the interval between privilege-register reads.
const DefaultPeriod = 3 * time.Second

// DefaultRetryTimeout bounds how long a single read is retried before the
// heartbeat gives up on that cycle and waits for the next period.
const DefaultRetryTimeout = 2 * time.Second

const retryBackoff = 100 * time.Millisecond

// RegisterReader is the narrow capability the heartbeat needs from the
// control channel: a single register read.
type RegisterReader interface {
	ReadRegister(ctx context.Context, address uint32) (uint32, error)
	ClearOwned()
}

// Heartbeat is a dedicated cancellable task monitoring control ownership.
type Heartbeat struct {
	period       time.Duration
	retryTimeout time.Duration
	reader       RegisterReader

	cancel context.CancelFunc
	wg     sync.WaitGroup

	lostCh chan struct{}
}

// Option configures a Heartbeat at construction time.
type Option func(*Heartbeat)

// WithPeriod overrides the read interval.
func WithPeriod(d time.Duration) Option {
	return func(h *Heartbeat) {
		if d > 0 {
			h.period = d
		}
	}
}

// WithRetryTimeout overrides how long a single read cycle is retried.
func WithRetryTimeout(d time.Duration) Option {
	return func(h *Heartbeat) {
		if d > 0 {
			h.retryTimeout = d
		}
	}
}

// Start begins monitoring on its own goroutine and returns the handle.
// Call Stop to cancel and join.
func Start(parent context.Context, reader RegisterReader, opts ...Option) *Heartbeat {
	h := &Heartbeat{
		period:       DefaultPeriod,
		retryTimeout: DefaultRetryTimeout,
		reader:       reader,
		lostCh:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(h)
	}
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.wg.Add(1)
	go h.run(ctx)
	return h
}

// ControlLost signals when a successful read finds the control and
// exclusive-access bits both cleared while the reader holds control (a
// reader without an Owned method is always taken to hold it). The channel
// holds one pending signal; further signals are dropped while it is full.
func (h *Heartbeat) ControlLost() <-chan struct{} { return h.lostCh }

// Stop cancels the heartbeat task and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *Heartbeat) run(ctx context.Context) {
	defer h.wg.Done()
	t := time.NewTicker(h.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	deadline := time.Now().Add(h.retryTimeout)
	var value uint32
	var err error
	for {
		value, err = h.reader.ReadRegister(ctx, wire.RegControlPrivilege)
		if err == nil {
			break
		}
		metrics.IncHeartbeatReadFailure()
		if ctx.Err() != nil {
			return
		}
		if time.Now().After(deadline) {
			logging.L().Warn("heartbeat_read_failed", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryBackoff):
		}
	}

	if value&(wire.ControlPrivilegeBit|wire.ExclusiveAccessBit) == 0 {
		if o, ok := h.reader.(interface{ Owned() bool }); ok && !o.Owned() {
			return // control is not held, so there is nothing to lose
		}
		h.reader.ClearOwned()
		metrics.IncHeartbeatLost()
		logging.L().Warn("heartbeat_control_lost")
		select {
		case h.lostCh <- struct{}{}:
		default:
		}
	}
}
