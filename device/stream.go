package device

import (
	"context"
	"fmt"
	"time"

	"github.com/go-gev/gev/internal/bufferpool"
	"github.com/go-gev/gev/internal/control"
	"github.com/go-gev/gev/internal/negotiator"
	"github.com/go-gev/gev/internal/stream"
	"github.com/go-gev/gev/internal/wire"
)

// NegotiationMode selects when packet-size negotiation runs relative to
// CreateStream, re-exporting internal/negotiator's enum so callers never
// import an internal package directly.
type NegotiationMode = negotiator.Mode

const (
	NegotiateNever         = negotiator.Never
	NegotiateAlways        = negotiator.Always
	NegotiateOnce          = negotiator.Once
	NegotiateOnFailure     = negotiator.OnFailure
	NegotiateOnFailureOnce = negotiator.OnFailureOnce
)

// StreamOptions configures CreateStream.
type StreamOptions struct {
	Channel            int // zero-based stream channel index
	NumBuffers         int
	Negotiation        NegotiationMode
	PacketSizeBounds   negotiator.Bounds
	Receiver           stream.Options
	Callbacks          stream.Callbacks
}

func (o *StreamOptions) setDefaults() {
	if o.NumBuffers == 0 {
		o.NumBuffers = stream.DefaultNumBuffers
	}
	if o.PacketSizeBounds.Max == 0 {
		o.PacketSizeBounds = negotiator.Bounds{Min: 220, Max: 9000, Increment: 4}
	}
}

// Stream is one open GVSP stream channel bound to its originating Device.
// It holds no ownership over the Device (the arena model of §9): the
// Device tracks and joins every Stream it created, and a Stream never
// outlives its Device.
type Stream struct {
	device  *Device
	channel int
	pool    *bufferpool.Pool
	recv    *stream.Receiver
}

// CreateStream negotiates packet size (per opts.Negotiation), binds a GVSP
// receiver, points the device's stream-channel destination registers at
// it, and starts receiving. It returns control.ErrNotController when this
// handle does not hold control privilege.
func (d *Device) CreateStream(ctx context.Context, opts StreamOptions) (*Stream, error) {
	opts.setDefaults()

	if !d.ctrl.Owned() {
		return nil, fmt.Errorf("device: %w", control.ErrNotController)
	}

	count, err := d.ctrl.ReadRegister(ctx, wire.RegStreamChannelCount)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("device: %w", control.ErrNoStreamChannel)
	}

	pool := bufferpool.NewPool()
	for i := 0; i < opts.NumBuffers; i++ {
		pool.PushInput(bufferpool.NewBuffer(defaultBufferSize(opts.Receiver.PacketSize)))
	}

	recv, err := stream.Open(d.ifaceAddr, d.deviceAddr, pool, d.ctrl, opts.Receiver, opts.Callbacks)
	if err != nil {
		return nil, fmt.Errorf("device: create stream: %w", err)
	}

	sizeReg := wire.StreamChannelPacketSize(opts.Channel)
	destIPReg := wire.StreamChannelDestIP(opts.Channel)
	destPortReg := wire.StreamChannelDestPort(opts.Channel)

	ipReg, err := wire.EncodeIPv4ToRegister(d.ifaceAddr)
	if err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}
	if err := d.ctrl.WriteRegister(ctx, destIPReg, ipReg); err != nil {
		return nil, err
	}
	if err := d.ctrl.WriteRegister(ctx, destPortReg, uint32(recv.LocalAddr().Port)); err != nil {
		return nil, err
	}

	packetSize := opts.Receiver.PacketSize
	if packetSize == 0 {
		packetSize = negotiator.FallbackPacketSize
	}
	if shouldNegotiate(opts.Negotiation) {
		result, err := negotiator.Negotiate(ctx, d.ctrl, d.ifaceAddr, opts.Channel, opts.PacketSizeBounds, packetSize)
		if err != nil {
			return nil, err
		}
		packetSize = result.PacketSize
		// Negotiate points the destination registers at its own probe
		// socket; point them back at the receiver.
		if err := d.ctrl.WriteRegister(ctx, destIPReg, ipReg); err != nil {
			return nil, err
		}
		if err := d.ctrl.WriteRegister(ctx, destPortReg, uint32(recv.LocalAddr().Port)); err != nil {
			return nil, err
		}
	}
	if err := d.ctrl.WriteRegister(ctx, sizeReg, uint32(packetSize)<<16); err != nil {
		return nil, err
	}

	recv.Start(ctx)

	s := &Stream{device: d, channel: opts.Channel, pool: pool, recv: recv}
	d.registerStream(s)
	return s, nil
}

func shouldNegotiate(mode NegotiationMode) bool {
	switch mode {
	case negotiator.Always, negotiator.Once, negotiator.OnFailure, negotiator.OnFailureOnce:
		return true
	default:
		return false
	}
}

func defaultBufferSize(packetSize int) int {
	if packetSize == 0 {
		packetSize = negotiator.FallbackPacketSize
	}
	// Generous fixed allocation independent of frame geometry, which this
	// module never interprets; callers streaming larger images should size
	// buffers themselves via a future option.
	return packetSize * 1024
}

// PopOutput blocks until a completed (or timed-out/aborted) buffer is
// available, or the given duration elapses.
func (s *Stream) PopOutput(timeout time.Duration) *bufferpool.Buffer {
	return s.pool.PopOutputWithTimeout(timeout)
}

// PushInput returns a buffer to the input FIFO for reuse.
func (s *Stream) PushInput(b *bufferpool.Buffer) { s.pool.PushInput(b) }

// Stats returns the pool's running counters.
func (s *Stream) Stats() (nInput, nOutput, nUnderruns uint64) {
	return s.pool.NInput(), s.pool.NOutput(), s.pool.NUnderruns()
}

// Close stops the receive loop and releases the socket(s).
func (s *Stream) Close() {
	s.recv.Stop()
	_ = s.recv.Close()
	s.pool.Close()
}
