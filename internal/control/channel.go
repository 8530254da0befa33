// Package control implements the GVCP request/reply engine (C2): a single
// UDP socket, one outstanding request at a time, retry-with-timeout,
// pending-ack deadline extension, and error-ack mapping. Concurrency
// discipline mirrors the teacher's single-owner-per-socket pattern: one
// mutex serializes Request, and the receive loop blocks exclusively on
// that socket for the duration of one request (internal/server in the
// teacher keeps one reader goroutine and one writer goroutine each owning
// their own I/O; here there is only one direction of traffic per request,
// so one goroutine suffices, guarded by the mutex instead of split across
// two goroutines).
package control

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-gev/gev/internal/logging"
	"github.com/go-gev/gev/internal/metrics"
	"github.com/go-gev/gev/internal/wire"
)

// Defaults from spec.md §4.2 / §8.
const (
	DefaultTimeout    = 1000 * time.Millisecond
	DefaultNRetries   = 2 // additional tries beyond the first, i.e. 3 attempts total
	DataSizeMax       = 536
	recvBufferSize    = 4096
)

// Channel is a GVCP control channel bound to one device.
type Channel struct {
	mu         sync.Mutex
	conn       *net.UDPConn
	deviceAddr *net.UDPAddr
	packetID   uint16
	timeout    time.Duration
	nRetries   int

	ownedMu sync.Mutex
	owned   bool
}

// Option configures a Channel at construction time.
type Option func(*Channel)

// WithTimeout overrides the per-attempt GVCP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetries overrides the number of additional retries beyond the first attempt.
func WithRetries(n int) Option {
	return func(c *Channel) {
		if n >= 0 {
			c.nRetries = n
		}
	}
}

// Open binds a UDP socket on ifaceAddr and targets deviceAddr:GVCPPort.
func Open(ifaceAddr, deviceAddr net.IP, opts ...Option) (*Channel, error) {
	local := &net.UDPAddr{IP: ifaceAddr}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, fmt.Errorf("control: listen: %w", err)
	}
	c := &Channel{
		conn:       conn,
		deviceAddr: &net.UDPAddr{IP: deviceAddr, Port: wire.GVCPPort},
		timeout:    DefaultTimeout,
		nRetries:   DefaultNRetries,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close releases the underlying socket.
func (c *Channel) Close() error { return c.conn.Close() }

// nextPacketID advances the 16-bit packet id, wrapping modulo 2^16 and skipping zero.
func (c *Channel) nextPacketID() uint16 {
	c.packetID++
	if c.packetID == 0 {
		c.packetID = 1
	}
	return c.packetID
}

// request sends cmdBytes (already carrying the chosen packet id) and waits
// for a matching ack, retrying up to c.nRetries additional times on plain
// timeout, and extending the deadline (without retrying) on PENDING_ACK.
// It follows §9's "first error wins" rule: once a
// terminal condition (error-ack or all-retries-exhausted) is reached, the
// function returns immediately and does not attempt further I/O.
func (c *Channel) request(ctx context.Context, cmdBytes []byte, packetID uint16, expectedAck wire.Command) (wire.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics.IncGVCPRequest()

	buf := make([]byte, recvBufferSize)
	attempt := 0
	for {
		if _, err := c.conn.WriteToUDP(cmdBytes, c.deviceAddr); err != nil {
			return wire.Ack{}, fmt.Errorf("control: send: %w", err)
		}

		deadline := time.Now().Add(c.timeout)
		for {
			if ctx != nil {
				select {
				case <-ctx.Done():
					return wire.Ack{}, ctx.Err()
				default:
				}
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(remaining))
			n, _, err := c.conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break
				}
				return wire.Ack{}, fmt.Errorf("control: recv: %w", err)
			}
			if n < wire.HeaderSize {
				continue // malformed, too short to be any ack shape; keep waiting
			}
			ack, err := wire.DecodeAck(buf[:n])
			if err != nil {
				continue
			}
			if ack.Header.PacketID != packetID {
				continue // spurious packet from an earlier request; keep waiting
			}
			if ack.IsPendingAck() {
				ms, err := ack.PendingTimeoutMS()
				if err != nil {
					continue
				}
				metrics.IncGVCPPendingAck()
				deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
				logging.L().Debug("gvcp_pending_ack", "extend_ms", ms)
				continue
			}
			if ack.IsError() {
				de := mapGVCPErrorCode(ack.ErrorCode())
				metrics.IncGVCPErrorAck(de.Kind.String())
				return wire.Ack{}, de
			}
			if ack.Header.Command != expectedAck {
				continue // shaped validly but wrong command; keep waiting within deadline
			}
			return ack, nil
		}

		attempt++
		if attempt > c.nRetries {
			metrics.IncGVCPTimeout()
			return wire.Ack{}, ErrTimeout
		}
		metrics.IncGVCPRetry()
	}
}

// ReadRegister reads one 32-bit register.
func (c *Channel) ReadRegister(ctx context.Context, address uint32) (uint32, error) {
	id := c.nextPacketID()
	cmd := wire.EncodeReadRegisterCmd(id, []uint32{address})
	ack, err := c.request(ctx, cmd, id, wire.CommandReadRegisterAck)
	if err != nil {
		return 0, err
	}
	vals, err := wire.ReadRegisterAckValues(ack.Body)
	if err != nil || len(vals) < 1 {
		return 0, fmt.Errorf("%w: short read-register ack", ErrProtocol)
	}
	return vals[0], nil
}

// WriteRegister writes one 32-bit register.
func (c *Channel) WriteRegister(ctx context.Context, address, value uint32) error {
	id := c.nextPacketID()
	cmd := wire.EncodeWriteRegisterCmd(id, address, value)
	_, err := c.request(ctx, cmd, id, wire.CommandWriteRegisterAck)
	return err
}

// ReadMemory reads size bytes at address, fragmenting into DataSizeMax blocks.
// The first block failure aborts the whole operation and is returned.
func (c *Channel) ReadMemory(ctx context.Context, address uint32, size int) ([]byte, error) {
	out := make([]byte, size)
	for off := 0; off < size; off += DataSizeMax {
		n := min(DataSizeMax, size-off)
		id := c.nextPacketID()
		cmd := wire.EncodeReadMemoryCmd(id, address+uint32(off), uint16(n))
		ack, err := c.request(ctx, cmd, id, wire.CommandReadMemoryAck)
		if err != nil {
			return nil, err
		}
		data := wire.ReadMemoryAckData(ack.Body)
		if len(data) < n {
			return nil, fmt.Errorf("%w: short read-memory ack", ErrProtocol)
		}
		copy(out[off:off+n], data[:n])
	}
	return out, nil
}

// WriteMemory writes data at address, fragmenting into DataSizeMax blocks.
// The first block failure aborts the whole operation and is returned.
func (c *Channel) WriteMemory(ctx context.Context, address uint32, data []byte) error {
	for off := 0; off < len(data); off += DataSizeMax {
		n := min(DataSizeMax, len(data)-off)
		id := c.nextPacketID()
		cmd := wire.EncodeWriteMemoryCmd(id, address+uint32(off), data[off:off+n])
		if _, err := c.request(ctx, cmd, id, wire.CommandWriteMemoryAck); err != nil {
			return err
		}
	}
	return nil
}

// TakeControl writes the control-privilege register's CONTROL bit.
func (c *Channel) TakeControl(ctx context.Context) error {
	if err := c.WriteRegister(ctx, wire.RegControlPrivilege, wire.ControlPrivilegeBit); err != nil {
		return err
	}
	c.ownedMu.Lock()
	c.owned = true
	c.ownedMu.Unlock()
	return nil
}

// LeaveControl writes zero to the control-privilege register.
func (c *Channel) LeaveControl(ctx context.Context) error {
	err := c.WriteRegister(ctx, wire.RegControlPrivilege, 0)
	c.ownedMu.Lock()
	c.owned = false
	c.ownedMu.Unlock()
	return err
}

// Owned reports whether this channel believes it currently holds control.
// The heartbeat clears this when it observes the privilege bits cleared.
func (c *Channel) Owned() bool {
	c.ownedMu.Lock()
	defer c.ownedMu.Unlock()
	return c.owned
}

// ClearOwned is called by the heartbeat when it detects loss of control.
func (c *Channel) ClearOwned() {
	c.ownedMu.Lock()
	c.owned = false
	c.ownedMu.Unlock()
}

// RequestResend fires a GVCP packet-resend command for the given packet
// range of blockID. Resend requests are fire-and-forget from the host's
// side of the protocol: the device either retransmits or doesn't, and the
// stream receiver's own deadline logic is what notices either outcome.
func (c *Channel) RequestResend(ctx context.Context, blockID uint64, firstPacketID, lastPacketID uint32, extended bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextPacketID()
	cmd := wire.EncodePacketResendCmd(id, blockID, firstPacketID, lastPacketID, extended)
	if _, err := c.conn.WriteToUDP(cmd, c.deviceAddr); err != nil {
		return fmt.Errorf("control: resend: %w", err)
	}
	return nil
}

