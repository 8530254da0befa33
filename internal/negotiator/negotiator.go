// Package negotiator implements C4: probing the largest GVSP packet size
// that traverses the path end-to-end, using the device's FireTestPacket
// feature and a binary search between device-reported bounds. It runs
// inline on the caller's goroutine rather than as a dedicated task, the
// same way the teacher treats its one-shot config-validation helpers in
// cmd/can-server/config.go — no lifecycle to manage, just a function that
// returns a result or an error.
package negotiator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-gev/gev/internal/control"
	"github.com/go-gev/gev/internal/logging"
	"github.com/go-gev/gev/internal/metrics"
	"github.com/go-gev/gev/internal/wire"
)

// Mode selects when negotiation runs relative to stream startup.
type Mode int

const (
	// Never disables negotiation; the caller's configured size is used as-is.
	Never Mode = iota
	// Always negotiates on every stream start.
	Always
	// Once is handled by device.CreateStream like Always: it negotiates on
	// every stream start and keeps no record of earlier runs.
	Once
	// OnFailure is handled by device.CreateStream like Always: it negotiates
	// on every stream start without first probing the configured size.
	OnFailure
	// OnFailureOnce is handled by device.CreateStream like Always.
	OnFailureOnce
)

func (m Mode) String() string {
	switch m {
	case Never:
		return "Never"
	case Always:
		return "Always"
	case Once:
		return "Once"
	case OnFailure:
		return "OnFailure"
	case OnFailureOnce:
		return "OnFailureOnce"
	default:
		return "Unknown"
	}
}

// FallbackPacketSize is used when the device does not implement the
// FireTestPacket feature.
const FallbackPacketSize = 1500

const (
	fireAttempts  = 3
	probeTimeout  = 200 * time.Millisecond
	headerOverhead = wire.HeaderLegacySize
)

// Bounds describes the device-reported packet-size search space.
type Bounds struct {
	Min       int
	Max       int
	Increment int
}

// align rounds v down to the nearest multiple of the increment at or above min.
func (b Bounds) align(v int) int {
	if b.Increment <= 0 {
		return v
	}
	steps := (v - b.Min) / b.Increment
	return b.Min + steps*b.Increment
}

// Result is the outcome of a negotiation run.
type Result struct {
	PacketSize int
	Supported  bool // false if the feature was NotSupported and FallbackPacketSize was used
}

// channel is the narrow control-channel capability negotiation needs.
type channel interface {
	ReadRegister(ctx context.Context, address uint32) (uint32, error)
	WriteRegister(ctx context.Context, address, value uint32) error
}

// Negotiate probes for the largest packet size that reaches ifaceAddr from
// the device on the given stream channel, binary-searching within bounds.
// Every probe sets the do-not-fragment flag. When the search finishes it
// writes the chosen size to the packet-size register with all control flags
// cleared; when a register write fails it returns that error at once and
// writes nothing further. It leaves the stream channel's destination
// registers pointing at its own probe socket.
func Negotiate(ctx context.Context, ch channel, ifaceAddr net.IP, streamChannel int, bounds Bounds, current int) (Result, error) {
	sizeReg := wire.StreamChannelPacketSize(streamChannel)
	destPortReg := wire.StreamChannelDestPort(streamChannel)
	destIPReg := wire.StreamChannelDestIP(streamChannel)

	probeConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ifaceAddr})
	if err != nil {
		return Result{}, fmt.Errorf("negotiator: listen: %w", err)
	}
	defer probeConn.Close()

	localPort := probeConn.LocalAddr().(*net.UDPAddr).Port
	ipReg, err := wire.EncodeIPv4ToRegister(ifaceAddr)
	if err != nil {
		return Result{}, fmt.Errorf("negotiator: %w", err)
	}
	if err := ch.WriteRegister(ctx, destIPReg, ipReg); err != nil {
		if control.KindOf(err) == control.KindProtocolError {
			logging.L().Info("negotiator_not_supported", "error", err)
			return Result{PacketSize: FallbackPacketSize, Supported: false}, nil
		}
		return Result{}, err
	}
	if err := ch.WriteRegister(ctx, destPortReg, uint32(localPort)); err != nil {
		return Result{}, err
	}

	lo, hi := bounds.Min, bounds.Max
	if current > lo && current < hi {
		hi = bounds.align(current)
	}
	best := bounds.Min

	for lo <= hi {
		mid := bounds.align(lo + (hi-lo)/2)
		if mid < bounds.Min {
			mid = bounds.Min
		}
		ok, err := probeOnce(ctx, ch, probeConn, sizeReg, mid)
		if err != nil {
			return Result{}, err
		}
		if ok {
			best = mid
			lo = mid + bounds.Increment
		} else {
			hi = mid - bounds.Increment
		}
	}

	_ = ch.WriteRegister(ctx, sizeReg, uint32(best)<<16)
	metrics.SetNegotiatedPacketSize(best)
	logging.L().Info("negotiator_done", "packet_size", best)
	return Result{PacketSize: best, Supported: true}, nil
}

// probeOnce fires up to fireAttempts test packets of size candidate and
// reports whether a correctly-sized datagram arrived on probeConn.
func probeOnce(ctx context.Context, ch channel, probeConn *net.UDPConn, sizeReg uint32, candidate int) (bool, error) {
	flags := uint32(wire.SCPSDoNotFragmentBit)
	value := uint32(candidate)<<16 | flags
	for attempt := 0; attempt < fireAttempts; attempt++ {
		if err := ch.WriteRegister(ctx, sizeReg, value|wire.SCPSFireTestPacketBit); err != nil {
			return false, err
		}
		_ = probeConn.SetReadDeadline(time.Now().Add(probeTimeout))
		buf := make([]byte, candidate+64)
		n, _, err := probeConn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if n >= candidate {
			return true, nil
		}
	}
	return false, nil
}
