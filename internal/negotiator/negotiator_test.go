package negotiator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-gev/gev/internal/control"
	"github.com/go-gev/gev/internal/wire"
)

func TestBoundsAlign(t *testing.T) {
	b := Bounds{Min: 576, Max: 9000, Increment: 4}
	cases := map[int]int{
		576:  576,
		577:  576,
		579:  576,
		580:  580,
		9000: 9000,
	}
	for in, want := range cases {
		if got := b.align(in); got != want {
			t.Fatalf("align(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestBoundsAlignZeroIncrementIsIdentity(t *testing.T) {
	b := Bounds{Min: 576, Max: 9000}
	if got := b.align(1234); got != 1234 {
		t.Fatalf("align with zero increment = %d, want 1234 (identity)", got)
	}
}

// fakeChannel simulates a device that answers FireTestPacket by sending a
// UDP datagram of the requested size to whatever dest IP/port the caller
// configured, as long as the candidate size does not exceed maxGoodSize.
type fakeChannel struct {
	maxGoodSize int
	destIP      net.IP
	destPort    int
	notSupported bool
}

func (c *fakeChannel) ReadRegister(ctx context.Context, address uint32) (uint32, error) {
	return 0, nil
}

func (c *fakeChannel) WriteRegister(ctx context.Context, address, value uint32) error {
	switch {
	case c.notSupported:
		return control.ErrProtocol
	case address == wire.StreamChannelDestIP(0):
		c.destIP = wire.DecodeIPv4FromRegister(value)
		return nil
	case address == wire.StreamChannelDestPort(0):
		c.destPort = int(value)
		return nil
	case address == wire.StreamChannelPacketSize(0):
		if value&wire.SCPSFireTestPacketBit == 0 {
			return nil // restoring the winning size at the end, no probe to fire
		}
		candidate := int(value >> 16)
		if candidate > c.maxGoodSize {
			return nil // simulated drop: no test packet sent
		}
		conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: c.destIP, Port: c.destPort})
		if err != nil {
			return err
		}
		defer conn.Close()
		_, err = conn.Write(make([]byte, candidate))
		return err
	}
	return nil
}

func TestNegotiateBinarySearchFindsLargestGoodSize(t *testing.T) {
	ch := &fakeChannel{maxGoodSize: 1400}
	bounds := Bounds{Min: 576, Max: 1500, Increment: 4}

	result, err := Negotiate(context.Background(), ch, net.ParseIP("127.0.0.1"), 0, bounds, 0)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !result.Supported {
		t.Fatal("expected Supported = true")
	}
	if result.PacketSize < 1396 || result.PacketSize > 1400 {
		t.Fatalf("PacketSize = %d, want within 4 bytes of 1400", result.PacketSize)
	}
}

func TestNegotiateFallsBackWhenNotSupported(t *testing.T) {
	ch := &fakeChannel{notSupported: true}
	bounds := Bounds{Min: 576, Max: 9000, Increment: 4}

	result, err := Negotiate(context.Background(), ch, net.ParseIP("127.0.0.1"), 0, bounds, 0)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if result.Supported {
		t.Fatal("expected Supported = false")
	}
	if result.PacketSize != FallbackPacketSize {
		t.Fatalf("PacketSize = %d, want %d", result.PacketSize, FallbackPacketSize)
	}
}

// TestNegotiateReturnsMinWhenEveryProbeFails checks that a device that never
// answers a test packet leaves the search at bounds.Min.
func TestNegotiateReturnsMinWhenEveryProbeFails(t *testing.T) {
	ch := &fakeChannel{maxGoodSize: 0} // every probe "drops"
	bounds := Bounds{Min: 576, Max: 700, Increment: 4}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := Negotiate(ctx, ch, net.ParseIP("127.0.0.1"), 0, bounds, 0)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if result.PacketSize != bounds.Min {
		t.Fatalf("PacketSize = %d, want bounds.Min = %d when every probe fails", result.PacketSize, bounds.Min)
	}
}
