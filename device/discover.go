package device

import (
	"context"
	"fmt"
	"math/bits"
	"net"
	"time"

	"github.com/go-gev/gev/internal/logging"
	"github.com/go-gev/gev/internal/wire"
)

// DefaultDiscoveryWindow is how long Discover waits for DISCOVERY_ACK
// replies after broadcasting the command once.
const DefaultDiscoveryWindow = 500 * time.Millisecond

// DeviceInfo describes one device found by Discover.
type DeviceInfo struct {
	MAC              [6]byte
	CurrentIP        net.IP
	SubnetMask       net.IP
	DefaultGateway   net.IP
	ManufacturerName string
	ModelName        string
	DeviceVersion    string
	SerialNumber     string
	UserDefinedName  string
}

// Discover broadcasts a DISCOVERY_CMD on iface and collects DISCOVERY_ACK
// replies for window (DefaultDiscoveryWindow if zero). It opens its own
// ephemeral socket and does not require an open Device, mirroring the
// teacher's Server.acceptOnce fan-in-then-register shape but for a UDP
// broadcast/collect cycle instead of a TCP accept loop: one send, then a
// bounded read loop appending whatever arrives before the deadline.
func Discover(ctx context.Context, iface string, window time.Duration) ([]DeviceInfo, error) {
	if window <= 0 {
		window = DefaultDiscoveryWindow
	}
	broadcastAddr, bindAddr, err := interfaceBroadcast(iface)
	if err != nil {
		return nil, fmt.Errorf("device: discover: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindAddr})
	if err != nil {
		return nil, fmt.Errorf("device: discover: listen: %w", err)
	}
	defer conn.Close()

	cmd := wire.EncodeDiscoveryCmd(1)
	dst := &net.UDPAddr{IP: broadcastAddr, Port: wire.GVCPPort}
	if _, err := conn.WriteToUDP(cmd, dst); err != nil {
		return nil, fmt.Errorf("device: discover: send: %w", err)
	}

	var found []DeviceInfo
	buf := make([]byte, wire.MaxDatagram)
	deadline := time.Now().Add(window)
	for {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return found, ctx.Err()
			default:
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(remaining))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return found, fmt.Errorf("device: discover: recv: %w", err)
		}
		h, err := wire.DecodeHeader(buf[:n])
		if err != nil || h.Command != wire.CommandDiscoveryAck {
			continue
		}
		info, err := wire.DecodeDiscoveryAck(buf[wire.HeaderSize:n])
		if err != nil {
			logging.L().Debug("discovery_ack_malformed", "error", err)
			continue
		}
		found = append(found, DeviceInfo{
			MAC:              info.DeviceMAC,
			CurrentIP:        wire.DecodeIPv4FromRegister(bits.ReverseBytes32(info.CurrentIP)),
			SubnetMask:       wire.DecodeIPv4FromRegister(bits.ReverseBytes32(info.SubnetMask)),
			DefaultGateway:   wire.DecodeIPv4FromRegister(bits.ReverseBytes32(info.DefaultGW)),
			ManufacturerName: info.ManufacturerName,
			ModelName:        info.ModelName,
			DeviceVersion:    info.DeviceVersion,
			SerialNumber:     info.SerialNumber,
			UserDefinedName:  info.UserDefinedName,
		})
	}
	return found, nil
}

// interfaceBroadcast computes the IPv4 broadcast address and a bindable
// local address for the named network interface.
func interfaceBroadcast(name string) (broadcast, local net.IP, err error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, nil, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipnet.IP.To4()
		if v4 == nil {
			continue
		}
		bcast := make(net.IP, 4)
		for i := range v4 {
			bcast[i] = v4[i] | ^ipnet.Mask[i]
		}
		return bcast, v4, nil
	}
	return nil, nil, fmt.Errorf("device: interface %q has no IPv4 address", name)
}
