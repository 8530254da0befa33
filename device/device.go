// Package device is the public façade (C7): it binds the control channel,
// heartbeat, packet-size negotiator, and stream receiver into one
// GigE Vision device handle. Composition mirrors the teacher's top-level
// Server type in internal/server: one struct owning several collaborator
// lifecycles, a context-based shutdown, and a WaitGroup join over whatever
// it spawned.
package device

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-gev/gev/internal/control"
	"github.com/go-gev/gev/internal/genicam"
	"github.com/go-gev/gev/internal/heartbeat"
	"github.com/go-gev/gev/internal/wire"
)

// Option configures a Device at Open time.
type Option func(*Device)

// WithHeartbeatPeriod overrides the heartbeat polling period.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(dev *Device) { dev.hbOpts = append(dev.hbOpts, heartbeat.WithPeriod(d)) }
}

// WithHeartbeatRetryTimeout overrides the heartbeat's bounded retry deadline.
func WithHeartbeatRetryTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.hbOpts = append(dev.hbOpts, heartbeat.WithRetryTimeout(d)) }
}

// WithControlOptions passes options through to the underlying control channel.
func WithControlOptions(opts ...control.Option) Option {
	return func(dev *Device) { dev.ctrlOpts = append(dev.ctrlOpts, opts...) }
}

// WithPort overrides the genicam.Port FeatureRead/FeatureWrite delegate to
// for a feature engine other than the device's own register space — tests
// use this to inject a fake.
func WithPort(p genicam.Port) Option {
	return func(dev *Device) { dev.port = p }
}

// Device is a bound GigE Vision device: one control channel, one heartbeat
// monitor, and zero or more active streams.
type Device struct {
	ifaceAddr  net.IP
	deviceAddr net.IP

	ctrl     *control.Channel
	ctrlOpts []control.Option
	hb       *heartbeat.Heartbeat
	hbOpts   []heartbeat.Option
	port     genicam.Port

	vendorName string
	modelName  string
	trait      VendorTrait

	mu      sync.Mutex
	streams []*Stream
}

// Open binds a control channel to deviceAddr from ifaceAddr, reads the
// device's vendor/model strings to select a VendorTrait, and starts the
// heartbeat monitor unconditionally — matching the real protocol's
// expectation that a controlling application polls the privilege register
// continuously, not only once it has taken control.
func Open(ctx context.Context, ifaceAddr, deviceAddr net.IP, opts ...Option) (*Device, error) {
	d := &Device{ifaceAddr: ifaceAddr, deviceAddr: deviceAddr}
	for _, o := range opts {
		o(d)
	}

	ctrl, err := control.Open(ifaceAddr, deviceAddr, d.ctrlOpts...)
	if err != nil {
		return nil, fmt.Errorf("device: open control channel: %w", err)
	}
	d.ctrl = ctrl
	if d.port == nil {
		d.port = d
	}

	vendorName, modelName, err := d.readIdentity(ctx)
	if err != nil {
		_ = ctrl.Close()
		return nil, fmt.Errorf("device: read identity: %w", err)
	}
	d.vendorName = vendorName
	d.modelName = modelName
	d.trait = lookupVendorTrait(vendorName, modelName)

	d.hb = heartbeat.Start(ctx, ctrl, d.hbOpts...)

	return d, nil
}

// readIdentity reads the fixed-width vendor/model name fields out of
// register space, the same 32-byte layout DISCOVERY_ACK uses for the same
// fields (§6).
func (d *Device) readIdentity(ctx context.Context) (vendor, model string, err error) {
	const fieldLen = 32
	vb, err := d.ctrl.ReadMemory(ctx, wire.RegVendorName, fieldLen)
	if err != nil {
		return "", "", err
	}
	mb, err := d.ctrl.ReadMemory(ctx, wire.RegModelName, fieldLen)
	if err != nil {
		return "", "", err
	}
	return trimCString(vb), trimCString(mb), nil
}

func trimCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// VendorName returns the device's DeviceVendorName register value, read at Open.
func (d *Device) VendorName() string { return d.vendorName }

// ModelName returns the device's DeviceModelName register value, read at Open.
func (d *Device) ModelName() string { return d.modelName }

// Trait returns the VendorTrait selected for this device at Open.
func (d *Device) Trait() VendorTrait { return d.trait }

// ReadRegister reads one 32-bit register.
func (d *Device) ReadRegister(ctx context.Context, address uint32) (uint32, error) {
	return d.ctrl.ReadRegister(ctx, address)
}

// WriteRegister writes one 32-bit register.
func (d *Device) WriteRegister(ctx context.Context, address, value uint32) error {
	return d.ctrl.WriteRegister(ctx, address, value)
}

// ReadMemory reads size bytes starting at address.
func (d *Device) ReadMemory(ctx context.Context, address uint32, size int) ([]byte, error) {
	return d.ctrl.ReadMemory(ctx, address, size)
}

// WriteMemory writes data starting at address.
func (d *Device) WriteMemory(ctx context.Context, address uint32, data []byte) error {
	return d.ctrl.WriteMemory(ctx, address, data)
}

// FeatureRead reads a GenICam feature's backing memory through the
// device's genicam.Port — by default the device's own register space, but
// swappable via WithPort so a real feature-node engine can intercept it.
func (d *Device) FeatureRead(ctx context.Context, address uint32, size int) ([]byte, error) {
	return d.port.ReadMemory(ctx, address, size)
}

// FeatureWrite writes a GenICam feature's backing memory through the
// device's genicam.Port.
func (d *Device) FeatureWrite(ctx context.Context, address uint32, data []byte) error {
	return d.port.WriteMemory(ctx, address, data)
}

// TakeControl acquires control privilege.
func (d *Device) TakeControl(ctx context.Context) error { return d.ctrl.TakeControl(ctx) }

// LeaveControl releases control privilege.
func (d *Device) LeaveControl(ctx context.Context) error { return d.ctrl.LeaveControl(ctx) }

// Owned reports whether this handle currently believes it holds control.
func (d *Device) Owned() bool { return d.ctrl.Owned() }

// ControlLost fires once the heartbeat observes the control/exclusive
// privilege bits cleared out from under this handle.
func (d *Device) ControlLost() <-chan struct{} { return d.hb.ControlLost() }

// GetCurrentIP reads the device's active IPv4 address.
func (d *Device) GetCurrentIP(ctx context.Context) (net.IP, error) {
	return d.readIPRegister(ctx, wire.RegCurrentIP)
}

// GetPersistentIP reads the device's configured persistent IPv4 address.
func (d *Device) GetPersistentIP(ctx context.Context) (net.IP, error) {
	return d.readIPRegister(ctx, wire.RegPersistentIP)
}

// SetPersistentIP writes the device's persistent IPv4 address, subnet
// mask, and gateway.
func (d *Device) SetPersistentIP(ctx context.Context, ip, mask, gateway net.IP) error {
	if err := d.writeIPRegister(ctx, wire.RegPersistentIP, ip); err != nil {
		return err
	}
	if err := d.writeIPRegister(ctx, wire.RegPersistentMask, mask); err != nil {
		return err
	}
	return d.writeIPRegister(ctx, wire.RegPersistentGateway, gateway)
}

func (d *Device) readIPRegister(ctx context.Context, reg uint32) (net.IP, error) {
	v, err := d.ctrl.ReadRegister(ctx, reg)
	if err != nil {
		return nil, err
	}
	return wire.DecodeIPv4FromRegister(v), nil
}

func (d *Device) writeIPRegister(ctx context.Context, reg uint32, ip net.IP) error {
	v, err := wire.EncodeIPv4ToRegister(ip)
	if err != nil {
		return fmt.Errorf("device: %w", err)
	}
	return d.ctrl.WriteRegister(ctx, reg, v)
}

// IPConfigMode selects how a device acquires its IPv4 address.
type IPConfigMode int

const (
	IPConfigModePersistent IPConfigMode = iota
	IPConfigModeDHCP
	IPConfigModeLLA
)

// SetIPConfigurationMode sets exactly one of the persistent/DHCP/LLA bits
// in the current-IP-configuration register, clearing the other two.
func (d *Device) SetIPConfigurationMode(ctx context.Context, mode IPConfigMode) error {
	var bits uint32
	switch mode {
	case IPConfigModePersistent:
		bits = wire.IPConfigPersistentBit
	case IPConfigModeDHCP:
		bits = wire.IPConfigDHCPBit
	case IPConfigModeLLA:
		bits = wire.IPConfigLLABit
	default:
		return fmt.Errorf("%w: unknown ip configuration mode %d", control.ErrInvalidParameter, mode)
	}
	return d.ctrl.WriteRegister(ctx, wire.RegCurrentIPConfig, bits)
}

// registerStream tracks a Stream for Close to join, without the Stream
// holding any ownership back over the Device — per the arena model, the
// Device outlives every Stream it created.
func (d *Device) registerStream(s *Stream) {
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
}

// Close stops every stream created from this device, then the heartbeat,
// then the control channel, in that order — finalization joins all
// streams first, as the arena model requires.
func (d *Device) Close() error {
	d.mu.Lock()
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	d.hb.Stop()
	return d.ctrl.Close()
}
