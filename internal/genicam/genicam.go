// Package genicam defines the narrow boundary between the device façade and
// an external GenICam feature engine. This module does not parse GenICam
// XML or evaluate feature nodes; it only defines the register-level
// primitives such an engine would need to drive, plus a test fake, the same
// way the teacher's internal/cnl defines a Codec interface for a transport
// it doesn't itself implement.
package genicam

import "context"

// Port is the four-primitive surface a GenICam feature engine consumes to
// read and write a device's register and memory space. device.Device
// implements this directly; FeatureRead/FeatureWrite on the façade are
// thin passthroughs to a Port, keeping feature-node evaluation entirely
// out of this module.
type Port interface {
	ReadRegister(ctx context.Context, address uint32) (uint32, error)
	WriteRegister(ctx context.Context, address, value uint32) error
	ReadMemory(ctx context.Context, address uint32, size int) ([]byte, error)
	WriteMemory(ctx context.Context, address uint32, data []byte) error
}
