package control

import (
	"errors"
	"fmt"

	"github.com/go-gev/gev/internal/wire"
)

// Kind is the device error taxonomy of spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindNotSupported
	KindInvalidParameter
	KindTimeout
	KindProtocolError
	KindNotController
	KindNoStreamChannel
	KindGenicamNotFound
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindNotSupported:
		return "NotSupported"
	case KindInvalidParameter:
		return "InvalidParameter"
	case KindTimeout:
		return "Timeout"
	case KindProtocolError:
		return "ProtocolError"
	case KindNotController:
		return "NotController"
	case KindNoStreamChannel:
		return "NoStreamChannel"
	case KindGenicamNotFound:
		return "GenicamNotFound"
	default:
		return "Unknown"
	}
}

// DeviceError is the error type returned by the control channel. A
// ProtocolError additionally carries the GVCP error code it was mapped
// from, in Code.
type DeviceError struct {
	Kind Kind
	Code wire.GVCPErrorCode
	msg  string
}

func (e *DeviceError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("gev: %s (code=0x%04x): %s", e.Kind, uint16(e.Code), e.msg)
	}
	return fmt.Sprintf("gev: %s: %s", e.Kind, e.msg)
}

// ErrTimeout is returned when a request exhausts all retries without a valid ack.
var ErrTimeout = &DeviceError{Kind: KindTimeout, msg: "request exhausted retries with no valid ack"}

// ErrProtocol is returned for a malformed ack, unexpected command, or size mismatch.
var ErrProtocol = &DeviceError{Kind: KindProtocolError, msg: "malformed or unexpected ack"}

// ErrNotController is returned by device.CreateStream when the handle does
// not hold control privilege.
var ErrNotController = &DeviceError{Kind: KindNotController, msg: "control privilege not held"}

// ErrNoStreamChannel is returned when the device reports zero stream channels.
var ErrNoStreamChannel = &DeviceError{Kind: KindNoStreamChannel, msg: "device reports no stream channels"}

// ErrInvalidParameter is returned for a locally-detected bad argument.
var ErrInvalidParameter = &DeviceError{Kind: KindInvalidParameter, msg: "invalid parameter"}

// mapGVCPErrorCode maps a wire-level error code to the Kind/Code pair
// surfaced to callers, per spec.md §7's ProtocolError sub-taxonomy.
func mapGVCPErrorCode(code uint16) *DeviceError {
	gc := wire.GVCPErrorCode(code)
	switch gc {
	case wire.GVCPErrorNotImplemented:
		return &DeviceError{Kind: KindProtocolError, Code: gc, msg: "not implemented"}
	case wire.GVCPErrorInvalidParameter:
		return &DeviceError{Kind: KindProtocolError, Code: gc, msg: "invalid parameter"}
	case wire.GVCPErrorInvalidAddress:
		return &DeviceError{Kind: KindProtocolError, Code: gc, msg: "invalid address"}
	case wire.GVCPErrorWriteProtect:
		return &DeviceError{Kind: KindProtocolError, Code: gc, msg: "write protect"}
	case wire.GVCPErrorBadAlignment:
		return &DeviceError{Kind: KindProtocolError, Code: gc, msg: "bad alignment"}
	case wire.GVCPErrorAccessDenied:
		return &DeviceError{Kind: KindProtocolError, Code: gc, msg: "access denied"}
	case wire.GVCPErrorBusy:
		return &DeviceError{Kind: KindProtocolError, Code: gc, msg: "busy"}
	case wire.GVCPErrorPacketUnavailable:
		return &DeviceError{Kind: KindProtocolError, Code: gc, msg: "packet unavailable"}
	default:
		return &DeviceError{Kind: KindProtocolError, Code: gc, msg: "device error"}
	}
}

// KindOf returns the Kind of the *DeviceError wrapped in err, or KindUnknown
// when err wraps none.
func KindOf(err error) Kind {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
