//go:build !linux

package stream

import (
	"errors"
	"net"
)

// ErrRawLinkUnsupported is returned by openRawLink on platforms without the
// Linux AF_PACKET raw-link transport.
var ErrRawLinkUnsupported = errors.New("stream: raw-link receive is linux-only")

type rawLinkSocket struct{}

func openRawLink(iface string, srcIP, dstIP net.IP, dstPort int) (*rawLinkSocket, error) {
	return nil, ErrRawLinkUnsupported
}

func (s *rawLinkSocket) Close() error { return nil }

func (s *rawLinkSocket) ReadFrame() ([]byte, error) { return nil, ErrRawLinkUnsupported }
