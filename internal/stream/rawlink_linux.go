//go:build linux

package stream

import (
	"encoding/binary"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawLinkSocket is the optional Linux-only raw AF_PACKET transport: a
// link-layer socket with an mmap'd PACKET_RX_RING and a classic BPF filter
// matching source IP + destination IP + destination UDP port, so GVSP
// packets from one device reach userspace without a kernel socket-buffer
// copy per datagram. Grounded on the teacher's internal/socketcan AF_CAN
// raw-socket setup (unix.Socket/unix.Bind/unix.SetsockoptInt), generalized
// from a CAN interface bind to an Ethernet interface bind plus a packet
// filter, since AF_PACKET has no equivalent of CAN's interface-only bind.
type rawLinkSocket struct {
	fd        int
	ring      []byte
	frameSize int
	frameNum  int
	rxOffset  int
}

const (
	rawLinkBlockSize = 1 << 12
	rawLinkFrameSize = 1 << 11
	rawLinkBlockNr   = 64
	rawLinkFrameNr   = rawLinkBlockSize * rawLinkBlockNr / rawLinkFrameSize
)

// openRawLink binds an AF_PACKET socket to iface, installs a BPF filter
// selecting UDP datagrams from srcIP to dstIP:dstPort, and maps an
// RX ring buffer for bulk receive.
func openRawLink(iface string, srcIP, dstIP net.IP, dstPort int) (*rawLinkSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_IP)))
	if err != nil {
		return nil, fmt.Errorf("rawlink: socket: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rawlink: interface %q: %w", iface, err)
	}

	prog := buildGVSPFilter(srcIP, dstIP, dstPort)
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, prog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rawlink: attach filter: %w", err)
	}

	req := unix.TpacketReq{
		Block_size: rawLinkBlockSize,
		Block_nr:   rawLinkBlockNr,
		Frame_size: rawLinkFrameSize,
		Frame_nr:   rawLinkFrameNr,
	}
	if err := unix.SetsockoptTpacketReq(fd, unix.SOL_PACKET, unix.PACKET_RX_RING, &req); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rawlink: rx ring: %w", err)
	}

	ringSize := rawLinkBlockSize * rawLinkBlockNr
	ring, err := unix.Mmap(fd, 0, ringSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rawlink: mmap: %w", err)
	}

	sa := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_IP), Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Munmap(ring)
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rawlink: bind %q: %w", iface, err)
	}

	return &rawLinkSocket{
		fd:        fd,
		ring:      ring,
		frameSize: rawLinkFrameSize,
		frameNum:  rawLinkFrameNr,
	}, nil
}

func (s *rawLinkSocket) Close() error {
	_ = unix.Munmap(s.ring)
	return unix.Close(s.fd)
}

// ReadFrame returns the next UDP payload from the ring buffer once a frame
// is marked TP_STATUS_USER by the kernel, then returns the slot to the
// kernel. The Ethernet and IPv4 headers have already been matched by the
// attached BPF filter; this only needs to skip past them.
func (s *rawLinkSocket) ReadFrame() ([]byte, error) {
	slot := s.ring[s.rxOffset*s.frameSize : (s.rxOffset+1)*s.frameSize]
	hdr := (*unix.Tpacket2Hdr)(unsafe.Pointer(&slot[0]))
	for hdr.Status&unix.TP_STATUS_USER == 0 {
		pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(pfd, 1000); err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
	}

	mac := int(hdr.Mac)
	pktLen := int(hdr.Len)
	frame := slot[mac : mac+pktLen]
	const ethHeaderLen = 14
	ip := frame[ethHeaderLen:]
	ipHeaderLen := int(ip[0]&0x0f) * 4
	udpPayload := ip[ipHeaderLen+8:] // skip IPv4 header + 8B UDP header

	out := append([]byte(nil), udpPayload...)

	hdr.Status = unix.TP_STATUS_KERNEL
	s.rxOffset = (s.rxOffset + 1) % s.frameNum
	return out, nil
}

func htons(v int) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return binary.LittleEndian.Uint16(b[:])
}

// buildGVSPFilter assembles a classic BPF program selecting IPv4/UDP
// datagrams with the given source address, destination address, and
// destination port — the three fields GVSP traffic is uniquely identified
// by on a shared segment. Offsets assume a 14-byte Ethernet header and no
// IPv4 options, matching the fixed-size GVSP headers this package decodes.
func buildGVSPFilter(srcIP, dstIP net.IP, dstPort int) *unix.SockFprog {
	src := srcIP.To4()
	dst := dstIP.To4()
	srcVal := binary.BigEndian.Uint32(src)
	dstVal := binary.BigEndian.Uint32(dst)

	const (
		ethHeaderLen = 14
		ipProtoOff   = ethHeaderLen + 9
		ipSrcOff     = ethHeaderLen + 12
		ipDstOff     = ethHeaderLen + 16
		udpDstOff    = ethHeaderLen + 20 + 2
	)

	// 10-instruction program: four AND'd equality checks (protocol, src,
	// dst, dst port) falling through on match and jumping to the drop RET
	// (index 9) on mismatch, terminating in a full-capture accept (index 8).
	insns := []unix.SockFilter{
		{Code: unix.BPF_LD | unix.BPF_B | unix.BPF_ABS, K: ipProtoOff},
		{Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K, K: unix.IPPROTO_UDP, Jt: 0, Jf: 7},
		{Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS, K: ipSrcOff},
		{Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K, K: srcVal, Jt: 0, Jf: 5},
		{Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS, K: ipDstOff},
		{Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K, K: dstVal, Jt: 0, Jf: 3},
		{Code: unix.BPF_LD | unix.BPF_H | unix.BPF_ABS, K: udpDstOff},
		{Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K, K: uint32(dstPort), Jt: 0, Jf: 1},
		{Code: unix.BPF_RET | unix.BPF_K, K: 0x40000},
		{Code: unix.BPF_RET | unix.BPF_K, K: 0},
	}
	return &unix.SockFprog{Len: uint16(len(insns)), Filter: &insns[0]}
}
