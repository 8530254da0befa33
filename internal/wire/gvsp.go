package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// GVSPContentType is the packet "format" byte: the low 7 bits of byte 4,
// which holds the format in both the legacy and the extended header.
type GVSPContentType uint8

const (
	ContentTypeLeader    GVSPContentType = 0x01
	ContentTypePayload   GVSPContentType = 0x02
	ContentTypeAllIn     GVSPContentType = 0x03
	ContentTypeTrailer   GVSPContentType = 0x04
	ContentTypeH264      GVSPContentType = 0x05
	ContentTypeMultizone GVSPContentType = 0x06
	ContentTypeMultipart GVSPContentType = 0x07
	ContentTypeGenDC     GVSPContentType = 0x08
)

// PayloadType identifies the kind of data a leader packet describes.
type PayloadType uint16

const (
	PayloadTypeImage       PayloadType = 0x0001
	PayloadTypeRaw         PayloadType = 0x0002
	PayloadTypeChunkedImage PayloadType = 0x0004
	PayloadTypeChunkData   PayloadType = 0x0005
	PayloadTypeJPEG        PayloadType = 0x0006
	PayloadTypeH264        PayloadType = 0x0007
	PayloadTypeMultipart   PayloadType = 0x0008

	// extendedIDFlag marks the high bit of the legacy format_flags byte
	// to indicate the 64-bit block-id / 32-bit packet-id extended header.
)

const extendedIDFlag = 0x80

// GVSPStatus is the two-byte status field: zero for OK, or a 16-bit GVCP
// error code (such as 0x800C) signalling an error packet.
type GVSPStatus uint16

const (
	StatusSuccess = GVSPStatus(0x0000)
)

// GVSP error-packet status codes reuse the GVCP error code space (§6): an
// error packet's whole Status field carries one of these.
const (
	ErrPacketRemovedFromMemory      = uint16(GVCPErrorPacketRemoved)
	ErrAndPreviousRemovedFromMemory = uint16(GVCPErrorPacketAndPrevRemoved)
	ErrPacketUnavailable            = uint16(GVCPErrorPacketUnavailable)
	ErrPacketNotYetAvailable        = uint16(GVCPErrorPacketNotYet)
)

// ErrPacketTooShort is returned when a datagram is too small to hold its
// declared header shape.
var ErrPacketTooShort = errors.New("wire: gvsp packet too short")

// HeaderLegacySize is the size of a legacy (16-bit block id) GVSP header.
const HeaderLegacySize = 8

// HeaderExtendedSize is the size of an extended (64-bit block id) GVSP header.
const HeaderExtendedSize = 20

// GVSPHeader is the decoded common header of a GVSP packet, normalized
// across the legacy and extended wire shapes.
type GVSPHeader struct {
	Status      GVSPStatus
	BlockID     uint64
	PacketID    uint32
	ContentType GVSPContentType
	Extended    bool
	HeaderSize  int // bytes consumed by the header (8 or 20)
}

// IsError reports whether Status carries an error code rather than 0x0000.
func (h GVSPHeader) IsError() bool { return h.Status != StatusSuccess }

// ErrorCode returns the full 16-bit Status, the GVCP error code when IsError is true.
func (h GVSPHeader) ErrorCode() uint16 { return uint16(h.Status) }

// DecodeGVSPHeader parses the leading header of a GVSP datagram, choosing
// the legacy or extended shape based on the high bit of the format byte.
func DecodeGVSPHeader(buf []byte) (GVSPHeader, error) {
	if len(buf) > MaxDatagram {
		return GVSPHeader{}, fmt.Errorf("gvsp header: %w", ErrOversized)
	}
	if len(buf) < HeaderLegacySize {
		return GVSPHeader{}, fmt.Errorf("gvsp header: %w", ErrPacketTooShort)
	}
	status := GVSPStatus(binary.BigEndian.Uint16(buf[0:2]))
	blockIDLow := binary.BigEndian.Uint16(buf[2:4])
	formatFlags := buf[4]
	extended := formatFlags&extendedIDFlag != 0

	if !extended {
		packetID24 := uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
		return GVSPHeader{
			Status:      status,
			BlockID:     uint64(blockIDLow),
			PacketID:    packetID24,
			ContentType: GVSPContentType(formatFlags &^ extendedIDFlag),
			Extended:    false,
			HeaderSize:  HeaderLegacySize,
		}, nil
	}

	if len(buf) < HeaderExtendedSize {
		return GVSPHeader{}, fmt.Errorf("gvsp extended header: %w", ErrPacketTooShort)
	}
	// Extended: bytes [2:4] flags, [4] format (same offset as the legacy
	// header's format_flags byte), [5:8] reserved, [8:16] block id,
	// [16:20] packet id.
	contentType := GVSPContentType(formatFlags &^ extendedIDFlag)
	blockID := binary.BigEndian.Uint64(buf[8:16])
	packetID := binary.BigEndian.Uint32(buf[16:20])
	return GVSPHeader{
		Status:      status,
		BlockID:     blockID,
		PacketID:    packetID,
		ContentType: contentType,
		Extended:    true,
		HeaderSize:  HeaderExtendedSize,
	}, nil
}

// LeaderBody is the decoded leader-packet payload descriptor.
type LeaderBody struct {
	PayloadType       PayloadType
	DeviceTimestamp   uint64 // device ticks
	Image             ImageDescriptor
	MultipartParts    []MultipartPartDescriptor
}

// ImageDescriptor describes a single-part image/raw/chunked payload.
type ImageDescriptor struct {
	PixelFormat uint32
	Width       uint32
	Height      uint32
	XOffset     uint32
	YOffset     uint32
	XPadding    uint16
	YPadding    uint16
}

// MultipartPartDescriptor describes one part of a multipart leader.
type MultipartPartDescriptor struct {
	ComponentID uint16
	DataType    uint8
	Size        uint64
	PixelFormat uint32
	Width       uint32
	Height      uint32
	XOffset     uint32
	YOffset     uint32
}

// DecodeLeaderBody parses a leader body. body excludes the common header.
// The payload type is read from the body itself (bytes [2:4]).
func DecodeLeaderBody(body []byte) (LeaderBody, error) {
	const fixedLen = 2 + 2 + 8 // reserved(2) + payloadType(2) + timestamp(8)
	if len(body) < fixedLen {
		return LeaderBody{}, fmt.Errorf("leader body: %w", ErrPacketTooShort)
	}
	lb := LeaderBody{
		PayloadType:     PayloadType(binary.BigEndian.Uint16(body[2:4])),
		DeviceTimestamp: binary.BigEndian.Uint64(body[4:12]),
	}
	rest := body[fixedLen:]
	switch lb.PayloadType {
	case PayloadTypeImage, PayloadTypeRaw, PayloadTypeChunkedImage, PayloadTypeChunkData:
		const imgLen = 4 + 4 + 4 + 4 + 4 + 2 + 2
		if len(rest) < imgLen {
			return LeaderBody{}, fmt.Errorf("leader image descriptor: %w", ErrPacketTooShort)
		}
		lb.Image = ImageDescriptor{
			PixelFormat: binary.BigEndian.Uint32(rest[0:4]),
			Width:       binary.BigEndian.Uint32(rest[4:8]),
			Height:      binary.BigEndian.Uint32(rest[8:12]),
			XOffset:     binary.BigEndian.Uint32(rest[12:16]),
			YOffset:     binary.BigEndian.Uint32(rest[16:20]),
			XPadding:    binary.BigEndian.Uint16(rest[20:22]),
			YPadding:    binary.BigEndian.Uint16(rest[22:24]),
		}
	case PayloadTypeMultipart:
		if len(rest) < 4 {
			return LeaderBody{}, fmt.Errorf("multipart leader: %w", ErrPacketTooShort)
		}
		nParts := int(binary.BigEndian.Uint16(rest[2:4]))
		rest = rest[4:]
		const partLen = 2 + 1 + 1 + 8 + 4 + 4 + 4 + 4 + 4
		for i := 0; i < nParts; i++ {
			if len(rest) < partLen {
				return LeaderBody{}, fmt.Errorf("multipart part %d: %w", i, ErrPacketTooShort)
			}
			p := MultipartPartDescriptor{
				ComponentID: binary.BigEndian.Uint16(rest[0:2]),
				DataType:    rest[2],
				Size:        binary.BigEndian.Uint64(rest[4:12]),
				PixelFormat: binary.BigEndian.Uint32(rest[12:16]),
				Width:       binary.BigEndian.Uint32(rest[16:20]),
				Height:      binary.BigEndian.Uint32(rest[20:24]),
				XOffset:     binary.BigEndian.Uint32(rest[24:28]),
				YOffset:     binary.BigEndian.Uint32(rest[28:32]),
			}
			lb.MultipartParts = append(lb.MultipartParts, p)
			rest = rest[partLen:]
		}
	default:
		// JPEG/H264 and other unsupported payload types: no geometry to decode.
	}
	return lb, nil
}

// MultipartBlockHeader is the per-packet header carried by multipart payload blocks.
type MultipartBlockHeader struct {
	PartID       uint8
	PartDataSize int
}

// DecodeMultipartBlockHeader parses the 4-byte prefix of a multipart
// payload packet's body. Only the part id (byte 0) is decoded; the other
// three bytes are skipped, and no intra-part offset is read, so
// PartDataSize stays zero. Returns the header and the remaining bytes that
// are the part's data.
func DecodeMultipartBlockHeader(body []byte) (MultipartBlockHeader, []byte, error) {
	if len(body) < 4 {
		return MultipartBlockHeader{}, nil, fmt.Errorf("multipart block header: %w", ErrPacketTooShort)
	}
	return MultipartBlockHeader{
		PartID: body[0],
	}, body[4:], nil
}

// TrailerBody is the decoded trailer-packet payload (size correction only, in this profile).
type TrailerBody struct {
	PacketID uint32
}

// EncodeLegacyHeader writes an 8-byte legacy GVSP header into buf[0:8].
func EncodeLegacyHeader(buf []byte, status GVSPStatus, blockID uint16, contentType GVSPContentType, packetID uint32) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(status))
	binary.BigEndian.PutUint16(buf[2:4], blockID)
	buf[4] = byte(contentType)
	buf[5] = byte(packetID >> 16)
	buf[6] = byte(packetID >> 8)
	buf[7] = byte(packetID)
}

// EncodeExtendedHeader writes a 20-byte extended GVSP header into buf[0:20].
func EncodeExtendedHeader(buf []byte, status GVSPStatus, blockID uint64, contentType GVSPContentType, packetID uint32) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(status))
	buf[2], buf[3] = 0, 0 // flags, unused by this profile
	buf[4] = extendedIDFlag | byte(contentType)
	buf[5], buf[6], buf[7] = 0, 0, 0 // reserved
	binary.BigEndian.PutUint64(buf[8:16], blockID)
	binary.BigEndian.PutUint32(buf[16:20], packetID)
}
