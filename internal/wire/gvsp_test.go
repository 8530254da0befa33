package wire

import (
	"encoding/binary"
	"testing"
)

func TestLegacyHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderLegacySize)
	EncodeLegacyHeader(buf, StatusSuccess, 0x1234, ContentTypePayload, 0x000102)

	hdr, err := DecodeGVSPHeader(buf)
	if err != nil {
		t.Fatalf("DecodeGVSPHeader: %v", err)
	}
	if hdr.Extended {
		t.Fatal("expected legacy header")
	}
	if hdr.BlockID != 0x1234 || hdr.PacketID != 0x000102 || hdr.ContentType != ContentTypePayload {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	if hdr.HeaderSize != HeaderLegacySize {
		t.Fatalf("HeaderSize = %d, want %d", hdr.HeaderSize, HeaderLegacySize)
	}
}

func TestExtendedHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderExtendedSize)
	EncodeExtendedHeader(buf, StatusSuccess, 0x1_0000_0000_0001, ContentTypeTrailer, 0xABCDEF01)

	hdr, err := DecodeGVSPHeader(buf)
	if err != nil {
		t.Fatalf("DecodeGVSPHeader: %v", err)
	}
	if !hdr.Extended {
		t.Fatal("expected extended header")
	}
	if hdr.BlockID != 0x1_0000_0000_0001 || hdr.PacketID != 0xABCDEF01 || hdr.ContentType != ContentTypeTrailer {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	if hdr.HeaderSize != HeaderExtendedSize {
		t.Fatalf("HeaderSize = %d, want %d", hdr.HeaderSize, HeaderExtendedSize)
	}
}

func TestDecodeGVSPHeaderTooShort(t *testing.T) {
	if _, err := DecodeGVSPHeader([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected ErrPacketTooShort")
	}
	extBuf := make([]byte, HeaderLegacySize)
	extBuf[4] = extendedIDFlag
	if _, err := DecodeGVSPHeader(extBuf); err == nil {
		t.Fatal("expected ErrPacketTooShort for truncated extended header")
	}
}

func TestGVSPHeaderErrorPacket(t *testing.T) {
	buf := make([]byte, HeaderLegacySize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(ErrPacketUnavailable))
	hdr, err := DecodeGVSPHeader(buf)
	if err != nil {
		t.Fatalf("DecodeGVSPHeader: %v", err)
	}
	if !hdr.IsError() {
		t.Fatal("expected error status")
	}
	if hdr.ErrorCode() != ErrPacketUnavailable {
		t.Fatalf("ErrorCode() = 0x%04x, want 0x%04x", hdr.ErrorCode(), ErrPacketUnavailable)
	}
}

func buildImageLeaderBody(payloadType PayloadType, img ImageDescriptor, ts uint64) []byte {
	body := make([]byte, 12+24)
	binary.BigEndian.PutUint16(body[2:4], uint16(payloadType))
	binary.BigEndian.PutUint64(body[4:12], ts)
	rest := body[12:]
	binary.BigEndian.PutUint32(rest[0:4], img.PixelFormat)
	binary.BigEndian.PutUint32(rest[4:8], img.Width)
	binary.BigEndian.PutUint32(rest[8:12], img.Height)
	binary.BigEndian.PutUint32(rest[12:16], img.XOffset)
	binary.BigEndian.PutUint32(rest[16:20], img.YOffset)
	binary.BigEndian.PutUint16(rest[20:22], img.XPadding)
	binary.BigEndian.PutUint16(rest[22:24], img.YPadding)
	return body
}

func TestDecodeLeaderBodyImage(t *testing.T) {
	img := ImageDescriptor{PixelFormat: 0x01080001, Width: 640, Height: 480, XOffset: 1, YOffset: 2, XPadding: 0, YPadding: 0}
	body := buildImageLeaderBody(PayloadTypeImage, img, 123456789)

	lb, err := DecodeLeaderBody(body)
	if err != nil {
		t.Fatalf("DecodeLeaderBody: %v", err)
	}
	if lb.PayloadType != PayloadTypeImage || lb.DeviceTimestamp != 123456789 {
		t.Fatalf("unexpected leader: %+v", lb)
	}
	if lb.Image != img {
		t.Fatalf("image descriptor mismatch: got %+v, want %+v", lb.Image, img)
	}
}

func TestDecodeLeaderBodyMultipart(t *testing.T) {
	const fixedLen = 12
	const nParts = 2
	const partLen = 2 + 1 + 1 + 8 + 4 + 4 + 4 + 4 + 4
	body := make([]byte, fixedLen+4+nParts*partLen)
	binary.BigEndian.PutUint16(body[2:4], uint16(PayloadTypeMultipart))
	binary.BigEndian.PutUint64(body[4:12], 42)
	rest := body[fixedLen:]
	binary.BigEndian.PutUint16(rest[2:4], nParts)
	rest = rest[4:]
	for i := 0; i < nParts; i++ {
		p := rest[i*partLen:]
		binary.BigEndian.PutUint16(p[0:2], uint16(i))
		p[2] = 1 // data type
		binary.BigEndian.PutUint64(p[4:12], uint64(1000*(i+1)))
		binary.BigEndian.PutUint32(p[12:16], 0x01080001)
		binary.BigEndian.PutUint32(p[16:20], 640)
		binary.BigEndian.PutUint32(p[20:24], 480)
	}

	lb, err := DecodeLeaderBody(body)
	if err != nil {
		t.Fatalf("DecodeLeaderBody: %v", err)
	}
	if len(lb.MultipartParts) != nParts {
		t.Fatalf("len(MultipartParts) = %d, want %d", len(lb.MultipartParts), nParts)
	}
	if lb.MultipartParts[0].Size != 1000 || lb.MultipartParts[1].Size != 2000 {
		t.Fatalf("unexpected part sizes: %+v", lb.MultipartParts)
	}
}

func TestDecodeLeaderBodyTruncated(t *testing.T) {
	if _, err := DecodeLeaderBody([]byte{0, 0}); err == nil {
		t.Fatal("expected ErrPacketTooShort")
	}
}

func TestDecodeMultipartBlockHeader(t *testing.T) {
	body := []byte{2, 0, 0, 0, 0xAA, 0xBB, 0xCC}
	mh, data, err := DecodeMultipartBlockHeader(body)
	if err != nil {
		t.Fatalf("DecodeMultipartBlockHeader: %v", err)
	}
	if mh.PartID != 2 {
		t.Fatalf("PartID = %d, want 2", mh.PartID)
	}
	if len(data) != 3 {
		t.Fatalf("len(data) = %d, want 3", len(data))
	}
}
