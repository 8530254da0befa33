package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := GVCPHeader{PacketType: PacketTypeCmd, CommandFlags: 0x01, Command: CommandReadRegisterCmd, DataSize: 8, PacketID: 0x1234}
	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, h)
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderTruncated(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on truncated header")
	}
}

func TestReadWriteRegisterCmdRoundTrip(t *testing.T) {
	cmd := EncodeReadRegisterCmd(7, []uint32{0x0024, 0x0048})
	h, err := DecodeHeader(cmd)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Command != CommandReadRegisterCmd || h.PacketID != 7 || h.DataSize != 8 {
		t.Fatalf("unexpected header: %+v", h)
	}

	wr := EncodeWriteRegisterCmd(9, 0x0024, 0xdeadbeef)
	h2, err := DecodeHeader(wr)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h2.Command != CommandWriteRegisterCmd || h2.PacketID != 9 {
		t.Fatalf("unexpected header: %+v", h2)
	}
}

func TestReadMemoryCmdRoundTrip(t *testing.T) {
	cmd := EncodeReadMemoryCmd(3, 0x0048, 32)
	h, err := DecodeHeader(cmd)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Command != CommandReadMemoryCmd || h.DataSize != 8 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestWriteMemoryCmdRoundTrip(t *testing.T) {
	data := []byte("abcdefgh")
	cmd := EncodeWriteMemoryCmd(5, 0x1000, data)
	h, err := DecodeHeader(cmd)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.DataSize != uint16(4+len(data)) {
		t.Fatalf("DataSize = %d, want %d", h.DataSize, 4+len(data))
	}
	if got := cmd[HeaderSize+4:]; !bytes.Equal(got, data) {
		t.Fatalf("payload mismatch: got %q want %q", got, data)
	}
}

func TestDecodeAckPlain(t *testing.T) {
	buf := make([]byte, HeaderSize+4)
	EncodeHeader(buf, GVCPHeader{PacketType: PacketTypeAck, Command: CommandReadRegisterAck, DataSize: 4, PacketID: 11})
	buf[8], buf[9], buf[10], buf[11] = 0, 0, 0, 42

	ack, err := DecodeAck(buf)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if ack.IsError() || ack.IsPendingAck() {
		t.Fatalf("unexpected ack classification: %+v", ack)
	}
	vals, err := ReadRegisterAckValues(ack.Body)
	if err != nil {
		t.Fatalf("ReadRegisterAckValues: %v", err)
	}
	if len(vals) != 1 || vals[0] != 42 {
		t.Fatalf("vals = %v, want [42]", vals)
	}
}

func TestDecodeAckPendingAck(t *testing.T) {
	buf := make([]byte, HeaderSize+4)
	EncodeHeader(buf, GVCPHeader{PacketType: PacketTypeAck, Command: CommandPendingAck, DataSize: 2, PacketID: 20})
	buf[8] = 0x01
	buf[9] = 0xF4 // 500ms

	ack, err := DecodeAck(buf)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if !ack.IsPendingAck() {
		t.Fatal("expected pending ack")
	}
	ms, err := ack.PendingTimeoutMS()
	if err != nil {
		t.Fatalf("PendingTimeoutMS: %v", err)
	}
	if ms != 500 {
		t.Fatalf("PendingTimeoutMS = %d, want 500", ms)
	}
}

func TestDecodeAckError(t *testing.T) {
	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, GVCPHeader{PacketType: PacketTypeError, Command: CommandWriteRegisterAck, DataSize: uint16(GVCPErrorWriteProtect), PacketID: 30})
	ack, err := DecodeAck(buf)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if !ack.IsError() {
		t.Fatal("expected error ack")
	}
	if ack.ErrorCode() != uint16(GVCPErrorWriteProtect) {
		t.Fatalf("ErrorCode() = 0x%04x, want 0x%04x", ack.ErrorCode(), GVCPErrorWriteProtect)
	}
}

func TestDiscoveryAckRoundTrip(t *testing.T) {
	body := make([]byte, 212)
	copy(body[6:12], []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01})
	body[16], body[17], body[18], body[19] = 192, 168, 1, 10
	copy(body[36:], "Acme Vision")
	copy(body[68:], "ModelX")
	copy(body[148:], "SN12345")

	info, err := DecodeDiscoveryAck(body)
	if err != nil {
		t.Fatalf("DecodeDiscoveryAck: %v", err)
	}
	if info.ManufacturerName != "Acme Vision" || info.ModelName != "ModelX" || info.SerialNumber != "SN12345" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.DeviceMAC != [6]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01} {
		t.Fatalf("unexpected MAC: %v", info.DeviceMAC)
	}
}

func TestPacketResendCmdLegacy(t *testing.T) {
	cmd := EncodePacketResendCmd(1, 100, 6, 6, false)
	h, err := DecodeHeader(cmd)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Command != CommandPacketResendCmd || h.DataSize != 8 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestPacketResendCmdExtended(t *testing.T) {
	cmd := EncodePacketResendCmd(1, 1<<40, 6, 9, true)
	h, err := DecodeHeader(cmd)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.DataSize != 16 {
		t.Fatalf("DataSize = %d, want 16", h.DataSize)
	}
}

func TestDecodeAckOversized(t *testing.T) {
	buf := make([]byte, MaxDatagram+1)
	if _, err := DecodeAck(buf); err == nil {
		t.Fatal("expected ErrOversized")
	}
}
