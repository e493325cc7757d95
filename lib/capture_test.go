package lib

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/gopacket/layers"
)

func TestCaptureEmitsRecords(t *testing.T) {
	var buf bytes.Buffer
	c, err := NewCapture(&buf)
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}

	packet1 := []byte{0x45, 0, 0, 20, 1, 2, 3, 4}
	packet2 := []byte{0x45, 9, 8, 7, 6}
	c.WritePacket(packet1)
	c.WritePacket(packet2)

	raw := buf.Bytes()
	wantLen := 24 + (16 + len(packet1)) + (16 + len(packet2))
	if len(raw) != wantLen {
		t.Fatalf("expected %d bytes, got %d", wantLen, len(raw))
	}

	global := raw[:24]
	if magic := binary.LittleEndian.Uint32(global[0:4]); magic != 0xa1b2c3d4 {
		t.Fatalf("unexpected magic %#x", magic)
	}
	if snap := binary.LittleEndian.Uint32(global[16:20]); snap != captureSnapLen {
		t.Fatalf("unexpected snaplen %d", snap)
	}
	if link := binary.LittleEndian.Uint32(global[20:24]); link != uint32(layers.LinkTypeRaw) {
		t.Fatalf("unexpected link type %d", link)
	}

	off := 24
	record := raw[off : off+16]
	if capLen := binary.LittleEndian.Uint32(record[8:12]); capLen != uint32(len(packet1)) {
		t.Fatalf("unexpected caplen %d", capLen)
	}
	if !bytes.Equal(raw[off+16:off+16+len(packet1)], packet1) {
		t.Fatalf("packet1 payload mismatch")
	}
	off += 16 + len(packet1)
	if !bytes.Equal(raw[off+16:], packet2) {
		t.Fatalf("packet2 payload mismatch")
	}
}

func TestNilCaptureIsNoop(t *testing.T) {
	var c *Capture
	c.WritePacket([]byte{1, 2, 3})
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil capture: %v", err)
	}
}
