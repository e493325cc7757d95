package lib

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// checksum folds the one's complement sum of data, like the IP and TCP
// checksum fields. A buffer including a correct checksum folds to zero.
func checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 != 0 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

func TestParsePacketInfo(t *testing.T) {
	info, err := ParsePacketInfo([]byte{0x00, 0x01, 0x08, 0x00, 0x45})
	if err != nil {
		t.Fatalf("ParsePacketInfo: %v", err)
	}
	if info.Flags != 1 || info.Proto != EtherTypeIPv4 {
		t.Errorf("got %+v, want flags 1 proto 0x0800", info)
	}

	if _, err := ParsePacketInfo([]byte{0, 0, 8}); err == nil {
		t.Error("expected an error for a 3-byte frame")
	}
}

func TestBuildThenDecode(t *testing.T) {
	b := NewSegmentBuilder(64)
	out := &OutSegment{
		Quad:    quad.Reverse(),
		Seq:     5000,
		Ack:     1001,
		Flags:   PSHFlag | ACKFlag,
		Window:  10,
		Payload: []byte("hello"),
	}
	frame, err := b.Build(out)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !bytes.Equal(frame[:4], []byte{0x00, 0x00, 0x08, 0x00}) {
		t.Errorf("prefix = % x, want 00 00 08 00", frame[:4])
	}
	if want := PacketInfoLength + IpHeaderLength + TcpHeaderLength + 5; len(frame) != want {
		t.Fatalf("frame length = %d, want %d", len(frame), want)
	}

	var seg Segment
	if err := DecodeSegment(frame, &seg); err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}
	if seg.IP.TTL != 64 || seg.IP.Protocol != layers.IPProtocolTCP {
		t.Errorf("ttl/proto = %d/%d, want 64/6", seg.IP.TTL, seg.IP.Protocol)
	}
	if !seg.IP.SrcIP.Equal(addrToIP(local.Addr)) || !seg.IP.DstIP.Equal(addrToIP(peer.Addr)) {
		t.Errorf("addresses = %s -> %s, want %s -> %s", seg.IP.SrcIP, seg.IP.DstIP, local.Addr, peer.Addr)
	}
	if uint16(seg.TCP.SrcPort) != local.Port || uint16(seg.TCP.DstPort) != peer.Port {
		t.Errorf("ports = %d -> %d", seg.TCP.SrcPort, seg.TCP.DstPort)
	}
	if seg.TCP.Seq != 5000 || seg.TCP.Ack != 1001 || seg.TCP.Window != 10 {
		t.Errorf("seq/ack/win = %d/%d/%d, want 5000/1001/10", seg.TCP.Seq, seg.TCP.Ack, seg.TCP.Window)
	}
	if got := flagsOf(&seg.TCP); got != PSHFlag|ACKFlag {
		t.Errorf("flags = %s, want [PSH,ACK]", flagString(got))
	}
	if string(seg.TCP.Payload) != "hello" {
		t.Errorf("payload = %q", seg.TCP.Payload)
	}

	ipBytes := frame[PacketInfoLength:]
	if c := checksum(ipBytes[:IpHeaderLength]); c != 0 {
		t.Errorf("ip header checksum does not verify (residue %#x)", c)
	}
	tcpBytes := ipBytes[IpHeaderLength:]
	pseudo := make([]byte, 12, 12+len(tcpBytes))
	copy(pseudo[0:4], ipBytes[12:16])
	copy(pseudo[4:8], ipBytes[16:20])
	pseudo[9] = 6
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpBytes)))
	if c := checksum(append(pseudo, tcpBytes...)); c != 0 {
		t.Errorf("tcp checksum does not verify (residue %#x)", c)
	}
}

func TestBuildOmitsAckNumberWithoutAckFlag(t *testing.T) {
	b := NewSegmentBuilder(64)
	frame, err := b.Build(&OutSegment{Quad: quad.Reverse(), Seq: 7, Ack: 99, Flags: RSTFlag})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var seg Segment
	if err := DecodeSegment(frame, &seg); err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}
	if seg.TCP.Ack != 0 || !seg.TCP.RST || seg.TCP.ACK {
		t.Errorf("got ack=%d flags=%s", seg.TCP.Ack, flagString(flagsOf(&seg.TCP)))
	}
}

func TestBuildRejectsOversizeFrame(t *testing.T) {
	b := NewSegmentBuilder(64)
	_, err := b.Build(&OutSegment{
		Quad:    quad.Reverse(),
		Flags:   ACKFlag,
		Payload: make([]byte, MaxFrameLength),
	})
	if errors.Cause(err) != ErrFrameTooLarge {
		t.Errorf("Build = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeSegmentRejects(t *testing.T) {
	b := NewSegmentBuilder(64)
	good, err := b.Build(&OutSegment{Quad: quad.Reverse(), Flags: ACKFlag})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	good = append([]byte(nil), good...)

	ipv6 := append([]byte(nil), good...)
	ipv6[2], ipv6[3] = 0x86, 0xdd

	udp := append([]byte(nil), good...)
	udp[PacketInfoLength+9] = 17

	testCases := []struct {
		name  string
		frame []byte
	}{
		{"short", good[:3]},
		{"ipv6 proto", ipv6},
		{"truncated ip header", good[:PacketInfoLength+10]},
		{"not tcp", udp},
		{"truncated tcp header", good[:PacketInfoLength+IpHeaderLength+8]},
	}
	for _, tc := range testCases {
		var seg Segment
		if err := DecodeSegment(tc.frame, &seg); err == nil {
			t.Errorf("%s: DecodeSegment succeeded", tc.name)
		}
	}
}

func TestSegmentLength(t *testing.T) {
	testCases := []struct {
		flags   uint8
		payload int
		want    uint32
	}{
		{ACKFlag, 0, 0},
		{SYNFlag, 0, 1},
		{FINFlag | ACKFlag, 3, 4},
		{SYNFlag | FINFlag, 2, 4},
	}
	for _, tc := range testCases {
		_, tcp := inbound(0, 0, tc.flags, 0)
		if got := segmentLength(tcp, make([]byte, tc.payload)); uint32(got) != tc.want {
			t.Errorf("segmentLength(%s, %d) = %d, want %d", flagString(tc.flags), tc.payload, got, tc.want)
		}
	}
}

func TestFlagString(t *testing.T) {
	if got := flagString(SYNFlag | ACKFlag); got != "[SYN,ACK]" {
		t.Errorf("flagString = %q", got)
	}
	if got := flagString(0); got != "[]" {
		t.Errorf("flagString(0) = %q", got)
	}
}
