package lib

import (
	"encoding/binary"
	"net"
	"net/netip"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds scratch buffer")
	errShortFrame    = errors.New("frame shorter than packet information prefix")
)

// PacketInfo is the 4-byte prefix the TUN driver puts in front of every
// frame when the device is opened without IFF_NO_PI.
type PacketInfo struct {
	Flags uint16
	Proto uint16
}

func ParsePacketInfo(frame []byte) (PacketInfo, error) {
	if len(frame) < PacketInfoLength {
		return PacketInfo{}, errShortFrame
	}
	return PacketInfo{
		Flags: binary.BigEndian.Uint16(frame[0:2]),
		Proto: binary.BigEndian.Uint16(frame[2:4]),
	}, nil
}

func (pi PacketInfo) put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], pi.Flags)
	binary.BigEndian.PutUint16(b[2:4], pi.Proto)
}

// decodeIPv4 parses the IP header at the start of data. The TCP bytes are
// left in ip.Payload.
func decodeIPv4(data []byte, ip *layers.IPv4) error {
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return errors.Wrap(err, "ipv4")
	}
	if ip.Version != 4 {
		return errors.Errorf("ipv4: unexpected version %d", ip.Version)
	}
	return nil
}

// decodeTCP parses the TCP header at the start of data. Segment text is left
// in tcp.Payload.
func decodeTCP(data []byte, tcp *layers.TCP) error {
	if err := tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return errors.Wrap(err, "tcp")
	}
	return nil
}

// Segment is a decoded inbound frame.
type Segment struct {
	Info PacketInfo
	IP   layers.IPv4
	TCP  layers.TCP
}

// DecodeSegment parses a complete frame. The layers keep references into
// frame, so the caller must not reuse it while the segment is alive.
func DecodeSegment(frame []byte, seg *Segment) error {
	info, err := ParsePacketInfo(frame)
	if err != nil {
		return err
	}
	if info.Proto != EtherTypeIPv4 {
		return errors.Errorf("unexpected protocol 0x%04x", info.Proto)
	}
	seg.Info = info
	if err := decodeIPv4(frame[PacketInfoLength:], &seg.IP); err != nil {
		return err
	}
	if seg.IP.Protocol != layers.IPProtocolTCP {
		return errors.Errorf("unexpected ip protocol %d", seg.IP.Protocol)
	}
	return decodeTCP(seg.IP.Payload, &seg.TCP)
}

// OutSegment describes a reply. Quad is in outbound orientation: Src is us.
type OutSegment struct {
	Quad    Quad
	Seq     seqnum.Value
	Ack     seqnum.Value
	Flags   uint8
	Window  uint16
	Payload []byte
}

// SegmentBuilder serializes replies into one reusable buffer. Bytes returned
// by Build stay valid until the next call.
type SegmentBuilder struct {
	buf  gopacket.SerializeBuffer
	opts gopacket.SerializeOptions
	ttl  uint8
}

func NewSegmentBuilder(ttl uint8) *SegmentBuilder {
	return &SegmentBuilder{
		buf:  gopacket.NewSerializeBufferExpectedSize(MaxFrameLength, 0),
		opts: gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ttl:  ttl,
	}
}

func (b *SegmentBuilder) Build(seg *OutSegment) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      b.ttl,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    addrToIP(seg.Quad.Src.Addr),
		DstIP:    addrToIP(seg.Quad.Dst.Addr),
	}
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(seg.Quad.Src.Port),
		DstPort:    layers.TCPPort(seg.Quad.Dst.Port),
		Seq:        uint32(seg.Seq),
		Window:     seg.Window,
		DataOffset: 5,
	}
	if seg.Flags&ACKFlag != 0 {
		tcp.Ack = uint32(seg.Ack)
	}
	setFlags(tcp, seg.Flags)
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, errors.Wrap(err, "setting checksum layer")
	}

	if err := b.buf.Clear(); err != nil {
		return nil, err
	}
	if err := gopacket.SerializeLayers(b.buf, b.opts, ip, tcp, gopacket.Payload(seg.Payload)); err != nil {
		return nil, errors.Wrap(err, "serializing segment")
	}
	prefix, err := b.buf.PrependBytes(PacketInfoLength)
	if err != nil {
		return nil, err
	}
	PacketInfo{Proto: EtherTypeIPv4}.put(prefix)

	frame := b.buf.Bytes()
	if len(frame) > MaxFrameLength {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(frame))
	}
	return frame, nil
}

func addrToIP(a netip.Addr) net.IP {
	b := a.As4()
	return net.IP(b[:])
}

func flagsOf(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= FINFlag
	}
	if tcp.SYN {
		f |= SYNFlag
	}
	if tcp.RST {
		f |= RSTFlag
	}
	if tcp.PSH {
		f |= PSHFlag
	}
	if tcp.ACK {
		f |= ACKFlag
	}
	if tcp.URG {
		f |= URGFlag
	}
	return f
}

func setFlags(tcp *layers.TCP, f uint8) {
	tcp.FIN = f&FINFlag != 0
	tcp.SYN = f&SYNFlag != 0
	tcp.RST = f&RSTFlag != 0
	tcp.PSH = f&PSHFlag != 0
	tcp.ACK = f&ACKFlag != 0
	tcp.URG = f&URGFlag != 0
}

var flagNames = []struct {
	flag uint8
	name string
}{
	{SYNFlag, "SYN"}, {FINFlag, "FIN"}, {RSTFlag, "RST"},
	{PSHFlag, "PSH"}, {ACKFlag, "ACK"}, {URGFlag, "URG"},
}

// flagString renders flags as e.g. "[SYN,ACK]".
func flagString(f uint8) string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return "[" + strings.Join(names, ",") + "]"
}

// segmentLength counts the sequence numbers a segment occupies: its text
// plus one for each of SYN and FIN.
func segmentLength(tcp *layers.TCP, payload []byte) seqnum.Size {
	l := seqnum.Size(len(payload))
	if tcp.SYN {
		l++
	}
	if tcp.FIN {
		l++
	}
	return l
}
