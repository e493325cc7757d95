package lib

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// Endpoint is one side of a TCP connection.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// Quad identifies a connection as seen on an inbound segment: Src is the
// peer, Dst is the local side. It is comparable and used as a map key. A
// reversed Quad names the same connection from the other direction and does
// not match it.
type Quad struct {
	Src Endpoint
	Dst Endpoint
}

// QuadFromHeaders derives the Quad of an inbound segment.
func QuadFromHeaders(ip *layers.IPv4, tcp *layers.TCP) (Quad, error) {
	src, ok := netip.AddrFromSlice(ip.SrcIP.To4())
	if !ok {
		return Quad{}, fmt.Errorf("invalid source address %v", ip.SrcIP)
	}
	dst, ok := netip.AddrFromSlice(ip.DstIP.To4())
	if !ok {
		return Quad{}, fmt.Errorf("invalid destination address %v", ip.DstIP)
	}
	return Quad{
		Src: Endpoint{Addr: src, Port: uint16(tcp.SrcPort)},
		Dst: Endpoint{Addr: dst, Port: uint16(tcp.DstPort)},
	}, nil
}

// Reverse returns the outbound orientation of q, used to address replies.
func (q Quad) Reverse() Quad {
	return Quad{Src: q.Dst, Dst: q.Src}
}

func (q Quad) String() string {
	return fmt.Sprintf("%s->%s", q.Src, q.Dst)
}
