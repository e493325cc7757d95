package lib

import "github.com/Clouded-Sabre/tun-tcp/config"

// Flag constants
const (
	// TCP flag bits as they appear in byte 13 of the header
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	PacketInfoLength  = 4      // TUN packet-information prefix: flags(2) + proto(2)
	EtherTypeIPv4     = 0x0800 // proto value of an IPv4 frame
	IpHeaderLength    = 20     // options not included
	TcpHeaderLength   = 20     // options not included
	MaxFrameLength    = config.MaxFrameLength
	ReceiveBufferSize = 1504 // one MTU plus the prefix
)
