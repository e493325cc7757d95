package lib

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/hash/jenkins"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// ISSGenerator picks initial send sequence numbers.
type ISSGenerator interface {
	Next(q Quad) seqnum.Value
}

// SecureISS follows RFC 6528: a keyed hash of the connection tuple plus a
// clock ticking every 64ns, so numbers are unpredictable off-path and still
// increase for a reused tuple.
type SecureISS struct {
	secret uint32
	now    func() time.Time
}

func NewSecureISS() (*SecureISS, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, err
	}
	return &SecureISS{secret: binary.LittleEndian.Uint32(b[:]), now: time.Now}, nil
}

func (g *SecureISS) Next(q Quad) seqnum.Value {
	h := jenkins.Sum32(g.secret)
	local := q.Dst.Addr.As4()
	remote := q.Src.Addr.As4()
	h.Write(local[:])
	h.Write(remote[:])

	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], q.Dst.Port)
	h.Write(portBuf[:])
	binary.LittleEndian.PutUint16(portBuf[:], q.Src.Port)
	h.Write(portBuf[:])

	return seqnum.Value(h.Sum32() + uint32(g.now().UnixNano()>>6))
}

// FixedISS always returns the same value. Useful in tests.
type FixedISS seqnum.Value

func (f FixedISS) Next(Quad) seqnum.Value {
	return seqnum.Value(f)
}
