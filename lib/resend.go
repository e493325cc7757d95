package lib

import (
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// sentSegment is an unacknowledged segment. Control segments (SYN, FIN)
// carry no chunk.
type sentSegment struct {
	seq         seqnum.Value
	flags       uint8
	length      seqnum.Size // sequence space occupied, SYN and FIN included
	chunk       *rp.Element
	lastSent    time.Time
	resendCount int
}

func (s *sentSegment) end() seqnum.Value {
	return s.seq.Add(s.length)
}

func (s *sentSegment) payload() []byte {
	if s.chunk == nil {
		return nil
	}
	return s.chunk.Data.(*Payload).GetSlice()
}

// resendQueue keeps sent segments in sequence order until they are covered
// by a cumulative acknowledgment.
type resendQueue struct {
	pool     *rp.RingPool
	segments []*sentSegment
}

func (q *resendQueue) push(s *sentSegment) {
	q.segments = append(q.segments, s)
}

func (q *resendQueue) front() *sentSegment {
	if len(q.segments) == 0 {
		return nil
	}
	return q.segments[0]
}

func (q *resendQueue) len() int {
	return len(q.segments)
}

// ack drops every segment wholly covered by ack and reports how many went.
func (q *resendQueue) ack(ack seqnum.Value) int {
	n := 0
	for n < len(q.segments) && isLessOrEqual(q.segments[n].end(), ack) {
		q.release(q.segments[n])
		n++
	}
	q.segments = q.segments[n:]
	return n
}

func (q *resendQueue) clear() {
	for _, s := range q.segments {
		q.release(s)
	}
	q.segments = nil
}

func (q *resendQueue) release(s *sentSegment) {
	if s.chunk != nil && q.pool != nil {
		q.pool.ReturnElement(s.chunk)
	}
	s.chunk = nil
}
