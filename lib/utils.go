package lib

import (
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

func SeqIncrement(seq seqnum.Value) seqnum.Value {
	return seq.Add(1) // implicit modulo operation included
}

func SeqIncrementBy(seq seqnum.Value, inc uint32) seqnum.Value {
	return seq.Add(seqnum.Size(inc)) // implicit modulo operation included
}

// SEQ compare functions with SEQ wraparound in mind
func isGreater(seq1, seq2 seqnum.Value) bool {
	return seq2.LessThan(seq1)
}

func isLess(seq1, seq2 seqnum.Value) bool {
	return seq1.LessThan(seq2)
}

func isLessOrEqual(seq1, seq2 seqnum.Value) bool {
	return seq1.LessThanEq(seq2)
}

// ackInFlight reports una < ack <= nxt, the range of acknowledgments that
// cover data we sent but have not seen acknowledged yet.
func ackInFlight(una, ack, nxt seqnum.Value) bool {
	return isLess(una, ack) && isLessOrEqual(ack, nxt)
}

// segmentAcceptable implements the four-case acceptability test of
// RFC 793 section 3.3 for a segment of segLen sequence numbers.
func segmentAcceptable(rcvNxt seqnum.Value, rcvWnd uint16, seq seqnum.Value, segLen seqnum.Size) bool {
	wnd := seqnum.Size(rcvWnd)
	switch {
	case segLen == 0 && wnd == 0:
		return seq == rcvNxt
	case segLen == 0:
		return seq.InWindow(rcvNxt, wnd)
	case wnd == 0:
		return false
	default:
		last := seq.Add(segLen - 1)
		return seq.InWindow(rcvNxt, wnd) || last.InWindow(rcvNxt, wnd)
	}
}
