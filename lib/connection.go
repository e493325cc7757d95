package lib

import (
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/Clouded-Sabre/tun-tcp/config"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotEstablished   = errors.New("connection not established")
	errPoolExhausted    = errors.New("payload pool exhausted")
)

// SendSequenceSpace is the send half of the TCB (RFC 793 section 3.2).
//
//	     1         2          3          4
//	----------|----------|----------|----------
//	       SND.UNA    SND.NXT    SND.UNA
//	                            +SND.WND
//
//	1 - old sequence numbers which have been acknowledged
//	2 - sequence numbers of unacknowledged data
//	3 - sequence numbers allowed for new data transmission
//	4 - future sequence numbers which are not yet allowed
type SendSequenceSpace struct {
	UNA seqnum.Value // send unacknowledged
	NXT seqnum.Value // send next
	WND uint16       // window granted by the peer
	UP  bool         // send urgent pointer
	WL1 seqnum.Value // segment sequence number used for last window update
	WL2 seqnum.Value // segment acknowledgment number used for last window update
	ISS seqnum.Value // initial send sequence number
}

// RecvSequenceSpace is the receive half of the TCB.
//
//	    1          2          3
//	----------|----------|----------
//	       RCV.NXT    RCV.NXT
//	                 +RCV.WND
//
//	1 - old sequence numbers which have been acknowledged
//	2 - sequence numbers allowed for new reception
//	3 - future sequence numbers which are not yet allowed
type RecvSequenceSpace struct {
	NXT seqnum.Value // receive next
	WND uint16       // window we advertise
	UP  bool         // receive urgent pointer
	IRS seqnum.Value // initial receive sequence number
}

type ConnectionConfig struct {
	Window      uint16
	MSS         int
	RTOInitial  time.Duration
	RTOMax      time.Duration
	MaxRetries  int
	MSL         time.Duration
	IdleTimeout time.Duration // 0 disables it
}

func NewConnectionConfig(cfg *config.Config) *ConnectionConfig {
	return &ConnectionConfig{
		Window:      cfg.Window,
		MSS:         cfg.MSS,
		RTOInitial:  cfg.RTOInitial,
		RTOMax:      cfg.RTOMax,
		MaxRetries:  cfg.MaxRetries,
		MSL:         cfg.MSL,
		IdleTimeout: cfg.IdleTimeout,
	}
}

// Transmitter puts a reply segment on the wire.
type Transmitter interface {
	Transmit(seg *OutSegment) error
}

// DataHandler receives in-order segment text. It runs on the processing
// goroutine and may call Write or Close on the connection.
type DataHandler interface {
	HandleData(c *Connection, data []byte)
}

// Stack holds what every connection shares: configuration, the output path,
// the ISS generator, the payload pool and the clock.
type Stack struct {
	Config  *ConnectionConfig
	Out     Transmitter
	ISS     ISSGenerator
	Handler DataHandler
	Pool    *rp.RingPool
	Now     func() time.Time

	// bounds duplicate and challenge ACKs across all connections
	ackLimiter *rate.Limiter
}

func NewStack(cfg *ConnectionConfig, out Transmitter, iss ISSGenerator, pool *rp.RingPool, acksPerSecond int) *Stack {
	return &Stack{
		Config:     cfg,
		Out:        out,
		ISS:        iss,
		Pool:       pool,
		Now:        time.Now,
		ackLimiter: rate.NewLimiter(rate.Limit(acksPerSecond), acksPerSecond),
	}
}

// Connection is one TCP connection, driven entirely by the processing
// goroutine.
type Connection struct {
	stack *Stack
	quad  Quad
	state State
	send  SendSequenceSpace
	recv  RecvSequenceSpace

	resend       resendQueue
	rto          time.Duration
	finSent      bool
	lastActivity time.Time
	timeWaitEnd  time.Time

	log *log.Entry
}

// Accept handles a segment for a Quad with no connection. Only a plain SYN
// creates one; it is answered with SYN+ACK and the connection starts in
// SYN-RECEIVED. Anything else returns nil without side effects.
func (s *Stack) Accept(ip *layers.IPv4, tcp *layers.TCP, payload []byte) (*Connection, error) {
	if !tcp.SYN {
		return nil, nil
	}
	q, err := QuadFromHeaders(ip, tcp)
	if err != nil {
		log.WithError(err).Debug("Accept: ignoring segment")
		return nil, nil
	}
	if tcp.RST || tcp.ACK {
		log.Debugf("Accept: %s ignoring SYN with flags %s", q, flagString(flagsOf(tcp)))
		return nil, nil
	}
	if len(payload) > 0 {
		// not acknowledged, so the peer sends it again once established
		log.Debugf("Accept: %s dropping %d bytes carried on SYN", q, len(payload))
	}

	now := s.Now()
	iss := s.ISS.Next(q)
	irs := seqnum.Value(tcp.Seq)
	c := &Connection{
		stack: s,
		quad:  q,
		state: StateSynReceived,
		send: SendSequenceSpace{
			ISS: iss,
			UNA: iss,
			NXT: SeqIncrement(iss),
			WND: tcp.Window,
			WL1: irs,
		},
		recv: RecvSequenceSpace{
			IRS: irs,
			NXT: SeqIncrement(irs),
			WND: s.Config.Window,
		},
		resend:       resendQueue{pool: s.Pool},
		rto:          s.Config.RTOInitial,
		lastActivity: now,
		log:          log.WithField("conn", q.String()),
	}

	if err := c.transmitQueued(iss, SYNFlag|ACKFlag, now); err != nil {
		return nil, err
	}
	c.log.Debugf("SYN received, SYN+ACK sent (iss=%d irs=%d)", iss, irs)
	return c, nil
}

func (c *Connection) Quad() Quad                   { return c.quad }
func (c *Connection) State() State                 { return c.state }
func (c *Connection) SendSpace() SendSequenceSpace { return c.send }
func (c *Connection) RecvSpace() RecvSequenceSpace { return c.recv }
func (c *Connection) Closed() bool                 { return c.state == StateClosed }

func (c *Connection) setState(s State) {
	c.log.Debugf("%s -> %s", c.state, s)
	c.state = s
}

func (c *Connection) inFlight() seqnum.Size {
	return c.send.UNA.Size(c.send.NXT)
}

// finAcked reports whether our FIN, always the last thing sent, is acknowledged.
func (c *Connection) finAcked() bool {
	return c.finSent && c.send.UNA == c.send.NXT
}

func (c *Connection) remainingWindow() seqnum.Size {
	if wnd := seqnum.Size(c.send.WND); wnd > c.inFlight() {
		return wnd - c.inFlight()
	}
	return 0
}

func (c *Connection) startTimeWait(now time.Time) {
	c.timeWaitEnd = now.Add(2 * c.stack.Config.MSL)
}

// OnSegment runs the RFC 793 segment arrival procedure for a segment that
// belongs to this connection.
func (c *Connection) OnSegment(ip *layers.IPv4, tcp *layers.TCP, payload []byte) error {
	if c.state == StateClosed {
		return nil
	}
	now := c.stack.Now()
	c.lastActivity = now
	seq := seqnum.Value(tcp.Seq)
	ack := seqnum.Value(tcp.Ack)
	segLen := segmentLength(tcp, payload)

	// A retransmitted SYN means our SYN+ACK was lost.
	if c.state == StateSynReceived && tcp.SYN && !tcp.ACK && !tcp.RST && seq == c.recv.IRS {
		c.log.Debug("duplicate SYN, resending SYN+ACK")
		return c.transmit(c.send.ISS, SYNFlag|ACKFlag, nil)
	}

	// first check sequence number
	if !segmentAcceptable(c.recv.NXT, c.recv.WND, seq, segLen) {
		if tcp.RST {
			return nil
		}
		if c.state == StateTimeWait && tcp.FIN {
			c.startTimeWait(now)
		}
		c.log.Debugf("unacceptable segment seq=%d len=%d (rcv.nxt=%d rcv.wnd=%d)", seq, segLen, c.recv.NXT, c.recv.WND)
		return c.transmitAckLimited()
	}

	// second check the RST bit
	if tcp.RST {
		if seq != c.recv.NXT {
			c.log.Debugf("RST seq=%d not at rcv.nxt=%d, challenging", seq, c.recv.NXT)
			return c.transmitAckLimited()
		}
		c.log.Info("connection reset by peer")
		c.terminate()
		return nil
	}

	// fourth check the SYN bit; an in-window SYN only earns a challenge ACK
	if tcp.SYN {
		c.log.Debugf("SYN in window at seq=%d, challenging", seq)
		return c.transmitAckLimited()
	}

	// fifth check the ACK field
	if !tcp.ACK {
		return nil
	}
	if c.state == StateSynReceived {
		if isGreater(ack, c.send.NXT) {
			c.log.Debugf("ACK %d for unsent data in %s (nxt=%d)", ack, c.state, c.send.NXT)
			return c.transmitAckLimited()
		}
		if isLessOrEqual(ack, c.send.UNA) {
			c.log.Debugf("old ACK %d in %s (una=%d), ignored", ack, c.state, c.send.UNA)
			return nil
		}
		c.setState(StateEstablished)
		c.send.WND = tcp.Window
		c.send.WL1 = seq
		c.send.WL2 = ack
	}
	if isGreater(ack, c.send.NXT) {
		c.log.Debugf("ACK %d for unsent data (nxt=%d)", ack, c.send.NXT)
		return c.transmitAckLimited()
	}
	if ackInFlight(c.send.UNA, ack, c.send.NXT) {
		c.send.UNA = ack
		if c.resend.ack(ack) > 0 {
			c.rto = c.stack.Config.RTOInitial
			if f := c.resend.front(); f != nil {
				f.lastSent = now
			}
		}
	}
	// ACKs below UNA are duplicates: their ACK field is ignored
	if isLessOrEqual(c.send.UNA, ack) && isLessOrEqual(ack, c.send.NXT) {
		c.updateWindow(seq, ack, tcp.Window)
	}

	switch c.state {
	case StateFinWait1:
		if c.finAcked() {
			c.setState(StateFinWait2)
		}
	case StateClosing:
		if c.finAcked() {
			c.setState(StateTimeWait)
			c.startTimeWait(now)
		}
		return nil
	case StateLastAck:
		if c.finAcked() {
			c.log.Debug("FIN acknowledged in LAST-ACK")
			c.terminate()
		}
		return nil
	case StateTimeWait:
		if tcp.FIN {
			c.startTimeWait(now)
			return c.transmitAck()
		}
		return nil
	}

	// sixth check the URG bit
	if tcp.URG && c.state.acceptsText() {
		c.recv.UP = true
	}

	// seventh process the segment text
	text := payload
	if isLess(seq, c.recv.NXT) {
		trim := int(seq.Size(c.recv.NXT))
		if trim > len(text) {
			trim = len(text)
		}
		text = text[trim:]
	} else if isGreater(seq, c.recv.NXT) && segLen > 0 {
		// no reassembly: only in-order data is taken
		c.log.Debugf("segment seq=%d ahead of rcv.nxt=%d dropped", seq, c.recv.NXT)
		return c.transmitAckLimited()
	}
	finSeq := seq.Add(seqnum.Size(len(payload)))
	fin := tcp.FIN
	if len(text) > int(c.recv.WND) {
		text = text[:c.recv.WND]
		fin = false
	}

	needAck := false
	if len(text) > 0 && c.state.acceptsText() {
		c.recv.NXT = SeqIncrementBy(c.recv.NXT, uint32(len(text)))
		needAck = true
	} else {
		text = nil
	}

	// eighth check the FIN bit
	peerClosed := false
	if fin && finSeq == c.recv.NXT {
		c.recv.NXT = SeqIncrement(c.recv.NXT)
		needAck = true
		switch c.state {
		case StateEstablished:
			c.setState(StateCloseWait)
			peerClosed = true
		case StateFinWait1:
			if c.finAcked() {
				c.setState(StateTimeWait)
				c.startTimeWait(now)
			} else {
				c.setState(StateClosing)
			}
		case StateFinWait2:
			c.setState(StateTimeWait)
			c.startTimeWait(now)
		}
	}

	if needAck && !peerClosed {
		if err := c.transmitAck(); err != nil {
			return err
		}
	}
	if len(text) > 0 && c.stack.Handler != nil {
		c.stack.Handler.HandleData(c, text)
	}
	// the handler may have closed or aborted the connection itself
	if peerClosed && c.state == StateCloseWait {
		// nothing is left to send once the handler returns, so the FIN
		// also acknowledges the peer's
		return c.Close()
	}
	return nil
}

// updateWindow applies SND.WND from a segment unless an earlier-sent segment
// is being processed late (RFC 793 page 72).
func (c *Connection) updateWindow(seq, ack seqnum.Value, wnd uint16) {
	if isLess(c.send.WL1, seq) || (c.send.WL1 == seq && isLessOrEqual(c.send.WL2, ack)) {
		c.send.WND = wnd
		c.send.WL1 = seq
		c.send.WL2 = ack
	}
}

// Write sends as much of data as the peer's window allows and returns the
// number of bytes sent.
func (c *Connection) Write(data []byte) (int, error) {
	switch c.state {
	case StateEstablished, StateCloseWait:
	case StateClosed:
		return 0, ErrConnectionClosed
	default:
		if c.finSent {
			return 0, ErrConnectionClosed
		}
		return 0, ErrNotEstablished
	}

	now := c.stack.Now()
	sent := 0
	for sent < len(data) {
		room := int(c.remainingWindow())
		if room == 0 {
			break
		}
		n := min(len(data)-sent, room, c.stack.Config.MSS)
		if err := c.sendData(data[sent:sent+n], now); err != nil {
			return sent, err
		}
		sent += n
	}
	return sent, nil
}

func (c *Connection) sendData(data []byte, now time.Time) error {
	if c.stack.Pool == nil {
		return errors.Wrap(errPoolExhausted, "no payload pool")
	}
	chunk := c.stack.Pool.GetElement()
	if chunk == nil {
		return errPoolExhausted
	}
	if err := chunk.Data.(*Payload).Copy(data); err != nil {
		c.stack.Pool.ReturnElement(chunk)
		return err
	}
	seg := &sentSegment{
		seq:      c.send.NXT,
		flags:    PSHFlag | ACKFlag,
		length:   seqnum.Size(len(data)),
		chunk:    chunk,
		lastSent: now,
	}
	c.resend.push(seg)
	c.send.NXT = c.send.NXT.Add(seg.length)
	return c.transmit(seg.seq, seg.flags, seg.payload())
}

// Close starts an active close by sending FIN. It is a no-op once a FIN has
// been sent.
func (c *Connection) Close() error {
	if c.finSent {
		return nil
	}
	switch c.state {
	case StateSynReceived, StateEstablished:
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.setState(StateLastAck)
	case StateClosed:
		return ErrConnectionClosed
	default:
		return ErrNotEstablished
	}

	c.finSent = true
	seq := c.send.NXT
	c.send.NXT = SeqIncrement(c.send.NXT)
	return c.transmitQueued(seq, FINFlag|ACKFlag, c.stack.Now())
}

// Abort sends RST and closes the connection at once.
func (c *Connection) Abort() error {
	if c.state == StateClosed {
		return nil
	}
	err := c.transmit(c.send.NXT, RSTFlag, nil)
	c.terminate()
	return err
}

// Tick drives the retransmission, TIME-WAIT and idle timers.
func (c *Connection) Tick(now time.Time) error {
	switch c.state {
	case StateClosed:
		return nil
	case StateTimeWait:
		if !now.Before(c.timeWaitEnd) {
			c.log.Debug("TIME-WAIT expired")
			c.terminate()
		}
		return nil
	}

	if idle := c.stack.Config.IdleTimeout; idle > 0 && now.Sub(c.lastActivity) > idle {
		c.log.Infof("idle for %s, aborting", now.Sub(c.lastActivity).Round(time.Second))
		return c.Abort()
	}

	seg := c.resend.front()
	if seg == nil || now.Sub(seg.lastSent) < c.rto {
		return nil
	}
	if seg.resendCount >= c.stack.Config.MaxRetries {
		c.log.Warnf("segment seq=%d unacknowledged after %d retransmissions, aborting", seg.seq, seg.resendCount)
		return c.Abort()
	}
	seg.resendCount++
	seg.lastSent = now
	c.rto = min(2*c.rto, c.stack.Config.RTOMax)
	c.log.Debugf("retransmitting seq=%d %s (attempt %d, next rto %s)", seg.seq, flagString(seg.flags), seg.resendCount, c.rto)
	return c.transmit(seg.seq, seg.flags, seg.payload())
}

func (c *Connection) terminate() {
	c.setState(StateClosed)
	c.resend.clear()
}

func (c *Connection) transmit(seq seqnum.Value, flags uint8, payload []byte) error {
	seg := &OutSegment{
		Quad:    c.quad.Reverse(),
		Seq:     seq,
		Flags:   flags,
		Window:  c.recv.WND,
		Payload: payload,
	}
	if flags&ACKFlag != 0 {
		seg.Ack = c.recv.NXT
	}
	if err := c.stack.Out.Transmit(seg); err != nil {
		return errors.Wrapf(err, "%s: sending %s", c.quad, flagString(flags))
	}
	return nil
}

// transmitQueued sends a SYN or FIN and keeps it for retransmission.
func (c *Connection) transmitQueued(seq seqnum.Value, flags uint8, now time.Time) error {
	c.resend.push(&sentSegment{
		seq:      seq,
		flags:    flags,
		length:   1,
		lastSent: now,
	})
	return c.transmit(seq, flags, nil)
}

func (c *Connection) transmitAck() error {
	return c.transmit(c.send.NXT, ACKFlag, nil)
}

// transmitAckLimited sends a duplicate or challenge ACK if the shared limiter
// allows it.
func (c *Connection) transmitAckLimited() error {
	if !c.stack.ackLimiter.Allow() {
		c.log.Debug("ACK rate limit reached, not replying")
		return nil
	}
	return c.transmitAck()
}
