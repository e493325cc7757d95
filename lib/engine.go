package lib

import (
	"context"
	"io"
	"math/rand"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/Clouded-Sabre/tun-tcp/config"
)

// Interface is a TUN-style device exchanging frames that start with the
// 4-byte packet-information prefix.
type Interface interface {
	Receive(buf []byte) (int, error)
	Send(frame []byte) (int, error)
}

// Engine demultiplexes inbound frames to connections and writes their
// replies back to the device.
type Engine struct {
	dev     Interface
	stack   *Stack
	table   *ConnectionTable
	service *Service
	builder *SegmentBuilder
	capture *Capture

	tickInterval time.Duration
	lossSim      bool
	warnLimit    *rate.Limiter // malformed-frame warnings
}

type EngineOption func(*Engine)

// WithISS replaces the RFC 6528 generator.
func WithISS(g ISSGenerator) EngineOption {
	return func(e *Engine) { e.stack.ISS = g }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.stack.Now = now }
}

func WithCapture(c *Capture) EngineOption {
	return func(e *Engine) { e.capture = c }
}

func WithHandler(h DataHandler) EngineOption {
	return func(e *Engine) { e.stack.Handler = h }
}

func NewEngine(cfg *config.Config, dev Interface, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var listenAddr netip.Addr
	if cfg.ListenAddr != "" {
		listenAddr = netip.MustParseAddr(cfg.ListenAddr)
	}

	e := &Engine{
		dev:          dev,
		table:        NewConnectionTable(),
		service:      NewService(listenAddr, cfg.ListenPorts),
		builder:      NewSegmentBuilder(cfg.TTL),
		tickInterval: cfg.TickInterval,
		lossSim:      cfg.PacketLossSimulation,
		warnLimit:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	pool := NewPayloadPool(cfg.PayloadPoolSize, cfg.MSS, cfg.PoolDebug)
	e.stack = NewStack(NewConnectionConfig(cfg), e, nil, pool, cfg.ChallengeACKPerSecond)
	for _, opt := range opts {
		opt(e)
	}
	if e.stack.ISS == nil {
		iss, err := NewSecureISS()
		if err != nil {
			return nil, errors.Wrap(err, "seeding ISS generator")
		}
		e.stack.ISS = iss
	}
	return e, nil
}

func (e *Engine) Table() *ConnectionTable { return e.table }

// HandleFrame processes one frame read from the device. Frames that are not
// IPv4/TCP, malformed, or not for an acceptable connection are dropped; only
// device write failures are returned.
func (e *Engine) HandleFrame(frame []byte) error {
	info, err := ParsePacketInfo(frame)
	if err != nil {
		log.Debugf("Ignoring frame: %v", err)
		return nil
	}
	if info.Proto != EtherTypeIPv4 {
		log.Debugf("Ignoring frame with protocol 0x%04x", info.Proto)
		return nil
	}

	var ip layers.IPv4
	if err := decodeIPv4(frame[PacketInfoLength:], &ip); err != nil {
		e.warn("Ignoring packet: %v", err)
		return nil
	}
	if ip.Protocol != layers.IPProtocolTCP {
		log.Debugf("Ignoring %s packet from %s", ip.Protocol, ip.SrcIP)
		return nil
	}
	e.capture.WritePacket(frame[PacketInfoLength:])

	var tcp layers.TCP
	if err := decodeTCP(ip.Payload, &tcp); err != nil {
		e.warn("Ignoring packet from %s: %v", ip.SrcIP, err)
		return nil
	}
	q, err := QuadFromHeaders(&ip, &tcp)
	if err != nil {
		e.warn("Ignoring packet: %v", err)
		return nil
	}
	log.Debugf("%s %s seq=%d ack=%d win=%d len=%d", q, flagString(flagsOf(&tcp)), tcp.Seq, tcp.Ack, tcp.Window, len(tcp.Payload))

	if c, ok := e.table.Lookup(q); ok {
		if err := c.OnSegment(&ip, &tcp, tcp.Payload); err != nil {
			return err
		}
		if c.Closed() {
			e.table.Remove(q)
			log.Printf("Connection %s closed, %d remaining", q, e.table.Len())
		}
		return nil
	}

	if !e.service.Listening(q.Dst) {
		return e.refuse(q, &tcp)
	}
	c, err := e.stack.Accept(&ip, &tcp, tcp.Payload)
	if err != nil {
		return err
	}
	if c != nil {
		e.table.Insert(q, c)
		log.Printf("New connection from %s", q.Src)
	}
	return nil
}

// refuse answers a SYN to a port nobody listens on with RST, the way a
// CLOSED endpoint does. Other segments are dropped quietly.
func (e *Engine) refuse(q Quad, tcp *layers.TCP) error {
	if !tcp.SYN || tcp.RST {
		return nil
	}
	log.Debugf("Refusing connection %s", q)
	seg := &OutSegment{Quad: q.Reverse(), Flags: RSTFlag}
	if tcp.ACK {
		seg.Seq = seqnum.Value(tcp.Ack)
	} else {
		seg.Flags |= ACKFlag
		seg.Ack = seqnum.Value(tcp.Seq).Add(segmentLength(tcp, tcp.Payload))
	}
	return e.Transmit(seg)
}

// Tick runs every connection's timers and drops the ones that closed.
func (e *Engine) Tick(now time.Time) error {
	for _, c := range e.table.Snapshot() {
		if err := c.Tick(now); err != nil {
			return err
		}
		if c.Closed() {
			e.table.Remove(c.Quad())
			log.Printf("Connection %s closed, %d remaining", c.Quad(), e.table.Len())
		}
	}
	return nil
}

// Transmit serializes seg and writes it to the device.
func (e *Engine) Transmit(seg *OutSegment) error {
	frame, err := e.builder.Build(seg)
	if err != nil {
		return err
	}
	if e.lossSim && rand.Intn(10) == 0 {
		log.Printf("Segment %s seq=%d is lost", flagString(seg.Flags), seg.Seq)
		return nil
	}
	e.capture.WritePacket(frame[PacketInfoLength:])
	if _, err := e.dev.Send(frame); err != nil {
		return errors.Wrap(err, "writing frame to device")
	}
	return nil
}

// Run reads frames until ctx is done or the device fails. Frames are handed
// from the reading goroutine to a single processing goroutine, which also
// runs the timers, so connections are never touched concurrently.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	frames := make(chan []byte, 64)

	g.Go(func() error {
		<-ctx.Done()
		// unblocks Receive
		if closer, ok := e.dev.(io.Closer); ok {
			closer.Close()
		}
		return nil
	})
	g.Go(func() error {
		return e.handleIncomingFrames(ctx, frames)
	})
	g.Go(func() error {
		return e.processFrames(ctx, frames)
	})
	return g.Wait()
}

func (e *Engine) handleIncomingFrames(ctx context.Context, frames chan<- []byte) error {
	buf := make([]byte, ReceiveBufferSize)
	for {
		n, err := e.dev.Receive(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "reading frame from device")
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case frames <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) processFrames(ctx context.Context, frames <-chan []byte) error {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-frames:
			if err := e.HandleFrame(frame); err != nil {
				return err
			}
		case now := <-ticker.C:
			if err := e.Tick(now); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) warn(format string, args ...interface{}) {
	if e.warnLimit.Allow() {
		log.Warnf(format, args...)
	}
}
