package lib

import (
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const captureSnapLen = 65536

// Capture streams every IP packet the engine sees or sends to a pcap file
// with a raw-IP link type.
type Capture struct {
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
}

// NewCapture writes the pcap file header to out and returns a capture
// writing to it.
func NewCapture(out io.Writer) (*Capture, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(captureSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, errors.Wrap(err, "write pcap header")
	}
	c := &Capture{w: w, now: time.Now}
	if closer, ok := out.(io.Closer); ok {
		c.closer = closer
	}
	return c, nil
}

func OpenCapture(filename string) (*Capture, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrap(err, "create capture file")
	}
	c, err := NewCapture(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *Capture) WritePacket(packet []byte) {
	if c == nil {
		return
	}
	if err := c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     c.now(),
		CaptureLength: len(packet),
		Length:        len(packet),
	}, packet); err != nil {
		log.WithError(err).Warn("pcap: write packet failed")
	}
}

func (c *Capture) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
