//go:build linux

package lib

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Device is a TUN interface opened in TUN mode with the packet-information
// prefix kept, so every frame read or written starts with flags and proto.
type Device struct {
	f    *os.File
	name string
}

// OpenTUN creates or attaches to the TUN interface called name.
func OpenTUN(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open /dev/net/tun")
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "interface name %q", name)
	}
	ifr.SetUint16(unix.IFF_TUN)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "TUNSETIFF %s", name)
	}

	// non-blocking so the runtime poller can interrupt Read on Close
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set non-blocking")
	}

	return &Device{
		f:    os.NewFile(uintptr(fd), "/dev/net/tun"),
		name: ifr.Name(),
	}, nil
}

func (d *Device) Name() string { return d.name }

// Receive reads one frame, prefix included.
func (d *Device) Receive(buf []byte) (int, error) {
	return d.f.Read(buf)
}

// Send writes one frame, prefix included.
func (d *Device) Send(frame []byte) (int, error) {
	return d.f.Write(frame)
}

func (d *Device) Close() error {
	return d.f.Close()
}
