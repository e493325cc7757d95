//go:build !linux

package lib

import "github.com/pkg/errors"

var ErrUnsupportedPlatform = errors.New("TUN devices are only supported on linux")

type Device struct{}

func OpenTUN(name string) (*Device, error) {
	return nil, ErrUnsupportedPlatform
}

func (d *Device) Name() string                    { return "" }
func (d *Device) Receive(buf []byte) (int, error) { return 0, ErrUnsupportedPlatform }
func (d *Device) Send(frame []byte) (int, error)  { return 0, ErrUnsupportedPlatform }
func (d *Device) Close() error                    { return nil }

func ConfigureInterface(name, cidr string, mtu int) error {
	return ErrUnsupportedPlatform
}
