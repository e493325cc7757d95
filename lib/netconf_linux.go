//go:build linux

package lib

import (
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

var ErrUnsupportedPlatform = errors.New("TUN devices are only supported on linux")

// ConfigureInterface assigns cidr to the named link, sets its MTU and brings
// it up. An empty cidr leaves the addresses alone.
func ConfigureInterface(name, cidr string, mtu int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "failed to get interface %s", name)
	}

	if cidr != "" {
		addr, err := netlink.ParseAddr(cidr)
		if err != nil {
			return errors.Wrapf(err, "failed to parse address %s", cidr)
		}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return errors.Wrapf(err, "failed to assign %s to %s", cidr, name)
		}
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return errors.Wrapf(err, "failed to set MTU on %s", name)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, "failed to bring %s up", name)
	}
	return nil
}
