// Package network manages the host side of tenant networking: the per-tenant
// tap device, its /30 address pair, and the LOBSTER firewall chain.
package network

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

type Driver struct {
	log *logrus.Entry
}

func New() *Driver {
	return &Driver{log: logrus.WithField("component", "network")}
}

// CreateTap creates a tap device owned by the tenant uid and brings it up.
// An existing link of the same name is a conflict.
func (d *Driver) CreateTap(name string, uid int) error {
	if _, err := netlink.LinkByName(name); err == nil {
		return fmt.Errorf("%w: link %s already exists", errdefs.ErrNetworkSetup, name)
	}
	la := netlink.NewLinkAttrs()
	la.Name = name
	tap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
		Owner:     uint32(uid),
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("%w: create tap %s: %v", errdefs.ErrNetworkSetup, name, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		return fmt.Errorf("%w: up tap %s: %v", errdefs.ErrNetworkSetup, name, err)
	}
	d.log.WithFields(logrus.Fields{"tap": name, "uid": uid}).Info("tap created")
	return nil
}

// DeleteTap removes the tap. A missing link is success.
func (d *Driver) DeleteTap(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("%w: stat tap %s: %v", errdefs.ErrNetworkSetup, name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("%w: delete tap %s: %v", errdefs.ErrNetworkSetup, name, err)
	}
	d.log.WithField("tap", name).Info("tap deleted")
	return nil
}

// TapExists reports whether the link is present.
func (d *Driver) TapExists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat tap %s: %v", errdefs.ErrNetworkSetup, name, err)
}

// AssignAddress puts the host /30 address on the tap. Assigning an address
// that is already present is success.
func (d *Driver) AssignAddress(name, hostCidr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%w: stat tap %s: %v", errdefs.ErrNetworkSetup, name, err)
	}
	addr, err := netlink.ParseAddr(hostCidr)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", errdefs.ErrNetworkSetup, hostCidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		if strings.Contains(err.Error(), "exists") {
			return nil
		}
		return fmt.Errorf("%w: addr %s on %s: %v", errdefs.ErrNetworkSetup, hostCidr, name, err)
	}
	return nil
}

// HasAddress reports whether the tap carries hostCidr.
func (d *Driver) HasAddress(name, hostCidr string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false, fmt.Errorf("%w: stat tap %s: %v", errdefs.ErrNetworkSetup, name, err)
	}
	want, err := netlink.ParseAddr(hostCidr)
	if err != nil {
		return false, fmt.Errorf("%w: parse %s: %v", errdefs.ErrNetworkSetup, hostCidr, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return false, fmt.Errorf("%w: addrs of %s: %v", errdefs.ErrNetworkSetup, name, err)
	}
	for _, a := range addrs {
		if a.IPNet.String() == want.IPNet.String() {
			return true, nil
		}
	}
	return false, nil
}

// EnableIpForwarding flips the ipv4 forwarding sysctl.
func (d *Driver) EnableIpForwarding() error {
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1\n"), 0644); err != nil {
		return fmt.Errorf("%w: enable ip forwarding: %v", errdefs.ErrNetworkSetup, err)
	}
	return nil
}

// RxBytes reads the receive counter for the device from sysfs. The watchdog
// compares successive samples to detect inbound traffic on suspended
// tenants' taps.
func (d *Driver) RxBytes(dev string) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/sys/class/net/%s/statistics/rx_bytes", dev))
	if err != nil {
		return 0, fmt.Errorf("%w: rx_bytes of %s: %v", errdefs.ErrNetworkSetup, dev, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: rx_bytes of %s: %v", errdefs.ErrNetworkSetup, dev, err)
	}
	return n, nil
}

// TenantAddresses derives the host/guest /30 pair for the nth tenant
// identity. Each tenant gets its own /30 out of 10.231.0.0/16: host gets
// .1 of the block, guest gets .2.
func TenantAddresses(uid, uidStart int) (hostCidr, guestCidr string) {
	n := uid - uidStart
	block := n * 4
	host := fmt.Sprintf("10.231.%d.%d/30", block/256, block%256+1)
	guest := fmt.Sprintf("10.231.%d.%d/30", block/256, block%256+2)
	return host, guest
}
