// Package route brings the translator's TUN interface up and installs
// the IPv4/IPv6 routes that steer traffic into it, using
// github.com/vishvananda/netlink.
package route

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/nat64d/nat64d/pkg/rfc6052"
)

func netipPrefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := p.Bits()
	addr := p.Addr()
	if addr.Is4() {
		b := addr.As4()
		return &net.IPNet{IP: net.IP(b[:]), Mask: net.CIDRMask(bits, 32)}
	}
	b := addr.As16()
	return &net.IPNet{IP: net.IP(b[:]), Mask: net.CIDRMask(bits, 128)}
}

// Controller brings up the link and installs the routes for one TUN
// interface. It does not remove routes or bring the link down.
type Controller struct {
	log *zap.SugaredLogger
}

// New constructs a Controller. log may be nil, in which case a no-op
// logger is used.
func New(log *zap.SugaredLogger) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Controller{log: log}
}

// BringUp sets the named interface administratively up.
func (c *Controller) BringUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("route: look up link %s: %w", name, err)
	}
	c.log.Infow("bringing up interface", "interface", name)
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("route: set link %s up: %w", name, err)
	}
	return nil
}

// AddRoute installs a route for prefix via the named interface.
func (c *Controller) AddRoute(ifaceName string, prefix netip.Prefix) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("route: look up link %s: %w", ifaceName, err)
	}
	dst := netipPrefixToIPNet(prefix)

	c.log.Debugw("adding route", "prefix", prefix, "interface", ifaceName)
	r := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
	}
	if err := netlink.RouteAdd(r); err != nil {
		return fmt.Errorf("route: add %s via %s: %w", prefix, ifaceName, err)
	}
	return nil
}

// InstallNat64Routes brings ifaceName up and installs a route for the
// translation prefix plus a route for every pool prefix, matching the
// NAT64 engine's startup sequence.
func (c *Controller) InstallNat64Routes(ifaceName string, translationPrefix netip.Prefix, pool []netip.Prefix) error {
	if err := c.BringUp(ifaceName); err != nil {
		return err
	}
	if err := c.AddRoute(ifaceName, translationPrefix); err != nil {
		return err
	}
	for _, p := range pool {
		if err := c.AddRoute(ifaceName, p); err != nil {
			return err
		}
	}
	return nil
}

// BringUpClat brings ifaceName up once, before any customer prefix's
// routes are installed. Call this exactly once per CLAT interface,
// regardless of how many customer prefixes it serves.
func (c *Controller) BringUpClat(ifaceName string) error {
	return c.BringUp(ifaceName)
}

// InstallClatCustomerRoute installs the routes for one CLAT customer
// prefix: the IPv4 customer prefix itself, and the distinct IPv6 route
// that is customerPrefix embedded into via per RFC 6052 (spec.md §4.9),
// not the whole via prefix. Call once per --customer-prefix; a shared
// via-wide route would collide (EEXIST) on the second call.
func (c *Controller) InstallClatCustomerRoute(ifaceName string, customerPrefix, via netip.Prefix) error {
	embedded, err := rfc6052.EmbedPrefix(customerPrefix, via)
	if err != nil {
		return fmt.Errorf("route: embed customer prefix %s into %s: %w", customerPrefix, via, err)
	}
	if err := c.AddRoute(ifaceName, customerPrefix); err != nil {
		return err
	}
	return c.AddRoute(ifaceName, embedded)
}
