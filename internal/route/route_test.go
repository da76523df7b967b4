package route

import (
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetipPrefixToIPNet(t *testing.T) {
	v4 := netip.MustParsePrefix("192.0.2.0/29")
	ipnet := netipPrefixToIPNet(v4)
	assert.Equal(t, "192.0.2.0/29", ipnet.String())

	v6 := netip.MustParsePrefix("64:ff9b::/96")
	ipnet = netipPrefixToIPNet(v6)
	assert.Equal(t, "64:ff9b::/96", ipnet.String())
}

// TestInstallNat64Routes runs only as root and checks that a nonexistent
// interface fails the link lookup; it skips itself otherwise.
func TestInstallNat64Routes(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires CAP_NET_ADMIN to manipulate links and routes")
	}
	c := New(nil)
	err := c.InstallNat64Routes("nonexistent0", netip.MustParsePrefix("64:ff9b::/96"), nil)
	require.Error(t, err, "a nonexistent interface must fail lookup")
}

// TestInstallClatCustomerRouteRejectsBadEmbedding confirms an invalid via
// prefix length surfaces as an error rather than silently adding the raw
// via prefix.
func TestInstallClatCustomerRouteRejectsBadEmbedding(t *testing.T) {
	c := New(nil)
	customer := netip.MustParsePrefix("192.0.2.0/29")
	badVia := netip.MustParsePrefix("64:ff9b::/100")
	err := c.InstallClatCustomerRoute("nonexistent0", customer, badVia)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed customer prefix")
}

// TestInstallClatCustomerRouteTwoPrefixes runs only as root and skips
// itself otherwise. It installs two customer prefixes on a nonexistent
// interface and checks that each call fails the link lookup rather than
// with EEXIST; the collision between two via routes on a real link is
// not exercised here.
func TestInstallClatCustomerRouteTwoPrefixes(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires CAP_NET_ADMIN to manipulate links and routes")
	}
	c := New(nil)
	via := netip.MustParsePrefix("64:ff9b::/96")
	for _, customer := range []netip.Prefix{
		netip.MustParsePrefix("192.0.2.0/29"),
		netip.MustParsePrefix("198.51.100.0/29"),
	} {
		err := c.InstallClatCustomerRoute("nonexistent0", customer, via)
		require.Error(t, err, "a nonexistent interface must fail lookup, not EEXIST")
	}
}
