package natbinding

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func prefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

// S5: pool 192.0.2.0/29 (6 usable addresses), idle timeout 1s. Six
// sequential allocations get .1 through .6 in order, a seventh fails, and
// after the timeout elapses and a prune runs, a seventh succeeds by
// reusing .1.
func TestGetOrAllocateV4_S5(t *testing.T) {
	pool := []netip.Prefix{prefix(t, "192.0.2.0/29")}
	table := New(pool, time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	want := []string{"192.0.2.1", "192.0.2.2", "192.0.2.3", "192.0.2.4", "192.0.2.5", "192.0.2.6"}
	for i, v6s := range []string{
		"2001:db8::1", "2001:db8::2", "2001:db8::3",
		"2001:db8::4", "2001:db8::5", "2001:db8::6",
	} {
		got, err := table.GetOrAllocateV4(addr(t, v6s), base)
		require.NoError(t, err)
		assert.Equal(t, addr(t, want[i]), got)
	}

	_, err := table.GetOrAllocateV4(addr(t, "2001:db8::7"), base)
	require.Error(t, err)
	var exhausted *Ipv4PoolExhausted
	require.ErrorAs(t, err, &exhausted)

	later := base.Add(2 * time.Second)
	table.Prune(later)
	got, err := table.GetOrAllocateV4(addr(t, "2001:db8::7"), later)
	require.NoError(t, err)
	assert.Equal(t, addr(t, "192.0.2.1"), got)
}

func TestGetOrAllocateV4_RefreshesOnReuse(t *testing.T) {
	pool := []netip.Prefix{prefix(t, "192.0.2.0/29")}
	table := New(pool, time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	v6 := addr(t, "2001:db8::1")
	first, err := table.GetOrAllocateV4(v6, base)
	require.NoError(t, err)

	almostExpired := base.Add(900 * time.Millisecond)
	second, err := table.GetOrAllocateV4(v6, almostExpired)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same v6 must reuse its existing binding, not allocate a new one")

	stillAlive := almostExpired.Add(900 * time.Millisecond)
	table.Prune(stillAlive)
	assert.True(t, table.LookupV6IsBound(first))
}

// LookupV6IsBound is a small test helper reporting whether v4 is
// currently bound. It reads the table directly, without pruning or
// refreshing the idle timer as LookupV6 would.
func (t *Table) LookupV6IsBound(v4 netip.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addrs.ContainsV4(v4)
}

func TestInsertStaticOutsidePool(t *testing.T) {
	pool := []netip.Prefix{prefix(t, "192.0.2.0/29")}
	table := New(pool, time.Second)
	err := table.InsertStatic(addr(t, "203.0.113.1"), addr(t, "2001:db8::1"), time.Now())
	require.Error(t, err)
	var invalid *InvalidIpv4Address
	require.ErrorAs(t, err, &invalid)
}

func TestInsertStaticSurvivesPrune(t *testing.T) {
	pool := []netip.Prefix{prefix(t, "192.0.2.0/29")}
	table := New(pool, time.Millisecond)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	v4 := addr(t, "192.0.2.1")
	v6 := addr(t, "2001:db8::1")
	require.NoError(t, table.InsertStatic(v4, v6, base))

	table.Prune(base.Add(time.Hour))
	got, ok := table.LookupV6(v4, base.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, v6, got)
}

func TestInsertStaticDuplicateRejected(t *testing.T) {
	pool := []netip.Prefix{prefix(t, "192.0.2.0/29")}
	table := New(pool, time.Second)
	now := time.Now()

	require.NoError(t, table.InsertStatic(addr(t, "192.0.2.1"), addr(t, "2001:db8::1"), now))
	err := table.InsertStatic(addr(t, "192.0.2.1"), addr(t, "2001:db8::2"), now)
	require.Error(t, err)
	var reserved *AddressAlreadyReserved
	require.ErrorAs(t, err, &reserved)
}

func TestCapacityExcludesNetworkAndBroadcast(t *testing.T) {
	pool := []netip.Prefix{prefix(t, "192.0.2.0/29")}
	table := New(pool, time.Second)
	assert.Equal(t, 6, table.Capacity())
}

func TestLookupV6Missing(t *testing.T) {
	pool := []netip.Prefix{prefix(t, "192.0.2.0/29")}
	table := New(pool, time.Second)
	_, ok := table.LookupV6(addr(t, "192.0.2.1"), time.Now())
	assert.False(t, ok)
}
