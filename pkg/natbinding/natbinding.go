// Package natbinding implements the NAT64 binding table: dynamic
// allocation of IPv4 addresses out of a configured pool, static
// reservations, per-binding idle timers, and pruning, layered over
// pkg/addrmap.
package natbinding

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/nat64d/nat64d/pkg/addrmap"
)

// InvalidIpv4Address is returned when a static reservation's v4 address
// does not lie inside the configured pool.
type InvalidIpv4Address struct {
	Addr netip.Addr
}

func (e *InvalidIpv4Address) Error() string {
	return fmt.Sprintf("natbinding: %s is not inside the configured pool", e.Addr)
}

// Ipv4PoolExhausted is returned when no pool address is free to allocate.
type Ipv4PoolExhausted struct{}

func (e *Ipv4PoolExhausted) Error() string {
	return "natbinding: IPv4 pool exhausted"
}

// AddressAlreadyReserved is returned when a static reservation collides
// with an existing binding for the same v4 or v6 address.
type AddressAlreadyReserved struct {
	Addr netip.Addr
}

func (e *AddressAlreadyReserved) Error() string {
	return fmt.Sprintf("natbinding: %s is already bound", e.Addr)
}

type expiry struct {
	indefinite bool
	start      time.Time
}

// Table is the NAT64 binding table described in spec.md §4.6. The zero
// value is not usable; construct with New.
type Table struct {
	mu      sync.Mutex
	addrs   *addrmap.Map
	expiry  map[netip.Addr]expiry // keyed by v4
	pool    []netip.Prefix
	timeout time.Duration
}

// New constructs an empty Table over the given pool prefixes (tried in
// the order supplied) with the given dynamic-binding idle timeout.
func New(pool []netip.Prefix, timeout time.Duration) *Table {
	return &Table{
		addrs:   addrmap.New(),
		expiry:  make(map[netip.Addr]expiry),
		pool:    pool,
		timeout: timeout,
	}
}

// Capacity returns the sum of usable host addresses across all pool
// prefixes (network and broadcast addresses excluded).
func (t *Table) Capacity() int {
	total := 0
	for _, p := range t.pool {
		total += hostCount(p)
	}
	return total
}

func hostCount(p netip.Prefix) int {
	bits := p.Addr().BitLen()
	hostBits := bits - p.Bits()
	if hostBits <= 0 {
		return 1
	}
	if hostBits >= 31 {
		return 0 // pathological; never hit by IPv4 /0-/1 style pools in practice
	}
	count := 1 << uint(hostBits)
	if count <= 2 {
		return count // /31, /32-style degenerate ranges have no distinct network/broadcast to exclude
	}
	return count - 2
}

// InsertStatic installs a static, non-expiring binding. v4 must lie
// inside the configured pool.
func (t *Table) InsertStatic(v4, v6 netip.Addr, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)

	if !t.inPool(v4) {
		return &InvalidIpv4Address{Addr: v4}
	}
	if t.addrs.ContainsV4(v4) {
		return &AddressAlreadyReserved{Addr: v4}
	}
	if t.addrs.ContainsV6(v6) {
		return &AddressAlreadyReserved{Addr: v6}
	}

	t.addrs.Insert(v4, v6)
	t.expiry[v4] = expiry{indefinite: true}
	return nil
}

// GetOrAllocateV4 returns the v4 address bound to v6, refreshing that
// binding's idle timer, or allocates one from the pool if none exists yet.
func (t *Table) GetOrAllocateV4(v6 netip.Addr, now time.Time) (netip.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)

	if v4, ok := t.addrs.GetV4(v6); ok {
		t.expiry[v4] = t.refreshed(v4, now)
		return v4, nil
	}

	// hostsOf rebuilds the full host list on every miss; O(pool) per
	// v6-ingress allocation, fine at spec.md's pool sizes.
	for _, prefix := range t.pool {
		for _, v4 := range hostsOf(prefix) {
			if t.addrs.ContainsV4(v4) {
				continue
			}
			t.addrs.Insert(v4, v6)
			t.expiry[v4] = expiry{start: now}
			return v4, nil
		}
	}
	return netip.Addr{}, &Ipv4PoolExhausted{}
}

// LookupV6 returns the v6 address bound to v4, refreshing its idle timer
// if the binding is dynamic.
func (t *Table) LookupV6(v4 netip.Addr, now time.Time) (netip.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)

	v6, ok := t.addrs.GetV6(v4)
	if !ok {
		return netip.Addr{}, false
	}
	t.expiry[v4] = t.refreshed(v4, now)
	return v6, true
}

// Prune evicts every dynamic binding whose idle timer has elapsed as of
// now.
func (t *Table) Prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
}

func (t *Table) pruneLocked(now time.Time) {
	for v4, exp := range t.expiry {
		if exp.indefinite {
			continue
		}
		if now.Sub(exp.start) >= t.timeout {
			t.addrs.RemoveByV4(v4)
			delete(t.expiry, v4)
		}
	}
}

func (t *Table) refreshed(v4 netip.Addr, now time.Time) expiry {
	exp := t.expiry[v4]
	if exp.indefinite {
		return exp
	}
	exp.start = now
	return exp
}

func (t *Table) inPool(v4 netip.Addr) bool {
	for _, p := range t.pool {
		if p.Contains(v4) {
			return true
		}
	}
	return false
}

// hostsOf enumerates the usable host addresses of p in strictly
// increasing numeric order, excluding the network and broadcast
// addresses.
func hostsOf(p netip.Prefix) []netip.Addr {
	base := p.Masked().Addr()
	count := hostCount(p)
	if count == 0 {
		return nil
	}
	baseBits := base.As4()
	baseInt := uint32(baseBits[0])<<24 | uint32(baseBits[1])<<16 | uint32(baseBits[2])<<8 | uint32(baseBits[3])

	hostBits := base.BitLen() - p.Bits()
	var offset uint32 = 1
	if hostBits <= 1 {
		offset = 0 // /31, /32: every address is usable, start at the base
	}

	hosts := make([]netip.Addr, 0, count)
	for i := uint32(0); i < uint32(count); i++ {
		var b [4]byte
		v := baseInt + offset + i
		b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
		hosts = append(hosts, netip.AddrFrom4(b))
	}
	return hosts
}
