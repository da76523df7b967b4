// Package addrmap implements a bidirectional one-to-one map between IPv4
// and IPv6 addresses with O(1) average lookup in both directions.
package addrmap

import "net/netip"

// Map is a bidirectional one-to-one map between netip.Addr values. The
// zero value is not usable; construct with New.
type Map struct {
	v4ToV6 map[netip.Addr]netip.Addr
	v6ToV4 map[netip.Addr]netip.Addr
}

// New returns an empty Map.
func New() *Map {
	return &Map{
		v4ToV6: make(map[netip.Addr]netip.Addr),
		v6ToV4: make(map[netip.Addr]netip.Addr),
	}
}

// Insert records a (v4, v6) pair. If either address already participates
// in an existing pair, that pair is removed first so the one-to-one
// invariant holds on both sides.
func (m *Map) Insert(v4, v6 netip.Addr) {
	if oldV6, ok := m.v4ToV6[v4]; ok {
		delete(m.v6ToV4, oldV6)
	}
	if oldV4, ok := m.v6ToV4[v6]; ok {
		delete(m.v4ToV6, oldV4)
	}
	m.v4ToV6[v4] = v6
	m.v6ToV4[v6] = v4
}

// RemoveByV4 removes the pair keyed by v4, if any.
func (m *Map) RemoveByV4(v4 netip.Addr) {
	v6, ok := m.v4ToV6[v4]
	if !ok {
		return
	}
	delete(m.v4ToV6, v4)
	delete(m.v6ToV4, v6)
}

// RemoveByV6 removes the pair keyed by v6, if any.
func (m *Map) RemoveByV6(v6 netip.Addr) {
	v4, ok := m.v6ToV4[v6]
	if !ok {
		return
	}
	delete(m.v6ToV4, v6)
	delete(m.v4ToV6, v4)
}

// GetV6 returns the v6 address paired with v4.
func (m *Map) GetV6(v4 netip.Addr) (netip.Addr, bool) {
	v6, ok := m.v4ToV6[v4]
	return v6, ok
}

// GetV4 returns the v4 address paired with v6.
func (m *Map) GetV4(v6 netip.Addr) (netip.Addr, bool) {
	v4, ok := m.v6ToV4[v6]
	return v4, ok
}

// ContainsV4 reports whether v4 participates in a pair.
func (m *Map) ContainsV4(v4 netip.Addr) bool {
	_, ok := m.v4ToV6[v4]
	return ok
}

// ContainsV6 reports whether v6 participates in a pair.
func (m *Map) ContainsV6(v6 netip.Addr) bool {
	_, ok := m.v6ToV4[v6]
	return ok
}

// Len returns the number of pairs currently stored.
func (m *Map) Len() int {
	return len(m.v4ToV6)
}

// IsEmpty reports whether the map holds no pairs.
func (m *Map) IsEmpty() bool {
	return len(m.v4ToV6) == 0
}
