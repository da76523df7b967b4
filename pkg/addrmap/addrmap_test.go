package addrmap

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestInsertAndLookup(t *testing.T) {
	m := New()
	v4 := addr(t, "192.0.2.1")
	v6 := addr(t, "2001:db8::1")
	m.Insert(v4, v6)

	got6, ok := m.GetV6(v4)
	assert.True(t, ok)
	assert.Equal(t, v6, got6)

	got4, ok := m.GetV4(v6)
	assert.True(t, ok)
	assert.Equal(t, v4, got4)

	assert.True(t, m.ContainsV4(v4))
	assert.True(t, m.ContainsV6(v6))
	assert.Equal(t, 1, m.Len())
	assert.False(t, m.IsEmpty())
}

func TestInsertOverwritesCollidingV4(t *testing.T) {
	m := New()
	v4 := addr(t, "192.0.2.1")
	v6a := addr(t, "2001:db8::1")
	v6b := addr(t, "2001:db8::2")

	m.Insert(v4, v6a)
	m.Insert(v4, v6b)

	assert.Equal(t, 1, m.Len())
	assert.False(t, m.ContainsV6(v6a))
	got6, ok := m.GetV6(v4)
	assert.True(t, ok)
	assert.Equal(t, v6b, got6)
}

func TestInsertOverwritesCollidingV6(t *testing.T) {
	m := New()
	v4a := addr(t, "192.0.2.1")
	v4b := addr(t, "192.0.2.2")
	v6 := addr(t, "2001:db8::1")

	m.Insert(v4a, v6)
	m.Insert(v4b, v6)

	assert.Equal(t, 1, m.Len())
	assert.False(t, m.ContainsV4(v4a))
	got4, ok := m.GetV4(v6)
	assert.True(t, ok)
	assert.Equal(t, v4b, got4)
}

func TestRemoveByV4AndV6(t *testing.T) {
	m := New()
	v4 := addr(t, "192.0.2.1")
	v6 := addr(t, "2001:db8::1")
	m.Insert(v4, v6)

	m.RemoveByV4(v4)
	assert.True(t, m.IsEmpty())
	assert.False(t, m.ContainsV6(v6))

	m.Insert(v4, v6)
	m.RemoveByV6(v6)
	assert.True(t, m.IsEmpty())
	assert.False(t, m.ContainsV4(v4))
}

func TestRemoveMissingIsNoop(t *testing.T) {
	m := New()
	m.RemoveByV4(addr(t, "192.0.2.1"))
	m.RemoveByV6(addr(t, "2001:db8::1"))
	assert.True(t, m.IsEmpty())
}
