package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncPacket(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.IncPacket(ProtoIPv6, StatusTranslated)
	c.IncPacket(ProtoIPv6, StatusTranslated)
	c.IncPacket(ProtoIPv4, StatusDropped)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.Packets.WithLabelValues(ProtoIPv6, StatusTranslated)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Packets.WithLabelValues(ProtoIPv4, StatusDropped)))
}

func TestIncICMP(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.IncICMP(ProtoICMPv6, 128, 0)
	c.IncICMP(ProtoICMPv6, 128, 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.ICMP.WithLabelValues(ProtoICMPv6, "128", "0")))
}

func TestNewCollectorRegistersOnNilRegisterer(t *testing.T) {
	require.NotPanics(t, func() {
		c := NewCollector(nil)
		require.NotNil(t, c.Packets)
		require.NotNil(t, c.ICMP)
	})
}
