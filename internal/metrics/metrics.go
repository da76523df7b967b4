// Package metrics exposes the translator's Prometheus counters: packets
// translated or dropped per protocol, and ICMP/ICMPv6 messages observed per
// type and code.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "nat64d"
	subsystem = "xlat"
)

// Label values for the protocol dimension.
const (
	ProtoIPv4   = "ipv4"
	ProtoIPv6   = "ipv6"
	ProtoICMP   = "icmp"
	ProtoICMPv6 = "icmpv6"
	ProtoTCP    = "tcp"
	ProtoUDP    = "udp"
)

// Label values for the status dimension.
const (
	StatusTranslated = "translated"
	StatusDropped    = "dropped"
)

const (
	labelProtocol = "protocol"
	labelStatus   = "status"
	labelType     = "type"
	labelCode     = "code"
)

// Collector holds the two counter families described for C10: one
// tracking translated/dropped packets per protocol, one tracking observed
// ICMP/ICMPv6 messages per type and code.
type Collector struct {
	Packets *prometheus.CounterVec
	ICMP    *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(c.Packets, c.ICMP)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_total",
			Help:      "Total packets observed, labelled by protocol and outcome.",
		}, []string{labelProtocol, labelStatus}),

		ICMP: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "icmp_messages_total",
			Help:      "Total ICMP/ICMPv6 messages observed, labelled by protocol, type and code.",
		}, []string{labelProtocol, labelType, labelCode}),
	}
}

// IncPacket records one packet of protocol having reached status.
func (c *Collector) IncPacket(protocol, status string) {
	c.Packets.WithLabelValues(protocol, status).Inc()
}

// IncICMP records one ICMP or ICMPv6 message of the given type and code.
func (c *Collector) IncICMP(protocol string, icmpType, icmpCode byte) {
	c.ICMP.WithLabelValues(protocol, fmt.Sprintf("%d", icmpType), fmt.Sprintf("%d", icmpCode)).Inc()
}

// NewServer builds the HTTP server exposing reg at path on addr.
func NewServer(addr, path string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServe runs srv on addr until ctx is cancelled or srv.Shutdown is
// called, treating http.ErrServerClosed as a clean exit.
func ListenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve on %s: %w", addr, err)
	}
	return nil
}
