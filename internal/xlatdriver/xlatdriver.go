// Package xlatdriver implements the per-packet translation driver (C7):
// the read-translate-write loop run by one worker per TUN queue, plus the
// low-frequency janitor that prunes idle NAT bindings. It dispatches
// between NAT64's dynamic binding table and CLAT's stateless RFC 6052
// embedding, the way the original engine's worker loop does.
package xlatdriver

import (
	"context"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nat64d/nat64d/internal/logging"
	"github.com/nat64d/nat64d/internal/metrics"
	"github.com/nat64d/nat64d/pkg/iptranslate"
	"github.com/nat64d/nat64d/pkg/natbinding"
	"github.com/nat64d/nat64d/pkg/rfc6052"
)

// pruneInterval is the janitor's fixed period.
const pruneInterval = 30 * time.Second

// Device is the subset of pkg/tun.Device the driver needs: per-queue,
// blocking packet I/O.
type Device interface {
	ReadPacket(queueID int, buf []byte) (int, error)
	WritePacket(queueID int, buf []byte) (int, error)
	NumQueues() int
}

// Clock lets tests substitute a deterministic time source; production
// code uses realClock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

func isPrivateV4(a netip.Addr) bool {
	for _, p := range privateRanges {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

const (
	protoICMP   = 1
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58
)

// protocolLabel maps an IPv4 protocol / IPv6 next-header byte to the
// metrics protocol label used for the per-L4-protocol packet counter, the
// way the original engine's translation library counts packets per
// protocol in addition to per IP family.
func protocolLabel(b byte) (string, bool) {
	switch b {
	case protoICMP:
		return metrics.ProtoICMP, true
	case protoICMPv6:
		return metrics.ProtoICMPv6, true
	case protoTCP:
		return metrics.ProtoTCP, true
	case protoUDP:
		return metrics.ProtoUDP, true
	default:
		return "", false
	}
}

// ipv4ProtocolAndPayload extracts the next-level-protocol byte and the
// payload that follows an IPv4 header, for metrics purposes only; the
// actual translation re-parses the header independently.
func ipv4ProtocolAndPayload(packet []byte) (protocol byte, payload []byte, ok bool) {
	if len(packet) < 20 {
		return 0, nil, false
	}
	ihl := int(packet[0]&0x0f) * 4
	if ihl < 20 || len(packet) < ihl {
		return 0, nil, false
	}
	return packet[9], packet[ihl:], true
}

// ipv6NextHeaderAndPayload extracts the next-header byte and the payload
// that follows an IPv6 header, for metrics purposes only.
func ipv6NextHeaderAndPayload(packet []byte) (nextHeader byte, payload []byte, ok bool) {
	if len(packet) < 40 {
		return 0, nil, false
	}
	payloadLen := int(packet[4])<<8 | int(packet[5])
	payload = packet[40:]
	if payloadLen < len(payload) {
		payload = payload[:payloadLen]
	}
	return packet[6], payload, true
}

// recordICMP increments the icmp{protocol,type,code} counter for an
// ICMP or ICMPv6 payload's incoming type and code, before translation,
// matching the original engine's "track the incoming packet's type and
// code" behaviour.
func recordICMP(m *metrics.Collector, protocolLabel string, payload []byte) {
	if len(payload) < 2 {
		return
	}
	m.IncICMP(protocolLabel, payload[0], payload[1])
}

// Nat64Driver runs the dynamic NAT64 translation loop described in
// spec.md §4.7: v4 ingress requires an existing binding, v6 ingress
// allocates one on demand.
type Nat64Driver struct {
	dev               Device
	bindings          *natbinding.Table
	translationPrefix netip.Prefix
	metrics           *metrics.Collector
	log               *zap.SugaredLogger
	clock             Clock
	mtu               int
}

// NewNat64Driver constructs a driver over dev and bindings. log and m may
// be nil, in which case a no-op logger and an unregistered collector are
// used.
func NewNat64Driver(dev Device, bindings *natbinding.Table, translationPrefix netip.Prefix, m *metrics.Collector, log *zap.SugaredLogger, mtu int) *Nat64Driver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.NewCollector(prometheus.NewRegistry())
	}
	return &Nat64Driver{
		dev:               dev,
		bindings:          bindings,
		translationPrefix: translationPrefix,
		metrics:           m,
		log:               log,
		clock:             realClock{},
		mtu:               mtu,
	}
}

// Run starts one worker goroutine per queue plus the janitor, and blocks
// until ctx is cancelled. Workers themselves do not observe ctx directly:
// they terminate when a blocking read on a closed device returns an
// error, matching the "process termination is the only shutdown
// mechanism" model; ctx only governs the janitor's sleep.
func (d *Nat64Driver) Run(ctx context.Context) {
	for i := 0; i < d.dev.NumQueues(); i++ {
		go d.runWorker(i)
	}
	d.runJanitor(ctx)
}

func (d *Nat64Driver) runWorker(queueID int) {
	log := logging.ForQueue(d.log, queueID)
	buf := make([]byte, d.mtu+vlanSlack)

	for {
		n, err := d.dev.ReadPacket(queueID, buf)
		if err != nil {
			log.Infow("queue closed, worker exiting", "error", err)
			return
		}
		if n == 0 {
			continue
		}
		d.handlePacket(queueID, log, buf[:n])
	}
}

// vlanSlack pads the read buffer beyond the configured MTU so an
// oversized frame is still fully read in one syscall.
const vlanSlack = 64

func (d *Nat64Driver) handlePacket(queueID int, log *zap.SugaredLogger, packet []byte) {
	if len(packet) == 0 {
		return
	}
	version := packet[0] >> 4

	switch version {
	case 4:
		d.handleV4(queueID, log, packet)
	case 6:
		d.handleV6(queueID, log, packet)
	default:
		log.Warnw("dropping packet with unrecognised IP version", "version", version)
	}
}

func (d *Nat64Driver) handleV4(queueID int, log *zap.SugaredLogger, packet []byte) {
	if len(packet) < 20 {
		d.metrics.IncPacket(metrics.ProtoIPv4, metrics.StatusDropped)
		return
	}
	srcV4 := netip.AddrFrom4([4]byte(packet[12:16]))
	dstV4 := netip.AddrFrom4([4]byte(packet[16:20]))

	l4, payload, havel4 := ipv4ProtocolAndPayload(packet)
	l4Label, haveLabel := "", false
	if havel4 {
		l4Label, haveLabel = protocolLabel(l4)
		if l4 == protoICMP {
			recordICMP(d.metrics, metrics.ProtoICMP, payload)
		}
	}
	incL4 := func(status string) {
		if haveLabel {
			d.metrics.IncPacket(l4Label, status)
		}
	}

	now := d.clock.Now()
	dstV6, ok := d.bindings.LookupV6(dstV4, now)
	if !ok {
		log.Debugw("no binding for destination, dropping", "dest", dstV4)
		d.metrics.IncPacket(metrics.ProtoIPv4, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}

	srcV6 := rfc6052.EmbedUnchecked(srcV4, d.translationPrefix)

	translated, err := iptranslate.TranslateV4ToV6(packet, srcV6.As16(), dstV6.As16(), d.warnf(log))
	if err != nil {
		log.Debugw("translation failed", "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv4, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}

	if _, err := d.dev.WritePacket(queueID, translated); err != nil {
		log.Warnw("write failed", "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}
	d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusTranslated)
	incL4(metrics.StatusTranslated)
}

func (d *Nat64Driver) handleV6(queueID int, log *zap.SugaredLogger, packet []byte) {
	if len(packet) < 40 {
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		return
	}
	srcV6 := netip.AddrFrom16([16]byte(packet[8:24]))
	dstV6 := netip.AddrFrom16([16]byte(packet[24:40]))

	nextHeader, payload, haveL4 := ipv6NextHeaderAndPayload(packet)
	l4Label, haveLabel := "", false
	if haveL4 {
		l4Label, haveLabel = protocolLabel(nextHeader)
		if nextHeader == protoICMPv6 {
			recordICMP(d.metrics, metrics.ProtoICMPv6, payload)
		}
	}
	incL4 := func(status string) {
		if haveLabel {
			d.metrics.IncPacket(l4Label, status)
		}
	}

	if d.translationPrefix.Contains(srcV6) {
		log.Debugw("dropping packet sourced from inside the translation prefix", "src", srcV6)
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}

	dstV4, err := rfc6052.Extract(dstV6, d.translationPrefix.Bits())
	if err != nil {
		log.Debugw("destination does not embed an IPv4 address", "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}
	if isPrivateV4(dstV4) {
		log.Debugw("dropping packet to an RFC 1918 destination", "dest", dstV4)
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}

	now := d.clock.Now()
	srcV4, err := d.bindings.GetOrAllocateV4(srcV6, now)
	if err != nil {
		log.Warnw("IPv4 pool exhausted", "src", srcV6, "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}

	translated, err := iptranslate.TranslateV6ToV4(packet, srcV4.As4(), dstV4.As4(), d.warnf(log))
	if err != nil {
		log.Debugw("translation failed", "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}

	if _, err := d.dev.WritePacket(queueID, translated); err != nil {
		log.Warnw("write failed", "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv4, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}
	d.metrics.IncPacket(metrics.ProtoIPv4, metrics.StatusTranslated)
	incL4(metrics.StatusTranslated)
}

func (d *Nat64Driver) warnf(log *zap.SugaredLogger) func(string, ...any) {
	return func(format string, args ...any) {
		log.Warnf(format, args...)
	}
}

func (d *Nat64Driver) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.bindings.Prune(d.clock.Now())
		}
	}
}

// ClatDriver runs the stateless CLAT translation loop described in
// spec.md §4.7: both directions embed or extract an IPv4 address out of a
// fixed IPv6 prefix, with no shared mutable state.
type ClatDriver struct {
	dev     Device
	via     netip.Prefix
	metrics *metrics.Collector
	log     *zap.SugaredLogger
	mtu     int
}

// NewClatDriver constructs a driver over dev using via as the embed
// prefix. log and m may be nil, in which case a no-op logger and an
// unregistered collector are used.
func NewClatDriver(dev Device, via netip.Prefix, m *metrics.Collector, log *zap.SugaredLogger, mtu int) *ClatDriver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.NewCollector(prometheus.NewRegistry())
	}
	return &ClatDriver{dev: dev, via: via, metrics: m, log: log, mtu: mtu}
}

// Run starts one worker goroutine per queue and blocks until ctx is
// cancelled. CLAT has no shared mutable state, so there is no janitor.
func (d *ClatDriver) Run(ctx context.Context) {
	for i := 0; i < d.dev.NumQueues(); i++ {
		go d.runWorker(i)
	}
	<-ctx.Done()
}

func (d *ClatDriver) runWorker(queueID int) {
	log := logging.ForQueue(d.log, queueID)
	buf := make([]byte, d.mtu+vlanSlack)

	for {
		n, err := d.dev.ReadPacket(queueID, buf)
		if err != nil {
			log.Infow("queue closed, worker exiting", "error", err)
			return
		}
		if n == 0 {
			continue
		}
		d.handlePacket(queueID, log, buf[:n])
	}
}

func (d *ClatDriver) handlePacket(queueID int, log *zap.SugaredLogger, packet []byte) {
	if len(packet) == 0 {
		return
	}
	version := packet[0] >> 4

	switch version {
	case 4:
		d.handleV4(queueID, log, packet)
	case 6:
		d.handleV6(queueID, log, packet)
	default:
		log.Warnw("dropping packet with unrecognised IP version", "version", version)
	}
}

func (d *ClatDriver) handleV4(queueID int, log *zap.SugaredLogger, packet []byte) {
	if len(packet) < 20 {
		d.metrics.IncPacket(metrics.ProtoIPv4, metrics.StatusDropped)
		return
	}
	srcV4 := netip.AddrFrom4([4]byte(packet[12:16]))
	dstV4 := netip.AddrFrom4([4]byte(packet[16:20]))

	l4, payload, havel4 := ipv4ProtocolAndPayload(packet)
	l4Label, haveLabel := "", false
	if havel4 {
		l4Label, haveLabel = protocolLabel(l4)
		if l4 == protoICMP {
			recordICMP(d.metrics, metrics.ProtoICMP, payload)
		}
	}
	incL4 := func(status string) {
		if haveLabel {
			d.metrics.IncPacket(l4Label, status)
		}
	}

	srcV6 := rfc6052.EmbedUnchecked(srcV4, d.via)
	dstV6 := rfc6052.EmbedUnchecked(dstV4, d.via)

	translated, err := iptranslate.TranslateV4ToV6(packet, srcV6.As16(), dstV6.As16(), d.warnf(log))
	if err != nil {
		log.Debugw("translation failed", "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv4, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}
	if _, err := d.dev.WritePacket(queueID, translated); err != nil {
		log.Warnw("write failed", "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}
	d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusTranslated)
	incL4(metrics.StatusTranslated)
}

func (d *ClatDriver) handleV6(queueID int, log *zap.SugaredLogger, packet []byte) {
	if len(packet) < 40 {
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		return
	}
	srcV6 := netip.AddrFrom16([16]byte(packet[8:24]))
	dstV6 := netip.AddrFrom16([16]byte(packet[24:40]))

	nextHeader, payload, haveL4 := ipv6NextHeaderAndPayload(packet)
	l4Label, haveLabel := "", false
	if haveL4 {
		l4Label, haveLabel = protocolLabel(nextHeader)
		if nextHeader == protoICMPv6 {
			recordICMP(d.metrics, metrics.ProtoICMPv6, payload)
		}
	}
	incL4 := func(status string) {
		if haveLabel {
			d.metrics.IncPacket(l4Label, status)
		}
	}

	srcV4, err := rfc6052.Extract(srcV6, d.via.Bits())
	if err != nil {
		log.Debugw("source does not embed an IPv4 address", "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}
	dstV4, err := rfc6052.Extract(dstV6, d.via.Bits())
	if err != nil {
		log.Debugw("destination does not embed an IPv4 address", "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}

	translated, err := iptranslate.TranslateV6ToV4(packet, srcV4.As4(), dstV4.As4(), d.warnf(log))
	if err != nil {
		log.Debugw("translation failed", "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv6, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}
	if _, err := d.dev.WritePacket(queueID, translated); err != nil {
		log.Warnw("write failed", "error", err)
		d.metrics.IncPacket(metrics.ProtoIPv4, metrics.StatusDropped)
		incL4(metrics.StatusDropped)
		return
	}
	d.metrics.IncPacket(metrics.ProtoIPv4, metrics.StatusTranslated)
	incL4(metrics.StatusTranslated)
}

func (d *ClatDriver) warnf(log *zap.SugaredLogger) func(string, ...any) {
	return func(format string, args ...any) {
		log.Warnf(format, args...)
	}
}
