// Package iptranslate rewrites IPv4 headers to IPv6 and back, dispatching
// the payload to pkg/icmpxlat for ICMP or recomputing the L4 checksum for
// TCP/UDP, per RFC 6145 section 4/5.
package iptranslate

import (
	"fmt"

	"github.com/nat64d/nat64d/pkg/icmpxlat"
	"github.com/nat64d/nat64d/pkg/xsum"
)

const (
	protoICMP   = 1
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58

	v4HeaderLen = 20
	v6HeaderLen = 40
)

// PacketTooShort is returned when the input is shorter than a minimal
// IPv4 or IPv6 header.
type PacketTooShort struct {
	Len      int
	Required int
}

func (e *PacketTooShort) Error() string {
	return fmt.Sprintf("iptranslate: packet of %d bytes shorter than required %d", e.Len, e.Required)
}

// TranslateV4ToV6 rewrites an IPv4 packet into its IPv6 equivalent. The
// new source and destination are supplied by the caller (computed via
// RFC 6052 embedding or a NAT binding lookup); this function only handles
// the header/payload rewrite.
func TranslateV4ToV6(packet []byte, newSrc, newDst [16]byte, warn func(format string, args ...any)) ([]byte, error) {
	if len(packet) < v4HeaderLen {
		return nil, &PacketTooShort{Len: len(packet), Required: v4HeaderLen}
	}
	ihl := int(packet[0]&0x0f) * 4
	if ihl < v4HeaderLen || len(packet) < ihl {
		return nil, &PacketTooShort{Len: len(packet), Required: v4HeaderLen}
	}
	ttl := packet[8]
	protocol := packet[9]
	payload := packet[ihl:]

	var newPayload []byte
	nextHeader := protocol
	switch protocol {
	case protoICMP:
		translated, err := icmpxlat.TranslateV4ToV6(payload, newSrc, newDst)
		if err != nil {
			return nil, err
		}
		newPayload = translated
		nextHeader = protoICMPv6
	case protoTCP:
		newPayload = append([]byte(nil), payload...)
		zeroChecksum(newPayload, 16)
		sum := xsum.TCPChecksumV6(newPayload, newSrc, newDst, protoTCP)
		putChecksum(newPayload, 16, sum)
	case protoUDP:
		newPayload = append([]byte(nil), payload...)
		zeroChecksum(newPayload, 6)
		sum := xsum.UDPChecksumV6(newPayload, newSrc, newDst, protoUDP)
		putChecksum(newPayload, 6, sum)
	default:
		if warn != nil {
			warn("iptranslate: passing through unrecognised next-level-protocol %d unchanged", protocol)
		}
		newPayload = payload
	}

	out := make([]byte, v6HeaderLen+len(newPayload))
	out[0] = 0x60
	out[4] = byte(len(newPayload) >> 8)
	out[5] = byte(len(newPayload))
	out[6] = nextHeader
	out[7] = ttl
	copy(out[8:24], newSrc[:])
	copy(out[24:40], newDst[:])
	copy(out[40:], newPayload)
	return out, nil
}

// TranslateV6ToV4 mirrors TranslateV4ToV6.
func TranslateV6ToV4(packet []byte, newSrc, newDst [4]byte, warn func(format string, args ...any)) ([]byte, error) {
	if len(packet) < v6HeaderLen {
		return nil, &PacketTooShort{Len: len(packet), Required: v6HeaderLen}
	}
	payloadLen := int(packet[4])<<8 | int(packet[5])
	nextHeader := packet[6]
	hopLimit := packet[7]
	payload := packet[v6HeaderLen:]
	if payloadLen > len(payload) {
		payloadLen = len(payload)
	}
	payload = payload[:payloadLen]

	var newPayload []byte
	protocol := nextHeader
	switch nextHeader {
	case protoICMPv6:
		translated, err := icmpxlat.TranslateV6ToV4(payload, newSrc, newDst)
		if err != nil {
			return nil, err
		}
		newPayload = translated
		protocol = protoICMP
	case protoTCP:
		newPayload = append([]byte(nil), payload...)
		zeroChecksum(newPayload, 16)
		sum := xsum.TCPChecksumV4(newPayload, newSrc, newDst, protoTCP)
		putChecksum(newPayload, 16, sum)
	case protoUDP:
		newPayload = append([]byte(nil), payload...)
		zeroChecksum(newPayload, 6)
		sum := xsum.UDPChecksumV4(newPayload, newSrc, newDst, protoUDP)
		putChecksum(newPayload, 6, sum)
	default:
		if warn != nil {
			warn("iptranslate: passing through unrecognised next-header %d unchanged", nextHeader)
		}
		newPayload = payload
	}

	totalLen := v4HeaderLen + len(newPayload)
	out := make([]byte, totalLen)
	out[0] = 0x45 // version 4, IHL 5 (no options)
	out[1] = 0    // DSCP/ECN zeroed
	out[2] = byte(totalLen >> 8)
	out[3] = byte(totalLen)
	// identification, flags, fragment-offset all zeroed (spec §9 open
	// question (a)): lossy for fragmented flows, accepted as current
	// behaviour.
	out[8] = hopLimit
	out[9] = protocol
	copy(out[12:16], newSrc[:])
	copy(out[16:20], newDst[:])
	copy(out[v4HeaderLen:], newPayload)

	sum := xsum.IPv4HeaderChecksum(out[:v4HeaderLen])
	out[10], out[11] = byte(sum>>8), byte(sum)
	return out, nil
}

func zeroChecksum(segment []byte, offset int) {
	if len(segment) >= offset+2 {
		segment[offset] = 0
		segment[offset+1] = 0
	}
}

func putChecksum(segment []byte, offset int, sum uint16) {
	if len(segment) >= offset+2 {
		segment[offset] = byte(sum >> 8)
		segment[offset+1] = byte(sum)
	}
}
