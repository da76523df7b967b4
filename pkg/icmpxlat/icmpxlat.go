// Package icmpxlat implements the best-effort ICMPv4<->ICMPv6 type/code
// mapping used by the NAT64 and CLAT engines, including recursive
// translation of the truncated offending packet carried by Destination
// Unreachable, Packet Too Big, and Time Exceeded messages.
package icmpxlat

import (
	"fmt"

	"github.com/nat64d/nat64d/pkg/xsum"
)

// minHeaderLen is the shortest an ICMP/ICMPv6 message can be: an 8-byte
// type/code/checksum/field header with no body.
const minHeaderLen = 8

// PacketTooShort is returned when the input is smaller than an ICMP
// header, or the embedded offending packet is smaller than a minimal IP
// header.
type PacketTooShort struct {
	Len      int
	Required int
}

func (e *PacketTooShort) Error() string {
	return fmt.Sprintf("icmpxlat: packet of %d bytes shorter than required %d", e.Len, e.Required)
}

// UnsupportedIcmpType is returned when an ICMPv4 (type, code) pair has no
// entry in the mapping table.
type UnsupportedIcmpType struct {
	Type, Code byte
}

func (e *UnsupportedIcmpType) Error() string {
	return fmt.Sprintf("icmpxlat: unsupported ICMPv4 type=%d code=%d", e.Type, e.Code)
}

// UnsupportedIcmpv6Type is returned when an ICMPv6 (type, code) pair has
// no entry in the mapping table.
type UnsupportedIcmpv6Type struct {
	Type, Code byte
}

func (e *UnsupportedIcmpv6Type) Error() string {
	return fmt.Sprintf("icmpxlat: unsupported ICMPv6 type=%d code=%d", e.Type, e.Code)
}

// kind classifies how the 4-byte field following type/code/checksum, and
// the bytes after it, must be reinterpreted across the translation.
type kind int

const (
	kindEcho    kind = iota // identifier+sequence field, opaque data body
	kindMTU                 // next-hop-MTU field, embedded offending packet body
	kindGeneric             // 4 reserved bytes, embedded offending packet body
)

const (
	icmpEchoReply      = 0
	icmpEchoRequest    = 8
	icmpDestUnreach    = 3
	icmpTimeExceeded   = 11
	icmpv6EchoRequest  = 128
	icmpv6EchoReply    = 129
	icmpv6DestUnreach  = 1
	icmpv6PacketTooBig = 2
	icmpv6TimeExceeded = 3
)

// MapV4ToV6 maps an ICMPv4 (type, code) pair to its ICMPv6 equivalent per
// the normative table. It fails with UnsupportedIcmpType for any pair not
// in the table.
func MapV4ToV6(t, c byte) (v6Type, v6Code byte, k kind, err error) {
	switch {
	case t == icmpEchoReply:
		return icmpv6EchoReply, 0, kindEcho, nil
	case t == icmpEchoRequest:
		return icmpv6EchoRequest, 0, kindEcho, nil
	case t == icmpDestUnreach && c == 4:
		return icmpv6PacketTooBig, 0, kindMTU, nil
	case t == icmpDestUnreach && (c == 0 || c == 6 || c == 7 || c == 8 || c == 11):
		return icmpv6DestUnreach, 0, kindGeneric, nil
	case t == icmpDestUnreach && (c == 1 || c == 12):
		return icmpv6DestUnreach, 3, kindGeneric, nil
	case t == icmpDestUnreach && c == 2:
		return icmpv6DestUnreach, 4, kindGeneric, nil
	case t == icmpDestUnreach && c == 3:
		return icmpv6DestUnreach, 4, kindGeneric, nil
	case t == icmpDestUnreach && c == 5:
		return icmpv6DestUnreach, 5, kindGeneric, nil
	case t == icmpDestUnreach && (c == 9 || c == 10 || c == 13 || c == 14 || c == 15):
		return icmpv6DestUnreach, 1, kindGeneric, nil
	case t == icmpTimeExceeded:
		return icmpv6TimeExceeded, c, kindGeneric, nil
	default:
		return 0, 0, 0, &UnsupportedIcmpType{Type: t, Code: c}
	}
}

// MapV6ToV4 maps an ICMPv6 (type, code) pair back to ICMPv4 per the
// reverse table in spec. Unmatched codes under a recognised type default
// to (3, 0), matching the documented fallback.
func MapV6ToV4(t, c byte) (v4Type, v4Code byte, k kind, err error) {
	switch t {
	case icmpv6EchoRequest:
		return icmpEchoRequest, 0, kindEcho, nil
	case icmpv6EchoReply:
		return icmpEchoReply, 0, kindEcho, nil
	case icmpv6PacketTooBig:
		return icmpDestUnreach, 4, kindMTU, nil
	case icmpv6DestUnreach:
		switch c {
		case 0:
			return icmpDestUnreach, 0, kindGeneric, nil
		case 1:
			return icmpDestUnreach, 13, kindGeneric, nil
		case 3:
			return icmpDestUnreach, 1, kindGeneric, nil
		case 4:
			return icmpDestUnreach, 3, kindGeneric, nil
		case 5:
			return icmpDestUnreach, 5, kindGeneric, nil
		default:
			return icmpDestUnreach, 0, kindGeneric, nil
		}
	case icmpv6TimeExceeded:
		return icmpTimeExceeded, c, kindGeneric, nil
	default:
		return 0, 0, 0, &UnsupportedIcmpv6Type{Type: t, Code: c}
	}
}

// TranslateV4ToV6 converts an ICMPv4 message into an ICMPv6 message,
// recomputing the checksum over the IPv6 pseudo-header formed from
// newSrc/newDst. Time Exceeded and Destination Unreachable messages carry
// their embedded offending packet forward, translated in place.
func TranslateV4ToV6(packet []byte, newSrc, newDst [16]byte) ([]byte, error) {
	if len(packet) < minHeaderLen {
		return nil, &PacketTooShort{Len: len(packet), Required: minHeaderLen}
	}
	v6Type, v6Code, k, err := MapV4ToV6(packet[0], packet[1])
	if err != nil {
		return nil, err
	}

	var out []byte
	switch k {
	case kindEcho:
		out = make([]byte, len(packet))
		copy(out[4:], packet[4:])
	case kindMTU:
		embedded, err := translateEmbeddedV4ToV6(packet[8:], newSrc, newDst)
		if err != nil {
			return nil, err
		}
		out = make([]byte, 8+len(embedded))
		mtu := uint16(packet[6])<<8 | uint16(packet[7])
		out[6], out[7] = byte(mtu>>8), byte(mtu)
		copy(out[8:], embedded)
	case kindGeneric:
		embedded, err := translateEmbeddedV4ToV6(packet[8:], newSrc, newDst)
		if err != nil {
			return nil, err
		}
		out = make([]byte, 8+len(embedded))
		copy(out[4:8], packet[4:8])
		copy(out[8:], embedded)
	}
	out[0] = v6Type
	out[1] = v6Code

	out[2], out[3] = 0, 0
	sum := xsum.ICMPv6Checksum(out, newSrc, newDst)
	out[2], out[3] = byte(sum>>8), byte(sum)
	return out, nil
}

// TranslateV6ToV4 is the mirror of TranslateV4ToV6.
func TranslateV6ToV4(packet []byte, newSrc, newDst [4]byte) ([]byte, error) {
	if len(packet) < minHeaderLen {
		return nil, &PacketTooShort{Len: len(packet), Required: minHeaderLen}
	}
	v4Type, v4Code, k, err := MapV6ToV4(packet[0], packet[1])
	if err != nil {
		return nil, err
	}

	var out []byte
	switch k {
	case kindEcho:
		out = make([]byte, len(packet))
		copy(out[4:], packet[4:])
	case kindMTU:
		embedded, err := translateEmbeddedV6ToV4(packet[8:], newSrc, newDst)
		if err != nil {
			return nil, err
		}
		out = make([]byte, 8+len(embedded))
		mtu := uint32(packet[4])<<24 | uint32(packet[5])<<16 | uint32(packet[6])<<8 | uint32(packet[7])
		out[6], out[7] = byte(mtu>>8), byte(mtu)
		copy(out[8:], embedded)
	case kindGeneric:
		embedded, err := translateEmbeddedV6ToV4(packet[8:], newSrc, newDst)
		if err != nil {
			return nil, err
		}
		out = make([]byte, 8+len(embedded))
		copy(out[4:8], packet[4:8])
		copy(out[8:], embedded)
	}
	out[0] = v4Type
	out[1] = v4Code

	out[2], out[3] = 0, 0
	sum := xsum.ICMPChecksum(out)
	out[2], out[3] = byte(sum>>8), byte(sum)
	return out, nil
}

// innerPreviewLen is the number of L4 octets the outer ICMP message
// preserves from the datagram it is reporting on.
const innerPreviewLen = 8

// translateEmbeddedV4ToV6 rewrites the truncated offending IPv4 packet
// carried inside a Destination Unreachable / Packet Too Big / Time
// Exceeded message into its IPv6 equivalent, reusing the outer
// translation's new source/destination per spec, and returns the new
// embedded packet bytes.
func translateEmbeddedV4ToV6(src []byte, newSrc, newDst [16]byte) ([]byte, error) {
	const minIPv4Header = 20
	if len(src) < minIPv4Header {
		return nil, &PacketTooShort{Len: len(src), Required: minIPv4Header}
	}
	ihl := int(src[0]&0x0f) * 4
	if ihl < minIPv4Header || len(src) < ihl {
		return nil, &PacketTooShort{Len: len(src), Required: minIPv4Header}
	}
	ttl := src[8]
	protocol := src[9]
	l4 := src[ihl:]

	preview := l4
	if len(preview) > innerPreviewLen {
		preview = preview[:innerPreviewLen]
	}

	out := make([]byte, 40+len(preview))
	out[0] = 0x60
	out[4] = byte(len(preview) >> 8)
	out[5] = byte(len(preview))
	out[6] = protocol
	out[7] = ttl
	copy(out[8:24], newSrc[:])
	copy(out[24:40], newDst[:])

	l4out := out[40:]
	copy(l4out, preview)
	if protocol == 1 && len(l4out) >= 2 {
		// ICMP embedded in the offending packet: remap type/code only,
		// the original checksum is already stale and is zeroed rather
		// than recomputed over a truncated body.
		if v6Type, v6Code, _, err := MapV4ToV6(l4out[0], l4out[1]); err == nil {
			l4out[0], l4out[1] = v6Type, v6Code
			out[6] = 58
			if len(l4out) >= 4 {
				l4out[2], l4out[3] = 0, 0
			}
		}
	}
	return out, nil
}

// translateEmbeddedV6ToV4 is the mirror of translateEmbeddedV4ToV6.
func translateEmbeddedV6ToV4(src []byte, newSrc, newDst [4]byte) ([]byte, error) {
	const minIPv6Header = 40
	if len(src) < minIPv6Header {
		return nil, &PacketTooShort{Len: len(src), Required: minIPv6Header}
	}
	nextHeader := src[6]
	hopLimit := src[7]
	l4 := src[40:]
	preview := l4
	if len(preview) > innerPreviewLen {
		preview = preview[:innerPreviewLen]
	}

	protocol := nextHeader
	if nextHeader == 58 {
		protocol = 1
	}

	const v4HeaderLen = 20
	totalLen := v4HeaderLen + len(preview)
	out := make([]byte, totalLen)
	out[0] = 0x45
	out[2] = byte(totalLen >> 8)
	out[3] = byte(totalLen)
	out[8] = hopLimit
	out[9] = protocol
	copy(out[12:16], newSrc[:])
	copy(out[16:20], newDst[:])

	l4out := out[v4HeaderLen:]
	copy(l4out, preview)
	if nextHeader == 58 && len(l4out) >= 2 {
		if v4Type, v4Code, _, err := MapV6ToV4(l4out[0], l4out[1]); err == nil {
			l4out[0], l4out[1] = v4Type, v4Code
			if len(l4out) >= 4 {
				l4out[2], l4out[3] = 0, 0
			}
		}
	}

	sum := xsum.IPv4HeaderChecksum(out[:v4HeaderLen])
	out[10], out[11] = byte(sum>>8), byte(sum)
	return out, nil
}
