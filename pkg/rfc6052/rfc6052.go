// Package rfc6052 implements the IPv4-embedded IPv6 address format
// described in RFC 6052 section 2.2: embedding a 32-bit IPv4 address into
// an IPv6 prefix, and extracting it back out.
package rfc6052

import (
	"fmt"
	"net/netip"
)

// ErrInvalidPrefixLength is returned when a prefix length other than one
// of the six lengths permitted by RFC 6052 is used with a checked entry
// point.
type ErrInvalidPrefixLength int

func (e ErrInvalidPrefixLength) Error() string {
	return fmt.Sprintf("rfc6052: invalid prefix length %d, must be one of 32, 40, 48, 56, 64, 96", int(e))
}

// reservedByte is the octet at bits 64..71 that RFC 6052 reserves (and
// requires to be zero) for every prefix length shorter than /96.
const reservedByte = 8

// validLengths holds the six prefix lengths RFC 6052 permits.
var validLengths = [...]int{32, 40, 48, 56, 64, 96}

// ValidPrefixLength reports whether l is one of the six lengths RFC 6052
// permits for embedding.
func ValidPrefixLength(l int) bool {
	for _, v := range validLengths {
		if v == l {
			return true
		}
	}
	return false
}

// Embed inserts v4 into prefix at the bit positions RFC 6052 section 2.2
// defines for prefix's length. It fails with ErrInvalidPrefixLength if
// prefix's length is not one of {32, 40, 48, 56, 64, 96}.
func Embed(v4 netip.Addr, prefix netip.Prefix) (netip.Addr, error) {
	if !v4.Is4() {
		return netip.Addr{}, fmt.Errorf("rfc6052: %s is not an IPv4 address", v4)
	}
	if !prefix.Addr().Is6() {
		return netip.Addr{}, fmt.Errorf("rfc6052: %s is not an IPv6 prefix", prefix)
	}
	if !ValidPrefixLength(prefix.Bits()) {
		return netip.Addr{}, ErrInvalidPrefixLength(prefix.Bits())
	}
	return EmbedUnchecked(v4, prefix), nil
}

// EmbedUnchecked is Embed without prefix-length validation. Callers on a
// path driven by configuration parsing must use Embed instead.
func EmbedUnchecked(v4 netip.Addr, prefix netip.Prefix) netip.Addr {
	v6 := prefix.Addr().As16()
	v4b := v4.As4()
	embedBytes(&v6, v4b, prefix.Bits())
	return netip.AddrFrom16(v6)
}

// Extract recovers the IPv4 address embedded in v6 at the bit positions
// implied by prefixLen. It fails with ErrInvalidPrefixLength if prefixLen
// is not one of {32, 40, 48, 56, 64, 96}.
func Extract(v6 netip.Addr, prefixLen int) (netip.Addr, error) {
	if !v6.Is6() {
		return netip.Addr{}, fmt.Errorf("rfc6052: %s is not an IPv6 address", v6)
	}
	if !ValidPrefixLength(prefixLen) {
		return netip.Addr{}, ErrInvalidPrefixLength(prefixLen)
	}
	return ExtractUnchecked(v6, prefixLen), nil
}

// ExtractUnchecked is Extract without prefix-length validation.
func ExtractUnchecked(v6 netip.Addr, prefixLen int) netip.Addr {
	b := v6.As16()
	v4 := extractBytes(&b, prefixLen)
	return netip.AddrFrom4(v4)
}

// EmbedPrefix embeds the IPv4 network v4Prefix describes into via,
// producing the IPv6 prefix that covers exactly the same set of hosts.
// The returned prefix length is longer than via.Bits()+v4Prefix.Bits()
// whenever the embedding crosses the all-zero reserved octet at bits
// 64..71 that RFC 6052 section 2.2 mandates for prefixes shorter than
// /96, since those 8 bits are part of the fixed (known) portion of the
// result even though they carry no address bits.
func EmbedPrefix(v4Prefix netip.Prefix, via netip.Prefix) (netip.Prefix, error) {
	if !v4Prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("rfc6052: %s is not an IPv4 prefix", v4Prefix)
	}
	if !via.Addr().Is6() {
		return netip.Prefix{}, fmt.Errorf("rfc6052: %s is not an IPv6 prefix", via)
	}
	if !ValidPrefixLength(via.Bits()) {
		return netip.Prefix{}, ErrInvalidPrefixLength(via.Bits())
	}
	network := v4Prefix.Masked().Addr()
	embedded := EmbedUnchecked(network, via)
	bits := embeddedPrefixBits(via.Bits(), v4Prefix.Bits())
	return netip.PrefixFrom(embedded, bits), nil
}

// embeddedPrefixBits computes the resulting IPv6 prefix length for
// embedding the first v4Bits bits of an IPv4 address into a via prefix
// of length viaBits, accounting for the reserved octet embedBytes skips
// over for every viaBits shorter than 96.
func embeddedPrefixBits(viaBits, v4Bits int) int {
	if viaBits == 96 {
		return viaBits + v4Bits
	}
	prefixBytes := viaBits / 8
	firstBits := (8 - prefixBytes) * 8
	if firstBits > 32 {
		firstBits = 32
	}
	if v4Bits <= firstBits {
		return viaBits + v4Bits
	}
	return viaBits + firstBits + 8 + (v4Bits - firstBits)
}

// embedBytes writes the 4 bytes of v4 into v6 at the positions RFC 6052
// defines for prefixLen. Every permitted length is byte aligned. Below
// 96, the prefix occupies prefixLen/8 whole bytes, the reserved octet
// sits at byte 8, and the IPv4 bytes fill whatever is left before and
// after that octet. 96 has no reserved octet; the address fills the last
// 4 bytes outright.
func embedBytes(v6 *[16]byte, v4 [4]byte, prefixLen int) {
	if prefixLen == 96 {
		copy(v6[12:16], v4[:])
		return
	}
	v6[reservedByte] = 0
	prefixBytes := prefixLen / 8
	firstLen := 8 - prefixBytes
	if firstLen > 4 {
		firstLen = 4
	}
	if firstLen > 0 {
		copy(v6[prefixBytes:prefixBytes+firstLen], v4[:firstLen])
	}
	if remaining := 4 - firstLen; remaining > 0 {
		copy(v6[reservedByte+1:reservedByte+1+remaining], v4[firstLen:])
	}
}

// extractBytes is the inverse of embedBytes.
func extractBytes(v6 *[16]byte, prefixLen int) [4]byte {
	var v4 [4]byte
	if prefixLen == 96 {
		copy(v4[:], v6[12:16])
		return v4
	}
	prefixBytes := prefixLen / 8
	firstLen := 8 - prefixBytes
	if firstLen > 4 {
		firstLen = 4
	}
	if firstLen > 0 {
		copy(v4[:firstLen], v6[prefixBytes:prefixBytes+firstLen])
	}
	if remaining := 4 - firstLen; remaining > 0 {
		copy(v4[firstLen:], v6[reservedByte+1:reservedByte+1+remaining])
	}
	return v4
}
